package oracle

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/agentmesh/paycore/chain"
)

type fakeAccountClient struct {
	data []byte
	err  error
}

func (f *fakeAccountClient) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

func (f *fakeAccountClient) Balance(context.Context, solana.PublicKey) (uint64, error) {
	return 0, nil
}

func (f *fakeAccountClient) SendTransaction(context.Context, *solana.Transaction) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func (f *fakeAccountClient) SignatureStatus(context.Context, solana.Signature) (*chain.SignatureStatus, error) {
	return nil, nil
}

func (f *fakeAccountClient) AccountData(context.Context, solana.PublicKey) ([]byte, error) {
	return f.data, f.err
}

func pythAccount(exponent int32, price int64) []byte {
	data := make([]byte, pythMinAccountLen)
	binary.LittleEndian.PutUint32(data[0:4], pythMagic)
	binary.LittleEndian.PutUint32(data[pythExponentOffset:], uint32(exponent))
	binary.LittleEndian.PutUint64(data[pythPriceOffset:], uint64(price))
	return data
}

func TestPythFeedParsesPriceAccount(t *testing.T) {
	feed := NewPythFeed(&fakeAccountClient{data: pythAccount(-8, 15_000_000_000)}, solana.PublicKey{})

	rate, err := feed.Rate(context.Background())
	if err != nil {
		t.Fatalf("Rate() error: %v", err)
	}
	if rate != 150 {
		t.Errorf("rate = %v, want 150", rate)
	}
}

func TestPythFeedRejectsBadAccounts(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantMsg string
	}{
		{
			name:    "short account",
			data:    make([]byte, 32),
			wantMsg: "too short",
		},
		{
			name:    "wrong magic",
			data:    make([]byte, pythMinAccountLen),
			wantMsg: "wrong magic",
		},
		{
			name:    "zero price",
			data:    pythAccount(-8, 0),
			wantMsg: "unusable rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := NewPythFeed(&fakeAccountClient{data: tt.data}, solana.PublicKey{})
			_, err := feed.Rate(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Rate() error = %v, want containing %q", err, tt.wantMsg)
			}
		})
	}
}
