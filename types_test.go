package paycore

import (
	"testing"
	"time"
)

func TestUSDToLamports(t *testing.T) {
	tests := []struct {
		name    string
		cents   int64
		rate    float64
		want    int64
		wantErr error
	}{
		{
			name:  "one dollar at 100 per sol",
			cents: 100,
			rate:  100,
			want:  10_000_000,
		},
		{
			name:  "quarter at 150 per sol",
			cents: 25,
			rate:  150,
			want:  1_666_666,
		},
		{
			name:  "ten dollars at 200 per sol",
			cents: 1000,
			rate:  200,
			want:  50_000_000,
		},
		{
			name:  "zero cents",
			cents: 0,
			rate:  150,
			want:  0,
		},
		{
			name:    "negative cents",
			cents:   -1,
			rate:    150,
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "zero rate",
			cents:   100,
			rate:    0,
			wantErr: ErrInvalidRate,
		},
		{
			name:    "negative rate",
			cents:   100,
			rate:    -5,
			wantErr: ErrInvalidRate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := USDToLamports(tt.cents, tt.rate)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Fatalf("USDToLamports() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("USDToLamports() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("USDToLamports() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLamportsToUSD(t *testing.T) {
	got, err := LamportsToUSD(10_000_000, 100)
	if err != nil {
		t.Fatalf("LamportsToUSD() unexpected error: %v", err)
	}
	if got != 100 {
		t.Errorf("LamportsToUSD() = %d, want 100", got)
	}

	if _, err := LamportsToUSD(1, 0); err != ErrInvalidRate {
		t.Errorf("LamportsToUSD() error = %v, want ErrInvalidRate", err)
	}
}

func TestSessionRemaining(t *testing.T) {
	s := &Session{AuthorizedLamports: 1000, SpentLamports: 250}
	if got := s.Remaining(); got != 750 {
		t.Errorf("Remaining() = %d, want 750", got)
	}
}

func TestTransferStatusTerminal(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   bool
	}{
		{TransferSubmitted, false},
		{TransferConfirmed, true},
		{TransferFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSessionExpiryWindow(t *testing.T) {
	s := &Session{
		Status:    SessionActive,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if !time.Now().After(s.ExpiresAt) {
		t.Fatal("expected session to be past expiry")
	}
}
