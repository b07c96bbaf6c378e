package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/logging"
)

type stubFeed struct {
	name  string
	rate  float64
	err   error
	calls int
}

func (f *stubFeed) Name() string { return f.name }

func (f *stubFeed) Rate(_ context.Context) (float64, error) {
	f.calls++
	return f.rate, f.err
}

func TestConvertFallsBackToSecondaryFeed(t *testing.T) {
	primary := &stubFeed{name: "primary", err: errors.New("timeout")}
	secondary := &stubFeed{name: "secondary", rate: 150}
	o := New(primary, secondary, WithLogger(logging.NewTestLogger()))

	q, err := o.Convert(context.Background(), 25)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if q.Lamports != 1_666_666 {
		t.Errorf("Lamports = %d, want 1666666", q.Lamports)
	}
	if q.Source != SourceSecondary {
		t.Errorf("Source = %s, want secondary", q.Source)
	}
	if q.Degraded {
		t.Error("quote from a live feed should not be degraded")
	}
	if primary.calls != 1 {
		t.Errorf("primary feed called %d times, want 1", primary.calls)
	}
}

func TestConvertServesFreshCacheWithoutHittingFeeds(t *testing.T) {
	primary := &stubFeed{name: "primary", rate: 150}
	o := New(primary, nil, WithLogger(logging.NewTestLogger()))

	if _, err := o.Convert(context.Background(), 100); err != nil {
		t.Fatalf("Convert() error: %v", err)
	}

	q, err := o.Convert(context.Background(), 100)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if q.Source != SourceCache || q.Degraded {
		t.Errorf("Source = %s degraded = %v, want cache/false", q.Source, q.Degraded)
	}
	if primary.calls != 1 {
		t.Errorf("primary feed called %d times, want 1", primary.calls)
	}
}

func TestConvertServesStaleCacheWhenFeedsAreDown(t *testing.T) {
	primary := &stubFeed{name: "primary", rate: 150}
	o := New(primary, nil, WithLogger(logging.NewTestLogger()), WithCacheTTL(30*time.Second))

	if _, err := o.Convert(context.Background(), 100); err != nil {
		t.Fatalf("Convert() error: %v", err)
	}

	// Expire the cache and kill the feed.
	o.now = func() time.Time { return time.Now().Add(time.Minute) }
	primary.rate = 0
	primary.err = errors.New("down")

	q, err := o.Convert(context.Background(), 100)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if q.Source != SourceCache || !q.Degraded {
		t.Errorf("Source = %s degraded = %v, want cache/true", q.Source, q.Degraded)
	}
	if q.Rate != 150 {
		t.Errorf("Rate = %v, want stale cached 150", q.Rate)
	}
}

func TestConvertServesDefaultRateWithoutCache(t *testing.T) {
	primary := &stubFeed{name: "primary", err: errors.New("down")}
	o := New(primary, nil,
		WithLogger(logging.NewTestLogger()),
		WithDefaultRate(100),
	)

	q, err := o.Convert(context.Background(), 200)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if q.Source != SourceDefault || !q.Degraded {
		t.Errorf("Source = %s degraded = %v, want default/true", q.Source, q.Degraded)
	}
	if q.Lamports != 20_000_000 {
		t.Errorf("Lamports = %d, want 20000000", q.Lamports)
	}
}

func TestConvertFailsWithNoRateAnywhere(t *testing.T) {
	primary := &stubFeed{name: "primary", err: errors.New("down")}
	o := New(primary, nil, WithLogger(logging.NewTestLogger()))

	_, err := o.Convert(context.Background(), 100)
	if !errors.Is(err, paycore.ErrNetworkUnavailable) {
		t.Fatalf("Convert() error = %v, want ErrNetworkUnavailable", err)
	}

	var perr *paycore.PaymentError
	if !errors.As(err, &perr) || perr.Code != paycore.ErrCodeNetworkUnavailable {
		t.Errorf("error not coded network_unavailable: %v", err)
	}
}

func TestConvertRejectsNonPositiveAmounts(t *testing.T) {
	o := New(&stubFeed{name: "primary", rate: 150}, nil, WithLogger(logging.NewTestLogger()))

	for _, cents := range []int64{0, -5} {
		if _, err := o.Convert(context.Background(), cents); !errors.Is(err, paycore.ErrInvalidAmount) {
			t.Errorf("Convert(%d) error = %v, want ErrInvalidAmount", cents, err)
		}
	}
}

func TestConvertIgnoresNonPositiveFeedRates(t *testing.T) {
	primary := &stubFeed{name: "primary", rate: -3}
	secondary := &stubFeed{name: "secondary", rate: 150}
	o := New(primary, secondary, WithLogger(logging.NewTestLogger()))

	q, err := o.Convert(context.Background(), 100)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if q.Source != SourceSecondary {
		t.Errorf("Source = %s, want secondary", q.Source)
	}
}
