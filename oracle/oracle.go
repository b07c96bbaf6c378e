// Package oracle converts stable-denominated amounts to native lamports
// using a primary on-chain price feed with an off-chain fallback. Rates
// are cached with a short TTL; when every feed is down the oracle keeps
// quoting from the stale cache, or a configured default rate, and marks
// the quote degraded so callers can decline large transfers.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
)

// Source identifies where a quote's conversion rate came from.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceCache     Source = "cache"
	SourceDefault   Source = "default"
)

// Quote is a priced conversion of a USD cent amount into lamports.
type Quote struct {
	Cents     int64     `json:"cents"`
	Lamports  int64     `json:"lamports"`
	Rate      float64   `json:"rate"`
	Source    Source    `json:"source"`
	FetchedAt time.Time `json:"fetchedAt"`

	// Degraded is set when the rate did not come from a live feed.
	Degraded bool `json:"degraded"`
}

// Feed supplies the current USD-per-SOL rate.
type Feed interface {
	// Name identifies the feed in logs.
	Name() string

	// Rate returns the current rate. A non-positive rate is a feed
	// error.
	Rate(ctx context.Context) (float64, error)
}

const (
	defaultCacheTTL    = 30 * time.Second
	defaultFeedTimeout = 5 * time.Second
)

// Oracle resolves conversion rates from a primary and a secondary feed.
type Oracle struct {
	primary   Feed
	secondary Feed

	cacheTTL    time.Duration
	feedTimeout time.Duration
	defaultRate float64
	logger      *logrus.Logger
	now         func() time.Time

	mu        sync.RWMutex
	rate      float64
	fetchedAt time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithCacheTTL sets how long a fetched rate is served without hitting a
// feed again.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Oracle) { o.cacheTTL = ttl }
}

// WithFeedTimeout bounds each individual feed fetch.
func WithFeedTimeout(d time.Duration) Option {
	return func(o *Oracle) { o.feedTimeout = d }
}

// WithDefaultRate sets the rate of last resort, used when both feeds are
// down and no cached rate exists. Zero disables the fallback.
func WithDefaultRate(rate float64) Option {
	return func(o *Oracle) { o.defaultRate = rate }
}

// WithLogger sets the structured logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *Oracle) { o.logger = logger }
}

// New creates an oracle over the given feeds. The secondary feed may be
// nil.
func New(primary, secondary Feed, opts ...Option) *Oracle {
	o := &Oracle{
		primary:     primary,
		secondary:   secondary,
		cacheTTL:    defaultCacheTTL,
		feedTimeout: defaultFeedTimeout,
		logger:      logrus.New(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Convert prices a USD cent amount in lamports. The quote records the
// rate, its source, and whether the oracle is running degraded.
func (o *Oracle) Convert(ctx context.Context, cents int64) (*Quote, error) {
	if cents <= 0 {
		return nil, paycore.ErrInvalidAmount
	}

	rate, source, fetchedAt, degraded, err := o.resolveRate(ctx)
	if err != nil {
		return nil, err
	}

	lamports, err := paycore.USDToLamports(cents, rate)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Cents:     cents,
		Lamports:  lamports,
		Rate:      rate,
		Source:    source,
		FetchedAt: fetchedAt,
		Degraded:  degraded,
	}, nil
}

// Rate returns the current conversion rate and its source.
func (o *Oracle) Rate(ctx context.Context) (float64, Source, error) {
	rate, source, _, _, err := o.resolveRate(ctx)
	return rate, source, err
}

func (o *Oracle) resolveRate(ctx context.Context) (float64, Source, time.Time, bool, error) {
	o.mu.RLock()
	cached := o.rate
	fetchedAt := o.fetchedAt
	o.mu.RUnlock()

	now := o.now()
	if cached > 0 && now.Sub(fetchedAt) < o.cacheTTL {
		return cached, SourceCache, fetchedAt, false, nil
	}

	if rate, ok := o.fetch(ctx, o.primary); ok {
		o.storeRate(rate, now)
		return rate, SourcePrimary, now, false, nil
	}
	if rate, ok := o.fetch(ctx, o.secondary); ok {
		o.storeRate(rate, now)
		return rate, SourceSecondary, now, false, nil
	}

	// Both feeds down. A stale cached rate beats refusing to quote.
	if cached > 0 {
		o.logger.WithFields(logrus.Fields{
			"rate":       cached,
			"fetched_at": fetchedAt,
		}).Warn("All price feeds unavailable, serving stale cached rate")
		return cached, SourceCache, fetchedAt, true, nil
	}
	if o.defaultRate > 0 {
		o.logger.WithField("rate", o.defaultRate).
			Warn("All price feeds unavailable and no cached rate, serving default rate")
		return o.defaultRate, SourceDefault, now, true, nil
	}

	return 0, "", time.Time{}, false, paycore.NewPaymentError(
		paycore.ErrCodeNetworkUnavailable,
		"no price feed available",
		paycore.ErrNetworkUnavailable,
	)
}

func (o *Oracle) fetch(ctx context.Context, feed Feed) (float64, bool) {
	if feed == nil {
		return 0, false
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.feedTimeout)
	defer cancel()

	rate, err := feed.Rate(fetchCtx)
	if err != nil {
		o.logger.WithError(err).WithField("feed", feed.Name()).
			Warn("Price feed fetch failed")
		return 0, false
	}
	if rate <= 0 {
		o.logger.WithFields(logrus.Fields{
			"feed": feed.Name(),
			"rate": rate,
		}).Warn("Price feed returned non-positive rate")
		return 0, false
	}
	return rate, true
}

func (o *Oracle) storeRate(rate float64, at time.Time) {
	o.mu.Lock()
	o.rate = rate
	o.fetchedAt = at
	o.mu.Unlock()
}
