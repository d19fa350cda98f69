// Package pricing turns a noisy oracle stream into a smoothed fair price.
package pricing

import (
	"errors"
	"math"
	"time"
)

// DefaultMinSamples is the tick count required before the fair price is
// published.
const DefaultMinSamples = 10

var ErrInvalidTick = errors.New("pricing: tick price must be positive and finite")

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// WindowMs sets the EMA decay. It is read as a count of one-second
	// ticks (periods = WindowMs/1000), not as a time-weighted window: with
	// irregular tick rates the effective horizon stretches or shrinks.
	WindowMs int64

	Warmup     time.Duration
	MinSamples int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Aggregator maintains an exponential moving average of tick prices.
// It is single-writer: Feed and the readers must be called from the
// goroutine that owns it.
type Aggregator struct {
	alpha      float64
	warmup     time.Duration
	minSamples int
	now        func() time.Time

	ema     float64
	hasEMA  bool
	samples int
	start   time.Time
	ready   bool
}

// NewAggregator creates an Aggregator whose warmup starts now.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Aggregator{
		alpha:      Alpha(cfg.WindowMs),
		warmup:     cfg.Warmup,
		minSamples: minSamples,
		now:        now,
		start:      now(),
	}
}

// Alpha returns the smoothing factor 2/(periods+1) for a window, with
// periods = windowMs/1000 clamped to at least 1.
func Alpha(windowMs int64) float64 {
	periods := float64(windowMs) / 1000
	if periods < 1 {
		periods = 1
	}
	return 2 / (periods + 1)
}

// Feed folds one tick into the average. The first tick seeds the EMA
// directly.
func (a *Aggregator) Feed(t Tick) error {
	if t.Price <= 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return ErrInvalidTick
	}

	if !a.hasEMA {
		a.ema = t.Price
		a.hasEMA = true
	} else {
		a.ema = a.alpha*t.Price + (1-a.alpha)*a.ema
	}
	a.samples++
	return nil
}

// Attach makes the aggregator consume feed's ticks directly. Only use it
// when the feed delivers on a single goroutine that also reads the price.
func (a *Aggregator) Attach(feed PriceFeed) {
	feed.OnTick(func(price float64, ts int64) {
		_ = a.Feed(Tick{Price: price, TimestampMs: ts})
	})
}

// IsReady reports whether both the warmup period has elapsed and enough
// samples were seen. Once true it stays true.
func (a *Aggregator) IsReady() bool {
	if a.ready {
		return true
	}
	if a.samples >= a.minSamples && a.now().Sub(a.start) >= a.warmup {
		a.ready = true
	}
	return a.ready
}

// CurrentPrice returns the fair price, or false until IsReady.
func (a *Aggregator) CurrentPrice() (float64, bool) {
	if !a.IsReady() {
		return 0, false
	}
	return a.ema, true
}

// Samples returns the number of accepted ticks.
func (a *Aggregator) Samples() int { return a.samples }

// Alpha returns the smoothing factor in use.
func (a *Aggregator) Alpha() float64 { return a.alpha }
