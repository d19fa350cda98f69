package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/market"
	"github.com/caesar-terminal/maker/internal/metrics"
	"github.com/caesar-terminal/maker/internal/pricing"
	"github.com/caesar-terminal/maker/internal/quote"
	"github.com/caesar-terminal/maker/internal/risk"
)

const defaultTickBuffer = 1024

// PipelineConfig configures the quoting loop for one symbol.
type PipelineConfig struct {
	Symbol   string
	Exchange adapter.Exchange
	Params   quote.Params
	Meta     market.Meta
	Fair     pricing.AggregatorConfig

	QuoteInterval   time.Duration
	AccountInterval time.Duration

	// TickBuffer bounds ticks waiting for the loop. Overflow is dropped
	// and counted.
	TickBuffer int
}

// QuoteFunc receives every quote the pipeline publishes.
type QuoteFunc func(q quote.Quote)

// Pipeline owns the fair price, position and quote state for one symbol.
// Every mutation happens on the goroutine running Run; the feed callback
// only hands ticks over through a channel.
type Pipeline struct {
	cfg     PipelineConfig
	feed    pricing.PriceFeed
	account risk.AccountSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	agg     *pricing.Aggregator
	tracker *risk.Tracker
	gen     *quote.Generator
	ticks   chan pricing.Tick

	hookMu  sync.RWMutex
	onQuote []QuoteFunc

	lastMu  sync.RWMutex
	last    quote.Quote
	hasLast bool
}

// NewPipeline validates cfg and wires the feed's tick callback. The feed is
// connected by Run.
func NewPipeline(cfg PipelineConfig, feed pricing.PriceFeed, account risk.AccountSource, logger *zap.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.Symbol, err)
	}
	if cfg.QuoteInterval <= 0 {
		cfg.QuoteInterval = time.Second
	}
	if cfg.AccountInterval <= 0 {
		cfg.AccountInterval = 5 * time.Second
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = defaultTickBuffer
	}
	if account == nil {
		account = risk.FlatAccount{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		cfg:     cfg,
		feed:    feed,
		account: account,
		logger:  logger.Named("pipeline").With(zap.String("symbol", cfg.Symbol)),
		metrics: m,
		agg:     pricing.NewAggregator(cfg.Fair),
		tracker: risk.NewTracker(cfg.Symbol, cfg.Params),
		gen:     quote.NewGenerator(cfg.Params, cfg.Meta),
		ticks:   make(chan pricing.Tick, cfg.TickBuffer),
	}
	feed.OnTick(p.enqueue)
	return p, nil
}

// Symbol returns the symbol this pipeline quotes.
func (p *Pipeline) Symbol() string { return p.cfg.Symbol }

// OnQuote registers fn for every published quote. Must be called before Run.
func (p *Pipeline) OnQuote(fn QuoteFunc) {
	p.hookMu.Lock()
	p.onQuote = append(p.onQuote, fn)
	p.hookMu.Unlock()
}

// LastQuote returns the most recently published quote. Safe from any
// goroutine.
func (p *Pipeline) LastQuote() (quote.Quote, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last, p.hasLast
}

// Run connects the feed and drives the loop until ctx is cancelled. A feed
// that cannot connect initially is returned as an error.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.feed.Connect(ctx); err != nil {
		return fmt.Errorf("pipeline %s: connect feed: %w", p.cfg.Symbol, err)
	}
	defer p.feed.Disconnect()

	p.refreshAccount(ctx)

	quoteTicker := time.NewTicker(p.cfg.QuoteInterval)
	defer quoteTicker.Stop()
	accountTicker := time.NewTicker(p.cfg.AccountInterval)
	defer accountTicker.Stop()

	p.logger.Info("pipeline started",
		zap.Float64("alpha", p.agg.Alpha()),
		zap.Duration("quote_interval", p.cfg.QuoteInterval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopped")
			return nil
		case t := <-p.ticks:
			p.feedTick(t)
		case <-accountTicker.C:
			p.refreshAccount(ctx)
		case <-quoteTicker.C:
			p.publish()
		}
	}
}

// Quote computes a quote from the current state. It returns false while the
// fair price is warming up. Sides that would increase exposure are zeroed
// when the position limit is reached or margin is unhealthy. Not safe to
// call concurrently with Run.
func (p *Pipeline) Quote() (quote.Quote, bool) {
	fair, ok := p.agg.CurrentPrice()
	if !ok {
		return quote.Quote{}, false
	}

	q := p.gen.Generate(fair, p.tracker.SignedNotional())
	if !p.allowed(risk.Bid) {
		q.BidSize = 0
	}
	if !p.allowed(risk.Ask) {
		q.AskSize = 0
	}
	return q, true
}

func (p *Pipeline) allowed(side risk.OrderSide) bool {
	if !p.tracker.WouldIncrease(side) {
		return true
	}
	return p.tracker.CanAddPosition(side) && p.tracker.MarginHealthy()
}

func (p *Pipeline) enqueue(price float64, ts int64) {
	select {
	case p.ticks <- pricing.Tick{Price: price, TimestampMs: ts}:
	default:
		p.metrics.TickDropped(p.cfg.Symbol)
	}
}

func (p *Pipeline) feedTick(t pricing.Tick) {
	if err := p.agg.Feed(t); err != nil {
		p.logger.Debug("tick dropped", zap.Float64("price", t.Price), zap.Error(err))
	}
}

func (p *Pipeline) refreshAccount(ctx context.Context) {
	pos, err := p.account.Position(ctx, p.cfg.Symbol)
	if err != nil {
		p.logger.Warn("account refresh failed, keeping previous position", zap.Error(err))
		return
	}
	prev := p.tracker.Mode()
	p.tracker.Update(pos)
	if mode := p.tracker.Mode(); mode != prev {
		p.logger.Info("quoting mode changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", mode),
			zap.Float64("notional", p.tracker.SignedNotional()))
	}
}

func (p *Pipeline) publish() {
	q, ok := p.Quote()
	if !ok {
		p.logger.Debug("fair price not ready", zap.Int("samples", p.agg.Samples()))
		return
	}

	p.metrics.FairPrice(p.cfg.Symbol, q.FairPrice)
	p.metrics.Quote(p.cfg.Symbol, q.Mode.String())

	p.lastMu.Lock()
	p.last, p.hasLast = q, true
	p.lastMu.Unlock()

	p.hookMu.RLock()
	hooks := p.onQuote
	p.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(q)
	}
}
