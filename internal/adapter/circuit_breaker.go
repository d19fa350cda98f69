package adapter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum age of a book before the symbol is
	// considered stale. Default: 1000ms.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous healthy data required after a
	// reconnection before trading is re-enabled. Default: 2s.
	CoolOff time.Duration
}

// DefaultCircuitBreakerConfig returns production-tuned defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 1000 * time.Millisecond,
		CoolOff:        2 * time.Second,
	}
}

// ConnectionState reports transport health. Satisfied by stream.Supervisor.
type ConnectionState interface {
	Connected() bool
}

// marketState tracks health for a single (exchange, symbol) pair.
type marketState struct {
	LastUpdate time.Time
	// RecoveredAt is set when a symbol transitions from unhealthy to healthy.
	// Trading is blocked until now-RecoveredAt >= CoolOff.
	RecoveredAt time.Time
	Healthy     bool
}

// CircuitBreaker monitors venue connections and book freshness, gating
// quoting behind CanTrade(). It enforces:
//   - Connection health via ConnectionState
//   - Data staleness via BookUpdate arrival times
//   - Cool-off period after recovery
//   - Manual emergency halt
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	feed   <-chan BookUpdate
	logger *zap.Logger

	connMu sync.RWMutex
	conns  map[Exchange]ConnectionState

	// Per-symbol health state.
	mu      sync.RWMutex
	markets map[subKey]*marketState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a CircuitBreaker that monitors the given
// Broadcaster feed for staleness. Connections are registered separately
// via WatchConnection.
func NewCircuitBreaker(cfg CircuitBreakerConfig, feed <-chan BookUpdate, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		cfg:     cfg,
		feed:    feed,
		logger:  logger.Named("circuit"),
		conns:   make(map[Exchange]ConnectionState),
		markets: make(map[subKey]*marketState),
		nowFunc: time.Now,
	}
}

// WatchConnection registers the transport whose state gates exchange.
func (cb *CircuitBreaker) WatchConnection(exchange Exchange, conn ConnectionState) {
	cb.connMu.Lock()
	cb.conns[exchange] = conn
	cb.connMu.Unlock()
}

// ManualHalt forces all symbols into a halted state. Trading is blocked
// until Resume is called.
func (cb *CircuitBreaker) ManualHalt() {
	cb.haltMu.Lock()
	cb.halted = true
	cb.haltMu.Unlock()
	cb.logger.Warn("manual halt engaged")
}

// Resume clears the manual halt. Symbols still need to pass staleness and
// cool-off checks before CanTrade returns true.
func (cb *CircuitBreaker) Resume() {
	cb.haltMu.Lock()
	cb.halted = false
	cb.haltMu.Unlock()
	cb.logger.Info("manual halt cleared")
}

// Halted reports whether a manual halt is active.
func (cb *CircuitBreaker) Halted() bool {
	cb.haltMu.RLock()
	defer cb.haltMu.RUnlock()
	return cb.halted
}

// CanTrade returns true only if ALL of the following hold:
//  1. No manual halt is active.
//  2. The exchange's connection is up.
//  3. The last BookUpdate for this symbol is within StaleThreshold.
//  4. The cool-off period has elapsed since recovery.
//
// Observing a dropped connection marks every symbol of that exchange
// unhealthy, so the next update after reconnect starts a new cool-off.
func (cb *CircuitBreaker) CanTrade(exchange Exchange, symbol string) bool {
	if cb.Halted() {
		return false
	}

	cb.connMu.RLock()
	conn, ok := cb.conns[exchange]
	cb.connMu.RUnlock()
	if ok && !conn.Connected() {
		cb.markExchangeStale(exchange)
		return false
	}

	key := subKey{Exchange: exchange, Symbol: symbol}
	now := cb.nowFunc()

	cb.mu.RLock()
	defer cb.mu.RUnlock()
	ms, exists := cb.markets[key]
	if !exists || !ms.Healthy {
		return false
	}
	if now.Sub(ms.LastUpdate) > cb.cfg.StaleThreshold {
		return false
	}
	if !ms.RecoveredAt.IsZero() && now.Sub(ms.RecoveredAt) < cb.cfg.CoolOff {
		return false
	}
	return true
}

// Run consumes the Broadcaster feed, updating per-symbol timestamps and
// health state. It blocks until ctx is cancelled.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-cb.feed:
			if !ok {
				return
			}
			cb.recordUpdate(update)
		}
	}
}

func (cb *CircuitBreaker) recordUpdate(update BookUpdate) {
	key := subKey{Exchange: update.Exchange, Symbol: update.Symbol}
	now := cb.nowFunc()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	ms, exists := cb.markets[key]
	if !exists {
		ms = &marketState{}
		cb.markets[key] = ms
	}
	ms.LastUpdate = now

	if !ms.Healthy {
		ms.Healthy = true
		ms.RecoveredAt = now
		cb.logger.Info("symbol recovered, cool-off started",
			zap.String("exchange", string(update.Exchange)),
			zap.String("symbol", update.Symbol))
	}
}

// MarkStale forces a symbol into an unhealthy state.
func (cb *CircuitBreaker) MarkStale(exchange Exchange, symbol string) {
	key := subKey{Exchange: exchange, Symbol: symbol}

	cb.mu.Lock()
	if ms, exists := cb.markets[key]; exists {
		ms.Healthy = false
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) markExchangeStale(exchange Exchange) {
	cb.mu.Lock()
	for key, ms := range cb.markets {
		if key.Exchange == exchange {
			ms.Healthy = false
		}
	}
	cb.mu.Unlock()
}
