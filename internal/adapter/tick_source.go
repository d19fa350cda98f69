package adapter

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/caesar-terminal/maker/internal/pricing"
)

// TickSource is the shared half of every price feed: it remembers the last
// tick and fans ticks out to registered callbacks. Venue feeds embed it and
// call Emit from their message handler.
type TickSource struct {
	lastPrice atomic.Uint64 // math.Float64bits
	lastTs    atomic.Int64

	mu  sync.RWMutex
	fns []pricing.TickFunc
}

// OnTick registers fn for every subsequent tick.
func (t *TickSource) OnTick(fn pricing.TickFunc) {
	t.mu.Lock()
	t.fns = append(t.fns, fn)
	t.mu.Unlock()
}

// LastPrice returns the most recent tick price, 0 before the first tick.
func (t *TickSource) LastPrice() float64 {
	return math.Float64frombits(t.lastPrice.Load())
}

// LastTimestamp returns the most recent tick time in Unix milliseconds.
func (t *TickSource) LastTimestamp() int64 {
	return t.lastTs.Load()
}

// Emit records a tick and invokes the callbacks. Non-positive or non-finite
// prices are dropped.
func (t *TickSource) Emit(price float64, timestampMs int64) bool {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	t.lastPrice.Store(math.Float64bits(price))
	t.lastTs.Store(timestampMs)

	t.mu.RLock()
	fns := t.fns
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(price, timestampMs)
	}
	return true
}
