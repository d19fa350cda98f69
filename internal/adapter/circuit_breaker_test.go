package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

type fakeConn struct{ up atomic.Bool }

func (f *fakeConn) Connected() bool { return f.up.Load() }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig(), nil, nil)
	cb.nowFunc = clock.Now
	return cb
}

// warm records an update and advances past the initial cool-off.
func warm(cb *CircuitBreaker, clock *fakeClock, exchange Exchange, symbol string) {
	cb.recordUpdate(BookUpdate{Exchange: exchange, Symbol: symbol})
	clock.Advance(3 * time.Second)
	cb.recordUpdate(BookUpdate{Exchange: exchange, Symbol: symbol})
}

func TestCircuitBreaker_NoDataBlocks(t *testing.T) {
	cb := newTestBreaker(newFakeClock(time.Now()))
	assert.False(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))
}

func TestCircuitBreaker_ConnectionDropRestartsCoolOff(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb := newTestBreaker(clock)
	conn := &fakeConn{}
	conn.up.Store(true)
	cb.WatchConnection(ExchangeKalshi, conn)

	warm(cb, clock, ExchangeKalshi, "FED-DEC")
	require.True(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))

	conn.up.Store(false)
	assert.False(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))

	conn.up.Store(true)
	cb.recordUpdate(BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"})
	assert.False(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"), "cool-off after reconnect")

	clock.Advance(500 * time.Millisecond)
	cb.recordUpdate(BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"})
	clock.Advance(500 * time.Millisecond)
	cb.recordUpdate(BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"})
	clock.Advance(1100 * time.Millisecond)
	cb.recordUpdate(BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"})
	assert.True(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))
}

func TestCircuitBreaker_StaleData(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb := newTestBreaker(clock)

	warm(cb, clock, ExchangeKalshi, "FED-DEC")
	require.True(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))

	clock.Advance(1500 * time.Millisecond)
	assert.False(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))
}

func TestCircuitBreaker_CoolOffAfterMarkStale(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb := newTestBreaker(clock)

	warm(cb, clock, ExchangeKalshi, "FED-DEC")
	cb.MarkStale(ExchangeKalshi, "FED-DEC")
	assert.False(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))

	clock.Advance(100 * time.Millisecond)
	cb.recordUpdate(BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"})
	assert.False(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))

	clock.Advance(2100 * time.Millisecond)
	cb.recordUpdate(BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"})
	assert.True(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))
}

func TestCircuitBreaker_ManualHalt(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb := newTestBreaker(clock)
	warm(cb, clock, ExchangeKalshi, "FED-DEC")
	require.True(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))

	cb.ManualHalt()
	assert.False(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))

	cb.Resume()
	assert.True(t, cb.CanTrade(ExchangeKalshi, "FED-DEC"))
}

func TestCircuitBreaker_RunConsumesFeed(t *testing.T) {
	clock := newFakeClock(time.Now())
	feed := make(chan BookUpdate, 4)
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig(), feed, nil)
	cb.nowFunc = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cb.Run(ctx)
		close(done)
	}()

	feed <- BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"}
	require.Eventually(t, func() bool {
		cb.mu.RLock()
		defer cb.mu.RUnlock()
		_, ok := cb.markets[subKey{Exchange: ExchangeKalshi, Symbol: "FED-DEC"}]
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
