package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/maker/internal/book"
	"github.com/caesar-terminal/maker/internal/metrics"
)

// mockProvider is a simple UpdatesProvider backed by a plain channel.
type mockProvider struct {
	ch chan BookUpdate
}

func newMockProvider() *mockProvider {
	return &mockProvider{ch: make(chan BookUpdate, 64)}
}

func (m *mockProvider) Updates() <-chan BookUpdate { return m.ch }

func (m *mockProvider) send(update BookUpdate) { m.ch <- update }

func receive(t *testing.T, ch <-chan BookUpdate) BookUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for update")
		return BookUpdate{}
	}
}

func TestBroadcaster_MultipleAdapters(t *testing.T) {
	kalshi := newMockProvider()
	poly := newMockProvider()

	bc := NewBroadcaster(nil, nil)
	bc.Register(kalshi)
	bc.Register(poly)

	all := bc.SubscribeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go bc.Run(ctx)

	kalshi.send(BookUpdate{Exchange: ExchangeKalshi, Symbol: "FED-DEC"})
	poly.send(BookUpdate{Exchange: ExchangePolymarket, Symbol: "BTCUSDT"})

	received := map[Exchange]bool{}
	for i := 0; i < 2; i++ {
		received[receive(t, all).Exchange] = true
	}
	assert.True(t, received[ExchangeKalshi])
	assert.True(t, received[ExchangePolymarket])
}

func TestBroadcaster_FilteredSubscribers(t *testing.T) {
	kalshi := newMockProvider()

	bc := NewBroadcaster(nil, nil)
	bc.Register(kalshi)

	subA := bc.Subscribe(ExchangeKalshi, "A")
	subB := bc.Subscribe(ExchangeKalshi, "B")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go bc.Run(ctx)

	kalshi.send(BookUpdate{Exchange: ExchangeKalshi, Symbol: "A"})
	kalshi.send(BookUpdate{Exchange: ExchangeKalshi, Symbol: "B"})

	assert.Equal(t, "A", receive(t, subA).Symbol)
	assert.Equal(t, "B", receive(t, subB).Symbol)

	select {
	case u := <-subA:
		t.Fatalf("subA received unexpected extra update: %+v", u)
	case u := <-subB:
		t.Fatalf("subB received unexpected extra update: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_LaggingSubscriberKeepsNewestView(t *testing.T) {
	kalshi := newMockProvider()

	reg := prometheus.NewRegistry()
	bc := NewBroadcaster(nil, metrics.New(reg))
	bc.Register(kalshi)

	// A one-slot subscriber that never reads.
	slowKey := subKey{Exchange: ExchangeKalshi, Symbol: "slow"}
	slowCh := make(chan BookUpdate, 1)
	bc.mu.Lock()
	bc.byBook[slowKey] = append(bc.byBook[slowKey], slowCh)
	bc.mu.Unlock()

	fastSub := bc.Subscribe(ExchangeKalshi, "fast")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go bc.Run(ctx)

	view := func(nonce int64) book.View { return book.View{LastNonce: nonce, HasNonce: true} }
	kalshi.send(BookUpdate{Exchange: ExchangeKalshi, Symbol: "slow", View: view(1)})
	kalshi.send(BookUpdate{Exchange: ExchangeKalshi, Symbol: "slow", View: view(2)})
	kalshi.send(BookUpdate{Exchange: ExchangeKalshi, Symbol: "fast"})

	assert.Equal(t, "fast", receive(t, fastSub).Symbol)
	require.Len(t, slowCh, 1)
	assert.Equal(t, int64(2), (<-slowCh).View.LastNonce)

	expected := `
# HELP book_views_dropped_total Book views discarded because a subscriber was behind.
# TYPE book_views_dropped_total counter
book_views_dropped_total{exchange="kalshi"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "book_views_dropped_total"))
}
