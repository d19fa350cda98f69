package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/maker/internal/book"
	"github.com/caesar-terminal/maker/internal/quote"
)

// mockRedis records every HSet call for assertion.
type mockRedis struct {
	mu    sync.Mutex
	calls []hsetCall
	err   error
}

type hsetCall struct {
	Key    string
	Fields map[string]string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	return m.err
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func kalshiUpdate(bid, ask float64, ts int64) BookUpdate {
	return BookUpdate{
		Exchange: ExchangeKalshi,
		Symbol:   "FED-DEC",
		View: book.View{
			Bids:      []book.PriceLevel{{Price: bid, Size: 300}},
			Asks:      []book.PriceLevel{{Price: ask, Size: 200}},
			Timestamp: time.UnixMilli(ts),
		},
	}
}

func TestRedisWriter_HSetCommand(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan BookUpdate, 8)
	rw := NewRedisWriter(mock, feed, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go rw.Run(ctx)

	feed <- kalshiUpdate(0.52, 0.55, 1700000000000)

	require.Eventually(t, func() bool { return len(mock.getCalls()) == 1 }, time.Second, 10*time.Millisecond)
	c := mock.getCalls()[0]
	assert.Equal(t, "book:kalshi:FED-DEC", c.Key)
	assert.Equal(t, "0.52", c.Fields["bid"])
	assert.Equal(t, "0.55", c.Fields["ask"])
	assert.Equal(t, "1700000000000", c.Fields["ts"])
}

func TestRedisWriter_DuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}
	rw := NewRedisWriter(mock, nil, nil)
	ctx := context.Background()

	rw.write(ctx, kalshiUpdate(0.48, 0.54, 1000))
	rw.write(ctx, kalshiUpdate(0.48, 0.54, 2000))
	rw.write(ctx, kalshiUpdate(0.48, 0.54, 3000))
	require.Len(t, mock.getCalls(), 1)

	rw.write(ctx, kalshiUpdate(0.5, 0.54, 4000))
	calls := mock.getCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "0.5", calls[1].Fields["bid"])
}

func TestRedisWriter_EmptySide(t *testing.T) {
	mock := &mockRedis{}
	rw := NewRedisWriter(mock, nil, nil)

	rw.write(context.Background(), BookUpdate{Exchange: ExchangeKalshi, Symbol: "X"})
	calls := mock.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "0", calls[0].Fields["bid"])
	assert.Equal(t, "0", calls[0].Fields["ask"])
}

func TestRedisWriter_WriteQuote(t *testing.T) {
	mock := &mockRedis{}
	rw := NewRedisWriter(mock, nil, nil)
	rw.nowFunc = func() time.Time { return time.UnixMilli(42) }

	err := rw.WriteQuote(context.Background(), "BTCUSDT", quote.Quote{
		BidPrice:  49950,
		AskPrice:  50050,
		AskSize:   0.002,
		FairPrice: 50000,
		Mode:      quote.ModeCloseOnly,
	})
	require.NoError(t, err)

	c := mock.getCalls()[0]
	assert.Equal(t, "quote:BTCUSDT", c.Key)
	assert.Equal(t, map[string]string{
		"fair":     "50000",
		"bid":      "49950",
		"ask":      "50050",
		"bid_size": "0",
		"ask_size": "0.002",
		"mode":     "close_only",
		"ts":       "42",
	}, c.Fields)

	mock.err = errors.New("connection refused")
	assert.Error(t, rw.WriteQuote(context.Background(), "BTCUSDT", quote.Quote{}))
}
