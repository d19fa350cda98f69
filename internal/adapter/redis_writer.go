package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caesar-terminal/maker/internal/quote"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedis struct{ c *redis.Client }

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(c *redis.Client) RedisClient { return goRedis{c: c} }

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// bookSnapshot holds the last-written best bid/ask for a symbol so we can
// skip duplicate writes.
type bookSnapshot struct {
	Bid string
	Ask string
}

// RedisWriter subscribes to a Broadcaster's unified stream and persists
// the best bid/ask for every symbol into Redis using the schema:
//
//	Key:    book:{exchange}:{symbol}
//	Fields: bid, ask, ts
//
// Quotes are published under quote:{symbol} with fields fair, bid, ask,
// bid_size, ask_size, mode, ts.
//
// Book writes are non-blocking: updates are buffered in an internal channel
// and flushed by a dedicated goroutine. Duplicate prices are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan BookUpdate
	buf    chan BookUpdate
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]bookSnapshot // keyed by Redis key

	nowFunc func() time.Time
}

// NewRedisWriter creates a RedisWriter that reads from the Broadcaster's
// SubscribeAll channel and writes to the given Redis client.
func NewRedisWriter(client RedisClient, feed <-chan BookUpdate, logger *zap.Logger) *RedisWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisWriter{
		client:  client,
		feed:    feed,
		buf:     make(chan BookUpdate, 1024),
		logger:  logger.Named("redis"),
		last:    make(map[string]bookSnapshot),
		nowFunc: time.Now,
	}
}

// Run starts two goroutines: one to drain the Broadcaster feed into an
// internal buffer, and one to flush buffered updates to Redis. It blocks
// until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Ingestion: drain the Broadcaster feed into the internal buffer
	// so we never block the Broadcaster.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- update:
				default:
					// Buffer full, drop.
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-rw.buf:
				rw.write(ctx, update)
			}
		}
	}()

	wg.Wait()
}

// write extracts best bid/ask, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, update BookUpdate) {
	bestBid := bestPrice(update.View.BestBid())
	bestAsk := bestPrice(update.View.BestAsk())

	key := fmt.Sprintf("book:%s:%s", update.Exchange, update.Symbol)

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev.Bid == bestBid && prev.Ask == bestAsk {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = bookSnapshot{Bid: bestBid, Ask: bestAsk}
	rw.mu.Unlock()

	ts := strconv.FormatInt(update.View.Timestamp.UnixMilli(), 10)
	if err := rw.client.HSet(ctx, key, "bid", bestBid, "ask", bestAsk, "ts", ts); err != nil {
		rw.logger.Warn("book write failed", zap.String("key", key), zap.Error(err))
	}
}

// WriteQuote publishes the latest quote for symbol synchronously.
func (rw *RedisWriter) WriteQuote(ctx context.Context, symbol string, q quote.Quote) error {
	key := "quote:" + symbol
	err := rw.client.HSet(ctx, key,
		"fair", formatFloat(q.FairPrice),
		"bid", formatFloat(q.BidPrice),
		"ask", formatFloat(q.AskPrice),
		"bid_size", formatFloat(q.BidSize),
		"ask_size", formatFloat(q.AskSize),
		"mode", q.Mode.String(),
		"ts", strconv.FormatInt(rw.nowFunc().UnixMilli(), 10),
	)
	if err != nil {
		return fmt.Errorf("redis: write %s: %w", key, err)
	}
	return nil
}

// bestPrice formats a top-of-book price, "0" for an empty side.
func bestPrice(price float64, ok bool) string {
	if !ok {
		return "0"
	}
	return formatFloat(price)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
