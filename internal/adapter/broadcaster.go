package adapter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/caesar-terminal/maker/internal/metrics"
)

// UpdatesProvider is a book source the Broadcaster can drain.
type UpdatesProvider interface {
	Updates() <-chan BookUpdate
}

// subKey identifies one reconciled book.
type subKey struct {
	Exchange Exchange
	Symbol   string
}

const (
	bookSubBuffer = 256
	allSubBuffer  = 512
)

// Broadcaster fans book views from the venue sources out to per-book
// subscribers and to subscribers of every book.
//
// Each update is a full view, so a later one supersedes all earlier ones
// for the same book. A subscriber whose buffer is full loses its oldest
// queued view, never the newest.
type Broadcaster struct {
	sources []<-chan BookUpdate
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	byBook map[subKey][]chan BookUpdate
	all    []chan BookUpdate
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		logger:  logger.Named("broadcaster"),
		metrics: m,
		byBook:  make(map[subKey][]chan BookUpdate),
	}
}

// Register adds a source. Must be called before Run.
func (b *Broadcaster) Register(provider UpdatesProvider) {
	b.sources = append(b.sources, provider.Updates())
}

// Subscribe returns a channel of views for one book.
func (b *Broadcaster) Subscribe(exchange Exchange, symbol string) <-chan BookUpdate {
	ch := make(chan BookUpdate, bookSubBuffer)
	key := subKey{Exchange: exchange, Symbol: symbol}

	b.mu.Lock()
	b.byBook[key] = append(b.byBook[key], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a channel of views for every book.
func (b *Broadcaster) SubscribeAll() <-chan BookUpdate {
	ch := make(chan BookUpdate, allSubBuffer)

	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()
	return ch
}

// Run drains every source until ctx is cancelled or all sources close.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan BookUpdate) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case u, ok := <-ch:
					if !ok {
						return
					}
					b.publish(u)
				}
			}
		}(src)
	}
	wg.Wait()
}

func (b *Broadcaster) publish(u BookUpdate) {
	key := subKey{Exchange: u.Exchange, Symbol: u.Symbol}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byBook[key] {
		b.offer(ch, u)
	}
	for _, ch := range b.all {
		b.offer(ch, u)
	}
}

// offer never blocks. A full channel gives up its oldest view to make room.
func (b *Broadcaster) offer(ch chan BookUpdate, u BookUpdate) {
	select {
	case ch <- u:
		return
	default:
	}

	select {
	case <-ch:
		b.metrics.BookViewDropped(string(u.Exchange))
		b.logger.Debug("subscriber behind, oldest view dropped",
			zap.String("exchange", string(u.Exchange)),
			zap.String("symbol", u.Symbol))
	default:
	}

	select {
	case ch <- u:
	default:
		// Another source refilled the slot; u is the one lost.
		b.metrics.BookViewDropped(string(u.Exchange))
	}
}
