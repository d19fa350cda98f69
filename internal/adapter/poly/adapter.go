// Package poly turns the Polymarket CLOB market channel into a price feed:
// book events yield a mid-price tick, last_trade_price events a trade tick.
package poly

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/book"
	"github.com/caesar-terminal/maker/internal/pricing"
	"github.com/caesar-terminal/maker/internal/stream"
)

// DefaultURL is the CLOB market channel.
const DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// Polymarket market-channel subscription message. Operation lets further
// tokens join or leave an already subscribed connection.
type subscribeMsg struct {
	Type      string   `json:"type,omitempty"`
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation,omitempty"`
}

// Raw Polymarket book event as received over the wire.
type rawBookEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Bids      []rawPriceLevel `json:"bids"`
	Asks      []rawPriceLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
	Hash      string          `json:"hash"`
}

type rawPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawTradeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// rawEnvelope is used for fast event-type detection before full parsing.
type rawEnvelope struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
}

// Feed is a pricing.PriceFeed for one Polymarket token. Feeds for several
// tokens share one market-channel Supervisor.
type Feed struct {
	adapter.TickSource

	sup     *stream.Supervisor
	assetID string
	logger  *zap.Logger
	nowFunc func() time.Time
	stopped atomic.Bool
}

var _ pricing.PriceFeed = (*Feed)(nil)

// New creates a Feed for assetID on sup. The caller owns sup and opens and
// closes it.
func New(sup *stream.Supervisor, assetID string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		sup:     sup,
		assetID: assetID,
		logger:  logger.Named("poly").With(zap.String("asset_id", assetID)),
		nowFunc: time.Now,
	}
	sup.OnMessage(f.handleMessage)
	return f
}

// Connect subscribes to the token on the shared market channel.
func (f *Feed) Connect(_ context.Context) error {
	sub, err := json.Marshal(subscribeMsg{
		Type:      "market",
		AssetsIDs: []string{f.assetID},
		Operation: "subscribe",
	})
	if err != nil {
		return err
	}
	unsub, err := json.Marshal(subscribeMsg{
		AssetsIDs: []string{f.assetID},
		Operation: "unsubscribe",
	})
	if err != nil {
		return err
	}
	f.stopped.Store(false)
	return f.sup.Subscribe(f.assetID, sub, unsub)
}

// Disconnect drops this token. Other feeds on sup keep streaming.
func (f *Feed) Disconnect() error {
	f.stopped.Store(true)
	return f.sup.Unsubscribe(f.assetID)
}

// Connected reports whether the subscription is live on the current
// connection.
func (f *Feed) Connected() bool { return f.sup.Active(f.assetID) }

// handleMessage accepts either a single event object or an array of them.
func (f *Feed) handleMessage(raw []byte) {
	if f.stopped.Load() {
		return
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(trimmed, &events); err != nil {
			f.logger.Warn("invalid JSON", zap.Error(err))
			return
		}
		for _, ev := range events {
			f.handleEvent(ev)
		}
		return
	}
	f.handleEvent(trimmed)
}

func (f *Feed) handleEvent(raw []byte) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.logger.Warn("invalid JSON", zap.Error(err))
		return
	}
	if env.AssetID != "" && env.AssetID != f.assetID {
		return
	}

	switch env.EventType {
	case "book":
		f.handleBook(raw)
	case "last_trade_price":
		f.handleTrade(raw)
	case "error":
		f.logger.Error("exchange error", zap.ByteString("msg", raw))
	default:
		// price_change, tick_size_change: ignored.
	}
}

func (f *Feed) handleBook(raw []byte) {
	var ev rawBookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		f.logger.Warn("failed to parse book event", zap.Error(err))
		return
	}

	// A throwaway reconciler sorts and sanitises the unordered levels.
	r := book.NewReconciler(ev.AssetID)
	r.LoadSnapshot(book.Snapshot{
		Bids: parseLevels(ev.Bids),
		Asks: parseLevels(ev.Asks),
	})
	mid, ok := r.CurrentView().Mid()
	if !ok {
		return
	}
	f.Emit(mid, f.timestamp(ev.Timestamp))
}

func (f *Feed) handleTrade(raw []byte) {
	var ev rawTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		f.logger.Warn("failed to parse trade event", zap.Error(err))
		return
	}
	p, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		f.logger.Warn("bad trade price", zap.String("price", ev.Price))
		return
	}
	f.Emit(p, f.timestamp(ev.Timestamp))
}

func (f *Feed) timestamp(s string) int64 {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return ms
	}
	return f.nowFunc().UnixMilli()
}

// parseLevels converts raw string price/size pairs, skipping bad entries.
func parseLevels(raw []rawPriceLevel) []book.PriceLevel {
	levels := make([]book.PriceLevel, 0, len(raw))
	for _, r := range raw {
		p, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			continue
		}
		s, err := strconv.ParseFloat(r.Size, 64)
		if err != nil {
			continue
		}
		levels = append(levels, book.PriceLevel{Price: p, Size: s})
	}
	return levels
}
