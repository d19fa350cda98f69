// Package binance reads the spot trade stream as a price feed.
package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/pricing"
	"github.com/caesar-terminal/maker/internal/stream"
)

// DefaultURL is the raw-stream endpoint; subscriptions are sent as
// SUBSCRIBE commands so one connection can carry several symbols.
const DefaultURL = "wss://stream.binance.com:9443/ws"

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// rawTrade is a <symbol>@trade event.
type rawTrade struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// Feed is a pricing.PriceFeed over one symbol's trade stream. Any number
// of Feeds can share one Supervisor; each is a single SUBSCRIBE on it.
type Feed struct {
	adapter.TickSource

	sup     *stream.Supervisor
	symbol  string
	logger  *zap.Logger
	reqID   atomic.Int64
	stopped atomic.Bool
}

var _ pricing.PriceFeed = (*Feed)(nil)

// New creates a Feed for symbol (e.g. "BTCUSDT") on sup. The caller owns
// sup and opens and closes it.
func New(sup *stream.Supervisor, symbol string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		sup:    sup,
		symbol: strings.ToUpper(symbol),
		logger: logger.Named("binance").With(zap.String("symbol", symbol)),
	}
	sup.OnMessage(f.handleMessage)
	return f
}

// StreamName is the trade stream for the feed's symbol.
func (f *Feed) StreamName() string {
	return strings.ToLower(f.symbol) + "@trade"
}

// Connect subscribes to the trade stream. The subscription is sent now if
// sup is connected and on every (re)connect otherwise.
func (f *Feed) Connect(_ context.Context) error {
	sub, err := f.request("SUBSCRIBE")
	if err != nil {
		return err
	}
	unsub, err := f.request("UNSUBSCRIBE")
	if err != nil {
		return err
	}
	f.stopped.Store(false)
	return f.sup.Subscribe(f.StreamName(), sub, unsub)
}

// Disconnect unsubscribes this symbol. Other feeds on sup keep streaming.
func (f *Feed) Disconnect() error {
	f.stopped.Store(true)
	return f.sup.Unsubscribe(f.StreamName())
}

// Connected reports whether the subscription is live on the current
// connection.
func (f *Feed) Connected() bool { return f.sup.Active(f.StreamName()) }

func (f *Feed) request(method string) ([]byte, error) {
	return json.Marshal(request{
		Method: method,
		Params: []string{f.StreamName()},
		ID:     f.reqID.Add(1),
	})
}

func (f *Feed) handleMessage(raw []byte) {
	if f.stopped.Load() {
		return
	}
	var tr rawTrade
	if err := json.Unmarshal(raw, &tr); err != nil {
		f.logger.Warn("invalid JSON", zap.Error(err))
		return
	}
	if tr.Event != "trade" {
		// Subscription acks and other events.
		return
	}
	if tr.Symbol != "" && tr.Symbol != f.symbol {
		return
	}

	p, err := strconv.ParseFloat(tr.Price, 64)
	if err != nil {
		f.logger.Warn("bad trade price", zap.String("price", tr.Price))
		return
	}
	if !f.Emit(p, tr.TradeTime) {
		f.logger.Debug("dropped invalid trade price", zap.Float64("price", p))
	}
}
