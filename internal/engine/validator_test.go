package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/market"
	"github.com/caesar-terminal/maker/internal/quote"
)

// mockGate implements TradingGate for testing.
type mockGate struct {
	canTrade bool
	exchange adapter.Exchange
	symbol   string
}

func (m *mockGate) CanTrade(exchange adapter.Exchange, symbol string) bool {
	m.exchange, m.symbol = exchange, symbol
	return m.canTrade
}

var btcMeta = market.Meta{Symbol: "BTCUSDT", TickSize: 0.01, SizePrecision: 4, MinSize: 0.001}

func newTestValidator(gate TradingGate) *Validator {
	return NewValidator(ValidatorConfig{
		Meta:         btcMeta,
		Gate:         gate,
		GateExchange: adapter.ExchangeKalshi,
		GateSymbol:   "BTC-HOURLY",
	})
}

func validRequest() *OrderRequest {
	return &OrderRequest{
		ClientID: "c1",
		Exchange: adapter.ExchangeBinance,
		Symbol:   "BTCUSDT",
		Side:     Buy,
		Type:     PostOnly,
		Price:    49950,
		Size:     0.002,
		Status:   StatusNew,
	}
}

func TestValidate_Success(t *testing.T) {
	gate := &mockGate{canTrade: true}
	req := validRequest()

	require.NoError(t, newTestValidator(gate).Validate(req, 50000))
	assert.Equal(t, StatusValidated, req.Status)
	assert.Equal(t, adapter.ExchangeKalshi, gate.exchange)
	assert.Equal(t, "BTC-HOURLY", gate.symbol)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*OrderRequest)
		want   error
	}{
		{"side", func(r *OrderRequest) { r.Side = 0 }, ErrInvalidSide},
		{"type", func(r *OrderRequest) { r.Type = 0 }, ErrInvalidType},
		{"zero size", func(r *OrderRequest) { r.Size = 0 }, ErrZeroSize},
		{"below min", func(r *OrderRequest) { r.Size = 0.0005 }, ErrSizeBelowMin},
		{"off tick", func(r *OrderRequest) { r.Price = 49950.005 }, ErrPriceOffTick},
		{"stale", func(r *OrderRequest) { r.Price = 49000 }, ErrStalePrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			err := newTestValidator(&mockGate{canTrade: true}).Validate(req, 50000)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, StatusRejected, req.Status)
		})
	}
}

func TestValidate_CircuitBreakerOpen(t *testing.T) {
	err := newTestValidator(&mockGate{canTrade: false}).Validate(validRequest(), 50000)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestValidate_NoGate(t *testing.T) {
	assert.NoError(t, newTestValidator(nil).Validate(validRequest(), 50000))
}

func TestQuoteOrders(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := quote.Quote{BidPrice: 49950, AskPrice: 50050, BidSize: 0, AskSize: 0.002}

	reqs := QuoteOrders(adapter.ExchangeBinance, "BTCUSDT", q, now)
	require.Len(t, reqs, 1)
	assert.Equal(t, Sell, reqs[0].Side)
	assert.Equal(t, PostOnly, reqs[0].Type)
	assert.Equal(t, 50050.0, reqs[0].Price)
	assert.NotEmpty(t, reqs[0].ClientID)

	q.BidSize = 0.002
	reqs = QuoteOrders(adapter.ExchangeBinance, "BTCUSDT", q, now)
	require.Len(t, reqs, 2)
	assert.NotEqual(t, reqs[0].ClientID, reqs[1].ClientID)

	assert.Empty(t, QuoteOrders(adapter.ExchangeBinance, "BTCUSDT", quote.Quote{}, now))
}
