package adapter

import (
	"time"

	"github.com/caesar-terminal/maker/internal/book"
)

// Exchange identifies the source of market data.
type Exchange string

const (
	ExchangeBinance    Exchange = "binance"
	ExchangePolymarket Exchange = "polymarket"
	ExchangeKalshi     Exchange = "kalshi"
)

// BookUpdate carries a reconciled book view from one venue. Downstream
// consumers (circuit breaker, Redis, logging) operate on this type
// regardless of origin.
type BookUpdate struct {
	Exchange Exchange
	Symbol   string
	View     book.View
}

// Timestamp is the time of the last change applied to the view.
func (u BookUpdate) Timestamp() time.Time { return u.View.Timestamp }
