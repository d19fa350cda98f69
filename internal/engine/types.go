package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/quote"
)

// Side represents the direction of an order.
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderType distinguishes execution semantics.
type OrderType uint8

const (
	Limit OrderType = iota + 1
	// PostOnly is rejected by the venue rather than matched on arrival.
	PostOnly
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case PostOnly:
		return "post-only"
	default:
		return "unknown"
	}
}

// Status tracks the lifecycle of an order.
type Status uint8

const (
	StatusNew Status = iota + 1
	StatusValidated
	StatusPending
	StatusFilled
	StatusCancelled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusValidated:
		return "validated"
	case StatusPending:
		return "pending"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OrderRequest is a single resting order derived from a quote.
type OrderRequest struct {
	ClientID  string
	Exchange  adapter.Exchange
	Symbol    string
	Side      Side
	Type      OrderType
	Price     float64
	Size      float64
	Status    Status
	CreatedAt time.Time
}

// OrderAck is the venue's answer to PlaceOrder.
type OrderAck struct {
	OrderID string
	Status  Status
}

// Executor is the venue order surface used by the order-sync loop. A
// zero-size quote side must be translated to "no order", never to an
// order of size zero.
type Executor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	// CancelAllOrders cancels every order, or only symbol's when non-empty.
	CancelAllOrders(ctx context.Context, symbol string) error
}

// QuoteOrders turns q into at most two post-only requests. Sides with zero
// size produce no request.
func QuoteOrders(exchange adapter.Exchange, symbol string, q quote.Quote, now time.Time) []OrderRequest {
	reqs := make([]OrderRequest, 0, 2)
	if q.BidSize > 0 {
		reqs = append(reqs, newRequest(exchange, symbol, Buy, q.BidPrice, q.BidSize, now))
	}
	if q.AskSize > 0 {
		reqs = append(reqs, newRequest(exchange, symbol, Sell, q.AskPrice, q.AskSize, now))
	}
	return reqs
}

func newRequest(exchange adapter.Exchange, symbol string, side Side, price, size float64, now time.Time) OrderRequest {
	return OrderRequest{
		ClientID:  uuid.NewString(),
		Exchange:  exchange,
		Symbol:    symbol,
		Side:      side,
		Type:      PostOnly,
		Price:     price,
		Size:      size,
		Status:    StatusNew,
		CreatedAt: now,
	}
}
