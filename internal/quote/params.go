package quote

import "errors"

// DefaultStaleThresholdBps is the deviation from fair beyond which a resting
// order is considered stale.
const DefaultStaleThresholdBps = 50

var (
	ErrInvalidSpread    = errors.New("quote: spread_bps and take_profit_bps must be positive")
	ErrInvalidSize      = errors.New("quote: order_size_usd must be positive")
	ErrInvalidThreshold = errors.New("quote: close_threshold_usd and max_position_usd must be positive")
	ErrMaxBelowClose    = errors.New("quote: max_position_usd must exceed close_threshold_usd")
)

// Params is the quoting configuration for one symbol.
type Params struct {
	SpreadBps         float64
	TakeProfitBps     float64
	OrderSizeUSD      float64
	CloseThresholdUSD float64
	MaxPositionUSD    float64
	StaleThresholdBps float64
	MinMarginRatio    float64
}

// Validate rejects configurations that must stop the process at startup.
func (p Params) Validate() error {
	if p.SpreadBps <= 0 || p.TakeProfitBps <= 0 {
		return ErrInvalidSpread
	}
	if p.OrderSizeUSD <= 0 {
		return ErrInvalidSize
	}
	if p.CloseThresholdUSD <= 0 || p.MaxPositionUSD <= 0 {
		return ErrInvalidThreshold
	}
	if p.MaxPositionUSD <= p.CloseThresholdUSD {
		return ErrMaxBelowClose
	}
	return nil
}
