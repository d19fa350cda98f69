// Package quote converts a fair price and the current exposure into a
// two-sided quote.
package quote

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/maker/internal/market"
)

// Mode is the quoting regime.
type Mode uint8

const (
	ModeNormal Mode = iota
	// ModeCloseOnly quotes only the side that reduces exposure, at the
	// take-profit spread.
	ModeCloseOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeCloseOnly:
		return "close_only"
	default:
		return "unknown"
	}
}

var bpsDenominator = decimal.NewFromInt(10_000)

// Quote is a freshly computed two-sided quote. A zero size means that side
// must not be quoted at all.
type Quote struct {
	BidPrice    float64
	AskPrice    float64
	BidSize     float64
	AskSize     float64
	FairPrice   float64
	SpreadBps   float64
	IsCloseMode bool
	Mode        Mode
}

// ModeFor returns ModeCloseOnly when the absolute notional exceeds the
// close threshold. There is no hysteresis: a position sitting at the
// threshold flips modes as it crosses it.
func ModeFor(notional, closeThresholdUSD float64) Mode {
	if math.Abs(notional) > closeThresholdUSD {
		return ModeCloseOnly
	}
	return ModeNormal
}

// Generator produces quotes for one symbol.
type Generator struct {
	params Params
	meta   market.Meta
}

// NewGenerator returns a Generator. params must already be validated.
func NewGenerator(params Params, meta market.Meta) *Generator {
	return &Generator{params: params, meta: meta}
}

// Params returns the configuration in use.
func (g *Generator) Params() Params { return g.params }

// Meta returns the market constraints in use.
func (g *Generator) Meta() market.Meta { return g.meta }

// Generate computes the quote for fair with a signed position notional
// (positive long, negative short).
func (g *Generator) Generate(fair, notional float64) Quote {
	mode := ModeFor(notional, g.params.CloseThresholdUSD)
	closing := mode == ModeCloseOnly

	halfSpread := g.params.SpreadBps
	if closing {
		halfSpread = g.params.TakeProfitBps
	}

	f := decimal.NewFromFloat(fair)
	mult := decimal.NewFromFloat(halfSpread).Div(bpsDenominator)
	rawBid := f.Mul(decimal.NewFromInt(1).Sub(mult))
	rawAsk := f.Mul(decimal.NewFromInt(1).Add(mult))

	size := 0.0
	if fair > 0 {
		size = floorSize(decimal.NewFromFloat(g.params.OrderSizeUSD).Div(f), g.meta.SizePrecision)
	}
	if size < g.meta.MinSize {
		size = 0
	}

	q := Quote{
		BidPrice:    roundBid(rawBid, g.meta.TickSize),
		AskPrice:    roundAsk(rawAsk, g.meta.TickSize),
		BidSize:     size,
		AskSize:     size,
		FairPrice:   fair,
		SpreadBps:   halfSpread,
		IsCloseMode: closing,
		Mode:        mode,
	}
	if closing {
		switch {
		case notional > 0:
			q.BidSize = 0
		case notional < 0:
			q.AskSize = 0
		}
	}
	return q
}

// RoundBidToTick rounds price down to a multiple of tick.
func RoundBidToTick(price, tick float64) float64 {
	return roundBid(decimal.NewFromFloat(price), tick)
}

// RoundAskToTick rounds price up to a multiple of tick.
func RoundAskToTick(price, tick float64) float64 {
	return roundAsk(decimal.NewFromFloat(price), tick)
}

// FloorSize truncates size to precision decimal places.
func FloorSize(size float64, precision int32) float64 {
	return floorSize(decimal.NewFromFloat(size), precision)
}

// IsStale reports whether orderPrice deviates from fair by more than
// maxDeviationBps.
func IsStale(orderPrice, fair, maxDeviationBps float64) bool {
	if fair <= 0 {
		return true
	}
	return math.Abs(orderPrice-fair)/fair*10_000 > maxDeviationBps
}

// MaxDeviationBps bounds how far from fair a tick-rounded quote can land:
// the wider of the two half-spreads plus one tick. Quotes beyond the stale
// threshold would be rejected as soon as they are generated.
func MaxDeviationBps(p Params, tick, fair float64) float64 {
	if fair <= 0 {
		return math.Inf(1)
	}
	return math.Max(p.SpreadBps, p.TakeProfitBps) + tick/fair*10_000
}

func roundBid(p decimal.Decimal, tick float64) float64 {
	if tick <= 0 {
		return p.InexactFloat64()
	}
	t := decimal.NewFromFloat(tick)
	return p.Div(t).Floor().Mul(t).InexactFloat64()
}

func roundAsk(p decimal.Decimal, tick float64) float64 {
	if tick <= 0 {
		return p.InexactFloat64()
	}
	t := decimal.NewFromFloat(tick)
	return p.Div(t).Ceil().Mul(t).InexactFloat64()
}

func floorSize(s decimal.Decimal, precision int32) float64 {
	if precision < 0 {
		precision = 0
	}
	return s.Truncate(precision).InexactFloat64()
}
