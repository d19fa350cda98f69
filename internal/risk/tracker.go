// Package risk tracks per-symbol exposure from venue account snapshots.
package risk

import (
	"context"
	"math"

	"github.com/caesar-terminal/maker/internal/quote"
)

// PositionSide is the direction of an open position.
type PositionSide uint8

const (
	SideNone PositionSide = iota
	SideLong
	SideShort
)

func (s PositionSide) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "none"
	}
}

// OrderSide is the book side an order would rest on.
type OrderSide uint8

const (
	Bid OrderSide = iota + 1
	Ask
)

// Position is the account record as a venue reports it. Size is signed:
// positive long, negative short.
type Position struct {
	Symbol        string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Margin        float64
}

// PositionState is the derived exposure for one symbol.
type PositionState struct {
	Symbol        string
	Side          PositionSide
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	Notional      float64
	UnrealizedPnL float64
	Margin        float64
}

// AccountSource pulls the current position for a symbol. A nil position
// means flat.
type AccountSource interface {
	Position(ctx context.Context, symbol string) (*Position, error)
}

// FlatAccount always reports no position.
type FlatAccount struct{}

func (FlatAccount) Position(context.Context, string) (*Position, error) { return nil, nil }

// Tracker holds the PositionState for one symbol. It is owned by a single
// goroutine.
type Tracker struct {
	symbol string
	params quote.Params
	state  PositionState
}

// NewTracker creates a flat tracker.
func NewTracker(symbol string, params quote.Params) *Tracker {
	return &Tracker{
		symbol: symbol,
		params: params,
		state:  PositionState{Symbol: symbol},
	}
}

// Update replaces the state wholesale. A nil position, or one with zero
// size, resets to the canonical flat state.
func (t *Tracker) Update(p *Position) {
	if p == nil || p.Size == 0 || math.IsNaN(p.Size) {
		t.state = PositionState{Symbol: t.symbol}
		return
	}

	side := SideLong
	if p.Size < 0 {
		side = SideShort
	}
	size := math.Abs(p.Size)
	mark := p.MarkPrice
	if mark <= 0 {
		mark = p.EntryPrice
	}
	t.state = PositionState{
		Symbol:        t.symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    p.EntryPrice,
		MarkPrice:     mark,
		Notional:      size * mark,
		UnrealizedPnL: p.UnrealizedPnL,
		Margin:        p.Margin,
	}
}

// State returns a copy of the current state.
func (t *Tracker) State() PositionState { return t.state }

// SignedNotional is positive when long and negative when short.
func (t *Tracker) SignedNotional() float64 {
	if t.state.Side == SideShort {
		return -t.state.Notional
	}
	return t.state.Notional
}

// Mode is the quoting regime implied by the current exposure.
func (t *Tracker) Mode() quote.Mode {
	return quote.ModeFor(t.SignedNotional(), t.params.CloseThresholdUSD)
}

// WouldIncrease reports whether a fill on side grows the absolute exposure.
func (t *Tracker) WouldIncrease(side OrderSide) bool {
	switch t.state.Side {
	case SideLong:
		return side == Bid
	case SideShort:
		return side == Ask
	default:
		return true
	}
}

// CanAddPosition is false once the notional reaches MaxPositionUSD, or in
// close-only mode for a side that would increase exposure.
func (t *Tracker) CanAddPosition(side OrderSide) bool {
	if t.state.Notional >= t.params.MaxPositionUSD {
		return false
	}
	if t.Mode() == quote.ModeCloseOnly && t.WouldIncrease(side) {
		return false
	}
	return true
}

// MarginRatio is margin over notional. It is false when flat.
func (t *Tracker) MarginRatio() (float64, bool) {
	if t.state.Notional <= 0 {
		return 0, false
	}
	return t.state.Margin / t.state.Notional, true
}

// MarginHealthy is true when flat, when no minimum is configured, or when
// the margin ratio meets MinMarginRatio.
func (t *Tracker) MarginHealthy() bool {
	if t.params.MinMarginRatio <= 0 {
		return true
	}
	ratio, ok := t.MarginRatio()
	if !ok {
		return true
	}
	return ratio >= t.params.MinMarginRatio
}
