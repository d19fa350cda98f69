package book

import "time"

// PriceLevel is one aggregated level on a side of the book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Snapshot is a full replacement of the book for one symbol.
type Snapshot struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Nonce     int64
	HasNonce  bool
	Timestamp time.Time
}

// LevelDelta is a signed size change at one price.
type LevelDelta struct {
	Price     float64
	SizeDelta float64
}

// Delta is one incremental update. Nonce must strictly increase across
// the deltas of one stream.
type Delta struct {
	Bids      []LevelDelta
	Asks      []LevelDelta
	Nonce     int64
	Timestamp time.Time
}

// View is a read-only copy of the reconciled book. Bids are sorted by
// descending price, asks by ascending price, with unique prices per side.
type View struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	LastNonce int64
	HasNonce  bool
	Timestamp time.Time
}

// BestBid returns the highest bid.
func (v View) BestBid() (float64, bool) {
	if len(v.Bids) == 0 {
		return 0, false
	}
	return v.Bids[0].Price, true
}

// BestAsk returns the lowest ask.
func (v View) BestAsk() (float64, bool) {
	if len(v.Asks) == 0 {
		return 0, false
	}
	return v.Asks[0].Price, true
}

// Mid returns the midpoint of the best bid and ask.
func (v View) Mid() (float64, bool) {
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// SpreadBps returns the top-of-book spread relative to mid, in basis points.
func (v View) SpreadBps() (float64, bool) {
	mid, ok := v.Mid()
	if !ok || mid <= 0 {
		return 0, false
	}
	return (v.Asks[0].Price - v.Bids[0].Price) / mid * 10_000, true
}

// Age returns how long ago the view was last updated.
func (v View) Age(now time.Time) time.Duration {
	if v.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(v.Timestamp)
}
