// Package book maintains a locally consistent price-level book from a
// snapshot followed by a stream of signed deltas.
package book

import (
	"math"
	"sort"
)

// Result is the outcome of applying one delta.
type Result int

const (
	Applied Result = iota
	// Duplicate means the delta's nonce was not newer than the book's.
	Duplicate
	// NotLoaded means no snapshot has been loaded since creation or Reset.
	NotLoaded
	// Malformed means a level carried a non-finite or non-positive price,
	// or a non-finite size delta.
	Malformed
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case NotLoaded:
		return "not_loaded"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Reconciler owns the book for one (venue, symbol). It is not safe for
// concurrent use; the delivering goroutine is the only writer.
type Reconciler struct {
	view   View
	loaded bool
}

// NewReconciler creates an empty reconciler awaiting its first snapshot.
func NewReconciler(symbol string) *Reconciler {
	return &Reconciler{view: View{Symbol: symbol}}
}

// Loaded reports whether a snapshot is in place.
func (r *Reconciler) Loaded() bool { return r.loaded }

// Reset discards the book. Deltas are refused until the next snapshot,
// since nonce continuity cannot be assumed across a reconnect.
func (r *Reconciler) Reset() {
	r.view = View{Symbol: r.view.Symbol}
	r.loaded = false
}

// LoadSnapshot replaces the entire view. Levels with non-positive size or
// invalid price are dropped and repeated prices keep the last size.
func (r *Reconciler) LoadSnapshot(s Snapshot) {
	symbol := r.view.Symbol
	if s.Symbol != "" {
		symbol = s.Symbol
	}
	r.view = View{
		Symbol:    symbol,
		Bids:      sanitize(s.Bids, true),
		Asks:      sanitize(s.Asks, false),
		LastNonce: s.Nonce,
		HasNonce:  s.HasNonce,
		Timestamp: s.Timestamp,
	}
	r.loaded = true
}

// ApplyDelta applies d and reports whether the book changed. A refused
// delta leaves the view untouched.
func (r *Reconciler) ApplyDelta(d Delta) bool {
	return r.Apply(d) == Applied
}

// Apply is ApplyDelta with the reason for refusal.
func (r *Reconciler) Apply(d Delta) Result {
	if !r.loaded {
		return NotLoaded
	}
	if r.view.HasNonce && d.Nonce <= r.view.LastNonce {
		return Duplicate
	}
	if !validLevels(d.Bids) || !validLevels(d.Asks) {
		return Malformed
	}

	bids, ok := applySide(cloneLevels(r.view.Bids), d.Bids, true)
	if !ok {
		return Malformed
	}
	asks, ok := applySide(cloneLevels(r.view.Asks), d.Asks, false)
	if !ok {
		return Malformed
	}

	r.view.Bids = bids
	r.view.Asks = asks
	r.view.LastNonce = d.Nonce
	r.view.HasNonce = true
	r.view.Timestamp = d.Timestamp
	return Applied
}

// CurrentView returns a deep copy of the book.
func (r *Reconciler) CurrentView() View {
	v := r.view
	v.Bids = cloneLevels(r.view.Bids)
	v.Asks = cloneLevels(r.view.Asks)
	return v
}

// applySide folds deltas into levels, which must already be sorted for the
// side. New prices are inserted by linear scan at their sorted position.
// It reports false if a level size overflows.
func applySide(levels []PriceLevel, deltas []LevelDelta, descending bool) ([]PriceLevel, bool) {
	for _, d := range deltas {
		i, found := locate(levels, d.Price, descending)
		if found {
			size := levels[i].Size + d.SizeDelta
			if math.IsInf(size, 0) || math.IsNaN(size) {
				return nil, false
			}
			if size <= 0 {
				levels = append(levels[:i], levels[i+1:]...)
			} else {
				levels[i].Size = size
			}
			continue
		}
		if d.SizeDelta <= 0 {
			continue
		}
		levels = append(levels, PriceLevel{})
		copy(levels[i+1:], levels[i:])
		levels[i] = PriceLevel{Price: d.Price, Size: d.SizeDelta}
	}
	return levels, true
}

// locate returns the index of price, or the index where it would be
// inserted to keep the side sorted.
func locate(levels []PriceLevel, price float64, descending bool) (int, bool) {
	for i, l := range levels {
		if l.Price == price {
			return i, true
		}
		if descending && l.Price < price || !descending && l.Price > price {
			return i, false
		}
	}
	return len(levels), false
}

func validLevels(deltas []LevelDelta) bool {
	for _, d := range deltas {
		if !validPrice(d.Price) || math.IsNaN(d.SizeDelta) || math.IsInf(d.SizeDelta, 0) {
			return false
		}
	}
	return true
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

func sanitize(levels []PriceLevel, descending bool) []PriceLevel {
	byPrice := make(map[float64]float64, len(levels))
	for _, l := range levels {
		if !validPrice(l.Price) {
			continue
		}
		byPrice[l.Price] = l.Size
	}

	out := make([]PriceLevel, 0, len(byPrice))
	for price, size := range byPrice {
		if size > 0 && !math.IsInf(size, 0) {
			out = append(out, PriceLevel{Price: price, Size: size})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func cloneLevels(levels []PriceLevel) []PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]PriceLevel, len(levels))
	copy(out, levels)
	return out
}
