// Package market provides per-symbol venue constraints and a clock-driven
// cache for looking them up.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"
)

var ErrUnknownSymbol = errors.New("market: unknown symbol")

// Meta is the static trading constraint set for one symbol.
type Meta struct {
	Symbol        string
	TickSize      float64
	SizePrecision int32
	MinSize       float64
}

// Source resolves Meta for a symbol.
type Source interface {
	Meta(ctx context.Context, symbol string) (Meta, error)
}

// StaticSource serves Meta from configuration.
type StaticSource map[string]Meta

// NewStaticSource indexes metas by symbol.
func NewStaticSource(metas ...Meta) StaticSource {
	return lo.SliceToMap(metas, func(m Meta) (string, Meta) {
		return m.Symbol, m
	})
}

func (s StaticSource) Meta(_ context.Context, symbol string) (Meta, error) {
	m, ok := s[symbol]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return m, nil
}

// Symbols returns the configured symbols in sorted order.
func (s StaticSource) Symbols() []string {
	keys := lo.Keys(s)
	sort.Strings(keys)
	return keys
}
