package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/maker/internal/quote"
)

func params() quote.Params {
	return quote.Params{
		SpreadBps:         10,
		TakeProfitBps:     5,
		OrderSizeUSD:      100,
		CloseThresholdUSD: 500,
		MaxPositionUSD:    1000,
		MinMarginRatio:    0.1,
	}
}

func TestTracker_UpdateDerivesNotional(t *testing.T) {
	tr := NewTracker("BTCUSDT", params())
	tr.Update(&Position{Symbol: "BTCUSDT", Size: -0.01, EntryPrice: 49000, MarkPrice: 50000, Margin: 100})

	s := tr.State()
	assert.Equal(t, SideShort, s.Side)
	assert.Equal(t, 0.01, s.Size)
	assert.InDelta(t, 500, s.Notional, 1e-9)
	assert.InDelta(t, -500, tr.SignedNotional(), 1e-9)
}

func TestTracker_ZeroOrMissingResets(t *testing.T) {
	tr := NewTracker("BTCUSDT", params())
	tr.Update(&Position{Size: 1, MarkPrice: 100})
	require.Equal(t, SideLong, tr.State().Side)

	tr.Update(&Position{Size: 0, MarkPrice: 100, Margin: 50})
	assert.Equal(t, PositionState{Symbol: "BTCUSDT"}, tr.State())

	tr.Update(&Position{Size: 1, MarkPrice: 100})
	tr.Update(nil)
	assert.Equal(t, PositionState{Symbol: "BTCUSDT"}, tr.State())
}

func TestTracker_MarkFallsBackToEntry(t *testing.T) {
	tr := NewTracker("BTCUSDT", params())
	tr.Update(&Position{Size: 2, EntryPrice: 100})
	assert.InDelta(t, 200, tr.State().Notional, 1e-9)
}

func TestTracker_CanAddPosition(t *testing.T) {
	tr := NewTracker("BTCUSDT", params())
	assert.True(t, tr.CanAddPosition(Bid))
	assert.True(t, tr.CanAddPosition(Ask))

	// Long 600: close-only, buying would increase exposure.
	tr.Update(&Position{Size: 0.012, MarkPrice: 50000})
	assert.Equal(t, quote.ModeCloseOnly, tr.Mode())
	assert.False(t, tr.CanAddPosition(Bid))
	assert.True(t, tr.CanAddPosition(Ask))

	// Short 600: mirror image.
	tr.Update(&Position{Size: -0.012, MarkPrice: 50000})
	assert.True(t, tr.CanAddPosition(Bid))
	assert.False(t, tr.CanAddPosition(Ask))

	// At the hard limit nothing is allowed.
	tr.Update(&Position{Size: 0.03, MarkPrice: 50000})
	assert.False(t, tr.CanAddPosition(Bid))
	assert.False(t, tr.CanAddPosition(Ask))
	assert.False(t, tr.WouldIncrease(Ask))
}

func TestTracker_ModeBelowThreshold(t *testing.T) {
	tr := NewTracker("BTCUSDT", params())
	tr.Update(&Position{Size: 0.008, MarkPrice: 50000})
	assert.Equal(t, quote.ModeNormal, tr.Mode())
	assert.True(t, tr.CanAddPosition(Bid))
}

func TestTracker_Margin(t *testing.T) {
	tr := NewTracker("BTCUSDT", params())
	_, ok := tr.MarginRatio()
	assert.False(t, ok)
	assert.True(t, tr.MarginHealthy())

	tr.Update(&Position{Size: 1, MarkPrice: 100, Margin: 20})
	ratio, ok := tr.MarginRatio()
	require.True(t, ok)
	assert.InDelta(t, 0.2, ratio, 1e-12)
	assert.True(t, tr.MarginHealthy())

	tr.Update(&Position{Size: 1, MarkPrice: 100, Margin: 5})
	assert.False(t, tr.MarginHealthy())
}

func TestFlatAccount(t *testing.T) {
	p, err := FlatAccount{}.Position(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, p)
}
