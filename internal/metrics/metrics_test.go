package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reconnect("binance")
	m.Reconnect("binance")
	m.BookDelta("FED-DEC", DeltaApplied)
	m.BookDelta("FED-DEC", DeltaDuplicate)
	m.FairPrice("BTCUSDT", 50000)
	m.Quote("BTCUSDT", "normal")
	m.BookViewDropped("kalshi")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("binance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookDeltas.WithLabelValues("FED-DEC", DeltaDuplicate)))
	assert.Equal(t, 50000.0, testutil.ToFloat64(m.fairPrice.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewsDropped.WithLabelValues("kalshi")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reconnect("x")
		m.StreamState("x", 1)
		m.BookDelta("x", DeltaRejected)
		m.FairPrice("x", 1)
		m.Quote("x", "close_only")
		m.TickDropped("x")
		m.BookViewDropped("x")
	})
}
