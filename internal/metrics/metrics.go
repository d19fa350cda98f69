// Package metrics holds the Prometheus collectors shared by the quoting
// pipeline. A nil *Metrics is valid and records nothing, so components can
// be constructed in tests without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delta outcomes recorded by BookDelta.
const (
	DeltaApplied   = "applied"
	DeltaDuplicate = "duplicate"
	DeltaRejected  = "rejected"
)

// Metrics groups every collector exported by the maker.
type Metrics struct {
	reconnects   *prometheus.CounterVec
	streamState  *prometheus.GaugeVec
	bookDeltas   *prometheus.CounterVec
	fairPrice    *prometheus.GaugeVec
	quotes       *prometheus.CounterVec
	ticksDropped *prometheus.CounterVec
	viewsDropped *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Reconnect attempts scheduled per stream.",
		}, []string{"stream"}),
		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_state",
			Help: "Stream connection state (0 disconnected, 1 connected, 2 closed).",
		}, []string{"stream"}),
		bookDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "book_deltas_total",
			Help: "Order book deltas by outcome.",
		}, []string{"symbol", "result"}),
		fairPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fair_price",
			Help: "Latest smoothed fair price.",
		}, []string{"symbol"}),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotes_total",
			Help: "Quotes generated by mode.",
		}, []string{"symbol", "mode"}),
		ticksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticks_dropped_total",
			Help: "Price ticks dropped because the pipeline was behind.",
		}, []string{"symbol"}),
		viewsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "book_views_dropped_total",
			Help: "Book views discarded because a subscriber was behind.",
		}, []string{"exchange"}),
	}

	reg.MustRegister(
		m.reconnects,
		m.streamState,
		m.bookDeltas,
		m.fairPrice,
		m.quotes,
		m.ticksDropped,
		m.viewsDropped,
	)
	return m
}

func (m *Metrics) Reconnect(stream string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(stream).Inc()
}

func (m *Metrics) StreamState(stream string, state int) {
	if m == nil {
		return
	}
	m.streamState.WithLabelValues(stream).Set(float64(state))
}

func (m *Metrics) BookDelta(symbol, result string) {
	if m == nil {
		return
	}
	m.bookDeltas.WithLabelValues(symbol, result).Inc()
}

func (m *Metrics) FairPrice(symbol string, price float64) {
	if m == nil {
		return
	}
	m.fairPrice.WithLabelValues(symbol).Set(price)
}

func (m *Metrics) Quote(symbol, mode string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(symbol, mode).Inc()
}

func (m *Metrics) TickDropped(symbol string) {
	if m == nil {
		return
	}
	m.ticksDropped.WithLabelValues(symbol).Inc()
}

func (m *Metrics) BookViewDropped(exchange string) {
	if m == nil {
		return
	}
	m.viewsDropped.WithLabelValues(exchange).Inc()
}
