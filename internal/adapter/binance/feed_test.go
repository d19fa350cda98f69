package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/maker/internal/pricing"
	"github.com/caesar-terminal/maker/internal/stream"
)

func TestFeed_ParsesTrades(t *testing.T) {
	f := New(stream.New(stream.DefaultConfig("binance"), nil, nil, nil), "btcusdt", nil)
	var prices []float64
	f.OnTick(func(price float64, _ int64) { prices = append(prices, price) })

	f.handleMessage([]byte(`{"result":null,"id":1}`))
	f.handleMessage([]byte(`{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":12345,"p":"50000.10","q":"0.01","T":1700000000000,"m":true}`))
	f.handleMessage([]byte(`{"e":"trade","s":"ETHUSDT","p":"3000.00","T":1}`))
	f.handleMessage([]byte(`{"e":"trade","s":"BTCUSDT","p":"nan?","T":2}`))
	f.handleMessage([]byte(`garbage`))

	assert.Equal(t, []float64{50000.10}, prices)
	assert.Equal(t, 50000.10, f.LastPrice())
	assert.Equal(t, int64(1700000000000), f.LastTimestamp())
	assert.Equal(t, "btcusdt@trade", f.StreamName())
}

func TestFeed_DrivesAggregator(t *testing.T) {
	f := New(stream.New(stream.DefaultConfig("binance"), nil, nil, nil), "BTCUSDT", nil)
	agg := pricing.NewAggregator(pricing.AggregatorConfig{WindowMs: 1000, MinSamples: 2})
	agg.Attach(f)

	f.handleMessage([]byte(`{"e":"trade","s":"BTCUSDT","p":"100","T":1}`))
	f.handleMessage([]byte(`{"e":"trade","s":"BTCUSDT","p":"102","T":2}`))

	price, ok := agg.CurrentPrice()
	require.True(t, ok)
	assert.Equal(t, 102.0, price)
}

// venueServer accepts one client at a time, records what it sends and
// writes whatever the test pushes.
type venueServer struct {
	srv      *httptest.Server
	received chan []byte
	out      chan string
	dials    atomic.Int32
}

func newVenueServer(t *testing.T) *venueServer {
	t.Helper()
	vs := &venueServer{received: make(chan []byte, 16), out: make(chan string, 16)}
	upgrader := websocket.Upgrader{}
	vs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		vs.dials.Add(1)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				vs.received <- msg
			}
		}()
		for {
			select {
			case <-done:
				return
			case msg := <-vs.out:
				if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(vs.srv.Close)
	return vs
}

func (vs *venueServer) URL() string {
	return "ws" + strings.TrimPrefix(vs.srv.URL, "http")
}

func (vs *venueServer) next(t *testing.T) request {
	t.Helper()
	select {
	case raw := <-vs.received:
		var req request
		require.NoError(t, json.Unmarshal(raw, &req))
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client message")
		return request{}
	}
}

func TestFeed_ConnectSendsSubscribe(t *testing.T) {
	vs := newVenueServer(t)
	sup := stream.New(stream.DefaultConfig("binance"), stream.NewWSDialer(vs.URL()), nil, nil)
	f := New(sup, "BTCUSDT", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.Connect(ctx))
	require.NoError(t, sup.Open(ctx))
	defer sup.Close()

	req := vs.next(t)
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@trade"}, req.Params)
	assert.True(t, f.Connected())
}

func TestFeed_SharedSupervisorDisconnectKeepsOthers(t *testing.T) {
	vs := newVenueServer(t)
	sup := stream.New(stream.DefaultConfig("binance"), stream.NewWSDialer(vs.URL()), nil, nil)
	btc := New(sup, "BTCUSDT", nil)
	eth := New(sup, "ETHUSDT", nil)

	btcTicks := make(chan float64, 4)
	btc.OnTick(func(price float64, _ int64) { btcTicks <- price })
	var ethTicks atomic.Int32
	eth.OnTick(func(float64, int64) { ethTicks.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sup.Open(ctx))
	defer sup.Close()
	require.NoError(t, btc.Connect(ctx))
	require.NoError(t, eth.Connect(ctx))

	subs := []string{vs.next(t).Params[0], vs.next(t).Params[0]}
	assert.ElementsMatch(t, []string{"btcusdt@trade", "ethusdt@trade"}, subs)

	require.NoError(t, eth.Disconnect())
	req := vs.next(t)
	assert.Equal(t, "UNSUBSCRIBE", req.Method)
	assert.Equal(t, []string{"ethusdt@trade"}, req.Params)

	assert.True(t, sup.Connected())
	assert.True(t, btc.Connected())
	assert.False(t, eth.Connected())
	assert.Equal(t, 1, sup.Subscriptions())

	vs.out <- `{"e":"trade","s":"ETHUSDT","p":"3000","T":1}`
	vs.out <- `{"e":"trade","s":"BTCUSDT","p":"50000","T":2}`
	select {
	case p := <-btcTicks:
		assert.Equal(t, 50000.0, p)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining feed stopped receiving ticks")
	}
	assert.Zero(t, ethTicks.Load())
	assert.EqualValues(t, 1, vs.dials.Load())
}
