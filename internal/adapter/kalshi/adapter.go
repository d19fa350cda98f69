package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/book"
	"github.com/caesar-terminal/maker/internal/metrics"
	"github.com/caesar-terminal/maker/internal/stream"
)

const wsPath = "/trade-api/ws/v2"

// DefaultURL is the production market-data endpoint.
const DefaultURL = "wss://api.elections.kalshi.com" + wsPath

// command is the Kalshi WebSocket command envelope.
type command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	Type string `json:"type"`
}

type rawSnapshot struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string   `json:"market_ticker"`
		Yes          [][2]int `json:"yes"`
		No           [][2]int `json:"no"`
	} `json:"msg"`
}

type rawDelta struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		Price        int    `json:"price"`
		Delta        int    `json:"delta"`
		Side         string `json:"side"`
	} `json:"msg"`
}

// AuthHeaders computes the RSA-PSS authentication headers required for the
// Kalshi WebSocket upgrade request.
func AuthHeaders(apiKey string, privateKeyPEM []byte) (http.Header, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("kalshi: failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: key is not RSA")
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + "GET" + wsPath

	h := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, rsaKey, crypto.SHA256, h[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign: %w", err)
	}

	headers := http.Header{}
	headers.Set("KALSHI-ACCESS-KEY", apiKey)
	headers.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	headers.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))

	return headers, nil
}

// KeyAccessor lends the PEM private key to fn for the duration of the call.
// secrets.Vault.With satisfies it through a closure.
type KeyAccessor func(fn func(pem []byte) error) error

// AuthHeaderFunc re-signs the upgrade request on every dial, since the
// signature embeds a timestamp.
func AuthHeaderFunc(apiKey string, withKey KeyAccessor) stream.HeaderFunc {
	return func() (http.Header, error) {
		var headers http.Header
		err := withKey(func(pem []byte) error {
			var err error
			headers, err = AuthHeaders(apiKey, pem)
			return err
		})
		return headers, err
	}
}

// Adapter drives one book.Reconciler per market ticker from the Kalshi
// orderbook_delta channel and emits the reconciled views as BookUpdates.
//
// YES bids become bids. A NO bid at p cents is an offer to sell YES at
// 100-p, so NO levels become asks. The message seq is the delta nonce.
type Adapter struct {
	sup     *stream.Supervisor
	logger  *zap.Logger
	metrics *metrics.Metrics

	updates chan adapter.BookUpdate

	// mu guards books and every reconciler in it.
	mu    sync.Mutex
	books map[string]*book.Reconciler

	cmdID   atomic.Int64
	nowFunc func() time.Time
}

// New creates an Adapter on sup and registers its handlers. It must be
// called before sup.Open.
func New(sup *stream.Supervisor, logger *zap.Logger, m *metrics.Metrics) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		sup:     sup,
		logger:  logger.Named("kalshi"),
		metrics: m,
		updates: make(chan adapter.BookUpdate, 1024),
		books:   make(map[string]*book.Reconciler),
		nowFunc: time.Now,
	}
	sup.OnMessage(a.handleMessage)
	sup.OnConnect(a.resetAll)
	return a
}

// Updates returns the channel of reconciled book updates.
func (a *Adapter) Updates() <-chan adapter.BookUpdate {
	return a.updates
}

// Subscribe starts tracking ticker. The subscription is replayed by the
// supervisor after every reconnect.
func (a *Adapter) Subscribe(ticker string) error {
	a.mu.Lock()
	if _, ok := a.books[ticker]; !ok {
		a.books[ticker] = book.NewReconciler(ticker)
	}
	a.mu.Unlock()

	sub, err := a.command("subscribe", ticker)
	if err != nil {
		return err
	}
	unsub, err := a.command("unsubscribe", ticker)
	if err != nil {
		return err
	}
	return a.sup.Subscribe(ticker, sub, unsub)
}

// Unsubscribe stops tracking ticker without affecting other tickers.
func (a *Adapter) Unsubscribe(ticker string) error {
	a.mu.Lock()
	delete(a.books, ticker)
	a.mu.Unlock()
	return a.sup.Unsubscribe(ticker)
}

// View returns a copy of the current view for ticker, false until its
// snapshot has arrived.
func (a *Adapter) View(ticker string) (book.View, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.books[ticker]
	if r == nil || !r.Loaded() {
		return book.View{}, false
	}
	return r.CurrentView(), true
}

func (a *Adapter) command(cmd, ticker string) ([]byte, error) {
	msg, err := json.Marshal(command{
		ID:  a.cmdID.Add(1),
		Cmd: cmd,
		Params: commandParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: []string{ticker},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: encode %s: %w", cmd, err)
	}
	return msg, nil
}

// resetAll discards every book after a (re)connect. Nonce continuity does
// not survive a gap, so each ticker waits for its fresh snapshot.
func (a *Adapter) resetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.books {
		r.Reset()
	}
}

func (a *Adapter) handleMessage(raw []byte) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.logger.Warn("invalid JSON", zap.Error(err))
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		a.handleSnapshot(raw)
	case "orderbook_delta":
		a.handleDelta(raw)
	case "error":
		a.logger.Error("exchange error", zap.ByteString("msg", raw))
	default:
		// Other message types ignored.
	}
}

func (a *Adapter) handleSnapshot(raw []byte) {
	var snap rawSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		a.logger.Warn("failed to parse snapshot", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.books[snap.Msg.MarketTicker]
	if r == nil {
		return
	}

	bids := make([]book.PriceLevel, 0, len(snap.Msg.Yes))
	for _, level := range snap.Msg.Yes {
		bids = append(bids, book.PriceLevel{Price: yesPrice(level[0]), Size: float64(level[1])})
	}
	asks := make([]book.PriceLevel, 0, len(snap.Msg.No))
	for _, level := range snap.Msg.No {
		asks = append(asks, book.PriceLevel{Price: noAsAsk(level[0]), Size: float64(level[1])})
	}

	r.LoadSnapshot(book.Snapshot{
		Symbol:    snap.Msg.MarketTicker,
		Bids:      bids,
		Asks:      asks,
		Nonce:     snap.Seq,
		HasNonce:  true,
		Timestamp: a.nowFunc(),
	})
	a.emit(r)
}

func (a *Adapter) handleDelta(raw []byte) {
	var delta rawDelta
	if err := json.Unmarshal(raw, &delta); err != nil {
		a.logger.Warn("failed to parse delta", zap.Error(err))
		return
	}

	ticker := delta.Msg.MarketTicker
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.books[ticker]
	if r == nil {
		return
	}

	d := book.Delta{Nonce: delta.Seq, Timestamp: a.nowFunc()}
	switch delta.Msg.Side {
	case "yes":
		d.Bids = []book.LevelDelta{{Price: yesPrice(delta.Msg.Price), SizeDelta: float64(delta.Msg.Delta)}}
	case "no":
		d.Asks = []book.LevelDelta{{Price: noAsAsk(delta.Msg.Price), SizeDelta: float64(delta.Msg.Delta)}}
	default:
		a.logger.Warn("unknown delta side", zap.String("ticker", ticker), zap.String("side", delta.Msg.Side))
		return
	}

	res := r.Apply(d)
	a.metrics.BookDelta(ticker, resultLabel(res))
	switch res {
	case book.Applied:
		a.emit(r)
	case book.Duplicate, book.NotLoaded:
		// Expected around reconnects.
	default:
		a.logger.Warn("delta rejected", zap.String("ticker", ticker), zap.Stringer("result", res))
	}
}

func (a *Adapter) emit(r *book.Reconciler) {
	v := r.CurrentView()
	update := adapter.BookUpdate{
		Exchange: adapter.ExchangeKalshi,
		Symbol:   v.Symbol,
		View:     v,
	}

	select {
	case a.updates <- update:
	default:
		a.logger.Warn("updates channel full, dropping book update", zap.String("ticker", v.Symbol))
	}
}

// yesPrice normalises cents (1-99) to a 0-1 probability scale.
func yesPrice(cents int) float64 { return float64(cents) / 100 }

// noAsAsk converts a NO bid in cents to the equivalent YES ask.
func noAsAsk(cents int) float64 { return float64(100-cents) / 100 }

func resultLabel(r book.Result) string {
	switch r {
	case book.Applied:
		return metrics.DeltaApplied
	case book.Duplicate:
		return metrics.DeltaDuplicate
	default:
		return metrics.DeltaRejected
	}
}
