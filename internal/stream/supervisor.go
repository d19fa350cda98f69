// Package stream supervises push-based external feeds. A Supervisor owns one
// physical transport, multiplexes logical subscriptions over it, and hides
// reconnects from its callers: on any transport failure it waits a fixed
// delay, redials, and re-issues every subscription.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/maker/internal/metrics"
)

// DefaultReconnectDelay is the fixed wait between a failure and the next
// dial attempt.
const DefaultReconnectDelay = 5 * time.Second

var (
	ErrClosed       = errors.New("stream: supervisor closed")
	ErrNotConnected = errors.New("stream: not connected")
)

// State is the connection state of a Supervisor.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds tunable parameters for a Supervisor.
type Config struct {
	// Name labels logs and metrics, e.g. "binance" or "kalshi".
	Name string

	ReconnectDelay time.Duration
}

// DefaultConfig returns a Config with the standard reconnect delay.
func DefaultConfig(name string) Config {
	return Config{Name: name, ReconnectDelay: DefaultReconnectDelay}
}

// Handler receives one raw message. Handlers run on the supervisor's read
// goroutine, one message at a time, and must not call Close.
type Handler func(msg []byte)

// Supervisor is a resilient wrapper around a Dialer. Callers register
// handlers, Open once, and treat the feed as always valid until Close.
type Supervisor struct {
	cfg     Config
	dialer  Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics

	subs   *subscriptions
	state  atomic.Int32
	closed atomic.Bool

	hookMu    sync.RWMutex
	handlers  []Handler
	onConnect []func()

	// mu guards the fields below and serialises every transport write.
	mu     sync.Mutex
	conn   Conn
	gen    uint64
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	opened bool

	// deliverMu is held while handlers run so Close can wait them out.
	deliverMu sync.Mutex
	wg        sync.WaitGroup

	// done is closed once the first Close has drained everything.
	done chan struct{}
}

// New creates a Supervisor. Nothing is dialed until Open.
func New(cfg Config, dialer Dialer, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.Named("stream").With(zap.String("stream", cfg.Name)),
		metrics: m,
		subs:    newSubscriptions(),
		done:    make(chan struct{}),
	}
}

// Name returns the configured stream name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// State returns the current connection state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Connected reports whether a transport is currently attached.
func (s *Supervisor) Connected() bool { return s.State() == StateConnected }

// OnMessage registers a handler for every inbound message.
func (s *Supervisor) OnMessage(h Handler) {
	s.hookMu.Lock()
	s.handlers = append(s.handlers, h)
	s.hookMu.Unlock()
}

// OnConnect registers a hook that runs after every successful connect and
// resubscribe, before any message from that connection is delivered.
func (s *Supervisor) OnConnect(fn func()) {
	s.hookMu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.hookMu.Unlock()
}

// Open performs the initial dial. A failed initial dial is returned to the
// caller; every failure after a successful Open is recovered internally.
// Cancelling ctx closes the supervisor.
func (s *Supervisor) Open(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	dialCtx := s.ctx
	s.mu.Unlock()

	conn, err := s.dialer.Dial(dialCtx)
	if err != nil {
		s.mu.Lock()
		s.opened = false
		s.cancel()
		s.mu.Unlock()
		return fmt.Errorf("stream: open %s: %w", s.cfg.Name, err)
	}

	context.AfterFunc(dialCtx, func() { s.Close() })
	s.attach(conn)
	return nil
}

// Close stops the supervisor. It is idempotent, cancels any pending
// reconnect, and returns only after in-flight handlers have finished; no
// handler runs after Close returns. Concurrent callers all wait for the
// same drain.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}
	defer close(s.done)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.setState(StateClosed)
	s.mu.Unlock()

	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	s.wg.Wait()
	s.logger.Info("closed")
	return nil
}

// Subscribe registers a logical subscription. subMsg is sent now if
// connected and again after every reconnect; unsubMsg is sent by
// Unsubscribe. Subscribing an existing key is a no-op.
func (s *Supervisor) Subscribe(key string, subMsg, unsubMsg []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.subs.add(key, subMsg, unsubMsg) {
		return nil
	}
	if s.conn == nil {
		return nil
	}
	if err := s.conn.WriteMessage(subMsg); err != nil {
		return fmt.Errorf("stream: subscribe %s: %w", key, err)
	}
	s.subs.markActive(key)
	return nil
}

// Unsubscribe removes one logical subscription without touching the others
// or the transport.
func (s *Supervisor) Unsubscribe(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, wasActive, ok := s.subs.remove(key)
	if !ok {
		return nil
	}
	if !wasActive || s.conn == nil || len(entry.unsub) == 0 {
		return nil
	}
	if err := s.conn.WriteMessage(entry.unsub); err != nil {
		return fmt.Errorf("stream: unsubscribe %s: %w", key, err)
	}
	return nil
}

// Active reports whether the subscription for key has been sent on the
// current connection.
func (s *Supervisor) Active(key string) bool {
	return s.subs.isActive(key)
}

// Subscriptions returns the number of desired logical subscriptions.
func (s *Supervisor) Subscriptions() int {
	return s.subs.count()
}

// Send writes a message on the current connection.
func (s *Supervisor) Send(msg []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(msg)
}

// attach installs conn as the live transport, replays subscriptions, runs
// connect hooks, and starts the read loop.
func (s *Supervisor) attach(conn Conn) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}

	s.gen++
	gen := s.gen
	s.conn = conn
	s.setState(StateConnected)

	s.subs.clearActive()
	for _, sub := range s.subs.list() {
		if err := conn.WriteMessage(sub.sub); err != nil {
			// The read loop sees the same broken transport and reschedules.
			s.logger.Warn("resubscribe failed", zap.String("key", sub.key), zap.Error(err))
			break
		}
		s.subs.markActive(sub.key)
	}

	s.wg.Add(1)
	s.mu.Unlock()

	s.hookMu.RLock()
	hooks := s.onConnect
	s.hookMu.RUnlock()

	s.deliverMu.Lock()
	if !s.closed.Load() {
		for _, fn := range hooks {
			fn()
		}
	}
	s.deliverMu.Unlock()

	s.logger.Info("connected", zap.Uint64("generation", gen))
	go s.readLoop(conn, gen)
}

func (s *Supervisor) readLoop(conn Conn, gen uint64) {
	defer s.wg.Done()
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			s.fail(conn, gen, err)
			return
		}
		s.deliver(msg)
	}
}

func (s *Supervisor) deliver(msg []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.closed.Load() {
		return
	}

	s.hookMu.RLock()
	handlers := s.handlers
	s.hookMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// fail tears down a broken connection and schedules one reconnect. A stale
// generation (already replaced) or a closed supervisor is ignored.
func (s *Supervisor) fail(conn Conn, gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn.Close()
	if s.closed.Load() || gen != s.gen {
		return
	}

	s.conn = nil
	s.setState(StateDisconnected)
	s.subs.clearActive()
	s.logger.Warn("transport failed, reconnect scheduled",
		zap.Error(err), zap.Duration("delay", s.cfg.ReconnectDelay))
	s.scheduleLocked()
}

// scheduleLocked arms the reconnect timer unless one is already pending.
// Caller must hold s.mu.
func (s *Supervisor) scheduleLocked() {
	if s.timer != nil || s.closed.Load() {
		return
	}
	s.metrics.Reconnect(s.cfg.Name)
	s.timer = time.AfterFunc(s.cfg.ReconnectDelay, s.reconnect)
}

func (s *Supervisor) reconnect() {
	s.mu.Lock()
	s.timer = nil
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		if s.conn == nil {
			s.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", s.cfg.ReconnectDelay))
			s.scheduleLocked()
		}
		s.mu.Unlock()
		return
	}

	s.attach(conn)
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.StreamState(s.cfg.Name, int(st))
}
