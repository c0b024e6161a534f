// Package agentlink implements C2, the Agent Link: the single outbound
// WebSocket connection to the Agent, with welcome-on-connect, ping/pong
// liveness, and capped exponential backoff reconnection. Grounded on the
// teacher's CircuitBreaker state machine (cmd/cdp-proxy/main.go) for the
// up/down/recovering shape, and on session_manager.go's
// startHealthReporting ticker loop (packages/infra/browser-container)
// for the goroutine-plus-ticker structure of a maintained background
// link.
package agentlink

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MadAppGang/brop-sub002/internal/bridgeerr"
	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
	"github.com/MadAppGang/brop-sub002/internal/envelope"
	"github.com/MadAppGang/brop-sub002/internal/wsconn"
)

// State mirrors the teacher's CircuitBreaker states, applied here to link
// liveness rather than request admission: Closed is up, Open is down and
// backing off, HalfOpen is a dial attempt in flight.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// ErrAgentUnavailable is returned by Send when the link is not currently
// connected.
var ErrAgentUnavailable = bridgeerr.New(bridgeerr.AgentUnavailable)

// Handler receives decoded envelopes read off the link and purge
// notifications when the link drops or recovers.
type Handler interface {
	HandleAgentEnvelope(env *envelope.AgentEnvelope)
	HandleAgentDown()
	HandleAgentUp()
}

// Link owns the single Agent Link connection.
type Link struct {
	url    string
	log    *bridgelog.Logger
	dialer *websocket.Dialer

	pingInterval time.Duration
	pongTimeout  time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration
	maxAttempts  int

	handler Handler

	mu        sync.Mutex
	conn      *wsconn.Conn
	state     State
	attempts  int
	lastPong  time.Time
	stopCh    chan struct{}
	stopped   atomic.Bool
	wakeupCh  chan struct{}
}

// Config carries the tunables spec.md §4.2 fixes as defaults.
type Config struct {
	URL          string
	PingInterval time.Duration
	PongTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	MaxAttempts  int
}

// New creates a Link that is not yet connected. Call Run to start the
// connect-and-maintain loop.
func New(cfg Config, log *bridgelog.Logger, handler Handler) *Link {
	return &Link{
		url:          cfg.URL,
		log:          log,
		dialer:       websocket.DefaultDialer,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		maxAttempts:  cfg.MaxAttempts,
		handler:      handler,
		state:        Open,
		stopCh:       make(chan struct{}),
		wakeupCh:     make(chan struct{}, 1),
	}
}

// Run drives the connect/liveness/reconnect loop until Stop is called. It
// is meant to be run in its own goroutine.
func (l *Link) Run() {
	for {
		if l.stopped.Load() {
			return
		}
		if l.attemptsExhausted() {
			if !l.awaitWakeupOrStop() {
				return
			}
			l.resetAttempts()
		}

		conn, err := l.dial()
		if err != nil {
			l.log.Warn("agent link dial failed", map[string]any{"error": err.Error(), "attempt": l.currentAttempt()})
			if !l.backoffOrStop() {
				return
			}
			continue
		}

		l.onConnected(conn)
		l.serve(conn) // blocks until the connection drops
		l.onDisconnected()

		if l.stopped.Load() {
			return
		}
	}
}

// Stop tears down the link and prevents further reconnection.
func (l *Link) Stop() {
	l.stopped.Store(true)
	close(l.stopCh)
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Wakeup pokes a link stuck past its backoff cap to retry immediately
// (spec.md §4.9's external wake-up signal).
func (l *Link) Wakeup() {
	select {
	case l.wakeupCh <- struct{}{}:
	default:
	}
}

// IsUp reports whether the link currently has a live connection.
func (l *Link) IsUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == Closed
}

// Send writes an envelope to the Agent. Returns ErrAgentUnavailable if
// the link is down (spec.md §4.2's failure semantics).
func (l *Link) Send(env *envelope.AgentEnvelope) error {
	l.mu.Lock()
	conn := l.conn
	up := l.state == Closed
	l.mu.Unlock()
	if !up || conn == nil {
		return ErrAgentUnavailable
	}
	return conn.WriteJSON(env)
}

func (l *Link) dial() (*wsconn.Conn, error) {
	l.setState(HalfOpen)
	raw, _, err := l.dialer.Dial(l.url, nil)
	if err != nil {
		l.setState(Open)
		return nil, err
	}
	return wsconn.Wrap(raw), nil
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Link) onConnected(conn *wsconn.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.state = Closed
	l.attempts = 0
	l.lastPong = time.Now()
	l.mu.Unlock()

	l.log.Info("agent link connected", nil)
	_ = conn.WriteJSON(&envelope.AgentEnvelope{
		Type:      envelope.AgentTypeWelcome,
		Message:   "bridge connected",
		Timestamp: nowMillis(),
	})
	if l.handler != nil {
		l.handler.HandleAgentUp()
	}
}

func (l *Link) onDisconnected() {
	l.mu.Lock()
	l.conn = nil
	l.state = Open
	l.mu.Unlock()
	l.log.Warn("agent link disconnected", nil)
	if l.handler != nil {
		l.handler.HandleAgentDown()
	}
}

// serve runs the reader loop and the ping/pong liveness timer for one
// connection lifetime. It returns when the connection should be
// considered dead.
func (l *Link) serve(conn *wsconn.Conn) {
	readErrCh := make(chan error, 1)
	envCh := make(chan *envelope.AgentEnvelope, 16)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			var env envelope.AgentEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				l.log.Warn("agent link: malformed envelope", map[string]any{"error": err.Error()})
				continue
			}
			envCh <- &env
		}
	}()

	pingTicker := time.NewTicker(l.pingInterval)
	defer pingTicker.Stop()
	pongCheck := time.NewTicker(l.pongTimeout / 3)
	if l.pongTimeout <= 0 {
		pongCheck.Stop()
	}
	defer pongCheck.Stop()

	for {
		select {
		case err := <-readErrCh:
			_ = err
			_ = conn.Close()
			return
		case env := <-envCh:
			l.recordEnvelope(env)
			if l.handler != nil {
				l.handler.HandleAgentEnvelope(env)
			}
		case <-pingTicker.C:
			if err := conn.WriteJSON(&envelope.AgentEnvelope{Type: envelope.AgentTypePing, Timestamp: nowMillis()}); err != nil {
				_ = conn.Close()
				return
			}
		case <-pongCheck.C:
			l.mu.Lock()
			stale := time.Since(l.lastPong) > l.pongTimeout
			l.mu.Unlock()
			if stale {
				l.log.Warn("agent link: pong timeout, closing", nil)
				_ = conn.Close()
				return
			}
		case <-l.stopCh:
			_ = conn.Close()
			return
		}
	}
}

func (l *Link) recordEnvelope(env *envelope.AgentEnvelope) {
	if env.Type == envelope.AgentTypePong || env.Type == envelope.AgentTypeWelcome {
		l.mu.Lock()
		l.lastPong = time.Now()
		l.mu.Unlock()
	}
}

func (l *Link) attemptsExhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxAttempts > 0 && l.attempts >= l.maxAttempts
}

func (l *Link) resetAttempts() {
	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()
}

func (l *Link) currentAttempt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// backoffOrStop waits out the current backoff interval (or an explicit
// wakeup/stop), incrementing the attempt counter first. Returns false if
// the link is being stopped.
func (l *Link) backoffOrStop() bool {
	l.mu.Lock()
	l.attempts++
	n := l.attempts
	l.mu.Unlock()

	delay := backoffDelay(n, l.backoffBase, l.backoffCap)

	select {
	case <-time.After(delay):
		return true
	case <-l.wakeupCh:
		return true
	case <-l.stopCh:
		return false
	}
}

// awaitWakeupOrStop blocks once the attempt cap is hit (spec.md §4.2:
// "the link stays down until an explicit external trigger reopens it").
func (l *Link) awaitWakeupOrStop() bool {
	select {
	case <-l.wakeupCh:
		return true
	case <-l.stopCh:
		return false
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// backoffDelay computes the wait before the nth reconnect attempt (n
// counts completed failures starting at 1): min(base*2^(n-1), cap), so
// the very first retry waits exactly base (spec.md §4.2).
func backoffDelay(n int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(int64(1)<<uint(min(n-1, 10)))
	if delay > cap || delay <= 0 {
		delay = cap
	}
	return delay
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
