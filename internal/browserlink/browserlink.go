// Package browserlink implements C3, the Browser Link: the single
// outbound WebSocket connection to the controlled browser's CDP
// endpoint, discovered via its HTTP `/json/version` side. Grounded on
// the teacher's getChromeWebSocketEndpoint/getPageInfo discovery
// (internal/cdpproxy/proxy.go) and its DevtoolsVersion/PageInfo response
// shapes, generalized into the fixed-interval-retry reconnect loop
// spec.md §4.3 calls for (no attempt cap, unlike the Agent Link).
package browserlink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MadAppGang/brop-sub002/internal/bridgeerr"
	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
	"github.com/MadAppGang/brop-sub002/internal/wsconn"
)

// DiscoveryInfo mirrors Chrome's /json/version response, cached for the
// HTTP discovery endpoints the bridge serves on P_CDP.
type DiscoveryInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion       string `json:"Protocol-Version"`
	UserAgent             string `json:"User-Agent"`
	V8Version             string `json:"V8-Version"`
	WebKitVersion         string `json:"WebKit-Version"`
	WebSocketDebuggerURL  string `json:"webSocketDebuggerUrl"`
}

// ErrBackendUnavailable is returned when the link is down and no caller
// fallback applies.
var ErrBackendUnavailable = bridgeerr.New(bridgeerr.BackendUnavailable)

// Handler receives raw CDP frames read off the browser connection.
type Handler interface {
	HandleBrowserFrame(data []byte)
	HandleBrowserDown()
	HandleBrowserUp()
}

// Config carries the tunables spec.md §4.3 fixes as defaults.
type Config struct {
	HTTPAddr      string // host:port of the browser's HTTP debugging side
	RetryInterval time.Duration
}

// Link owns the single Browser Link connection.
type Link struct {
	httpAddr      string
	retryInterval time.Duration
	log           *bridgelog.Logger
	dialer        *websocket.Dialer
	handler       Handler

	mu      sync.Mutex
	conn    *wsconn.Conn
	info    *DiscoveryInfo
	up      atomic.Bool
	stopCh  chan struct{}
	stopped atomic.Bool
	wakeup  chan struct{}
}

// New creates a Link that is not yet connected. Call Run to start the
// discover-connect-maintain loop.
func New(cfg Config, log *bridgelog.Logger, handler Handler) *Link {
	return &Link{
		httpAddr:      cfg.HTTPAddr,
		retryInterval: cfg.RetryInterval,
		log:           log,
		dialer:        websocket.DefaultDialer,
		handler:       handler,
		stopCh:        make(chan struct{}),
		wakeup:        make(chan struct{}, 1),
	}
}

// Run drives the discover/connect/reconnect loop until Stop is called.
func (l *Link) Run() {
	for {
		if l.stopped.Load() {
			return
		}

		info, err := l.discover()
		if err != nil {
			l.log.Warn("browser link discovery failed", map[string]any{"error": err.Error()})
			if !l.waitRetry() {
				return
			}
			continue
		}

		conn, _, err := l.dialer.Dial(info.WebSocketDebuggerURL, nil)
		if err != nil {
			l.log.Warn("browser link dial failed", map[string]any{"error": err.Error()})
			if !l.waitRetry() {
				return
			}
			continue
		}

		l.onConnected(info, wsconn.Wrap(conn))
		l.serve(l.conn)
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

// Wakeup pokes the link to retry immediately (spec.md §4.9).
func (l *Link) Wakeup() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// IsUp reports whether the link currently has a live connection.
func (l *Link) IsUp() bool { return l.up.Load() }

// DiscoveryInfo returns the last successfully cached discovery record,
// or nil if the browser has never been reached.
func (l *Link) DiscoveryInfo() *DiscoveryInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

// Send writes a raw CDP frame to the browser. Returns
// ErrBackendUnavailable if the link is down.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	conn := l.conn
	up := l.up.Load()
	l.mu.Unlock()
	if !up || conn == nil {
		return ErrBackendUnavailable
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) discover() (*DiscoveryInfo, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/json/version", l.httpAddr))
	if err != nil {
		return nil, fmt.Errorf("browserlink: discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	var info DiscoveryInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("browserlink: malformed /json/version response: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("browserlink: /json/version missing webSocketDebuggerUrl")
	}
	if !strings.HasPrefix(info.WebSocketDebuggerURL, "ws://") && !strings.HasPrefix(info.WebSocketDebuggerURL, "wss://") {
		return nil, fmt.Errorf("browserlink: unexpected websocket url scheme: %s", info.WebSocketDebuggerURL)
	}
	return &info, nil
}

func (l *Link) onConnected(info *DiscoveryInfo, conn *wsconn.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.info = info
	l.mu.Unlock()
	l.up.Store(true)
	l.log.Info("browser link connected", map[string]any{"browser": info.Browser})
	if l.handler != nil {
		l.handler.HandleBrowserUp()
	}
}

func (l *Link) onDisconnected() {
	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()
	l.up.Store(false)
	l.log.Warn("browser link disconnected", nil)
	if l.handler != nil {
		l.handler.HandleBrowserDown()
	}
}

// serve reads frames off conn until it errors or Stop is called.
func (l *Link) serve(conn *wsconn.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		if l.handler != nil {
			l.handler.HandleBrowserFrame(data)
		}
		select {
		case <-l.stopCh:
			_ = conn.Close()
			return
		default:
		}
	}
}

// waitRetry waits the fixed retry interval, or returns early on an
// explicit wakeup. Returns false if the link is being stopped.
func (l *Link) waitRetry() bool {
	select {
	case <-time.After(l.retryInterval):
		return true
	case <-l.wakeup:
		return true
	case <-l.stopCh:
		return false
	}
}
