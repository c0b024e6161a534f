// Package server implements C1, the Endpoint Listeners: the loopback
// WebSocket ports plus the HTTP discovery surface served alongside
// P_CDP. Grounded on the teacher's CDPProxy.Start/handleWebSocketConnection
// (internal/cdpproxy/proxy.go) for the upgrade-then-register-then-read-loop
// shape, generalized from a single relayed connection kind to the
// bridge's two accepted kinds (CDP client, native client) plus the
// discovery/log/metrics surface.
//
// P_AGENT, despite its name in the port table, is not a listener this
// package opens: spec.md §4.2 is explicit that the Agent Link is
// client-initiated by the bridge (the bridge dials out to the port the
// Agent listens on). See DESIGN.md for this resolution.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
	"github.com/MadAppGang/brop-sub002/internal/browserlink"
	"github.com/MadAppGang/brop-sub002/internal/metrics"
	"github.com/MadAppGang/brop-sub002/internal/registry"
	"github.com/MadAppGang/brop-sub002/internal/router"
	"github.com/MadAppGang/brop-sub002/internal/wsconn"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // loopback-only deployment, spec.md §1 Non-goals
}

// Config carries the listener ports.
type Config struct {
	CDPPort    int
	NativePort int
}

// Server owns the P_CDP and P_NATIVE listeners.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	rt      *router.Router
	log     *bridgelog.Logger
	mx      *metrics.Metrics
	browser *browserlink.Link

	cdpSrv    *http.Server
	nativeSrv *http.Server
}

// New creates a Server. browser may be nil only in tests; in production
// it backs the /json/version, /json, and /json/list discovery
// endpoints.
func New(cfg Config, reg *registry.Registry, rt *router.Router, log *bridgelog.Logger, mx *metrics.Metrics, browser *browserlink.Link) *Server {
	return &Server{cfg: cfg, reg: reg, rt: rt, log: log, mx: mx, browser: browser}
}

// Start launches both HTTP/WebSocket listeners in background goroutines
// and returns immediately, mirroring the teacher's Start (ListenAndServe
// in a goroutine, errors logged not returned once serving begins).
func (s *Server) Start() {
	cdpMux := http.NewServeMux()
	cdpMux.HandleFunc("/json/version", s.withCORS(s.handleDiscoveryVersion))
	cdpMux.HandleFunc("/json", s.withCORS(s.handleDiscoveryList))
	cdpMux.HandleFunc("/json/list", s.withCORS(s.handleDiscoveryList))
	cdpMux.HandleFunc("/logs", s.withCORS(s.handleLogs))
	cdpMux.HandleFunc("/metrics", s.withCORS(s.handleMetrics))
	cdpMux.HandleFunc("/", s.withCORS(s.handleCDPUpgrade))

	s.cdpSrv = &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", s.cfg.CDPPort), Handler: cdpMux}
	go func() {
		s.log.Info("starting P_CDP listener", map[string]any{"port": s.cfg.CDPPort})
		if err := s.cdpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("P_CDP listener stopped", map[string]any{"error": err.Error()})
		}
	}()

	nativeMux := http.NewServeMux()
	nativeMux.HandleFunc("/", s.withCORS(s.handleNativeUpgrade))
	s.nativeSrv = &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", s.cfg.NativePort), Handler: nativeMux}
	go func() {
		s.log.Info("starting P_NATIVE listener", map[string]any{"port": s.cfg.NativePort})
		if err := s.nativeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("P_NATIVE listener stopped", map[string]any{"error": err.Error()})
		}
	}()
}

// Stop gracefully shuts down both listeners.
func (s *Server) Stop(ctx context.Context) {
	if s.cdpSrv != nil {
		_ = s.cdpSrv.Shutdown(ctx)
	}
	if s.nativeSrv != nil {
		_ = s.nativeSrv.Shutdown(ctx)
	}
}

// withCORS applies permissive CORS headers (loopback-only deployment,
// spec.md §4.1) and answers OPTIONS with 200 directly.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCDPUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("P_CDP upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	cc := s.reg.AddClient(wsconn.Wrap(conn))
	if s.mx != nil {
		s.mx.ClientConnected()
	}
	s.log.Info("client connected", map[string]any{"connId": cc.ID})

	go func() {
		defer func() {
			s.reg.RemoveClient(cc.ID)
			if s.mx != nil {
				s.mx.ClientDisconnected()
			}
			_ = cc.Conn.Close()
			s.log.Info("client disconnected", map[string]any{"connId": cc.ID})
		}()
		for {
			_, data, err := cc.Conn.ReadMessage()
			if err != nil {
				return
			}
			s.rt.HandleClientMessage(cc, data)
		}
	}()
}

func (s *Server) handleNativeUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("P_NATIVE upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	nc := s.reg.AddNative(wsconn.Wrap(conn))
	if s.mx != nil {
		s.mx.NativeConnected()
	}
	s.log.Info("native client connected", map[string]any{"connId": nc.ID})

	go func() {
		defer func() {
			s.reg.RemoveNative(nc.ID)
			if s.mx != nil {
				s.mx.NativeDisconnected()
			}
			_ = nc.Conn.Close()
			s.log.Info("native client disconnected", map[string]any{"connId": nc.ID})
		}()
		for {
			_, data, err := nc.Conn.ReadMessage()
			if err != nil {
				return
			}
			s.rt.HandleNativeMessage(nc, data)
		}
	}()
}

// handleDiscoveryVersion serves the cached browser-info record, spec.md
// §6: product, protocolVersion, user-agent, v8/webkit versions, a single
// advertised WebSocket URL pointing back at P_CDP, and whether the
// Browser Link circuit is currently up.
func (s *Server) handleDiscoveryVersion(w http.ResponseWriter, r *http.Request) {
	info := s.cachedDiscovery()
	out := map[string]any{
		"Browser":              info.Browser,
		"Protocol-Version":     info.ProtocolVersion,
		"User-Agent":           info.UserAgent,
		"V8-Version":           info.V8Version,
		"WebKit-Version":       info.WebKitVersion,
		"webSocketDebuggerUrl": s.advertisedWSURL(r),
		"browserLinkUp":        s.browser != nil && s.browser.IsUp(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleDiscoveryList serves a single synthetic target record advertising
// the bridge's own WebSocket URL (spec.md §6).
func (s *Server) handleDiscoveryList(w http.ResponseWriter, r *http.Request) {
	target := map[string]string{
		"id":                   "bridge-0",
		"type":                 "page",
		"title":                "brop bridge",
		"url":                  "about:blank",
		"webSocketDebuggerUrl": s.advertisedWSURL(r),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]map[string]string{target})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var minLevel bridgelog.Level
	if v := r.URL.Query().Get("level"); v != "" {
		minLevel = bridgelog.Level(v)
	}
	entries := s.log.Ring().Snapshot(limit, minLevel)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.mx == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{})
		return
	}
	_ = json.NewEncoder(w).Encode(s.mx.Snapshot())
}

func (s *Server) cachedDiscovery() browserlink.DiscoveryInfo {
	if s.browser == nil {
		return browserlink.DiscoveryInfo{}
	}
	if info := s.browser.DiscoveryInfo(); info != nil {
		return *info
	}
	return browserlink.DiscoveryInfo{}
}

func (s *Server) advertisedWSURL(r *http.Request) string {
	return fmt.Sprintf("ws://%s/", r.Host)
}
