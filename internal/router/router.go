// Package router implements C7 (the Router/Envelope Engine) and C8
// (Event Fan-out): the core state machine that parses inbound messages
// from CDP clients, native clients, the Agent Link, and the Browser
// Link, consults the classifier and correlator, rewrites/wraps/unwraps
// as needed, and enforces the message-shape invariants on every egress
// to a CDP client. Grounded on spec.md §4.7/§4.8 directly — no teacher
// component splits traffic between two backends — reusing the
// goroutine-per-reader shape of
// packages/backend-go/internal/cdpproxy/proxy.go's
// proxyWebSocketMessages, generalized from a raw byte relay into a
// parse-classify-rewrite-dispatch pipeline.
package router

import (
	"encoding/json"
	"strconv"
	"sync/atomic"

	"github.com/MadAppGang/brop-sub002/internal/agentlink"
	"github.com/MadAppGang/brop-sub002/internal/bridgeerr"
	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
	"github.com/MadAppGang/brop-sub002/internal/browserlink"
	"github.com/MadAppGang/brop-sub002/internal/classifier"
	"github.com/MadAppGang/brop-sub002/internal/correlator"
	"github.com/MadAppGang/brop-sub002/internal/envelope"
	"github.com/MadAppGang/brop-sub002/internal/metrics"
	"github.com/MadAppGang/brop-sub002/internal/registry"
)

// Router wires together the registry, correlator, classifier, and the
// two outbound links into the single state machine spec.md §4.7
// describes.
type Router struct {
	reg   *registry.Registry
	corr  *correlator.Correlator
	log   *bridgelog.Logger
	mx    *metrics.Metrics

	agent   *agentlink.Link
	browser *browserlink.Link

	agentEverUp   atomic.Bool
	browserEverUp atomic.Bool
}

// New creates a Router. Call SetLinks once the Agent Link and Browser
// Link have been constructed with this Router as their Handler.
func New(reg *registry.Registry, corr *correlator.Correlator, log *bridgelog.Logger, mx *metrics.Metrics) *Router {
	r := &Router{reg: reg, corr: corr, log: log, mx: mx}
	corr.SetCDPSupersededNotifier(r.onCDPSuperseded)
	corr.SetAgentSupersededNotifier(r.onAgentSuperseded)
	reg.SetPurgeListener(corr)
	return r
}

// SetLinks wires the outbound links. Must be called once, after both
// links have been constructed with this Router as their Handler.
func (r *Router) SetLinks(agent *agentlink.Link, browser *browserlink.Link) {
	r.agent = agent
	r.browser = browser
}

// ---- Inbound from a CDP client (CC) ----

// HandleClientMessage processes one frame received from a CDP client
// connection (spec.md §4.7 "From a CDP client").
func (r *Router) HandleClientMessage(cc *registry.ClientConn, raw []byte) {
	origin := correlator.Origin{Kind: correlator.OriginClient, ID: cc.ID}

	var req envelope.InboundRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		r.log.Warn("malformed client frame, dropping", map[string]any{"connId": cc.ID, "error": err.Error()})
		return
	}

	clientID, numericOK := parseNumericID(req.ID)
	if !numericOK || req.Method == "" {
		r.writeClientError(cc, req.ID, bridgeerr.InvalidRequest, bridgeerr.InvalidRequest.Message())
		return
	}

	backend, ok := classifier.Classify(req.Method)
	if !ok {
		r.writeClientErrorNumeric(cc, clientID, bridgeerr.UnsupportedMethod)
		return
	}

	switch backend {
	case classifier.Browser:
		r.routeClientToBrowser(origin, cc, clientID, req, raw)
	case classifier.Agent:
		r.routeClientToAgent(origin, clientID, req, raw)
	}
}

func (r *Router) routeClientToBrowser(origin correlator.Origin, cc *registry.ClientConn, clientID int64, req envelope.InboundRequest, raw []byte) {
	if r.browser != nil && r.browser.IsUp() {
		browserID := r.corr.NextBrowserID()
		r.corr.RegisterCDP(origin, clientID, req.Method, req.SessionID, raw)
		r.corr.RegisterBrowser(browserID, clientID, origin)

		out := &envelope.CDPMessage{ID: &browserID, Method: req.Method, Params: req.Params, SessionID: req.SessionID}
		b, err := json.Marshal(out)
		if err != nil {
			r.writeClientErrorNumeric(cc, clientID, bridgeerr.Internal)
			return
		}
		if err := r.browser.Send(b); err != nil {
			r.writeClientErrorNumeric(cc, clientID, bridgeerr.BackendUnavailable)
			return
		}
		if r.mx != nil {
			r.mx.RequestRoutedToBrowser()
		}
		return
	}

	// Browser down: only the fallback allow-list may still be served by
	// the Agent, in degraded mode (spec.md §4.6).
	if !classifier.InFallbackAllowList(req.Method) {
		r.writeClientErrorNumeric(cc, clientID, bridgeerr.BackendUnavailable)
		return
	}
	r.dispatchToAgent(origin, clientID, req, raw, true)
}

func (r *Router) routeClientToAgent(origin correlator.Origin, clientID int64, req envelope.InboundRequest, raw []byte) {
	r.dispatchToAgent(origin, clientID, req, raw, false)
}

func (r *Router) dispatchToAgent(origin correlator.Origin, clientID int64, req envelope.InboundRequest, raw []byte, degraded bool) {
	if r.agent == nil || !r.agent.IsUp() {
		r.writeClientErrorByOrigin(origin, clientID, bridgeerr.AgentUnavailable)
		return
	}

	idRaw := rawIDBytes(clientID)
	r.corr.RegisterCDP(origin, clientID, req.Method, req.SessionID, raw)
	r.corr.RegisterAgent(origin, idRaw)

	env := &envelope.AgentEnvelope{
		Type:         envelope.AgentTypeBropCDP,
		ConnectionID: origin.ID,
		ID:           idRaw,
		Method:       req.Method,
		Params:       req.Params,
		SessionID:    req.SessionID,
		OriginalCmd:  raw,
		Degraded:     degraded,
	}
	if err := r.agent.Send(env); err != nil {
		r.writeClientErrorByOrigin(origin, clientID, bridgeerr.AgentUnavailable)
		return
	}
	if r.mx != nil {
		r.mx.RequestRoutedToAgent()
	}
}

// ---- Inbound from a native client (NC) ----

// HandleNativeMessage processes one frame from a native client
// connection (spec.md §4.7 "From a native client").
func (r *Router) HandleNativeMessage(nc *registry.NativeConn, raw []byte) {
	origin := correlator.Origin{Kind: correlator.OriginNative, ID: nc.ID}

	var req envelope.InboundRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		r.log.Warn("malformed native frame, dropping", map[string]any{"connId": nc.ID, "error": err.Error()})
		return
	}
	if len(req.ID) == 0 || req.Method == "" {
		r.writeNativeError(nc, req.ID, bridgeerr.InvalidRequest)
		return
	}

	if r.agent == nil || !r.agent.IsUp() {
		r.writeNativeError(nc, req.ID, bridgeerr.AgentUnavailable)
		return
	}

	r.corr.RegisterCDP(origin, idFallback(req.ID), req.Method, "", raw)
	r.corr.RegisterAgent(origin, req.ID)

	env := &envelope.AgentEnvelope{
		Type:         envelope.AgentTypeBropCmd,
		ConnectionID: origin.ID,
		ID:           req.ID,
		Method:       req.Method,
		Params:       req.Params,
	}
	if err := r.agent.Send(env); err != nil {
		r.writeNativeError(nc, req.ID, bridgeerr.AgentUnavailable)
		return
	}
	if r.mx != nil {
		r.mx.RequestRoutedToAgent()
	}
}

// ---- Inbound from the Agent Link ----

// HandleAgentEnvelope implements agentlink.Handler.
func (r *Router) HandleAgentEnvelope(env *envelope.AgentEnvelope) {
	switch env.Type {
	case envelope.AgentTypeWelcome, envelope.AgentTypePong, envelope.AgentTypePing:
		// Liveness only; agentlink already tracks lastPong internally.
	case envelope.AgentTypeResponse:
		r.resolveAgentResponse(env)
	case envelope.AgentTypeCDPEvent:
		evt := envelope.NewCDPEvent(env.Method, env.Params)
		r.fanOutEvent(evt)
		if r.mx != nil {
			r.mx.EventFromAgent()
		}
	default:
		r.log.Warn("agent link: unrecognized envelope type", map[string]any{"type": string(env.Type)})
	}
}

func (r *Router) resolveAgentResponse(env *envelope.AgentEnvelope) {
	origin, sessionID, ok := r.corr.ResolveAgent(env.ID)
	if !ok {
		r.log.Debug("agent response for unknown id, dropping", map[string]any{"id": string(env.ID)})
		return
	}

	switch origin.Kind {
	case correlator.OriginClient:
		clientID, parsed := parseNumericID(env.ID)
		if !parsed {
			r.log.Warn("agent response to a CDP-origin request carried a non-numeric id", map[string]any{"id": string(env.ID)})
			return
		}
		resp := &envelope.CDPMessage{ID: &clientID, Result: env.Result, Error: env.Error, SessionID: sessionID}
		r.deliverToClient(origin, resp)
	case correlator.OriginNative:
		resp := &envelope.NativeMessage{ID: env.ID, Success: env.Success, Result: env.Result, Error: env.Error}
		r.deliverToNative(origin, resp)
	}
}

// HandleAgentUp implements agentlink.Handler, run every time the Agent
// Link establishes a connection. Only connections after the first count
// toward the reconnect metric.
func (r *Router) HandleAgentUp() {
	if r.agentEverUp.Swap(true) && r.mx != nil {
		r.mx.AgentReconnected()
	}
}

// HandleAgentDown implements agentlink.Handler, run whenever the Agent
// Link's connection is torn down, including when its pong timer fires
// (spec.md §5). Every Pending Agent Request is failed with
// AGENT_UNAVAILABLE.
func (r *Router) HandleAgentDown() {
	for _, f := range r.corr.PurgeAgentLink() {
		switch f.Origin.Kind {
		case correlator.OriginClient:
			if clientID, ok := parseNumericID(f.RawID); ok {
				r.writeClientErrorByOrigin(f.Origin, clientID, bridgeerr.AgentUnavailable)
			}
		case correlator.OriginNative:
			r.writeNativeError(nil, f.RawID, bridgeerr.AgentUnavailable, withNativeOrigin(f.Origin, r))
		}
	}
}

// ---- Inbound from the Browser Link ----

// HandleBrowserFrame implements browserlink.Handler.
func (r *Router) HandleBrowserFrame(data []byte) {
	var msg envelope.CDPMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Warn("malformed browser frame, dropping", map[string]any{"error": err.Error()})
		return
	}

	if msg.ID != nil {
		r.resolveBrowserResponse(&msg)
		return
	}
	if msg.Method != "" {
		evt := envelope.NewCDPEvent(msg.Method, msg.Params)
		r.fanOutEvent(evt)
		if r.mx != nil {
			r.mx.EventFromBrowser()
		}
	}
}

func (r *Router) resolveBrowserResponse(msg *envelope.CDPMessage) {
	clientID, origin, sessionID, ok := r.corr.ResolveBrowser(*msg.ID)
	if !ok {
		r.log.Debug("browser response for unknown id, dropping", map[string]any{"id": *msg.ID})
		return
	}
	resp := &envelope.CDPMessage{ID: &clientID, Result: msg.Result, Error: msg.Error, SessionID: sessionID}
	r.deliverToClient(origin, resp)
}

// HandleBrowserUp implements browserlink.Handler, run every time the
// Browser Link establishes a connection. Only connections after the
// first count toward the reconnect metric.
func (r *Router) HandleBrowserUp() {
	if r.browserEverUp.Swap(true) && r.mx != nil {
		r.mx.BrowserReconnected()
	}
}

// HandleBrowserDown implements browserlink.Handler. See
// correlator.PurgeBrowserLink for why the bridge fails in-flight browser
// requests symmetrically to the Agent Link's pong-timeout handling.
func (r *Router) HandleBrowserDown() {
	for _, f := range r.corr.PurgeBrowserLink() {
		r.writeClientErrorByOrigin(f.Origin, f.ClientID, bridgeerr.BackendUnavailable)
	}
}

// ---- Superseded notifications ----

func (r *Router) onCDPSuperseded(origin correlator.Origin, id int64) {
	r.writeClientErrorByOrigin(origin, id, bridgeerr.Superseded)
}

func (r *Router) onAgentSuperseded(origin correlator.Origin, rawID json.RawMessage) {
	switch origin.Kind {
	case correlator.OriginClient:
		if id, ok := parseNumericID(rawID); ok {
			r.writeClientErrorByOrigin(origin, id, bridgeerr.Superseded)
		}
	case correlator.OriginNative:
		r.writeNativeError(nil, rawID, bridgeerr.Superseded, withNativeOrigin(origin, r))
	}
}

// ---- Event fan-out (C8) ----

// fanOutEvent delivers evt to every live CDP client, never to native
// clients (spec.md §4.8).
func (r *Router) fanOutEvent(evt *envelope.CDPMessage) {
	if !envelope.Sanitize(evt) {
		r.log.Warn("refusing to fan out malformed event", nil)
		return
	}
	for _, cc := range r.reg.AllClients() {
		if !cc.Alive() {
			continue
		}
		if err := cc.Conn.WriteJSON(evt); err != nil {
			r.log.Warn("event fan-out write failed", map[string]any{"connId": cc.ID, "error": err.Error()})
		}
	}
}

// ---- delivery + error helpers ----

func (r *Router) deliverToClient(origin correlator.Origin, msg *envelope.CDPMessage) {
	if !envelope.Sanitize(msg) {
		r.log.Warn("refusing to deliver malformed response", map[string]any{"connId": origin.ID})
		return
	}
	cc, ok := r.reg.Client(origin.ID)
	if !ok || !cc.Alive() {
		return
	}
	if err := cc.Conn.WriteJSON(msg); err != nil {
		r.log.Warn("client write failed", map[string]any{"connId": origin.ID, "error": err.Error()})
	}
}

func (r *Router) deliverToNative(origin correlator.Origin, msg *envelope.NativeMessage) {
	nc, ok := r.reg.Native(origin.ID)
	if !ok || !nc.Alive() {
		return
	}
	if err := nc.Conn.WriteJSON(msg); err != nil {
		r.log.Warn("native write failed", map[string]any{"connId": origin.ID, "error": err.Error()})
	}
}

// writeClientError replies to cc with an INVALID_REQUEST-shaped error
// whose id is echoed back verbatim, even if it failed to parse as
// numeric (spec.md §8).
func (r *Router) writeClientError(cc *registry.ClientConn, rawID json.RawMessage, kind bridgeerr.Kind, message string) {
	resp := &envelope.RawIDError{ID: rawID, Error: &envelope.CDPError{Code: kind.Code(), Message: message}}
	if err := cc.Conn.WriteJSON(resp); err != nil {
		r.log.Warn("client write failed", map[string]any{"connId": cc.ID, "error": err.Error()})
	}
	if r.mx != nil {
		r.mx.RequestFailed()
	}
}

func (r *Router) writeClientErrorNumeric(cc *registry.ClientConn, id int64, kind bridgeerr.Kind) {
	resp := envelope.NewCDPErrorResult(id, kind.Code(), kind.Message())
	if err := cc.Conn.WriteJSON(resp); err != nil {
		r.log.Warn("client write failed", map[string]any{"connId": cc.ID, "error": err.Error()})
	}
	if r.mx != nil {
		r.mx.RequestFailed()
	}
}

// writeClientErrorByOrigin is used where only an Origin (not a live
// *registry.ClientConn) is available, e.g. resolving from the
// correlator's pending tables.
func (r *Router) writeClientErrorByOrigin(origin correlator.Origin, id int64, kind bridgeerr.Kind) {
	cc, ok := r.reg.Client(origin.ID)
	if !ok || !cc.Alive() {
		return
	}
	r.writeClientErrorNumeric(cc, id, kind)
}

// writeNativeError replies with a native-shaped error. When nc is nil,
// the connection is looked up via an explicit origin carried in opts
// (used by purge/superseded paths that only have an Origin on hand).
func (r *Router) writeNativeError(nc *registry.NativeConn, rawID json.RawMessage, kind bridgeerr.Kind, opts ...nativeErrOpt) {
	for _, opt := range opts {
		nc = opt(nc)
	}
	if nc == nil {
		return
	}
	success := false
	resp := &envelope.NativeMessage{ID: rawID, Success: &success, Error: &envelope.CDPError{Code: kind.Code(), Message: kind.Message()}}
	if err := nc.Conn.WriteJSON(resp); err != nil {
		r.log.Warn("native write failed", map[string]any{"connId": nc.ID, "error": err.Error()})
	}
	if r.mx != nil {
		r.mx.RequestFailed()
	}
}

type nativeErrOpt func(*registry.NativeConn) *registry.NativeConn

func withNativeOrigin(origin correlator.Origin, r *Router) nativeErrOpt {
	return func(_ *registry.NativeConn) *registry.NativeConn {
		nc, ok := r.reg.Native(origin.ID)
		if !ok || !nc.Alive() {
			return nil
		}
		return nc
	}
}

// ---- id helpers ----

// parseNumericID decodes raw as an int64. Returns ok=false for missing,
// non-numeric, or fractional ids (spec.md §8: "numeric id" means an
// integer, not an arbitrary JSON number).
func parseNumericID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// idFallback recovers a best-effort int64 from raw for use as a Pending
// CDP Request key on the native path, where ids may legitimately be
// strings; native origins are never looked up by this key (only by
// envelope id via the Agent table), so collisions here are harmless.
func idFallback(raw json.RawMessage) int64 {
	if id, ok := parseNumericID(raw); ok {
		return id
	}
	return int64(hashRawID(raw))
}

func hashRawID(raw json.RawMessage) uint32 {
	var h uint32 = 2166136261
	for _, b := range raw {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// rawIDBytes renders id the way a CDP client's numeric id would appear
// on the wire, for use as the envelope id preserved verbatim toward the
// Agent.
func rawIDBytes(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}
