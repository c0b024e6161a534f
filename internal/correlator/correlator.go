// Package correlator implements C5, the Request Correlator: the three
// pending-request tables (spec.md §3/§4.5) and the rewritten-id scheme
// that lets many clients share one browser-link id space without
// collisions. Grounded directly on spec.md §4.5 — no teacher component
// splits traffic between two backends, so this is new code shaped the way
// spec.md's invariants demand (one pending record per in-flight request,
// purge-on-disconnect, never-reused rewritten ids).
package correlator

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// OriginKind distinguishes which connection set an in-flight request
// originated from.
type OriginKind int

const (
	OriginClient OriginKind = iota // a CDP client (CC)
	OriginNative                   // a native client (NC)
)

// Origin identifies the connection a pending request must be answered on.
type Origin struct {
	Kind OriginKind
	ID   int64
}

// shadowKind records which backend table (if any) currently shadows a
// PendingCDP record, so RegisterCDP/RegisterAgent can cascade-delete the
// shadow when the record they're about to evict is still owed a backend
// response. Without this, overwriting the CDP-side record on a duplicate
// id leaves the old shadow entry in browserIDs/agentIDs dangling, and its
// eventual response gets delivered to a client that already got SUPERSEDED.
type shadowKind int

const (
	shadowNone shadowKind = iota
	shadowBrowser
	shadowAgent
)

// PendingCDP is a Pending CDP Request (spec.md §3): a record keyed by the
// (origin connection, client-supplied id) pair. Keying includes the
// origin so that two different clients choosing the same id never
// collide — spec.md §4.5's duplicate-id/SUPERSEDED rule is scoped to
// "a single client", which only makes sense if the table distinguishes
// requests by their originating connection.
type PendingCDP struct {
	Origin    Origin
	Method    string
	SessionID string
	RawMsg    []byte
	CreatedAt time.Time

	shadow          shadowKind
	shadowBrowserID int64
	shadowAgentKey  string
}

type pendingCDPKey struct {
	Origin Origin
	ID     int64
}

// PendingBrowser is a Pending Browser Request (spec.md §3): keyed by the
// rewritten id used on the single Browser Link connection.
type PendingBrowser struct {
	ClientID  int64 // the original client-supplied id, to restore on response
	Origin    Origin
	CreatedAt time.Time
}

// PendingAgent is a Pending Agent Request (spec.md §3): keyed by the
// canonical string form of the envelope id, which the envelope preserves
// verbatim from the client. Agent responses carry back only that id, with
// no connection identity attached (spec.md §6). A collision between two
// clients using the same id is resolved last-registered-wins, with the
// earlier one SUPERSEDED, generalizing §4.5's duplicate-id rule across
// origins rather than a single connection.
type PendingAgent struct {
	Origin    Origin
	RawID     json.RawMessage // original client id, number or string
	CreatedAt time.Time
}

// Correlator owns the three pending tables plus the browser-id rewrite
// counter.
type Correlator struct {
	mu         sync.Mutex
	cdpTable   map[pendingCDPKey]*PendingCDP
	browserIDs map[int64]*PendingBrowser
	agentIDs   map[string]*PendingAgent

	nextBrowserID atomic.Int64

	onCDPSuperseded   func(origin Origin, id int64)
	onAgentSuperseded func(origin Origin, rawID json.RawMessage)
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{
		cdpTable:   make(map[pendingCDPKey]*PendingCDP),
		browserIDs: make(map[int64]*PendingBrowser),
		agentIDs:   make(map[string]*PendingAgent),
	}
}

// SetCDPSupersededNotifier wires the callback invoked when a duplicate id
// from a CDP client evicts an earlier pending record routed to the
// browser (or awaiting an Agent response via the CDP path).
func (c *Correlator) SetCDPSupersededNotifier(fn func(origin Origin, id int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCDPSuperseded = fn
}

// SetAgentSupersededNotifier wires the callback invoked when a duplicate
// envelope id evicts an earlier Pending Agent Request.
func (c *Correlator) SetAgentSupersededNotifier(fn func(origin Origin, rawID json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAgentSuperseded = fn
}

// RegisterCDP records a Pending CDP Request for (origin, clientID). If a
// record already exists for the same key, the earlier one is evicted and
// reported via the CDP superseded notifier (spec.md §4.5's duplicate-id
// rule). Eviction also cascades: if the record being replaced was still
// shadowed by a Pending Browser or Pending Agent Request (the backend
// hadn't answered it yet), that shadow entry is deleted too, so the late
// backend response finds nothing to resolve and gets dropped instead of
// delivered as a second response for an id the client was already told is
// SUPERSEDED.
func (c *Correlator) RegisterCDP(origin Origin, clientID int64, method, sessionID string, rawMsg []byte) {
	key := pendingCDPKey{Origin: origin, ID: clientID}
	c.mu.Lock()
	old, existed := c.cdpTable[key]
	if existed {
		switch old.shadow {
		case shadowBrowser:
			delete(c.browserIDs, old.shadowBrowserID)
		case shadowAgent:
			delete(c.agentIDs, old.shadowAgentKey)
		}
	}
	c.cdpTable[key] = &PendingCDP{
		Origin:    origin,
		Method:    method,
		SessionID: sessionID,
		RawMsg:    rawMsg,
		CreatedAt: time.Now(),
	}
	notify := c.onCDPSuperseded
	c.mu.Unlock()

	if existed && notify != nil {
		notify(origin, clientID)
	}
}

// NextBrowserID draws a fresh rewritten id. Ids are never reused within
// the process lifetime (spec.md §4.5) — a monotonically increasing
// counter trivially satisfies that plus the "never collides with any
// currently pending id" invariant, without needing a collision check.
func (c *Correlator) NextBrowserID() int64 {
	return c.nextBrowserID.Add(1)
}

// RegisterBrowser records a Pending Browser Request keyed by the
// rewritten id i_b, pointing back at the original client id/origin, and
// marks the shadowed Pending CDP Request so a later duplicate-id eviction
// knows to cascade-delete this entry too.
func (c *Correlator) RegisterBrowser(browserID, clientID int64, origin Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browserIDs[browserID] = &PendingBrowser{ClientID: clientID, Origin: origin, CreatedAt: time.Now()}
	if pc, ok := c.cdpTable[pendingCDPKey{Origin: origin, ID: clientID}]; ok {
		pc.shadow = shadowBrowser
		pc.shadowBrowserID = browserID
	}
}

// ResolveBrowser looks up and deletes the Pending Browser Request for
// browserID, along with its shadowing Pending CDP Request, returning the
// client id/origin and the original request's sessionId (spec.md §6: the
// bridge forwards sessionId verbatim in both directions) to restore. ok is
// false if browserID is unknown (an unsolicited or already-resolved
// response — logged and dropped by the caller, not an error per spec.md
// §4.5).
func (c *Correlator) ResolveBrowser(browserID int64) (clientID int64, origin Origin, sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pb, found := c.browserIDs[browserID]
	if !found {
		return 0, Origin{}, "", false
	}
	delete(c.browserIDs, browserID)
	key := pendingCDPKey{Origin: pb.Origin, ID: pb.ClientID}
	if pc, ok := c.cdpTable[key]; ok {
		sessionID = pc.SessionID
	}
	delete(c.cdpTable, key)
	return pb.ClientID, pb.Origin, sessionID, true
}

// idKeyOf returns the canonical map key for a raw JSON id value.
func idKeyOf(rawID json.RawMessage) string {
	return string(rawID)
}

// RegisterAgent records a Pending Agent Request keyed by the envelope id.
// A collision with an existing entry evicts and reports the earlier one
// as SUPERSEDED, mirroring RegisterCDP's behavior. It also links the
// shadowed Pending CDP Request (if any) to this entry so a later
// duplicate-id eviction on the CDP side can cascade-delete it, and —
// defensively, in case a stale browser shadow from an earlier backend
// switch for the same id wasn't already cleared — drops that leftover
// Pending Browser Request here too.
func (c *Correlator) RegisterAgent(origin Origin, rawID json.RawMessage) {
	key := idKeyOf(rawID)
	c.mu.Lock()
	old, existed := c.agentIDs[key]
	if origin.Kind == OriginClient {
		var id int64
		if json.Unmarshal(rawID, &id) == nil {
			ckey := pendingCDPKey{Origin: origin, ID: id}
			if pc, ok := c.cdpTable[ckey]; ok {
				if pc.shadow == shadowBrowser {
					delete(c.browserIDs, pc.shadowBrowserID)
				}
				pc.shadow = shadowAgent
				pc.shadowAgentKey = key
			}
		}
	}
	c.agentIDs[key] = &PendingAgent{Origin: origin, RawID: rawID, CreatedAt: time.Now()}
	notify := c.onAgentSuperseded
	c.mu.Unlock()

	if existed && notify != nil {
		notify(old.Origin, old.RawID)
	}
}

// ResolveAgent looks up and deletes the Pending Agent Request for rawID,
// along with its shadowing Pending CDP Request (if the request came in
// as CDP rather than native), returning the original request's sessionId
// (spec.md §6) alongside the origin to restore. ok is false if rawID is
// unknown.
func (c *Correlator) ResolveAgent(rawID json.RawMessage) (origin Origin, sessionID string, ok bool) {
	key := idKeyOf(rawID)
	c.mu.Lock()
	defer c.mu.Unlock()
	pa, found := c.agentIDs[key]
	if !found {
		return Origin{}, "", false
	}
	delete(c.agentIDs, key)
	if pa.Origin.Kind == OriginClient {
		var id int64
		if json.Unmarshal(pa.RawID, &id) == nil {
			ckey := pendingCDPKey{Origin: pa.Origin, ID: id}
			if pc, ok := c.cdpTable[ckey]; ok {
				sessionID = pc.SessionID
			}
			delete(c.cdpTable, ckey)
		}
	}
	return pa.Origin, sessionID, true
}

// PurgeConnection deletes every pending record referencing connID,
// regardless of which table it lives in or whether it is a CC or NC
// origin — satisfying spec.md §3's "all pending records that reference
// it are purged before its identifier is released" invariant. Implements
// registry.PurgeListener.
func (c *Correlator) PurgeConnection(connID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.cdpTable {
		if k.Origin.ID == connID {
			delete(c.cdpTable, k)
		}
	}
	for k, pb := range c.browserIDs {
		if pb.Origin.ID == connID {
			delete(c.browserIDs, k)
		}
	}
	for k, pa := range c.agentIDs {
		if pa.Origin.ID == connID {
			delete(c.agentIDs, k)
		}
	}
}

// FailedAgentRequest describes a Pending Agent Request that was failed
// out by PurgeAgentLink.
type FailedAgentRequest struct {
	Origin Origin
	RawID  json.RawMessage
}

// PurgeAgentLink fails every Pending Agent Request currently outstanding
// (used when the Agent Link's pong timer fires and the link is torn
// down, spec.md §5) and returns them so the caller can emit
// AGENT_UNAVAILABLE errors on each origin/id. Matching Pending CDP shadow
// entries are cleared too.
func (c *Correlator) PurgeAgentLink() []FailedAgentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make([]FailedAgentRequest, 0, len(c.agentIDs))
	for _, pa := range c.agentIDs {
		failed = append(failed, FailedAgentRequest{Origin: pa.Origin, RawID: pa.RawID})
		if pa.Origin.Kind == OriginClient {
			var id int64
			if json.Unmarshal(pa.RawID, &id) == nil {
				delete(c.cdpTable, pendingCDPKey{Origin: pa.Origin, ID: id})
			}
		}
	}
	c.agentIDs = make(map[string]*PendingAgent)
	return failed
}

// FailedBrowserRequest describes a Pending Browser Request that was
// failed out by PurgeBrowserLink.
type FailedBrowserRequest struct {
	Origin   Origin
	ClientID int64
}

// PurgeBrowserLink fails every Pending Browser Request currently
// outstanding. spec.md §5 only spells this out for the Agent Link's pong
// timeout, but leaving Browser Link requests pending forever after its
// connection drops would contradict invariant 1 (every request
// eventually gets a response or the client disconnects) — so the bridge
// applies the same "fail the in-flight requests bound to this link"
// policy symmetrically here (see DESIGN.md).
func (c *Correlator) PurgeBrowserLink() []FailedBrowserRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make([]FailedBrowserRequest, 0, len(c.browserIDs))
	for k, pb := range c.browserIDs {
		failed = append(failed, FailedBrowserRequest{Origin: pb.Origin, ClientID: pb.ClientID})
		delete(c.cdpTable, pendingCDPKey{Origin: pb.Origin, ID: pb.ClientID})
		delete(c.browserIDs, k)
	}
	return failed
}

// PendingCount reports the number of in-flight requests in each table,
// for metrics/debugging.
func (c *Correlator) PendingCount() (cdp, browser, agent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cdpTable), len(c.browserIDs), len(c.agentIDs)
}
