// Package registry implements C4, the Connection Registry: it owns the
// CDP client set and the native client set, and is the single authority
// for connection identifiers. The Agent Link and Browser Link are not
// tracked here; the Router holds them (router.SetLinks).
// Modeled on the teacher's activeConnections map + connectionsMutex
// pattern (internal/cdpproxy/proxy.go), generalized from one connection
// kind to the two this bridge accepts.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MadAppGang/brop-sub002/internal/wsconn"
)

// ClientConn is a CDP client connection (CC, spec.md §3).
type ClientConn struct {
	ID        int64
	Conn      *wsconn.Conn
	CreatedAt time.Time
	alive     atomic.Bool
}

// Alive reports whether this connection is still considered live.
func (c *ClientConn) Alive() bool { return c.alive.Load() }

// NativeConn is a native client connection (NC, spec.md §3) — same shape
// as ClientConn but tracked separately since it never receives wrapped
// CDP traffic or browser events.
type NativeConn struct {
	ID        int64
	Conn      *wsconn.Conn
	CreatedAt time.Time
	alive     atomic.Bool
}

// Alive reports whether this connection is still considered live.
func (n *NativeConn) Alive() bool { return n.alive.Load() }

// PurgeListener is notified when a connection closes so dependent state
// (C5's pending tables) can be purged. Implemented by correlator.Correlator.
type PurgeListener interface {
	PurgeConnection(connID int64)
}

// Registry tracks every live connection the bridge knows about.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*ClientConn
	natives map[int64]*NativeConn
	nextID  atomic.Int64

	purge PurgeListener
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		clients: make(map[int64]*ClientConn),
		natives: make(map[int64]*NativeConn),
	}
}

// SetPurgeListener wires the component (the Request Correlator) notified
// on every connection close.
func (r *Registry) SetPurgeListener(p PurgeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purge = p
}

// nextConnID draws the next monotonic connection identifier. IDs are
// shared across CC and NC so that log lines and metrics never collide
// between the two kinds.
func (r *Registry) nextConnID() int64 {
	return r.nextID.Add(1)
}

// AddClient registers a newly-accepted CDP client connection.
func (r *Registry) AddClient(conn *wsconn.Conn) *ClientConn {
	cc := &ClientConn{ID: r.nextConnID(), Conn: conn, CreatedAt: time.Now()}
	cc.alive.Store(true)
	r.mu.Lock()
	r.clients[cc.ID] = cc
	r.mu.Unlock()
	return cc
}

// AddNative registers a newly-accepted native client connection.
func (r *Registry) AddNative(conn *wsconn.Conn) *NativeConn {
	nc := &NativeConn{ID: r.nextConnID(), Conn: conn, CreatedAt: time.Now()}
	nc.alive.Store(true)
	r.mu.Lock()
	r.natives[nc.ID] = nc
	r.mu.Unlock()
	return nc
}

// RemoveClient removes a CDP client connection and notifies the purge
// listener before the identifier can be reused conceptually (spec.md §3's
// "identifier released" invariant — ids here are never reused, but the
// purge must still run before the entry disappears from the registry).
func (r *Registry) RemoveClient(id int64) {
	r.mu.Lock()
	if cc, ok := r.clients[id]; ok {
		cc.alive.Store(false)
		delete(r.clients, id)
	}
	purge := r.purge
	r.mu.Unlock()
	if purge != nil {
		purge.PurgeConnection(id)
	}
}

// RemoveNative removes a native client connection and notifies the purge
// listener.
func (r *Registry) RemoveNative(id int64) {
	r.mu.Lock()
	if nc, ok := r.natives[id]; ok {
		nc.alive.Store(false)
		delete(r.natives, id)
	}
	purge := r.purge
	r.mu.Unlock()
	if purge != nil {
		purge.PurgeConnection(id)
	}
}

// Client looks up a CDP client by id.
func (r *Registry) Client(id int64) (*ClientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.clients[id]
	return cc, ok
}

// Native looks up a native client by id.
func (r *Registry) Native(id int64) (*NativeConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nc, ok := r.natives[id]
	return nc, ok
}

// AllClients returns a snapshot slice of every live CDP client, for C8
// fan-out. The slice is a copy so the caller can iterate without holding
// the registry lock.
func (r *Registry) AllClients() []*ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientConn, 0, len(r.clients))
	for _, cc := range r.clients {
		out = append(out, cc)
	}
	return out
}

// ClientCount returns the number of live CDP clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// NativeCount returns the number of live native clients.
func (r *Registry) NativeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.natives)
}
