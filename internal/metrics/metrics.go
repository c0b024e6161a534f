// Package metrics tracks connection/request/event counters for the
// bridge, served over HTTP at /metrics. Grounded on the teacher's
// ProxyMetrics struct (internal/cdpproxy/proxy.go), trimmed to the
// counters this router's scope actually produces — no auth-failure or
// rate-limit counters, since auth and rate limiting are out of scope
// here.
package metrics

import "sync"

// Metrics is a plain mutex-guarded counter set, matching the teacher's
// hand-rolled approach — no metrics library appears anywhere in the
// retrieved pack.
type Metrics struct {
	mu sync.RWMutex

	TotalClientConnections int64
	TotalNativeConnections int64
	ActiveClientConnections int64
	ActiveNativeConnections int64

	RequestsToBrowser int64
	RequestsToAgent   int64
	FailedRequests    int64

	EventsFromBrowser int64
	EventsFromAgent   int64

	AgentReconnects   int64
	BrowserReconnects int64
}

// New creates an empty Metrics.
func New() *Metrics { return &Metrics{} }

func (m *Metrics) ClientConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalClientConnections++
	m.ActiveClientConnections++
}

func (m *Metrics) ClientDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActiveClientConnections--
}

func (m *Metrics) NativeConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalNativeConnections++
	m.ActiveNativeConnections++
}

func (m *Metrics) NativeDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActiveNativeConnections--
}

func (m *Metrics) RequestRoutedToBrowser() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestsToBrowser++
}

func (m *Metrics) RequestRoutedToAgent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestsToAgent++
}

func (m *Metrics) RequestFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedRequests++
}

func (m *Metrics) EventFromBrowser() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsFromBrowser++
}

func (m *Metrics) EventFromAgent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsFromAgent++
}

func (m *Metrics) AgentReconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AgentReconnects++
}

func (m *Metrics) BrowserReconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BrowserReconnects++
}

// Snapshot is a point-in-time copy safe to marshal to JSON.
type Snapshot struct {
	TotalClientConnections  int64 `json:"totalClientConnections"`
	TotalNativeConnections  int64 `json:"totalNativeConnections"`
	ActiveClientConnections int64 `json:"activeClientConnections"`
	ActiveNativeConnections int64 `json:"activeNativeConnections"`
	RequestsToBrowser       int64 `json:"requestsToBrowser"`
	RequestsToAgent         int64 `json:"requestsToAgent"`
	FailedRequests          int64 `json:"failedRequests"`
	EventsFromBrowser       int64 `json:"eventsFromBrowser"`
	EventsFromAgent         int64 `json:"eventsFromAgent"`
	AgentReconnects         int64 `json:"agentReconnects"`
	BrowserReconnects       int64 `json:"browserReconnects"`
}

// Snapshot returns a consistent copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		TotalClientConnections:  m.TotalClientConnections,
		TotalNativeConnections:  m.TotalNativeConnections,
		ActiveClientConnections: m.ActiveClientConnections,
		ActiveNativeConnections: m.ActiveNativeConnections,
		RequestsToBrowser:       m.RequestsToBrowser,
		RequestsToAgent:         m.RequestsToAgent,
		FailedRequests:          m.FailedRequests,
		EventsFromBrowser:       m.EventsFromBrowser,
		EventsFromAgent:         m.EventsFromAgent,
		AgentReconnects:         m.AgentReconnects,
		BrowserReconnects:       m.BrowserReconnects,
	}
}
