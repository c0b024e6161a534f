package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadAppGang/brop-sub002/internal/agentlink"
	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
	"github.com/MadAppGang/brop-sub002/internal/browserlink"
	"github.com/MadAppGang/brop-sub002/internal/correlator"
	"github.com/MadAppGang/brop-sub002/internal/metrics"
	"github.com/MadAppGang/brop-sub002/internal/registry"
	"github.com/MadAppGang/brop-sub002/internal/wsconn"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func testLogger() *bridgelog.Logger {
	return bridgelog.New(nil, bridgelog.NewRing(64), false)
}

func newClientPipe(t *testing.T) (*registry.Registry, *registry.ClientConn, *websocket.Conn) {
	t.Helper()
	reg := registry.New()

	var serverConn *websocket.Conn
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = c
		close(ready)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	<-ready
	cc := reg.AddClient(wsconn.Wrap(serverConn))
	return reg, cc, clientConn
}

// startFakeBrowser runs an httptest server that serves /json/version with
// a webSocketDebuggerUrl pointing back at its own /ws path, and hands the
// accepted server-side connection to onConnect.
func startFakeBrowser(t *testing.T, onConnect func(conn *websocket.Conn)) (httpAddr string) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(browserlink.DiscoveryInfo{
			Browser:              "Chrome/120.0",
			ProtocolVersion:       "1.3",
			WebSocketDebuggerURL: wsURL,
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConnect(c)
	})

	return strings.TrimPrefix(srv.URL, "http://")
}

func startFakeAgent(t *testing.T, onConnect func(conn *websocket.Conn)) (wsURL string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConnect(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func TestHappyCDPPath_BrowserRewritesIDAndRestoresIt(t *testing.T) {
	reg, cc, clientConn := newClientPipe(t)
	corr := correlator.New()
	r := New(reg, corr, testLogger(), metrics.New())

	serverReady := make(chan *websocket.Conn, 1)
	httpAddr := startFakeBrowser(t, func(conn *websocket.Conn) { serverReady <- conn })

	bl := browserlink.New(browserlink.Config{HTTPAddr: httpAddr, RetryInterval: 50 * time.Millisecond}, testLogger(), r)
	al := agentlink.New(agentlink.Config{URL: "ws://127.0.0.1:1/unused", PingInterval: time.Hour, PongTimeout: time.Hour, BackoffBase: time.Hour, BackoffCap: time.Hour, MaxAttempts: 1}, testLogger(), r)
	r.SetLinks(al, bl)

	go bl.Run()
	t.Cleanup(bl.Stop)

	browserConn := <-serverReady

	// Client sends {id:1, method:"Browser.getVersion"}.
	r.HandleClientMessage(cc, []byte(`{"id":1,"method":"Browser.getVersion"}`))

	// Browser link receives the rewritten request.
	_, data, err := browserConn.ReadMessage()
	require.NoError(t, err)
	var rewritten map[string]any
	require.NoError(t, json.Unmarshal(data, &rewritten))
	assert.Equal(t, "Browser.getVersion", rewritten["method"])
	rewrittenID := int64(rewritten["id"].(float64))
	assert.NotEqual(t, int64(1), rewrittenID)

	// Browser responds with the rewritten id.
	resp := map[string]any{"id": rewrittenID, "result": map[string]any{"protocolVersion": "1.3", "product": "Chrome/120.0"}}
	b, _ := json.Marshal(resp)
	require.NoError(t, browserConn.WriteMessage(websocket.TextMessage, b))

	// The original client sees its own id restored, with no method field.
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, out, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var seen map[string]any
	require.NoError(t, json.Unmarshal(out, &seen))
	assert.Equal(t, float64(1), seen["id"])
	assert.NotContains(t, seen, "method")
	result := seen["result"].(map[string]any)
	assert.Equal(t, "1.3", result["protocolVersion"])
}

func TestBrowserResponse_CarriesSessionIDVerbatim(t *testing.T) {
	reg, cc, clientConn := newClientPipe(t)
	corr := correlator.New()
	r := New(reg, corr, testLogger(), metrics.New())

	serverReady := make(chan *websocket.Conn, 1)
	httpAddr := startFakeBrowser(t, func(conn *websocket.Conn) { serverReady <- conn })

	bl := browserlink.New(browserlink.Config{HTTPAddr: httpAddr, RetryInterval: 50 * time.Millisecond}, testLogger(), r)
	al := agentlink.New(agentlink.Config{URL: "ws://127.0.0.1:1/unused", PingInterval: time.Hour, PongTimeout: time.Hour, BackoffBase: time.Hour, BackoffCap: time.Hour, MaxAttempts: 1}, testLogger(), r)
	r.SetLinks(al, bl)

	go bl.Run()
	t.Cleanup(bl.Stop)

	browserConn := <-serverReady

	r.HandleClientMessage(cc, []byte(`{"id":1,"method":"Page.navigate","sessionId":"SESS-A"}`))

	_, data, err := browserConn.ReadMessage()
	require.NoError(t, err)
	var rewritten map[string]any
	require.NoError(t, json.Unmarshal(data, &rewritten))
	assert.Equal(t, "SESS-A", rewritten["sessionId"])
	rewrittenID := int64(rewritten["id"].(float64))

	// The browser's own response doesn't echo sessionId — the bridge
	// must still restore it from the original request (spec.md §6).
	resp, _ := json.Marshal(map[string]any{"id": rewrittenID, "result": map[string]any{}})
	require.NoError(t, browserConn.WriteMessage(websocket.TextMessage, resp))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, out, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var seen map[string]any
	require.NoError(t, json.Unmarshal(out, &seen))
	assert.Equal(t, "SESS-A", seen["sessionId"])
}

func TestAgentUnavailable_RespondsImmediately(t *testing.T) {
	reg, cc, clientConn := newClientPipe(t)
	corr := correlator.New()
	r := New(reg, corr, testLogger(), metrics.New())

	al := agentlink.New(agentlink.Config{URL: "ws://127.0.0.1:1/unused", PingInterval: time.Hour, PongTimeout: time.Hour, BackoffBase: time.Hour, BackoffCap: time.Hour, MaxAttempts: 1}, testLogger(), r)
	r.SetLinks(al, nil)

	r.HandleClientMessage(cc, []byte(`{"id":7,"method":"list_tabs"}`))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, out, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var seen map[string]any
	require.NoError(t, json.Unmarshal(out, &seen))
	assert.Equal(t, float64(7), seen["id"])
	errObj := seen["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
}

func TestAgentHandledMethod_ViaFakeAgentLink(t *testing.T) {
	reg, cc, clientConn := newClientPipe(t)
	corr := correlator.New()
	r := New(reg, corr, testLogger(), metrics.New())

	agentReady := make(chan *websocket.Conn, 1)
	agentURL := startFakeAgent(t, func(conn *websocket.Conn) { agentReady <- conn })

	al := agentlink.New(agentlink.Config{URL: agentURL, PingInterval: time.Hour, PongTimeout: time.Hour, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond, MaxAttempts: 5}, testLogger(), r)
	r.SetLinks(al, nil)

	go al.Run()
	t.Cleanup(al.Stop)

	agentConn := <-agentReady
	// Drain the welcome notification.
	_, _, err := agentConn.ReadMessage()
	require.NoError(t, err)

	r.HandleClientMessage(cc, []byte(`{"id":2,"method":"Target.createTarget","params":{"url":"about:blank"}}`))

	_, data, err := agentConn.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "BROP_CDP", env["type"])
	assert.Equal(t, "Target.createTarget", env["method"])
	assert.EqualValues(t, 2, env["id"])

	resp := map[string]any{"type": "response", "id": 2, "result": map[string]any{"targetId": "tab_42"}}
	b, _ := json.Marshal(resp)
	require.NoError(t, agentConn.WriteMessage(websocket.TextMessage, b))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, out, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var seen map[string]any
	require.NoError(t, json.Unmarshal(out, &seen))
	assert.Equal(t, float64(2), seen["id"])
	result := seen["result"].(map[string]any)
	assert.Equal(t, "tab_42", result["targetId"])
}

func TestNonNumericID_EchoedVerbatimOnInvalidRequest(t *testing.T) {
	reg, cc, clientConn := newClientPipe(t)
	corr := correlator.New()
	r := New(reg, corr, testLogger(), metrics.New())

	r.HandleClientMessage(cc, []byte(`{"id":"abc","method":"Page.navigate"}`))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, out, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var seen map[string]any
	require.NoError(t, json.Unmarshal(out, &seen))
	assert.Equal(t, "abc", seen["id"])
	errObj := seen["error"].(map[string]any)
	assert.Equal(t, float64(-32600), errObj["code"])
}

func TestDuplicateID_BrowserRoute_StaleRewrittenIDDropsNotDelivers(t *testing.T) {
	reg, cc, clientConn := newClientPipe(t)
	corr := correlator.New()
	r := New(reg, corr, testLogger(), metrics.New())

	serverReady := make(chan *websocket.Conn, 1)
	httpAddr := startFakeBrowser(t, func(conn *websocket.Conn) { serverReady <- conn })

	bl := browserlink.New(browserlink.Config{HTTPAddr: httpAddr, RetryInterval: 50 * time.Millisecond}, testLogger(), r)
	al := agentlink.New(agentlink.Config{URL: "ws://127.0.0.1:1/unused", PingInterval: time.Hour, PongTimeout: time.Hour, BackoffBase: time.Hour, BackoffCap: time.Hour, MaxAttempts: 1}, testLogger(), r)
	r.SetLinks(al, bl)

	go bl.Run()
	t.Cleanup(bl.Stop)

	browserConn := <-serverReady

	// Client reuses id 1 on a browser-routed method before the first
	// in-flight request is answered. Each draws its own rewritten id.
	r.HandleClientMessage(cc, []byte(`{"id":1,"method":"Browser.getVersion"}`))
	r.HandleClientMessage(cc, []byte(`{"id":1,"method":"Browser.getVersion"}`))

	rewrittenID := func() int64 {
		_, data, err := browserConn.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return int64(m["id"].(float64))
	}
	staleID := rewrittenID()
	liveID := rewrittenID()
	assert.NotEqual(t, staleID, liveID)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// First frame out to the client is the SUPERSEDED error for the
	// evicted first request.
	_, out, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var superseded map[string]any
	require.NoError(t, json.Unmarshal(out, &superseded))
	assert.Equal(t, float64(1), superseded["id"])
	assert.Contains(t, superseded["error"].(map[string]any)["message"], "superseded")

	// The browser answers the stale rewritten id first (a slow response
	// to the request that was superseded). It must be dropped, not
	// delivered as a second response for client id 1.
	staleResp, _ := json.Marshal(map[string]any{"id": staleID, "result": map[string]any{"stale": true}})
	require.NoError(t, browserConn.WriteMessage(websocket.TextMessage, staleResp))

	// Then the browser answers the live rewritten id — this is the only
	// response the client should still be waiting on.
	liveResp, _ := json.Marshal(map[string]any{"id": liveID, "result": map[string]any{"protocolVersion": "1.3"}})
	require.NoError(t, browserConn.WriteMessage(websocket.TextMessage, liveResp))

	_, out, err = clientConn.ReadMessage()
	require.NoError(t, err)
	var seen map[string]any
	require.NoError(t, json.Unmarshal(out, &seen))
	assert.Equal(t, float64(1), seen["id"])
	result := seen["result"].(map[string]any)
	assert.Equal(t, "1.3", result["protocolVersion"])

	// Nothing else should arrive: the stale response was dropped, so the
	// client saw exactly superseded-error + one result, not a second
	// result for the same id.
	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = clientConn.ReadMessage()
	assert.Error(t, err)
}

func TestDuplicateID_EarlierCallerReceivesSuperseded(t *testing.T) {
	reg, cc, clientConn := newClientPipe(t)
	corr := correlator.New()
	r := New(reg, corr, testLogger(), metrics.New())

	agentReady := make(chan *websocket.Conn, 1)
	agentURL := startFakeAgent(t, func(conn *websocket.Conn) { agentReady <- conn })
	al := agentlink.New(agentlink.Config{URL: agentURL, PingInterval: time.Hour, PongTimeout: time.Hour, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond, MaxAttempts: 5}, testLogger(), r)
	r.SetLinks(al, nil)
	go al.Run()
	t.Cleanup(al.Stop)

	agentConn := <-agentReady
	_, _, err := agentConn.ReadMessage() // welcome

	r.HandleClientMessage(cc, []byte(`{"id":9,"method":"list_tabs"}`))
	_, _, err = agentConn.ReadMessage() // first BROP_CDP envelope
	require.NoError(t, err)

	// A second request reusing the same id supersedes the first.
	r.HandleClientMessage(cc, []byte(`{"id":9,"method":"list_tabs"}`))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, out, err := clientConn.ReadMessage()
	require.NoError(t, err)
	var seen map[string]any
	require.NoError(t, json.Unmarshal(out, &seen))
	assert.Equal(t, float64(9), seen["id"])
	errObj := seen["error"].(map[string]any)
	assert.Contains(t, errObj["message"], "superseded")
}
