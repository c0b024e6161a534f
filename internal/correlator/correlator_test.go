package correlator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolveBrowser_RestoresClientID(t *testing.T) {
	c := New()
	origin := Origin{Kind: OriginClient, ID: 1}
	c.RegisterCDP(origin, 5, "Page.navigate", "sess-1", []byte(`{}`))
	browserID := c.NextBrowserID()
	c.RegisterBrowser(browserID, 5, origin)

	clientID, gotOrigin, sessionID, ok := c.ResolveBrowser(browserID)
	require.True(t, ok)
	assert.Equal(t, int64(5), clientID)
	assert.Equal(t, origin, gotOrigin)
	assert.Equal(t, "sess-1", sessionID)

	cdp, browser, agent := c.PendingCount()
	assert.Equal(t, 0, cdp)
	assert.Equal(t, 0, browser)
	assert.Equal(t, 0, agent)
}

func TestResolveBrowser_UnknownIDReturnsNotOK(t *testing.T) {
	c := New()
	_, _, _, ok := c.ResolveBrowser(999)
	assert.False(t, ok)
}

func TestRegisterCDP_DuplicateIDOnBrowserRouteCascadesShadowDelete(t *testing.T) {
	c := New()
	origin := Origin{Kind: OriginClient, ID: 1}

	c.RegisterCDP(origin, 9, "Page.navigate", "", []byte(`{}`))
	browserID1 := c.NextBrowserID()
	c.RegisterBrowser(browserID1, 9, origin)

	// Client reuses id 9 before the browser answered browserID1.
	c.RegisterCDP(origin, 9, "Page.navigate", "", []byte(`{}`))
	browserID2 := c.NextBrowserID()
	c.RegisterBrowser(browserID2, 9, origin)

	// The first rewritten id must no longer resolve: its shadow was
	// evicted when the second RegisterCDP overwrote the CDP record.
	_, _, _, ok := c.ResolveBrowser(browserID1)
	assert.False(t, ok, "stale browser id should have been cascade-deleted on supersede")

	clientID, gotOrigin, _, ok := c.ResolveBrowser(browserID2)
	require.True(t, ok)
	assert.Equal(t, int64(9), clientID)
	assert.Equal(t, origin, gotOrigin)
}

func TestRegisterCDP_DuplicateIDNotifiesSuperseded(t *testing.T) {
	c := New()
	var notified []int64
	c.SetCDPSupersededNotifier(func(origin Origin, id int64) {
		notified = append(notified, id)
	})

	origin := Origin{Kind: OriginClient, ID: 1}
	c.RegisterCDP(origin, 9, "list_tabs", "", []byte(`{}`))
	c.RegisterCDP(origin, 9, "list_tabs", "", []byte(`{}`))

	require.Len(t, notified, 1)
	assert.Equal(t, int64(9), notified[0])
}

func TestRegisterCDP_SameIDDifferentOriginsDoNotCollide(t *testing.T) {
	c := New()
	var notified int
	c.SetCDPSupersededNotifier(func(origin Origin, id int64) { notified++ })

	c.RegisterCDP(Origin{Kind: OriginClient, ID: 1}, 1, "Page.navigate", "", nil)
	c.RegisterCDP(Origin{Kind: OriginClient, ID: 2}, 1, "Page.navigate", "", nil)

	assert.Equal(t, 0, notified)
	cdp, _, _ := c.PendingCount()
	assert.Equal(t, 2, cdp)
}

func TestRegisterAndResolveAgent_ShadowsCDPEntry(t *testing.T) {
	c := New()
	origin := Origin{Kind: OriginClient, ID: 3}
	rawID := json.RawMessage(`4`)
	c.RegisterCDP(origin, 4, "list_tabs", "sess-2", nil)
	c.RegisterAgent(origin, rawID)

	gotOrigin, sessionID, ok := c.ResolveAgent(rawID)
	require.True(t, ok)
	assert.Equal(t, origin, gotOrigin)
	assert.Equal(t, "sess-2", sessionID)

	cdp, _, agent := c.PendingCount()
	assert.Equal(t, 0, cdp)
	assert.Equal(t, 0, agent)
}

func TestPurgeConnection_RemovesEntriesAcrossAllTables(t *testing.T) {
	c := New()
	origin := Origin{Kind: OriginClient, ID: 7}
	c.RegisterCDP(origin, 1, "Page.navigate", "", nil)
	browserID := c.NextBrowserID()
	c.RegisterBrowser(browserID, 1, origin)
	c.RegisterAgent(Origin{Kind: OriginClient, ID: 7}, json.RawMessage(`2`))

	c.PurgeConnection(7)

	cdp, browser, agent := c.PendingCount()
	assert.Equal(t, 0, cdp)
	assert.Equal(t, 0, browser)
	assert.Equal(t, 0, agent)
}

func TestPurgeAgentLink_FailsOutstandingAndClearsShadowedCDP(t *testing.T) {
	c := New()
	origin := Origin{Kind: OriginClient, ID: 1}
	c.RegisterCDP(origin, 10, "list_tabs", "", nil)
	c.RegisterAgent(origin, json.RawMessage(`10`))

	failed := c.PurgeAgentLink()
	require.Len(t, failed, 1)
	assert.Equal(t, origin, failed[0].Origin)

	cdp, _, agent := c.PendingCount()
	assert.Equal(t, 0, cdp)
	assert.Equal(t, 0, agent)
}

func TestPurgeBrowserLink_FailsOutstandingAndClearsShadowedCDP(t *testing.T) {
	c := New()
	origin := Origin{Kind: OriginClient, ID: 2}
	c.RegisterCDP(origin, 20, "Page.navigate", "", nil)
	browserID := c.NextBrowserID()
	c.RegisterBrowser(browserID, 20, origin)

	failed := c.PurgeBrowserLink()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(20), failed[0].ClientID)

	cdp, browser, _ := c.PendingCount()
	assert.Equal(t, 0, cdp)
	assert.Equal(t, 0, browser)
}

func TestNextBrowserID_NeverRepeats(t *testing.T) {
	c := New()
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := c.NextBrowserID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
