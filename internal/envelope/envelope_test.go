package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCDPMessage_ShapeClassification(t *testing.T) {
	id := int64(1)
	req := &CDPMessage{ID: &id, Method: "Page.navigate"}
	assert.True(t, req.IsRequest())
	assert.False(t, req.IsResponse())
	assert.False(t, req.IsEvent())

	resp := &CDPMessage{ID: &id, Result: json.RawMessage(`{}`)}
	assert.False(t, resp.IsRequest())
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsEvent())

	evt := &CDPMessage{Method: "Page.loadEventFired"}
	assert.False(t, evt.IsRequest())
	assert.False(t, evt.IsResponse())
	assert.True(t, evt.IsEvent())
}

func TestSanitize_StripsMethodWhenIDAndMethodBothPresent(t *testing.T) {
	id := int64(3)
	m := &CDPMessage{ID: &id, Method: "leaked", Result: json.RawMessage(`{}`)}
	ok := Sanitize(m)
	assert.True(t, ok)
	assert.Empty(t, m.Method)
}

func TestSanitize_ResponseWithNeitherResultNorErrorIsUnrepairable(t *testing.T) {
	id := int64(4)
	m := &CDPMessage{ID: &id}
	assert.False(t, Sanitize(m))
}

func TestSanitize_ResponseWithBothResultAndErrorPrefersResult(t *testing.T) {
	id := int64(5)
	m := &CDPMessage{ID: &id, Result: json.RawMessage(`{}`), Error: &CDPError{Code: -1, Message: "x"}}
	ok := Sanitize(m)
	assert.True(t, ok)
	assert.Nil(t, m.Error)
}

func TestSanitize_EventWithNoMethodIsUnrepairable(t *testing.T) {
	m := &CDPMessage{}
	assert.False(t, Sanitize(m))
}

func TestNewCDPResultAndErrorResult(t *testing.T) {
	r := NewCDPResult(1, json.RawMessage(`{"a":1}`))
	assert.Equal(t, int64(1), *r.ID)
	assert.NotNil(t, r.Result)

	e := NewCDPErrorResult(2, -32000, "agent not connected")
	assert.Equal(t, int64(2), *e.ID)
	assert.Equal(t, -32000, e.Error.Code)
}
