// Package envelope defines the wire shapes the bridge parses and emits:
// CDP request/response/event frames (spec.md §6), the private Agent
// envelope protocol, and the native client protocol. The response/event
// disjointness spec.md §3 and §4.7 require follows the same shape the
// teacher's devtools transport uses to tell a solicited response from an
// unsolicited event: presence of a method versus presence of an id.
package envelope

import "encoding/json"

// CDPError is a CDP-shaped error{code,message} pair (spec.md §6).
type CDPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CDPMessage is the generic shape of anything flowing over P_CDP. A
// request/response carries ID; an event carries Method and no ID. The two
// are disjoint per spec.md §3; normal construction should always use one
// of the NewCDP* constructors below, and Sanitize checks the shape on
// egress.
type CDPMessage struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CDPError       `json:"error,omitempty"`
}

// IsRequest reports whether m has the shape of a request: numeric id and
// a non-empty method.
func (m *CDPMessage) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsResponse reports whether m has the shape of a response: an id and
// exactly one of result/error, and no method (spec.md §4.7).
func (m *CDPMessage) IsResponse() bool {
	if m.ID == nil || m.Method != "" {
		return false
	}
	return (m.Result != nil) != (m.Error != nil)
}

// IsEvent reports whether m has the shape of an event: a method and no id.
func (m *CDPMessage) IsEvent() bool {
	return m.ID == nil && m.Method != ""
}

// NewCDPResult builds a response message carrying a result.
func NewCDPResult(id int64, result json.RawMessage) *CDPMessage {
	return &CDPMessage{ID: &id, Result: result}
}

// NewCDPErrorResult builds a response message carrying an error.
func NewCDPErrorResult(id int64, code int, message string) *CDPMessage {
	return &CDPMessage{ID: &id, Error: &CDPError{Code: code, Message: message}}
}

// RawIDError is a response whose id is carried verbatim as the raw bytes
// the client sent, for the case where that id failed to parse as the
// numeric id a well-formed CDP message requires (spec.md §8: "a message
// with a non-numeric id yields INVALID_REQUEST with the same id echoed
// back verbatim").
type RawIDError struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Error *CDPError       `json:"error"`
}

// NewCDPEvent builds an event message. It never carries an id.
func NewCDPEvent(method string, params json.RawMessage) *CDPMessage {
	return &CDPMessage{Method: method, Params: params}
}

// Sanitize strips whichever field would violate spec.md §4.7's egress
// invariant ("no message sent to a CDP client simultaneously has an id
// field and a method field"), preferring to repair over drop when the
// violation is obviously just a leaked field. Returns false if the
// message cannot be repaired into a valid shape at all (e.g. neither an
// id nor a method, or a response with neither result nor error).
func Sanitize(m *CDPMessage) bool {
	if m.ID != nil && m.Method != "" {
		// Ambiguous: a well-formed relay never produces this. Prefer the
		// response reading, since it carries a reply a client is waiting on.
		m.Method = ""
		m.Params = nil
	}
	if m.ID != nil {
		if m.Result == nil && m.Error == nil {
			return false
		}
		if m.Result != nil && m.Error != nil {
			m.Error = nil
		}
		return true
	}
	return m.Method != ""
}

// AgentMessageType enumerates the `type` discriminator on the Agent
// envelope protocol (spec.md §6). The tag is authoritative: reimplementers
// must not infer response-vs-event from field presence on the envelope
// itself, since a malformed Agent could produce an ambiguous payload.
type AgentMessageType string

const (
	AgentTypeWelcome    AgentMessageType = "welcome"
	AgentTypePing       AgentMessageType = "ping"
	AgentTypePong       AgentMessageType = "pong"
	AgentTypeBropCmd    AgentMessageType = "brop_command"
	AgentTypeBropCDP    AgentMessageType = "BROP_CDP"
	AgentTypeResponse   AgentMessageType = "response"
	AgentTypeCDPEvent   AgentMessageType = "cdp_event"
)

// AgentEnvelope is the superset of every shape the Agent Link's wire
// protocol can carry in either direction. Only the fields relevant to
// Type are populated on any given message.
type AgentEnvelope struct {
	Type      AgentMessageType `json:"type"`
	Message   string           `json:"message,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`

	// brop_command / BROP_CDP request fields.
	ConnectionID   int64           `json:"connectionId,omitempty"`
	ID             json.RawMessage `json:"id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	OriginalCmd    json.RawMessage `json:"originalCommand,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`

	// response fields.
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CDPError       `json:"error,omitempty"`
}

// InboundRequest is the generic shape of a request arriving from a CDP
// or native client before validation: the id is captured as raw JSON
// since a malformed client can send a non-numeric id that still needs to
// be echoed back verbatim on an INVALID_REQUEST error (spec.md §8).
type InboundRequest struct {
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// NativeMessage is a request/response pair on P_NATIVE, sent without the
// envelope `type` tag (spec.md §6).
type NativeMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CDPError       `json:"error,omitempty"`
}
