// Package cdp implements the JSON wire codec for Chrome DevTools Protocol
// frames as they cross the relay: commands, responses and events.
//
// Frames are decoded into a Message that keeps every unknown top-level
// field verbatim, so a frame that is forwarded (possibly with a rewritten
// id) reaches the other side with its forward-compatible extras intact.
package cdp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a single CDP frame. Exactly one of the three shapes applies:
// command {id, method, params?, sessionId?}, response {id, result|error},
// event {method, params?, sessionId?}.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`

	// extra holds unknown top-level fields in decode order-independent form.
	extra map[string]json.RawMessage
}

// Error is the CDP error object carried by error responses.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Wire error codes used by the relay.
const (
	CodeInvalidRequest        = -32600
	CodeMethodNotFound        = -32601
	CodeInvalidParams         = -32602
	CodeNoPageSession         = -32000
	CodeExtensionDisconnected = -32001
)

// knownFields are the top-level keys the codec interprets; anything else
// is preserved in Message.extra.
var knownFields = map[string]struct{}{
	"id": {}, "method": {}, "params": {}, "result": {}, "error": {}, "sessionId": {},
}

// Decode parses a raw frame. It fails only on malformed JSON or ill-typed
// known fields; structural command validation is ValidateCommand's job.
func Decode(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	m := &Message{}
	if raw, ok := fields["id"]; ok {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("frame id is not a number")
		}
		id, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("frame id is not an integer")
		}
		m.ID = id
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &m.Method); err != nil {
			return nil, fmt.Errorf("frame method is not a string")
		}
	}
	if raw, ok := fields["sessionId"]; ok {
		if err := json.Unmarshal(raw, &m.SessionID); err != nil {
			return nil, fmt.Errorf("frame sessionId is not a string")
		}
	}
	if raw, ok := fields["error"]; ok {
		if err := json.Unmarshal(raw, &m.Error); err != nil {
			return nil, fmt.Errorf("frame error is not an object")
		}
	}
	m.Params = fields["params"]
	m.Result = fields["result"]

	for k, v := range fields {
		if _, known := knownFields[k]; known {
			continue
		}
		if m.extra == nil {
			m.extra = map[string]json.RawMessage{}
		}
		m.extra[k] = v
	}
	return m, nil
}

// Encode serializes the frame, reattaching preserved unknown fields.
func (m *Message) Encode() []byte {
	fields := make(map[string]json.RawMessage, 6+len(m.extra))
	if m.ID != 0 {
		fields["id"], _ = json.Marshal(m.ID)
	}
	if m.Method != "" {
		fields["method"], _ = json.Marshal(m.Method)
	}
	if m.Params != nil {
		fields["params"] = m.Params
	}
	if m.Result != nil {
		fields["result"] = m.Result
	}
	if m.Error != nil {
		fields["error"], _ = json.Marshal(m.Error)
	}
	if m.SessionID != "" {
		fields["sessionId"], _ = json.Marshal(m.SessionID)
	}
	for k, v := range m.extra {
		fields[k] = v
	}
	data, _ := json.Marshal(fields)
	return data
}

// IsCommand reports whether the frame is a command (id plus method).
func (m *Message) IsCommand() bool { return m.ID > 0 && m.Method != "" }

// IsResponse reports whether the frame is a reply to a command.
func (m *Message) IsResponse() bool { return m.ID > 0 && m.Method == "" }

// IsEvent reports whether the frame is a protocol event.
func (m *Message) IsEvent() bool { return m.ID == 0 && m.Method != "" }

// ValidateCommand checks the structural rules for an inbound command:
// a positive integer id and a method of the form Domain.name with
// non-empty halves. Violations map to -32600 on the wire.
func ValidateCommand(m *Message) error {
	if m.ID <= 0 {
		return &Error{Code: CodeInvalidRequest, Message: "command id must be a positive integer"}
	}
	domain, name, ok := strings.Cut(m.Method, ".")
	if !ok || domain == "" || name == "" {
		return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("malformed method %q", m.Method)}
	}
	return nil
}

// NewCommand builds a command frame. params may be nil or any
// JSON-marshallable value.
func NewCommand(id int64, method string, params any, sessionID string) *Message {
	return &Message{ID: id, Method: method, Params: marshalRaw(params), SessionID: sessionID}
}

// NewResult builds a success response frame.
func NewResult(id int64, result any, sessionID string) *Message {
	raw := marshalRaw(result)
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Message{ID: id, Result: raw, SessionID: sessionID}
}

// NewError builds an error response frame.
func NewError(id int64, code int64, message string) *Message {
	return &Message{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds an event frame.
func NewEvent(method string, params any, sessionID string) *Message {
	return &Message{Method: method, Params: marshalRaw(params), SessionID: sessionID}
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
