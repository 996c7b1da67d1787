// Package message defines the JSON envelopes exchanged between the transport,
// manager and execution tiers over COMMS.
package message

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Operation names understood by the implant runtime.
const (
	OpHeartbeat    = "heartbeat"
	OpConnect      = "connect"
	OpEvalScript   = "eval_js"
	OpEvalResult   = "eval_result"
	OpLoadResource = "load_plugin"
	OpPluginLoaded = "plugin_loaded"
	OpBundle       = "bundle"
	OpPreview      = "preview"
)

// Response kinds carried in the operation field of a response envelope.
const (
	KindResult       = "result"
	KindError        = "error"
	KindTimeout      = "timeout"
	KindReconnection = "reconnection"
	// KindReconnect is used by plugin dispatchers when an invocation was
	// cancelled because the implant session was torn down.
	KindReconnect = "reconnect"
)

// Heartbeat payloads.
const (
	HeartbeatPing = "ping"
	HeartbeatPong = "pong"
)

// Message is the envelope exchanged with implants and between the transport
// and manager tiers. ID is the operation id used for correlation.
type Message struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// PluginMessage is the envelope for plugin run requests and responses.
type PluginMessage struct {
	ClientID  string                     `json:"client_id"`
	ID        string                     `json:"id"`
	Operation string                     `json:"operation"`
	Data      json.RawMessage            `json:"data,omitempty"`
	Args      []json.RawMessage          `json:"args"`
	Kwargs    map[string]json.RawMessage `json:"kwargs"`
}

// NewOperationID returns a random 32 character hex token.
func NewOperationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New builds a Message with a fresh operation id. data is marshalled to JSON;
// a nil data yields a JSON null.
func New(operation string, data interface{}) (Message, error) {
	return NewWithID(NewOperationID(), operation, data)
}

// NewWithID builds a Message for an existing operation id.
func NewWithID(id, operation string, data interface{}) (Message, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Operation: operation, Data: raw, ID: id}, nil
}

// Parse decodes a Message from bus bytes. Malformed payloads and envelopes
// without an operation name yield a PARSE_ERROR.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, NewParseError(err.Error())
	}
	if m.Operation == "" {
		return Message{}, NewParseError("missing operation")
	}
	return m, nil
}

// ParsePlugin decodes a PluginMessage from bus bytes.
func ParsePlugin(data []byte) (PluginMessage, error) {
	var m PluginMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return PluginMessage{}, NewParseError(err.Error())
	}
	if m.Operation == "" {
		return PluginMessage{}, NewParseError("missing operation")
	}
	if m.ID == "" {
		m.ID = NewOperationID()
	}
	return m, nil
}

// Encode serializes a Message. Nil Data is written as null.
func (m Message) Encode() ([]byte, error) {
	if m.Data == nil {
		m.Data = json.RawMessage("null")
	}
	return json.Marshal(m)
}

// Encode serializes a PluginMessage.
func (m PluginMessage) Encode() ([]byte, error) {
	if m.Args == nil {
		m.Args = []json.RawMessage{}
	}
	if m.Kwargs == nil {
		m.Kwargs = map[string]json.RawMessage{}
	}
	return json.Marshal(m)
}

// PluginResponse builds the single terminal response for a plugin invocation.
func PluginResponse(clientID, id, kind string, data interface{}) (PluginMessage, error) {
	raw, err := marshalData(data)
	if err != nil {
		return PluginMessage{}, err
	}
	return PluginMessage{ClientID: clientID, ID: id, Operation: kind, Data: raw}, nil
}

func marshalData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
