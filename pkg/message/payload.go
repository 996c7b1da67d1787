package message

import (
	"encoding/json"
	"fmt"
)

// Payload is the decoded data of a Message, one concrete type per known
// operation. Unrecognised operations decode to Raw.
type Payload interface {
	payloadOperation() string
}

// Heartbeat carries "ping" from the implant or "pong" back to it.
type Heartbeat struct {
	Value string
}

// EvalScript asks the implant to evaluate a function body.
type EvalScript struct {
	Code string `json:"code"`
}

// LoadResource asks the implant to load a script from URL.
type LoadResource struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

// EvalResult is the implant's answer to EvalScript. Older implant builds
// report failures under "err".
type EvalResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Err    string          `json:"err,omitempty"`
}

// Failure returns the implant-reported error text, if any.
func (r EvalResult) Failure() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Err
}

// Failure is the data of error, timeout and reconnection responses.
type Failure struct {
	Kind  string `json:"-"`
	Error string `json:"error,omitempty"`
}

// FetchRequest is the data of a bundler.fetch request.
type FetchRequest struct {
	URL string `json:"url"`
}

// Raw is the forward-compatible variant for operations with no known shape.
type Raw struct {
	Operation string
	Data      json.RawMessage
}

func (Heartbeat) payloadOperation() string    { return OpHeartbeat }
func (EvalScript) payloadOperation() string   { return OpEvalScript }
func (LoadResource) payloadOperation() string { return OpLoadResource }
func (EvalResult) payloadOperation() string   { return OpEvalResult }
func (f Failure) payloadOperation() string    { return f.Kind }
func (FetchRequest) payloadOperation() string { return OpBundle }
func (r Raw) payloadOperation() string        { return r.Operation }

// DecodePayload decodes m.Data into the variant matching m.Operation.
func DecodePayload(m Message) (Payload, error) {
	switch m.Operation {
	case OpHeartbeat:
		var v string
		if err := decodeData(m, &v); err != nil {
			return nil, err
		}
		return Heartbeat{Value: v}, nil
	case OpEvalScript:
		var v EvalScript
		if err := decodeData(m, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpLoadResource:
		var v LoadResource
		if err := decodeData(m, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpEvalResult:
		v, err := DecodeEvalResult(m.Data)
		if err != nil {
			return nil, err
		}
		return v, nil
	case KindError, KindTimeout, KindReconnection:
		v := Failure{Kind: m.Operation}
		if err := decodeData(m, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpBundle, OpPreview:
		var v FetchRequest
		if err := decodeData(m, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return Raw{Operation: m.Operation, Data: m.Data}, nil
	}
}

// DecodeEvalResult accepts both an object and a JSON string holding an
// object, since the implant stringifies its result before sending.
func DecodeEvalResult(data json.RawMessage) (EvalResult, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		data = json.RawMessage(s)
	}
	var v EvalResult
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return EvalResult{}, NewParseError(fmt.Sprintf("%s payload: %v", OpEvalResult, err))
	}
	return v, nil
}

func decodeData(m Message, v interface{}) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return NewParseError(fmt.Sprintf("%s payload: %v", m.Operation, err))
	}
	return nil
}
