package repl

import (
	"encoding/json"
	"errors"
)

// Request is the client-side view of a request message.
// Only Code is interpreted by the server; every other field of the request object is passed through to the
// executed code via the request global.
type Request struct {
	Code string `json:"code"`
}

// Response is a response message. Exactly one of Value and Error is set.
// On the wire it is either {"value": <json>} or {"error": "<string>"}.
type Response struct {
	// Value is the JSON encoding of the result. A result with no value is encoded as null.
	Value json.RawMessage
	// Error is a human-readable rendering of whatever failed, including executed code's exceptions.
	Error string
}

type valueMessage struct {
	Value json.RawMessage `json:"value"`
}

type errorMessage struct {
	Error string `json:"error"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Value == nil {
		return json.Marshal(errorMessage{Error: r.Error})
	}
	return json.Marshal(valueMessage{Value: r.Value})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var msg struct {
		Value json.RawMessage `json:"value"`
		Error *string         `json:"error"`
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return err
	}
	switch {
	case msg.Error != nil:
		r.Value, r.Error = nil, *msg.Error
	case msg.Value != nil:
		r.Value, r.Error = msg.Value, ""
	default:
		return errors.New(`response has neither "value" nor "error"`)
	}
	return nil
}

// Err returns the response's error as an *EvalError, or nil if it carries a value.
func (r *Response) Err() error {
	if r.Value != nil {
		return nil
	}
	return &EvalError{Message: r.Error}
}

// Decode unmarshals the response value into v, failing with the response's error if there is no value.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	return json.Unmarshal(r.Value, v)
}

func valueResponse(v json.RawMessage) Response {
	return Response{Value: v}
}

func errorResponse(err error) Response {
	return Response{Error: err.Error()}
}

// EvalError is a failure reported by the server in a response's error field.
type EvalError struct {
	Message string
}

func (e *EvalError) Error() string { return e.Message }
