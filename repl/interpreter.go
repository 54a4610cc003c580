package repl

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	errInvalidUTF8   = errors.New("request is not valid UTF-8")
	errNotAnObject   = errors.New("request must be a JSON object")
	errMissingCode   = errors.New(`request has no "code" field`)
	errCodeNotString = errors.New(`request "code" field must be a string`)
)

// request is a decoded request message. text is the original JSON, which is what executed code gets to see.
type request struct {
	text string
	code string
}

// Interpret runs one request blob against ec. It always produces a response: malformed requests and failures of
// the executed code are reported in the response's error field.
func Interpret(ec *EvalContext, blob []byte) Response {
	req, err := parseRequest(blob)
	if err != nil {
		return errorResponse(err)
	}
	v, err := ec.Eval(req.text, req.code)
	if err != nil {
		return errorResponse(err)
	}
	return valueResponse(v)
}

func parseRequest(blob []byte) (*request, error) {
	if !utf8.Valid(blob) {
		return nil, errInvalidUTF8
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(blob, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errNotAnObject
		}
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	if fields == nil {
		return nil, errNotAnObject
	}

	rawCode, ok := fields["code"]
	if !ok {
		return nil, errMissingCode
	}
	var code *string
	if err := json.Unmarshal(rawCode, &code); err != nil || code == nil {
		return nil, errCodeNotString
	}

	return &request{text: string(blob), code: *code}, nil
}
