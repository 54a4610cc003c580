package repl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvalContext(t *testing.T) *EvalContext {
	ec, err := NewEvalContext("")
	require.NoError(t, err)
	return ec
}

func TestInterpret(t *testing.T) {
	cases := []struct {
		name      string
		request   string
		wantValue string
		wantErr   string
	}{
		{name: "arithmetic", request: `{"code":"2+2"}`, wantValue: `4`},
		{name: "object", request: `{"code":"({a: 1, b: [true, null, 's']})"}`, wantValue: `{"a":1,"b":[true,null,"s"]}`},
		{name: "undefined", request: `{"code":"undefined"}`, wantValue: `null`},
		{name: "statement", request: `{"code":"var unused = 1"}`, wantValue: `null`},
		{name: "function", request: `{"code":"(function () {})"}`, wantValue: `null`},
		{name: "error value", request: `{"code":"new Error('bad')"}`, wantValue: `"Error: bad"`},
		{name: "nested error value", request: `{"code":"({e: new TypeError('t')})"}`, wantValue: `{"e":"TypeError: t"}`},
		{name: "request global", request: `{"code":"REQUEST.x + 1","x":41}`, wantValue: `42`},
		{name: "request global sees code", request: `{"code":"REQUEST.code.length"}`, wantValue: `19`},
		{name: "thrown error", request: `{"code":"throw new Error('boom')"}`, wantErr: "boom"},
		{name: "syntax error", request: `{"code":"1 +"}`, wantErr: "SyntaxError"},
		{name: "circular value", request: `{"code":"var o = {}; o.o = o; o"}`, wantErr: "encoding result"},
		{name: "malformed JSON", request: `nope`, wantErr: "parsing request"},
		{name: "array", request: `[1, 2]`, wantErr: errNotAnObject.Error()},
		{name: "string", request: `"2+2"`, wantErr: errNotAnObject.Error()},
		{name: "null", request: `null`, wantErr: errNotAnObject.Error()},
		{name: "missing code", request: `{"kode":"2+2"}`, wantErr: errMissingCode.Error()},
		{name: "numeric code", request: `{"code":5}`, wantErr: errCodeNotString.Error()},
		{name: "null code", request: `{"code":null}`, wantErr: errCodeNotString.Error()},
		{name: "invalid UTF-8", request: "{\"code\":\"'\xff'\"}", wantErr: errInvalidUTF8.Error()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := Interpret(newEvalContext(t), []byte(c.request))
			if c.wantErr != "" {
				assert.Nil(t, resp.Value)
				assert.Contains(t, resp.Error, c.wantErr)
				return
			}
			assert.Empty(t, resp.Error)
			assert.JSONEq(t, c.wantValue, string(resp.Value))
		})
	}
}

func TestInterpretSharesGlobals(t *testing.T) {
	ec := newEvalContext(t)

	resp := Interpret(ec, []byte(`{"code":"var counter = 1; function bump() { return ++counter; }"}`))
	require.Empty(t, resp.Error)

	resp = Interpret(ec, []byte(`{"code":"bump()"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `2`, string(resp.Value))

	resp = Interpret(ec, []byte(`{"code":"counter + 10"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `12`, string(resp.Value))
}

func TestInterpretScopesLexicalDeclarations(t *testing.T) {
	ec := newEvalContext(t)

	resp := Interpret(ec, []byte(`{"code":"let x = 1; x"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `1`, string(resp.Value))

	resp = Interpret(ec, []byte(`{"code":"let x = 2; x"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `2`, string(resp.Value))

	for i := 0; i < 2; i++ {
		resp = Interpret(ec, []byte(`{"code":"const k = 3; class C {}; k"}`))
		require.Empty(t, resp.Error)
		assert.Equal(t, `3`, string(resp.Value))
	}

	resp = Interpret(ec, []byte(`{"code":"[typeof x, typeof k, typeof C]"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `["undefined","undefined","undefined"]`, string(resp.Value))

	// var and function declarations are still shared
	resp = Interpret(ec, []byte(`{"code":"var v = 4; function f() { return v + 1; }"}`))
	require.Empty(t, resp.Error)
	resp = Interpret(ec, []byte(`{"code":"f()"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `5`, string(resp.Value))
}

func TestInterpretReplacesRequestGlobal(t *testing.T) {
	ec := newEvalContext(t)

	resp := Interpret(ec, []byte(`{"code":"var first = REQUEST; REQUEST.tag","tag":"a"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `"a"`, string(resp.Value))

	resp = Interpret(ec, []byte(`{"code":"[first.tag, REQUEST.tag]","tag":"b"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `["a","b"]`, string(resp.Value))
}

func TestInterpretSurvivesClobberedJSON(t *testing.T) {
	ec := newEvalContext(t)

	resp := Interpret(ec, []byte(`{"code":"JSON = undefined; Error = undefined; 1"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `1`, string(resp.Value))

	resp = Interpret(ec, []byte(`{"code":"({n: REQUEST.n})","n":3}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `{"n":3}`, string(resp.Value))
}

func TestCustomRequestGlobal(t *testing.T) {
	ec, err := NewEvalContext("ARGS")
	require.NoError(t, err)
	assert.Equal(t, "ARGS", ec.RequestGlobal())

	resp := Interpret(ec, []byte(`{"code":"[typeof REQUEST, ARGS.x]","x":"y"}`))
	require.Empty(t, resp.Error)
	assert.Equal(t, `["undefined","y"]`, string(resp.Value))
}

func TestEvalContextInterrupt(t *testing.T) {
	ec := newEvalContext(t)

	done := make(chan Response)
	go func() {
		done <- Interpret(ec, []byte(`{"code":"while (true) {}"}`))
	}()

	// the interrupt may land before the loop starts, in which case it's cleared, so keep sending it
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)
	var resp Response
loop:
	for {
		select {
		case resp = <-done:
			break loop
		case <-ticker.C:
			ec.Interrupt("took too long")
		case <-timeout:
			t.Fatal("timed out waiting for interrupted code")
		}
	}
	assert.Contains(t, resp.Error, "took too long")

	// the context is still usable afterwards
	resp = Interpret(ec, []byte(`{"code":"1"}`))
	assert.Equal(t, `1`, string(resp.Value))
}

func TestEvalContextClose(t *testing.T) {
	ec := newEvalContext(t)
	ec.Close("shutting down")

	resp := Interpret(ec, []byte(`{"code":"1"}`))
	assert.Nil(t, resp.Value)
	assert.Contains(t, resp.Error, "shutting down")
}

func TestResponseJSON(t *testing.T) {
	b, err := json.Marshal(valueResponse(json.RawMessage(`[1,2]`)))
	require.NoError(t, err)
	assert.Equal(t, `{"value":[1,2]}`, string(b))

	b, err = json.Marshal(Response{Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, `{"error":"boom"}`, string(b))

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"value":{"a":1}}`), &resp))
	var v struct{ A int }
	require.NoError(t, resp.Decode(&v))
	assert.Equal(t, 1, v.A)

	require.NoError(t, json.Unmarshal([]byte(`{"error":""}`), &resp))
	var evalErr *EvalError
	assert.ErrorAs(t, resp.Decode(&v), &evalErr)

	assert.Error(t, json.Unmarshal([]byte(`{}`), &resp))
}
