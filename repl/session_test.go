package repl

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/guseggert/evalsock/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingStream serves scripted input and records the order of every call made on it.
type recordingStream struct {
	in  *bytes.Reader
	out bytes.Buffer
	ops []string
}

func (s *recordingStream) ReadSome(p []byte) (int, error) {
	s.ops = append(s.ops, "read")
	return s.in.Read(p)
}

func (s *recordingStream) WriteSome(p []byte) (int, error) {
	s.ops = append(s.ops, "write")
	return s.out.Write(p)
}

func (s *recordingStream) Flush() error {
	s.ops = append(s.ops, "flush")
	return nil
}

func (s *recordingStream) Close() error {
	s.ops = append(s.ops, "close")
	return nil
}

func blobs(t *testing.T, msgs ...string) []byte {
	var b bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, binary.Write(&b, binary.LittleEndian, uint32(len(m))))
		b.WriteString(m)
	}
	return b.Bytes()
}

func newTestSession(t *testing.T, stream *recordingStream, maxBlobSize uint32) *session {
	return &session{
		id:          "test",
		log:         zaptest.NewLogger(t).Sugar(),
		stream:      stream,
		eval:        newEvalContext(t),
		maxBlobSize: maxBlobSize,
	}
}

func readResponses(t *testing.T, b []byte) []Response {
	in := &recordingStream{in: bytes.NewReader(b)}
	var resps []Response
	for {
		blob, err := frame.ReadBlob(in, 0)
		if err == io.EOF {
			return resps
		}
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(blob, &resp))
		resps = append(resps, resp)
	}
}

func TestSessionFlushesBeforeNextRead(t *testing.T) {
	stream := &recordingStream{in: bytes.NewReader(blobs(t,
		`{"code":"var n = 1; n"}`,
		`{"code":"n + 1"}`,
	))}
	s := newTestSession(t, stream, frame.DefaultMaxBlobSize)

	err := s.run(context.Background())
	require.ErrorIs(t, err, io.EOF)
	assert.True(t, isRoutineClose(err))

	assert.Equal(t, []string{
		"read", "read", "write", "write", "flush",
		"read", "read", "write", "write", "flush",
		"read", "close",
	}, stream.ops)

	resps := readResponses(t, stream.out.Bytes())
	require.Len(t, resps, 2)
	assert.Equal(t, `1`, string(resps[0].Value))
	assert.Equal(t, `2`, string(resps[1].Value))
}

func TestSessionKeepsGoingAfterErrors(t *testing.T) {
	stream := &recordingStream{in: bytes.NewReader(blobs(t,
		`not json`,
		`{"code":"throw new Error('boom')"}`,
		`{"code":"'still here'"}`,
	))}
	s := newTestSession(t, stream, frame.DefaultMaxBlobSize)

	require.ErrorIs(t, s.run(context.Background()), io.EOF)

	resps := readResponses(t, stream.out.Bytes())
	require.Len(t, resps, 3)
	assert.Contains(t, resps[0].Error, "parsing request")
	assert.Contains(t, resps[1].Error, "boom")
	assert.Equal(t, `"still here"`, string(resps[2].Value))
}

func TestSessionTruncatedRequest(t *testing.T) {
	full := blobs(t, `{"code":"1"}`)
	stream := &recordingStream{in: bytes.NewReader(full[:len(full)-2])}
	s := newTestSession(t, stream, frame.DefaultMaxBlobSize)

	err := s.run(context.Background())
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, isRoutineClose(err))
	assert.Zero(t, stream.out.Len())
}

func TestSessionRejectsOversizedRequest(t *testing.T) {
	stream := &recordingStream{in: bytes.NewReader(blobs(t, `{"code":"'this request is too long'"}`))}
	s := newTestSession(t, stream, 16)

	err := s.run(context.Background())
	require.ErrorIs(t, err, frame.ErrBlobTooLarge)
	assert.False(t, isRoutineClose(err))
	assert.Equal(t, []string{"read", "close"}, stream.ops)
	assert.Zero(t, stream.out.Len())
}
