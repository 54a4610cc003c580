package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/guseggert/evalsock/frame"
	"github.com/guseggert/evalsock/internal/nbio"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// session owns one accepted connection and runs requests from it, in order, until it closes.
type session struct {
	id          string
	log         *zap.SugaredLogger
	stream      nbio.Stream
	eval        *EvalContext
	maxBlobSize uint32

	closeOnce sync.Once
}

func newSession(log *zap.SugaredLogger, conn net.Conn, eval *EvalContext, maxBlobSize uint32) *session {
	id := uuid.NewString()
	return &session{
		id:          id,
		log:         log.With("Session", id),
		stream:      nbio.Wrap(conn),
		eval:        eval,
		maxBlobSize: maxBlobSize,
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

// run loops over request/response cycles until the connection ends, and always leaves the connection closed.
// A response is fully written and flushed before the next request is read.
func (s *session) run(ctx context.Context) (err error) {
	defer s.close()
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			err = fmt.Errorf("panic serving session: %v\n%s", r, buf)
		}
	}()

	// closing the conn releases any read or write parked on it
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	s.log.Debug("session opened")
	for {
		blob, err := frame.ReadBlob(s.stream, s.maxBlobSize)
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}

		resp := Interpret(s.eval, blob)
		b, err := json.Marshal(resp)
		if err != nil {
			b, err = json.Marshal(errorResponse(fmt.Errorf("encoding response: %w", err)))
			if err != nil {
				return fmt.Errorf("encoding response: %w", err)
			}
		}

		if err := frame.WriteBlob(s.stream, b); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		if err := frame.Flush(s.stream); err != nil {
			return fmt.Errorf("flushing response: %w", err)
		}
	}
}

// isRoutineClose reports whether err just means the connection went away, either because the peer hung up
// (possibly in the middle of a frame) or because it was closed from this side.
func isRoutineClose(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
