// Package nbio turns non-blocking transport attempts into sequential calls.
//
// A single read or write attempt either completes or reports iox.ErrWouldBlock. Await retries a would-block
// attempt each time the stream signals readiness, so callers see one ordinary blocking call. The waiting
// goroutine is parked on the runtime network poller and holds no OS thread.
package nbio

import (
	"errors"
	"net"
	"syscall"

	"code.hybscloud.com/iox"
)

// ErrNotPollable is returned by New for connections that don't expose a raw descriptor.
var ErrNotPollable = errors.New("connection does not support readiness polling")

// WaitFunc registers interest in one direction of a stream and calls attempt each time the stream may be ready,
// until attempt returns true. syscall.RawConn's Read and Write methods are WaitFuncs.
type WaitFunc func(attempt func(fd uintptr) (done bool)) error

// Await runs op immediately and re-runs it after every readiness notification from wait for as long as op
// reports iox.ErrWouldBlock. Any other error from op, or an error from wait itself, is terminal.
func Await(wait WaitFunc, op func(fd uintptr) (int, error)) (int, error) {
	var (
		n     int
		opErr error
	)
	err := wait(func(fd uintptr) bool {
		n, opErr = op(fd)
		return !iox.IsWouldBlock(opErr)
	})
	if err != nil {
		return 0, err
	}
	return n, opErr
}

// Stream is a connection whose reads and writes may each transfer only part of the buffer.
type Stream interface {
	ReadSome(p []byte) (int, error)
	WriteSome(p []byte) (int, error)
	Close() error
}

// Wrap adapts conn for framed I/O.
// Pollable connections (unix and TCP sockets) get raw non-blocking attempts driven by Await.
// Anything else, such as a WebSocket-backed net.Conn, is passed through; its calls park inside the Go runtime instead.
func Wrap(conn net.Conn) Stream {
	c, err := New(conn)
	if err == nil {
		return c
	}
	return passthrough{Conn: conn}
}

type passthrough struct {
	net.Conn
}

func (p passthrough) ReadSome(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return p.Conn.Read(b)
}

func (p passthrough) WriteSome(b []byte) (int, error) { return p.Conn.Write(b) }

func rawConn(conn net.Conn) (syscall.RawConn, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, ErrNotPollable
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	return raw, nil
}
