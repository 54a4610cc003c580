//go:build unix

package nbio

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"code.hybscloud.com/iox"
)

// Conn performs one raw read(2) or write(2) per call on a socket that the runtime already keeps in
// non-blocking mode, waiting for readiness through the network poller when the kernel reports EAGAIN.
type Conn struct {
	conn net.Conn
	raw  syscall.RawConn
}

// New wraps conn, which must expose its descriptor via syscall.Conn.
func New(conn net.Conn) (*Conn, error) {
	raw, err := rawConn(conn)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, raw: raw}, nil
}

// ReadSome reads whatever is available, up to len(p), waiting until at least one byte or EOF is ready.
func (c *Conn) ReadSome(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return Await(c.raw.Read, func(fd uintptr) (int, error) {
		return tryRead(int(fd), p)
	})
}

// WriteSome writes as much of p as the socket buffer accepts, waiting until at least part of it fits.
func (c *Conn) WriteSome(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return Await(c.raw.Write, func(fd uintptr) (int, error) {
		return tryWrite(int(fd), p)
	})
}

// Flush is a no-op: writes go straight to the kernel.
func (c *Conn) Flush() error { return nil }

func (c *Conn) Close() error { return c.conn.Close() }

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn { return c.conn }

func tryRead(fd int, p []byte) (int, error) {
	for {
		n, err := syscall.Read(fd, p)
		switch {
		case err == syscall.EINTR:
			continue
		case isAgain(err):
			return 0, iox.ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func tryWrite(fd int, p []byte) (int, error) {
	for {
		n, err := syscall.Write(fd, p)
		switch {
		case err == syscall.EINTR:
			continue
		case isAgain(err):
			return 0, iox.ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

func isAgain(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
