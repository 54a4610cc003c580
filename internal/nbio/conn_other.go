//go:build !unix

package nbio

import "net"

// Conn is unavailable on this platform; Wrap falls back to passthrough streams.
type Conn struct {
	passthrough
}

// New always fails with ErrNotPollable on this platform.
func New(conn net.Conn) (*Conn, error) {
	return nil, ErrNotPollable
}
