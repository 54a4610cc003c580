/*
Package frame implements the length-prefixed blob framing used on evalsock connections.

Every blob on the wire is a 4-byte little-endian unsigned length followed by exactly that many payload bytes.
The same framing is used in both directions.

The underlying stream is allowed to transfer fewer bytes than requested on any call, so reads and writes loop
until the exact byte count has been moved.
*/
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// DefaultMaxBlobSize is the largest blob accepted by ReadBlob callers that don't configure their own limit.
const DefaultMaxBlobSize = 64 << 20

// maxEmptyReads bounds consecutive (0, nil) reads, same as bufio.
const maxEmptyReads = 100

var (
	// ErrBlobTooLarge is returned when a length prefix announces more bytes than the reader accepts.
	// The stream can't be resynchronised after this, so callers should close it.
	ErrBlobTooLarge = errors.New("blob exceeds maximum size")
)

// Stream is a duplex byte stream where each call may transfer only part of the buffer.
type Stream interface {
	// ReadSome reads at most len(p) bytes. It returns io.EOF once the peer has closed its side.
	ReadSome(p []byte) (int, error)
	// WriteSome writes a prefix of p. A short count with a nil error means the rest must be written again.
	WriteSome(p []byte) (int, error)
}

// Flusher is implemented by streams that buffer output.
type Flusher interface {
	Flush() error
}

// ReadBlob reads one blob from s.
// If max is non-zero, blobs longer than max are rejected with ErrBlobTooLarge before their payload is allocated.
// It returns io.EOF if the stream ended before the first header byte, and io.ErrUnexpectedEOF if it ended inside a blob.
func ReadBlob(s Stream, max uint32) ([]byte, error) {
	var header [HeaderSize]byte
	n, err := readFull(s, header[:])
	if err != nil {
		if n > 0 && errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if max > 0 && length > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrBlobTooLarge, length, max)
	}

	blob := make([]byte, length)
	_, err = readFull(s, blob)
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// WriteBlob writes the length prefix for b followed by b itself, returning once every byte has been handed to s.
func WriteBlob(s Stream, b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes can't be framed", ErrBlobTooLarge, len(b))
	}
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(b)))
	if err := writeFull(s, header[:]); err != nil {
		return fmt.Errorf("writing blob header: %w", err)
	}
	if err := writeFull(s, b); err != nil {
		return fmt.Errorf("writing blob payload: %w", err)
	}
	return nil
}

// Flush forces out any output buffered by s. Streams without a buffer are left alone.
func Flush(s Stream) error {
	if f, ok := s.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// readFull reads until p is full, returning how many bytes were read.
// An empty p never touches the stream.
func readFull(s Stream, p []byte) (int, error) {
	read, empty := 0, 0
	for read < len(p) {
		n, err := s.ReadSome(p[read:])
		read += n
		if err != nil {
			if read == len(p) && errors.Is(err, io.EOF) {
				// the last bytes arrived together with EOF; the next read will see it again
				return read, nil
			}
			return read, err
		}
		if n > 0 {
			empty = 0
			continue
		}
		if empty++; empty >= maxEmptyReads {
			return read, io.ErrNoProgress
		}
	}
	return read, nil
}

func writeFull(s Stream, p []byte) error {
	for len(p) > 0 {
		n, err := s.WriteSome(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrNoProgress
		}
		p = p[n:]
	}
	return nil
}
