// Package protocol implements the wire format spoken with the
// stimulus-presentation peer: JSON messages, each preceded by a 4-byte
// little-endian length.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single message payload.
const MaxMessageSize = 1 << 20

var (
	// ErrProtocol marks a well-framed message that cannot be understood.
	// The session logs it and keeps listening.
	ErrProtocol = errors.New("protocol error")
	// ErrMessageTooLarge is a framing error; the stream cannot be resynced.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// WriteMessage writes the length prefix and payload in a single write.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one length-prefixed payload. A stream that ends cleanly
// between messages returns io.EOF; one that ends inside a message returns
// io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
