package socket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a frame payload when Config.MaxFrameSize is unset.
const DefaultMaxFrameSize = 8 << 20

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")
)

// frameHeaderSize is the big endian payload length preceding every frame.
const frameHeaderSize = 4

func frameLimit(limit int) int {
	if limit <= 0 {
		return DefaultMaxFrameSize
	}
	return limit
}

// WriteFrame writes one length prefixed payload of at most limit bytes.
func WriteFrame(w io.Writer, payload []byte, limit int) error {
	limit = frameLimit(limit)
	if len(payload) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(payload), limit)
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one payload. After ErrEmptyFrame the reader is positioned
// on the next frame, after ErrFrameTooLarge it is not: the payload was left
// unread.
func ReadFrame(r *bufio.Reader, limit int) ([]byte, error) {
	limit = frameLimit(limit)
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header[:])
	if sz == 0 {
		return nil, ErrEmptyFrame
	}
	if uint64(sz) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, sz, limit)
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
