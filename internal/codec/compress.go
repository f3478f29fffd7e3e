package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"cascade/internal/domain"
)

const (
	compressionNone   byte = 0
	compressionSnappy byte = 1
	compressionLZ4    byte = 2
)

// Compressed prefixes the payload with one byte naming the compression so
// that readers decode values written with any setting.
type Compressed struct {
	Codec
	kind byte
}

func Compress(c Codec, compression string) (Codec, error) {
	switch strings.ToLower(compression) {
	case "", "none":
		return Compressed{Codec: c, kind: compressionNone}, nil
	case "snappy":
		return Compressed{Codec: c, kind: compressionSnappy}, nil
	case "lz4":
		return Compressed{Codec: c, kind: compressionLZ4}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", compression)
}

func (c Compressed) Name() string {
	switch c.kind {
	case compressionSnappy:
		return c.Codec.Name() + "+snappy"
	case compressionLZ4:
		return c.Codec.Name() + "+lz4"
	}
	return c.Codec.Name()
}

func (c Compressed) Encode(rec domain.Record) ([]byte, error) {
	raw, err := c.Codec.Encode(rec)
	if err != nil {
		return nil, err
	}
	switch c.kind {
	case compressionSnappy:
		return append([]byte{compressionSnappy}, snappy.Encode(nil, raw)...), nil
	case compressionLZ4:
		var buf bytes.Buffer
		buf.WriteByte(compressionLZ4)
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return append([]byte{compressionNone}, raw...), nil
}

func (c Compressed) Decode(b []byte) (domain.Record, error) {
	if len(b) == 0 {
		return domain.Record{}, fmt.Errorf("%w: empty payload", ErrCorrupted)
	}
	var raw []byte
	switch b[0] {
	case compressionNone:
		raw = b[1:]
	case compressionSnappy:
		out, err := snappy.Decode(nil, b[1:])
		if err != nil {
			return domain.Record{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		raw = out
	case compressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(b[1:])))
		if err != nil {
			return domain.Record{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		raw = out
	default:
		return domain.Record{}, fmt.Errorf("%w: compression %d", ErrCorrupted, b[0])
	}
	return c.Codec.Decode(raw)
}
