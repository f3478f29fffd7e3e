// Package codec turns records into bytes for backends that store opaque values.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"cascade/internal/domain"
)

var ErrCorrupted = errors.New("corrupted record payload")

type Codec interface {
	Name() string
	Encode(domain.Record) ([]byte, error)
	Decode([]byte) (domain.Record, error)
}

// New returns the codec registered under name wrapped with the compression
// named by compression ("", "none", "snappy" or "lz4").
func New(name, compression string) (Codec, error) {
	var c Codec
	switch strings.ToLower(name) {
	case "", "proto", "protobuf":
		c = Proto{}
	case "msgpack":
		c = Msgpack{}
	case "json":
		c = JSON{}
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return Compress(c, compression)
}
