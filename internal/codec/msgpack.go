package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"cascade/internal/domain"
)

type msgpackRecord struct {
	Key       string `msgpack:"k"`
	Data      []byte `msgpack:"d"`
	Watermark int64  `msgpack:"w"`
	Flags     uint8  `msgpack:"f"`
}

type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Encode(rec domain.Record) ([]byte, error) {
	return msgpack.Marshal(msgpackRecord{Key: rec.Key, Data: rec.Data, Watermark: rec.Watermark, Flags: uint8(rec.Flags)})
}

func (Msgpack) Decode(b []byte) (domain.Record, error) {
	var r msgpackRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return domain.Record{Key: r.Key, Data: r.Data, Watermark: r.Watermark, Flags: domain.Flag(r.Flags)}, nil
}
