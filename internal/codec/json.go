package codec

import (
	"encoding/json"
	"fmt"

	"cascade/internal/domain"
)

type jsonRecord struct {
	Key       string `json:"key"`
	Data      []byte `json:"data,omitempty"`
	Watermark int64  `json:"watermark"`
	Flags     uint8  `json:"flags"`
}

// JSON is meant for debugging; Data is base64 encoded.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(rec domain.Record) ([]byte, error) {
	return json.Marshal(jsonRecord{Key: rec.Key, Data: rec.Data, Watermark: rec.Watermark, Flags: uint8(rec.Flags)})
}

func (JSON) Decode(b []byte) (domain.Record, error) {
	var r jsonRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return domain.Record{Key: r.Key, Data: r.Data, Watermark: r.Watermark, Flags: domain.Flag(r.Flags)}, nil
}
