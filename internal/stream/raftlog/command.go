package raftlog

import (
	"encoding/json"
	"time"

	"cascade/internal/domain"
)

type Op string

const (
	OpCreate Op = "create"
	OpDelete Op = "delete"
	OpAppend Op = "append"
	OpCommit Op = "commit"
	OpNoop   Op = "noop"
)

type RecordEntry struct {
	Key       string `json:"key"`
	Data      []byte `json:"data,omitempty"`
	Watermark int64  `json:"watermark"`
	Flags     uint8  `json:"flags"`
}

// Command is one replicated log mutation. Token lets the proposing node match
// the applied result with the waiting caller.
type Command struct {
	Op             Op           `json:"op"`
	Stream         string       `json:"stream"`
	Partitions     int          `json:"partitions,omitempty"`
	Partition      int          `json:"partition,omitempty"`
	Group          string       `json:"group,omitempty"`
	Next           int64        `json:"next,omitempty"`
	Record         *RecordEntry `json:"record,omitempty"`
	Token          string       `json:"token,omitempty"`
	TimestampUTCNs int64        `json:"timestamp_utc_ns"`
}

func (c *Command) FillTimestamp() {
	if c.TimestampUTCNs == 0 {
		c.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}

func (c Command) Marshal() ([]byte, error) { return json.Marshal(c) }

func UnmarshalCommand(b []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(b, &c)
	return c, err
}

func entryOf(rec domain.Record) *RecordEntry {
	return &RecordEntry{Key: rec.Key, Data: rec.Data, Watermark: rec.Watermark, Flags: uint8(rec.Flags)}
}

func (e *RecordEntry) record() domain.Record {
	return domain.Record{Key: e.Key, Data: e.Data, Watermark: e.Watermark, Flags: domain.Flag(e.Flags)}
}

// result is what applying a command produced.
type result struct {
	offset  domain.LogOffset
	changed bool
	err     error
}
