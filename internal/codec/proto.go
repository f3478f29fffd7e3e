package codec

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"cascade/internal/domain"
)

type RecordMessage struct {
	Key       string `protobuf:"bytes,1,opt,name=key,proto3"`
	Data      []byte `protobuf:"bytes,2,opt,name=data,proto3"`
	Watermark int64  `protobuf:"varint,3,opt,name=watermark,proto3"`
	Flags     uint32 `protobuf:"varint,4,opt,name=flags,proto3"`
}

func (*RecordMessage) Reset()         {}
func (*RecordMessage) String() string { return "RecordMessage" }
func (*RecordMessage) ProtoMessage()  {}

func ToMessage(rec domain.Record) *RecordMessage {
	return &RecordMessage{Key: rec.Key, Data: rec.Data, Watermark: rec.Watermark, Flags: uint32(rec.Flags)}
}

func (m *RecordMessage) Record() domain.Record {
	return domain.Record{Key: m.Key, Data: m.Data, Watermark: m.Watermark, Flags: domain.Flag(m.Flags)}
}

type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) Encode(rec domain.Record) ([]byte, error) {
	return proto.Marshal(ToMessage(rec))
}

func (Proto) Decode(b []byte) (domain.Record, error) {
	var m RecordMessage
	if err := proto.Unmarshal(b, &m); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return m.Record(), nil
}
