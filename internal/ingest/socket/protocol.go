package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown     Operation = 0
	OperationAppend      Operation = 1
	OperationAppendBatch Operation = 2
	OperationPing        Operation = 3
	OperationLag         Operation = 4
	OperationHealth      Operation = 5
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type SocketRequest struct {
	RequestId   string              `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken   string              `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation   int32               `protobuf:"varint,3,opt,name=operation,proto3"`
	Append      *AppendRequest      `protobuf:"bytes,4,opt,name=append,proto3"`
	AppendBatch *AppendBatchRequest `protobuf:"bytes,5,opt,name=append_batch,json=appendBatch,proto3"`
	Lag         *LagQuery           `protobuf:"bytes,6,opt,name=lag,proto3"`
	Ping        *PingRequest        `protobuf:"bytes,7,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Append       *AppendResponse `protobuf:"bytes,4,opt,name=append,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,5,opt,name=pong,proto3"`
	Lag          *LagResponse    `protobuf:"bytes,6,opt,name=lag,proto3"`
	Health       *HealthResponse `protobuf:"bytes,7,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// Record mirrors domain.Record. A zero watermark is stamped by the server.
type Record struct {
	Key       string `protobuf:"bytes,1,opt,name=key,proto3"`
	Data      []byte `protobuf:"bytes,2,opt,name=data,proto3"`
	Watermark int64  `protobuf:"varint,3,opt,name=watermark,proto3"`
	Flags     uint32 `protobuf:"varint,4,opt,name=flags,proto3"`
}

func (*Record) Reset()         {}
func (*Record) String() string { return "Record" }
func (*Record) ProtoMessage()  {}

type AppendRequest struct {
	Stream string  `protobuf:"bytes,1,opt,name=stream,proto3"`
	Record *Record `protobuf:"bytes,2,opt,name=record,proto3"`
}

func (*AppendRequest) Reset()         {}
func (*AppendRequest) String() string { return "AppendRequest" }
func (*AppendRequest) ProtoMessage()  {}

type AppendBatchRequest struct {
	Stream  string    `protobuf:"bytes,1,opt,name=stream,proto3"`
	Records []*Record `protobuf:"bytes,2,rep,name=records,proto3"`
}

func (*AppendBatchRequest) Reset()         {}
func (*AppendBatchRequest) String() string { return "AppendBatchRequest" }
func (*AppendBatchRequest) ProtoMessage()  {}

type Offset struct {
	Partition uint32 `protobuf:"varint,1,opt,name=partition,proto3"`
	Offset    int64  `protobuf:"varint,2,opt,name=offset,proto3"`
}

func (*Offset) Reset()         {}
func (*Offset) String() string { return "Offset" }
func (*Offset) ProtoMessage()  {}

// AppendResponse lists the durable offsets in request order.
type AppendResponse struct {
	Accepted bool      `protobuf:"varint,1,opt,name=accepted,proto3"`
	Offsets  []*Offset `protobuf:"bytes,2,rep,name=offsets,proto3"`
}

func (*AppendResponse) Reset()         {}
func (*AppendResponse) String() string { return "AppendResponse" }
func (*AppendResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type LagQuery struct {
	Stream string `protobuf:"bytes,1,opt,name=stream,proto3"`
	Group  string `protobuf:"bytes,2,opt,name=group,proto3"`
}

func (*LagQuery) Reset()         {}
func (*LagQuery) String() string { return "LagQuery" }
func (*LagQuery) ProtoMessage()  {}

type LagResponse struct {
	LowerOffset int64 `protobuf:"varint,1,opt,name=lower_offset,json=lowerOffset,proto3"`
	UpperOffset int64 `protobuf:"varint,2,opt,name=upper_offset,json=upperOffset,proto3"`
	Lag         int64 `protobuf:"varint,3,opt,name=lag,proto3"`
}

func (*LagResponse) Reset()         {}
func (*LagResponse) String() string { return "LagResponse" }
func (*LagResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
