package socket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var b bytes.Buffer
	for _, in := range []string{"first", "second"} {
		if err := WriteFrame(&b, []byte(in), 16); err != nil {
			t.Fatal(err)
		}
	}
	r := bufio.NewReader(&b)
	for _, want := range []string{"first", "second"} {
		out, err := ReadFrame(r, 16)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != want {
			t.Fatalf("got %q, want %q", out, want)
		}
	}
	if _, err := ReadFrame(r, 16); err != io.EOF {
		t.Fatalf("expected EOF after the last frame, got %v", err)
	}
}

func TestFrameLimits(t *testing.T) {
	cases := []struct {
		name  string
		size  int
		limit int
		want  error
	}{
		{name: "at the limit", size: 16, limit: 16},
		{name: "over the limit", size: 17, limit: 16, want: ErrFrameTooLarge},
		{name: "default limit", size: DefaultMaxFrameSize, limit: 0},
		{name: "over the default limit", size: DefaultMaxFrameSize + 1, limit: 0, want: ErrFrameTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := make([]byte, tc.size)
			var b bytes.Buffer
			if err := WriteFrame(&b, payload, tc.limit); !errors.Is(err, tc.want) {
				t.Fatalf("write: got %v, want %v", err, tc.want)
			}

			// a header announcing the same size is judged the same way on read
			var frame bytes.Buffer
			var header [4]byte
			binary.BigEndian.PutUint32(header[:], uint32(tc.size))
			frame.Write(header[:])
			frame.Write(payload)
			out, err := ReadFrame(bufio.NewReader(&frame), tc.limit)
			if !errors.Is(err, tc.want) {
				t.Fatalf("read: got %v, want %v", err, tc.want)
			}
			if err == nil && len(out) != tc.size {
				t.Fatalf("read %d bytes, want %d", len(out), tc.size)
			}
		})
	}
}

func TestEmptyFrameKeepsTheReaderInSync(t *testing.T) {
	var b bytes.Buffer
	b.Write([]byte{0, 0, 0, 0})
	if err := WriteFrame(&b, []byte("next"), 0); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(&b)
	if _, err := ReadFrame(r, 0); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	out, err := ReadFrame(r, 0)
	if err != nil || string(out) != "next" {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestFrameErrorsAreBadRequests(t *testing.T) {
	for _, err := range []error{ErrEmptyFrame, ErrFrameTooLarge} {
		if code := codeOf(err); code != ErrorCodeBadRequest {
			t.Fatalf("%v: got code %d", err, code)
		}
	}
}

func TestServerRejectsBadFrames(t *testing.T) {
	srv, _, addr, cancel := startTestServer(t, nil)
	defer cancel()
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	read := func() *SocketResponse {
		t.Helper()
		frame, err := ReadFrame(r, 0)
		if err != nil {
			t.Fatal(err)
		}
		res, err := UnmarshalResponse(frame)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	// an empty frame is answered and the connection keeps serving
	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if res := read(); res.ErrorCode != int32(ErrorCodeBadRequest) {
		t.Fatalf("empty frame: %+v", res)
	}
	ping, err := MarshalMessage(&SocketRequest{RequestId: "p1", AuthToken: "secret", Operation: int32(OperationPing), Ping: &PingRequest{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(conn, ping, 0); err != nil {
		t.Fatal(err)
	}
	if res := read(); res.RequestId != "p1" || res.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("ping after empty frame: %+v", res)
	}

	// a header over the configured limit is answered, then the connection is closed
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 8192)
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatal(err)
	}
	if res := read(); res.ErrorCode != int32(ErrorCodeBadRequest) {
		t.Fatalf("oversized frame: %+v", res)
	}
	if _, err := ReadFrame(r, 0); err == nil {
		t.Fatal("connection still open after an oversized frame")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	req := &SocketRequest{RequestId: "1", Operation: int32(OperationPing), Ping: &PingRequest{}}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationPing {
		t.Fatalf("bad decode: %+v", decoded)
	}
}

func TestDialAndRequestPing(t *testing.T) {
	srv, _, addr, cancel := startTestServer(t, nil)
	defer cancel()
	defer srv.Close()
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	res, err := DialAndRequest(ctx, "tcp", addr, &SocketRequest{RequestId: "p", AuthToken: "secret", Operation: int32(OperationPing), Ping: &PingRequest{}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Pong == nil || res.Pong.UnixTimeNs == 0 {
		t.Fatalf("bad pong: %+v", res)
	}
}
