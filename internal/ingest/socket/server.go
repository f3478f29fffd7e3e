// Package socket serves a framed protobuf protocol that appends records into
// streams. Requests for the same record key are handled in order by one
// worker queue; a response is written once the append is durable.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cascade/internal/domain"
	"cascade/internal/hashroute"
	"cascade/internal/logger"
	"cascade/internal/stream"
)

// HealthFunc reports the health of whatever the server feeds.
type HealthFunc func(context.Context) (bool, string)

type Config struct {
	Enabled          bool        `mapstructure:"enabled" yaml:"enabled"`
	Network          string      `mapstructure:"network" yaml:"network"`
	Address          string      `mapstructure:"address" yaml:"address"`
	UnixSocketPath   string      `mapstructure:"unix_socket_path" yaml:"unix_socket_path"`
	AuthToken        string      `mapstructure:"auth_token" yaml:"auth_token"`
	MaxInflight      int         `mapstructure:"max_inflight" yaml:"max_inflight"`
	GlobalQueueLimit int         `mapstructure:"global_queue_limit" yaml:"global_queue_limit"`
	Workers          int         `mapstructure:"workers" yaml:"workers"`
	MaxFrameSize     int         `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	TLSConfig        *tls.Config `mapstructure:"-" yaml:"-"`
}

type Server struct {
	cfg     Config
	manager stream.Manager
	health  HealthFunc
	log     zerolog.Logger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	readers sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
}

func NewServer(cfg Config, manager stream.Manager, health HealthFunc) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if health == nil {
		health = func(context.Context) (bool, string) { return true, "ok" }
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		health:  health,
		log:     logger.With("socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, cfg.Workers),
		conns:   make(map[net.Conn]struct{}),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info().Str("network", s.cfg.Network).Str("address", ln.Addr().String()).Int("workers", len(s.partQ)).Msg("listening")

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting, drops open connections once their queued requests
// are answered, then stops the workers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.readers.Wait()
	for _, q := range s.partQ {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	s.readers.Add(1)
	s.mu.Unlock()

	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.readers.Done()
		s.readLoop(ctx, conn)
		// Every inflight slot back means no worker answers on this connection anymore.
		for i := 0; i < cap(conn.inflight); i++ {
			conn.inflight <- struct{}{}
		}
		close(conn.writerQ)
		s.mu.Lock()
		delete(s.conns, raw)
		s.mu.Unlock()
	}()
}

func (s *Server) writeLoop(conn *connection) {
	defer conn.c.Close()
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		err = WriteFrame(w, payload, s.cfg.MaxFrameSize)
		if errors.Is(err, ErrFrameTooLarge) {
			s.log.Warn().Err(err).Str("request", res.RequestId).Msg("response does not fit in a frame")
			payload, err = MarshalMessage(&SocketResponse{RequestId: res.RequestId, ErrorCode: int32(ErrorCodeInternal), ErrorMessage: err.Error()})
			if err == nil {
				err = WriteFrame(w, payload, s.cfg.MaxFrameSize)
			}
		}
		if err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r, s.cfg.MaxFrameSize)
		switch {
		case errors.Is(err, ErrEmptyFrame):
			s.send(conn, &SocketResponse{ErrorCode: int32(codeOf(err)), ErrorMessage: err.Error()})
			continue
		case errors.Is(err, ErrFrameTooLarge):
			// the payload is still on the wire, the connection cannot resync
			s.log.Warn().Err(err).Str("remote", conn.c.RemoteAddr().String()).Msg("closing connection")
			s.send(conn, &SocketResponse{ErrorCode: int32(codeOf(err)), ErrorMessage: err.Error()})
			return
		case err != nil:
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "adapter queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[s.partitionFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "partition queue overloaded"})
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		s.send(req.conn, res)
		req.release()
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

// partitionFor picks the worker queue of a request. Requests on the same key
// share a queue so their appends keep arrival order. A batch follows its
// first key: the records of a batch stay in order among themselves, but a
// batch mixing keys is only ordered against single appends of that first key.
func (s *Server) partitionFor(req *SocketRequest) int {
	switch {
	case req.Append != nil && req.Append.Record != nil:
		return hashroute.PartitionForKey(req.Append.Record.Key, len(s.partQ))
	case req.AppendBatch != nil && len(req.AppendBatch.Records) > 0 && req.AppendBatch.Records[0] != nil:
		return hashroute.PartitionForKey(req.AppendBatch.Records[0].Key, len(s.partQ))
	}
	return 0
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationAppend:
		if req.Append == nil || req.Append.Record == nil {
			return badReq(req, "append record required")
		}
		return s.appendRecords(ctx, req, res, req.Append.Stream, []*Record{req.Append.Record})
	case OperationAppendBatch:
		if req.AppendBatch == nil || len(req.AppendBatch.Records) == 0 {
			return badReq(req, "append_batch records required")
		}
		return s.appendRecords(ctx, req, res, req.AppendBatch.Stream, req.AppendBatch.Records)
	case OperationLag:
		if req.Lag == nil || req.Lag.Stream == "" || req.Lag.Group == "" {
			return badReq(req, "lag stream and group required")
		}
		lag, err := s.manager.Lag(ctx, req.Lag.Stream, req.Lag.Group)
		if err != nil {
			return failed(res, err)
		}
		res.Lag = &LagResponse{LowerOffset: lag.LowerOffset, UpperOffset: lag.UpperOffset, Lag: lag.Lag}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

// appendRecords stops at the first failure. Records appended before it stay
// durable and are reported in the response.
func (s *Server) appendRecords(ctx context.Context, req *SocketRequest, res *SocketResponse, name string, records []*Record) *SocketResponse {
	if name == "" {
		return badReq(req, "stream required")
	}
	out := &AppendResponse{}
	res.Append = out
	for _, r := range records {
		if r == nil || r.Key == "" {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeBadRequest), "record key required"
			return res
		}
		off, err := stream.AppendKey(ctx, s.manager, name, toDomain(r))
		if err != nil {
			s.log.Warn().Err(err).Str("stream", name).Str("request", req.RequestId).Int("appended", len(out.Offsets)).Msg("append failed")
			return failed(res, err)
		}
		out.Offsets = append(out.Offsets, &Offset{Partition: uint32(off.Partition.Partition), Offset: off.Offset})
	}
	out.Accepted = true
	return res
}

func failed(res *SocketResponse, err error) *SocketResponse {
	res.ErrorCode, res.ErrorMessage = int32(codeOf(err)), err.Error()
	return res
}

func codeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, stream.ErrUnknownStream):
		return ErrorCodeNotFound
	case errors.Is(err, stream.ErrInvalidPartition), errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrEmptyFrame):
		return ErrorCodeBadRequest
	case stream.IsRetryable(err):
		return ErrorCodeOverloaded
	}
	return ErrorCodeInternal
}

func toDomain(r *Record) domain.Record {
	rec := domain.RecordWithWatermark(r.Key, r.Data, r.Watermark)
	if rec.Watermark == 0 {
		rec.Watermark = domain.WatermarkOf(time.Now(), 0).Value()
	}
	if r.Flags != 0 {
		rec.Flags = domain.Flag(r.Flags)
	}
	return rec
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload, DefaultMaxFrameSize); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn), DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
