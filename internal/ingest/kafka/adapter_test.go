package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"cascade/internal/codec"
	"cascade/internal/domain"
)

type stubAppender struct {
	mu       sync.Mutex
	records  []domain.Record
	errByKey map[string]error
	waitCh   chan struct{}
}

func (s *stubAppender) PartitionCount(context.Context, string) (int, error) { return 3, nil }

func (s *stubAppender) Append(_ context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error) {
	if s.waitCh != nil {
		<-s.waitCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errByKey[rec.Key]; err != nil {
		return domain.LogOffset{}, err
	}
	s.records = append(s.records, rec)
	return domain.LogOffset{Partition: domain.LogPartition{Name: name, Partition: partition}, Offset: int64(len(s.records))}, nil
}

func testAdapter(mode string, app Appender) *Adapter {
	return &Adapter{
		cfg:      Config{ParseMode: mode, Topics: []string{"events"}, Stream: "input"},
		codec:    codec.Proto{},
		log:      zerolog.Nop(),
		appender: app,
		records:  make(chan *kgo.Record, 1),
		acks:     make(chan recordAck, 1),
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"events"}, GroupID: "g1", Stream: "input"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ParseMode != ParseModeRaw {
		t.Fatalf("default parse mode = %q", cfg.ParseMode)
	}
	cfg.Stream = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing stream error")
	}
	cfg.Stream, cfg.ParseMode = "input", ParseModeCustom
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing mapper error")
	}
}

func TestNormalizeRaw(t *testing.T) {
	a := testAdapter(ParseModeRaw, nil)
	at := time.UnixMilli(1_700_000_000_000)
	r, err := a.normalizeRecord(&kgo.Record{Topic: "events", Partition: 2, Offset: 7, Key: []byte("k1"), Value: []byte("v"), Timestamp: at})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if r.Key != "k1" || string(r.Data) != "v" || domain.WatermarkOfValue(r.Watermark).Timestamp != at.UnixMilli() {
		t.Fatalf("unexpected record %s", r)
	}
	r, err = a.normalizeRecord(&kgo.Record{Topic: "events", Partition: 2, Offset: 7})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if r.Key != "events-2-7" || r.Watermark == 0 {
		t.Fatalf("expected position key and wall clock watermark, got %s", r)
	}
}

func TestNormalizeJSONEnvelope(t *testing.T) {
	a := testAdapter(ParseModeJSON, nil)
	rec := &kgo.Record{Topic: "events", Partition: 2, Offset: 7, Key: []byte("kafka-key"), Value: []byte(`{"key":"s1","event_time_utc":"2026-01-01T00:00:00Z","data":{"ok":true}}`)}
	r, err := a.normalizeRecord(rec)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if r.Key != "s1" || string(r.Data) != `{"ok":true}` {
		t.Fatalf("unexpected record %s", r)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if got := domain.WatermarkOfValue(r.Watermark).Timestamp; got != want {
		t.Fatalf("watermark timestamp %d, want %d", got, want)
	}
	if _, err := a.normalizeRecord(&kgo.Record{Value: []byte(`{`)}); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected malformed record, got %v", err)
	}
}

func TestNormalizeCodec(t *testing.T) {
	a := testAdapter(ParseModeCodec, nil)
	in := domain.RecordWithWatermark("k", []byte("payload"), domain.WatermarkOfTimestamp(42, 3).Value())
	payload, err := codec.Proto{}.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	r, err := a.normalizeRecord(&kgo.Record{Value: payload})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if r.Key != "k" || string(r.Data) != "payload" || r.Watermark != in.Watermark {
		t.Fatalf("unexpected record %s", r)
	}
}

func TestOffsetCommitOnlyAfterDurableAppend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := make(chan struct{})
	app := &stubAppender{waitCh: wait}
	a := testAdapter(ParseModeRaw, app)

	committed := make(chan struct{}, 1)
	a.markCommit = func(*kgo.Record) { committed <- struct{}{} }
	a.commitMarked = func(context.Context) error { return nil }

	go a.handleAcks(ctx)
	go a.runWorker(ctx)

	a.records <- &kgo.Record{Topic: "events", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("v")}

	select {
	case <-committed:
		t.Fatalf("offset committed before the append returned")
	case <-time.After(75 * time.Millisecond):
	}
	close(wait)
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatalf("expected commit after append")
	}
	if len(app.records) != 1 {
		t.Fatalf("expected one appended record, got %d", len(app.records))
	}
}

func TestMalformedRecordIsCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := testAdapter(ParseModeJSON, &stubAppender{})
	commits := make(chan struct{}, 1)
	a.markCommit = func(*kgo.Record) { commits <- struct{}{} }
	a.commitMarked = func(context.Context) error { return nil }

	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- &kgo.Record{Topic: "events", Partition: 0, Offset: 2, Value: []byte(`{`)}
	select {
	case <-commits:
	case <-time.After(time.Second):
		t.Fatalf("expected malformed record to be committed")
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	a := &Adapter{cfg: Config{Topics: []string{"events"}}, records: make(chan *kgo.Record, 2)}
	paused := 0
	resumed := 0
	a.pauseFetch = func(...string) { paused++ }
	a.resumeFetch = func(...string) { resumed++ }

	a.records <- &kgo.Record{}
	a.records <- &kgo.Record{}
	a.maybePause()
	if paused != 1 {
		t.Fatalf("expected pause, got %d", paused)
	}
	<-a.records
	a.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}

func TestCommitSkipsOnAppendFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app := &stubAppender{errByKey: map[string]error{"k": errors.New("log unavailable")}}
	a := testAdapter(ParseModeRaw, app)
	var mu sync.Mutex
	commits := 0
	a.markCommit = func(*kgo.Record) { mu.Lock(); commits++; mu.Unlock() }
	a.commitMarked = func(context.Context) error { return nil }
	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- &kgo.Record{Topic: "events", Partition: 0, Offset: 1, Key: []byte("k")}
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if commits != 0 {
		t.Fatalf("expected no offset commit on append failure")
	}
}

func TestNothingCommittedAfterAppendFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app := &stubAppender{errByKey: map[string]error{"bad": errors.New("log unavailable")}}
	a := testAdapter(ParseModeRaw, app)
	var mu sync.Mutex
	commits := 0
	a.markCommit = func(*kgo.Record) { mu.Lock(); commits++; mu.Unlock() }
	a.commitMarked = func(context.Context) error { return nil }

	done := make(chan struct{})
	go func() { a.handleAcks(ctx); close(done) }()
	a.acks <- recordAck{record: &kgo.Record{Topic: "events", Offset: 1, Key: []byte("bad")}, err: errors.New("log unavailable")}
	a.acks <- recordAck{record: &kgo.Record{Topic: "events", Offset: 2, Key: []byte("good")}}
	close(a.acks)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if commits != 0 {
		t.Fatalf("a later record must not be committed past a failed one, got %d commit(s)", commits)
	}
	if a.failure == nil || !a.closed.Load() {
		t.Fatalf("expected the adapter to stop on the failure")
	}
}
