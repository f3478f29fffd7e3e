// Package kafka feeds records of external Kafka topics into a stream. Offsets
// are committed only once the record is durable in the log.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"cascade/internal/codec"
	"cascade/internal/domain"
	"cascade/internal/hashroute"
	"cascade/internal/logger"
)

const (
	ParseModeRaw    = "raw"
	ParseModeJSON   = "json"
	ParseModeCodec  = "codec"
	ParseModeCustom = "custom"
)

// ErrMalformedRecord marks records that can never be appended. Their offset is
// committed so they are not redelivered.
var ErrMalformedRecord = errors.New("kafka malformed record")

// Appender is the part of stream.Manager the adapter writes through.
type Appender interface {
	PartitionCount(ctx context.Context, name string) (int, error)
	Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error)
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (domain.Record, error)
}

type Config struct {
	Enabled        bool        `mapstructure:"enabled"`
	Brokers        []string    `mapstructure:"brokers"`
	Topics         []string    `mapstructure:"topics"`
	GroupID        string      `mapstructure:"group_id"`
	ClientID       string      `mapstructure:"client_id"`
	WorkerCount    int         `mapstructure:"worker_count"`
	MaxPollRecords int         `mapstructure:"max_poll_records"`
	QueueCapacity  int         `mapstructure:"queue_capacity"`
	ParseMode      string      `mapstructure:"parse_mode"`
	Codec          string      `mapstructure:"codec"`
	Compression    string      `mapstructure:"compression"`
	Auth           AuthConfig  `mapstructure:"auth"`
	Fetch          FetchConfig `mapstructure:"fetch"`
	// Stream receives every consumed record.
	Stream string `mapstructure:"stream"`

	CustomMapper Mapper `mapstructure:"-"`
}

type AuthConfig struct {
	TLS TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchConfig struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type jsonEnvelope struct {
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
	EventTimeUTC string          `json:"event_time_utc"`
}

type Adapter struct {
	cfg   Config
	codec codec.Codec
	log   zerolog.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool
	// failure is the first append error. Nothing is committed after it since
	// a later commit would skip the failed record.
	failure error

	pauseMux sync.Mutex
	paused   bool

	appender     Appender
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, appender Appender, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if appender == nil {
		return nil, errors.New("appender is required")
	}
	c, err := codec.New(cfg.Codec, cfg.Compression)
	if err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:      cfg,
		codec:    c,
		log:      logger.With("kafka-ingest").With().Str("group", cfg.GroupID).Str("stream", cfg.Stream).Logger(),
		client:   cl,
		appender: appender,
		records:  make(chan *kgo.Record, cfg.QueueCapacity),
		acks:     make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeRaw
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.Stream == "" {
		return errors.New("kafka.stream is required")
	}
	switch c.ParseMode {
	case "", ParseModeRaw, ParseModeJSON, ParseModeCodec:
	case ParseModeCustom:
		if c.CustomMapper == nil {
			return errors.New("kafka custom parse mode needs a mapper")
		}
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

// Close stops Start after its current poll.
func (a *Adapter) Close() { a.closed.Store(true) }

// Start consumes until ctx is done, Close is called, a fetch fails or an
// append fails for good.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var acks, workers sync.WaitGroup
	acks.Add(1)
	go func() {
		defer acks.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.runWorker(ctx)
		}()
	}
	drain := func(err error) error {
		close(a.records)
		workers.Wait()
		close(a.acks)
		acks.Wait()
		if err == nil {
			err = a.failure
		}
		return err
	}

	a.log.Info().Strs("topics", a.cfg.Topics).Str("parse_mode", a.cfg.ParseMode).Msg("consuming")
	for {
		if ctx.Err() != nil || a.closed.Load() {
			return drain(ctx.Err())
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			return drain(errs[0].Err)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				for {
					select {
					case a.records <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		a.acks <- recordAck{record: rec, err: a.appendRecord(ctx, rec)}
	}
}

func (a *Adapter) appendRecord(ctx context.Context, rec *kgo.Record) error {
	r, err := a.normalizeRecord(rec)
	if err != nil {
		return err
	}
	n, err := a.appender.PartitionCount(ctx, a.cfg.Stream)
	if err != nil {
		return err
	}
	_, err = a.appender.Append(ctx, a.cfg.Stream, hashroute.PartitionForKey(r.Key, n), r)
	return err
}

// handleAcks runs until acks is closed.
func (a *Adapter) handleAcks(ctx context.Context) {
	for ack := range a.acks {
		if ack.record == nil || a.failure != nil {
			continue
		}
		if ack.err != nil {
			if !errors.Is(ack.err, ErrMalformedRecord) {
				a.log.Error().Err(ack.err).Str("topic", ack.record.Topic).Int32("partition", ack.record.Partition).Int64("offset", ack.record.Offset).Msg("append failed, stopping without commit")
				a.failure = fmt.Errorf("append %s/%d@%d: %w", ack.record.Topic, ack.record.Partition, ack.record.Offset, ack.err)
				a.closed.Store(true)
				continue
			}
			a.log.Warn().Err(ack.err).Str("topic", ack.record.Topic).Int64("offset", ack.record.Offset).Msg("dropping malformed record")
		}
		a.markCommit(ack.record)
		if err := a.commitMarked(ctx); err != nil {
			a.log.Warn().Err(err).Msg("offset commit failed")
		}
	}
}

// normalizeRecord keeps the Kafka key and timestamp unless the payload
// carries its own.
func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.Record, error) {
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	out := domain.RecordWithWatermark(string(rec.Key), rec.Value, domain.WatermarkOf(at, 0).Value())
	switch a.cfg.ParseMode {
	case "", ParseModeRaw:
	case ParseModeJSON:
		var in jsonEnvelope
		if err := json.Unmarshal(rec.Value, &in); err != nil {
			return domain.Record{}, fmt.Errorf("%w: parse json envelope: %v", ErrMalformedRecord, err)
		}
		if in.EventTimeUTC != "" {
			parsed, err := time.Parse(time.RFC3339Nano, in.EventTimeUTC)
			if err != nil {
				return domain.Record{}, fmt.Errorf("%w: parse event_time_utc: %v", ErrMalformedRecord, err)
			}
			out.Watermark = domain.WatermarkOf(parsed, 0).Value()
		}
		if in.Key != "" {
			out.Key = in.Key
		}
		out.Data = append([]byte(nil), in.Data...)
	case ParseModeCodec:
		decoded, err := a.codec.Decode(rec.Value)
		if err != nil {
			return domain.Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		if decoded.Watermark == 0 {
			decoded.Watermark = out.Watermark
		}
		out = decoded
	case ParseModeCustom:
		mapped, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return domain.Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		out = mapped
	default:
		return domain.Record{}, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	if out.Key == "" {
		out.Key = fmt.Sprintf("%s-%d-%d", rec.Topic, rec.Partition, rec.Offset)
	}
	return out, nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
