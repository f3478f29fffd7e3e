// Package rabbitmq feeds AMQP deliveries into a stream. A delivery is acked
// only once its record is durable in the log.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"cascade/internal/domain"
	"cascade/internal/hashroute"
	"cascade/internal/logger"
	"cascade/internal/stream"
)

var ErrMalformedDelivery = errors.New("malformed delivery")

// Appender is the part of stream.Manager the adapter writes through.
type Appender interface {
	PartitionCount(ctx context.Context, name string) (int, error)
	Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error)
}

type Config struct {
	Enabled       bool         `mapstructure:"enabled" yaml:"enabled"`
	URL           string       `mapstructure:"url" yaml:"url"`
	Endpoints     []string     `mapstructure:"endpoints" yaml:"endpoints"`
	Exchange      string       `mapstructure:"exchange" yaml:"exchange"`
	Queue         string       `mapstructure:"queue" yaml:"queue"`
	RoutingKeys   []string     `mapstructure:"routing_keys" yaml:"routing_keys"`
	ConsumerTag   string       `mapstructure:"consumer_tag" yaml:"consumer_tag"`
	PrefetchCount int          `mapstructure:"prefetch_count" yaml:"prefetch_count"`
	ManualAck     bool         `mapstructure:"manual_ack" yaml:"manual_ack"`
	TLS           TLSConfig    `mapstructure:"tls" yaml:"tls"`
	Auth          AuthConfig   `mapstructure:"auth" yaml:"auth"`
	Parser        ParserConfig `mapstructure:"parser" yaml:"parser"`
	Workers       int          `mapstructure:"workers" yaml:"workers"`
	DeliveryQueue int          `mapstructure:"delivery_queue" yaml:"delivery_queue"`
	// Stream receives every delivery.
	Stream string `mapstructure:"stream" yaml:"stream"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name" yaml:"server_name"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file"`
	CertFile           string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile            string `mapstructure:"key_file" yaml:"key_file"`
}

type AuthConfig struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// ParserConfig selects how a delivery becomes a record. With format "raw" the
// body is the record data and the key comes from KeyHeader, the message id or
// the routing key, in that order. With format "json" the body is an envelope
// {"key", "data", "event_time_utc"}.
type ParserConfig struct {
	Format    string `mapstructure:"format" yaml:"format"`
	KeyHeader string `mapstructure:"key_header" yaml:"key_header"`
}

type Adapter struct {
	cfg      Config
	appender Appender
	log      zerolog.Logger
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup

	appended atomic.Int64
	dropped  atomic.Int64
	requeued atomic.Int64
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

type envelopePayload struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	EventTime string          `json:"event_time_utc"`
}

// Stats counts deliveries by outcome.
type Stats struct {
	Appended int64
	Dropped  int64
	Requeued int64
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Stream == "" {
		return fmt.Errorf("rabbitmq stream is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	switch c.Parser.Format {
	case "", "raw", "json":
	default:
		return fmt.Errorf("rabbitmq parser format %q is not raw or json", c.Parser.Format)
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, appender Appender) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if appender == nil {
		return nil, fmt.Errorf("appender is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "cascade-rabbitmq"
	}
	if cfg.Parser.KeyHeader == "" {
		cfg.Parser.KeyHeader = "record_key"
	}
	return &Adapter{
		cfg:      cfg,
		appender: appender,
		log:      logger.With("rabbitmq").With().Str("queue", cfg.Queue).Str("stream", cfg.Stream).Logger(),
		closed:   make(chan struct{}),
		ops:      make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

func (a *Adapter) Stats() Stats {
	return Stats{Appended: a.appended.Load(), Dropped: a.dropped.Load(), Requeued: a.requeued.Load()}
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries
	a.log.Info().Str("exchange", a.cfg.Exchange).Strs("routing_keys", routingKeys).Int("workers", a.cfg.Workers).Msg("consuming")

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	close(a.ops)
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	rec, err := a.parseDelivery(d)
	if err != nil {
		a.dropped.Add(1)
		a.log.Warn().Err(err).Uint64("tag", d.DeliveryTag).Msg("dropping delivery")
		_ = d.Nack(false, false)
		return
	}
	n, err := a.appender.PartitionCount(ctx, a.cfg.Stream)
	var off domain.LogOffset
	if err == nil {
		off, err = a.appender.Append(ctx, a.cfg.Stream, hashroute.PartitionForKey(rec.Key, n), rec)
	}
	if err != nil {
		if stream.IsRetryable(err) {
			a.requeued.Add(1)
			a.log.Debug().Err(err).Str("key", rec.Key).Msg("requeueing delivery")
			_ = d.Nack(false, true)
			return
		}
		a.dropped.Add(1)
		a.log.Error().Err(err).Str("key", rec.Key).Msg("append failed, dropping delivery")
		_ = d.Nack(false, false)
		return
	}
	a.appended.Add(1)
	a.log.Trace().Str("key", rec.Key).Stringer("offset", off).Msg("appended")
	_ = d.Ack(false)
}

func (a *Adapter) parseDelivery(d amqp091.Delivery) (domain.Record, error) {
	key, data, eventTime := "", d.Body, ""
	if a.cfg.Parser.Format == "json" {
		var msg envelopePayload
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return domain.Record{}, fmt.Errorf("%w: %v", ErrMalformedDelivery, err)
		}
		key, data, eventTime = msg.Key, []byte(msg.Data), msg.EventTime
	}
	if key == "" {
		key = headerString(d.Headers, a.cfg.Parser.KeyHeader)
	}
	if key == "" {
		key = d.MessageId
	}
	if key == "" {
		key = d.RoutingKey
	}
	if key == "" {
		return domain.Record{}, fmt.Errorf("%w: no record key", ErrMalformedDelivery)
	}
	at, err := parseEventTime(eventTime, d)
	if err != nil {
		return domain.Record{}, err
	}
	return domain.RecordWithWatermark(key, data, domain.WatermarkOf(at, 0).Value()), nil
}

// parseEventTime accepts unix milliseconds or RFC3339 and falls back to the
// AMQP timestamp, then to the wall clock.
func parseEventTime(raw string, d amqp091.Delivery) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = headerString(d.Headers, "event_time_utc")
	}
	if raw == "" {
		if !d.Timestamp.IsZero() {
			return d.Timestamp, nil
		}
		return time.Now(), nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	tm, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid event_time_utc: %v", ErrMalformedDelivery, err)
	}
	return tm, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
