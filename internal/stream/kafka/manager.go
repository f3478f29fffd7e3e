// Package kafka maps streams on Kafka topics. Checkpoints are committed as
// consumer group offsets so that lag is visible to the usual Kafka tooling.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"cascade/internal/codec"
	"cascade/internal/domain"
	"cascade/internal/logger"
	"cascade/internal/stream"
)

type Config struct {
	Brokers           []string
	ClientID          string
	TopicPrefix       string
	ReplicationFactor int16
	TLS               TLSConfig
	Fetch             FetchConfig
	Codec             codec.Codec
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MaxWait  time.Duration
	MaxBytes int32
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "cascade-" + uuid.NewString()
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = -1
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = 250 * time.Millisecond
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.Codec == nil {
		c.Codec, _ = codec.New("proto", "none")
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	return nil
}

type Manager struct {
	cfg    Config
	client *kgo.Client
	admin  *kadm.Client
	log    zerolog.Logger
}

var _ stream.Manager = (*Manager)(nil)

func NewManager(cfg Config, opts ...kgo.Opt) (*Manager, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := append(cfg.baseOpts(),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Manager{cfg: cfg, client: cl, admin: kadm.NewClient(cl), log: logger.With("kafka-log")}, nil
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(c.ClientID),
		kgo.FetchMaxWait(c.Fetch.MaxWait),
		kgo.FetchMaxBytes(c.Fetch.MaxBytes),
	}
	if c.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: c.TLS.InsecureSkipVerify}))
	}
	return opts
}

func (m *Manager) topic(name string) string { return m.cfg.TopicPrefix + name }

func (m *Manager) Close() error {
	m.client.Close()
	return nil
}

func (m *Manager) CreateStream(ctx context.Context, name string, partitions int) (bool, error) {
	if partitions <= 0 {
		partitions = 1
	}
	resp, err := m.admin.CreateTopic(ctx, int32(partitions), m.cfg.ReplicationFactor, nil, m.topic(name))
	if err != nil {
		return false, err
	}
	if errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return false, nil
	}
	if resp.Err != nil {
		return false, resp.Err
	}
	m.log.Debug().Str("topic", resp.Topic).Int("partitions", partitions).Msg("topic created")
	return true, nil
}

func (m *Manager) DeleteStream(ctx context.Context, name string) (bool, error) {
	resps, err := m.admin.DeleteTopics(ctx, m.topic(name))
	if err != nil {
		return false, err
	}
	resp, ok := resps[m.topic(name)]
	if !ok || errors.Is(resp.Err, kerr.UnknownTopicOrPartition) {
		return false, nil
	}
	if resp.Err != nil {
		return false, resp.Err
	}
	return true, nil
}

func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.PartitionCount(ctx, name)
	if errors.Is(err, stream.ErrUnknownStream) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) PartitionCount(ctx context.Context, name string) (int, error) {
	details, err := m.admin.ListTopics(ctx, m.topic(name))
	if err != nil {
		return 0, err
	}
	td, ok := details[m.topic(name)]
	if !ok || errors.Is(td.Err, kerr.UnknownTopicOrPartition) {
		return 0, stream.UnknownStreamError(name)
	}
	if td.Err != nil {
		return 0, td.Err
	}
	return len(td.Partitions), nil
}

func (m *Manager) Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error) {
	n, err := m.PartitionCount(ctx, name)
	if err != nil {
		return domain.LogOffset{}, err
	}
	if partition < 0 || partition >= n {
		return domain.LogOffset{}, stream.InvalidPartitionError(name, partition, n)
	}
	value, err := m.cfg.Codec.Encode(rec)
	if err != nil {
		return domain.LogOffset{}, err
	}
	kr := &kgo.Record{Topic: m.topic(name), Partition: int32(partition), Key: []byte(rec.Key), Value: value}
	res := m.client.ProduceSync(ctx, kr)
	produced, err := res.First()
	if err != nil {
		return domain.LogOffset{}, err
	}
	return domain.LogOffset{Partition: domain.LogPartition{Name: name, Partition: partition}, Offset: produced.Offset}, nil
}

func (m *Manager) CreateTailer(ctx context.Context, group string, partitions ...domain.LogPartition) (stream.Tailer, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("tailer %s: no partition to read", group)
	}
	t := &tailer{m: m, group: group, position: map[domain.LogPartition]int64{}}
	for _, p := range partitions {
		n, err := m.PartitionCount(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		if p.Partition < 0 || p.Partition >= n {
			return nil, stream.InvalidPartitionError(p.Name, p.Partition, n)
		}
		if _, dup := t.position[p]; dup {
			continue
		}
		t.position[p] = 0
		t.parts = append(t.parts, p)
	}
	committed, err := m.committed(ctx, group)
	if err != nil {
		return nil, err
	}
	consume := map[string]map[int32]kgo.Offset{}
	for _, p := range t.parts {
		at := committed[p]
		t.position[p] = at
		topic := m.topic(p.Name)
		if consume[topic] == nil {
			consume[topic] = map[int32]kgo.Offset{}
		}
		consume[topic][int32(p.Partition)] = kgo.NewOffset().At(at)
	}
	opts := append(m.cfg.baseOpts(), kgo.ConsumePartitions(consume))
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer: %w", err)
	}
	t.client = cl
	return t, nil
}

func (m *Manager) commit(ctx context.Context, group string, positions map[domain.LogPartition]int64) error {
	offsets := make(kadm.Offsets)
	for p, at := range positions {
		offsets.Add(kadm.Offset{Topic: m.topic(p.Name), Partition: int32(p.Partition), At: at, LeaderEpoch: -1})
	}
	resps, err := m.admin.CommitOffsets(ctx, group, offsets)
	if err != nil {
		return err
	}
	return resps.Error()
}

// committed returns the next offset to read per partition; partitions never
// committed are absent and read from 0.
func (m *Manager) committed(ctx context.Context, group string) (map[domain.LogPartition]int64, error) {
	resps, err := m.admin.FetchOffsets(ctx, group)
	if err != nil {
		return nil, err
	}
	out := map[domain.LogPartition]int64{}
	for topic, parts := range resps {
		if !strings.HasPrefix(topic, m.cfg.TopicPrefix) {
			continue
		}
		for partition, resp := range parts {
			if resp.Err != nil {
				return nil, resp.Err
			}
			if resp.At < 0 {
				continue
			}
			out[domain.LogPartition{Name: topic[len(m.cfg.TopicPrefix):], Partition: int(partition)}] = resp.At
		}
	}
	return out, nil
}

func (m *Manager) Lag(ctx context.Context, name, group string) (domain.LogLag, error) {
	lags, err := m.LagPerPartition(ctx, name, group)
	if err != nil {
		return domain.LogLag{}, err
	}
	return domain.LagOfPartitions(lags), nil
}

func (m *Manager) LagPerPartition(ctx context.Context, name, group string) ([]domain.LogLag, error) {
	n, err := m.PartitionCount(ctx, name)
	if err != nil {
		return nil, err
	}
	ends, err := m.admin.ListEndOffsets(ctx, m.topic(name))
	if err != nil {
		return nil, err
	}
	committed, err := m.committed(ctx, group)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LogLag, n)
	for i := range out {
		var upper int64
		if lo, ok := ends.Lookup(m.topic(name), int32(i)); ok && lo.Err == nil {
			upper = lo.Offset
		}
		out[i] = domain.LagOf(committed[domain.LogPartition{Name: name, Partition: i}], upper)
	}
	return out, nil
}
