// Package config loads the daemon configuration from a file with CASCADE_*
// environment overrides.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cascade/internal/builtin"
	"cascade/internal/computation"
	kafkaingest "cascade/internal/ingest/kafka"
	"cascade/internal/ingest/rabbitmq"
	"cascade/internal/ingest/socket"
	"cascade/internal/processor"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendKafka  = "kafka"
	BackendRaft   = "raft"
)

type Config struct {
	Server    ServerConfig                  `mapstructure:"server"`
	Log       LogConfig                     `mapstructure:"log"`
	Stream    StreamConfig                  `mapstructure:"stream"`
	Processor ProcessorConfig               `mapstructure:"processor"`
	Policies  map[string]computation.Policy `mapstructure:"policies"`
	Topology  TopologyConfig                `mapstructure:"topology"`
	Ingest    IngestConfig                  `mapstructure:"ingest"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StreamConfig struct {
	Backend     string       `mapstructure:"backend"`
	Codec       string       `mapstructure:"codec"`
	Compression string       `mapstructure:"compression"`
	Retry       RetryConfig  `mapstructure:"retry"`
	SQLite      SQLiteConfig `mapstructure:"sqlite"`
	Kafka       KafkaConfig  `mapstructure:"kafka"`
	Raft        RaftConfig   `mapstructure:"raft"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type SQLiteConfig struct {
	Dir          string        `mapstructure:"dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type KafkaConfig struct {
	Brokers           []string       `mapstructure:"brokers"`
	ClientID          string         `mapstructure:"client_id"`
	TopicPrefix       string         `mapstructure:"topic_prefix"`
	ReplicationFactor int16          `mapstructure:"replication_factor"`
	TLS               KafkaTLSConfig `mapstructure:"tls"`
	FetchMaxWait      time.Duration  `mapstructure:"fetch_max_wait"`
}

type KafkaTLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// RaftConfig describes this node and its peers. Peers maps a node id to its
// address and must contain this node.
type RaftConfig struct {
	NodeID          uint64            `mapstructure:"node_id"`
	Address         string            `mapstructure:"address"`
	Peers           map[string]string `mapstructure:"peers"`
	Bootstrap       bool              `mapstructure:"bootstrap"`
	TickInterval    time.Duration     `mapstructure:"tick_interval"`
	ProposalTimeout time.Duration     `mapstructure:"proposal_timeout"`
}

type ProcessorConfig struct {
	DefaultConcurrency int                `mapstructure:"default_concurrency"`
	DefaultPartitions  int                `mapstructure:"default_partitions"`
	DefaultPolicy      computation.Policy `mapstructure:"default_policy"`
	PollTimeout        time.Duration      `mapstructure:"poll_timeout"`
	RebalanceTimeout   time.Duration      `mapstructure:"rebalance_timeout"`
	DrainInterval      time.Duration      `mapstructure:"drain_interval"`
	Concurrency        map[string]int     `mapstructure:"concurrency"`
	Partitions         map[string]int     `mapstructure:"partitions"`
}

type TopologyConfig struct {
	Computations []builtin.Spec `mapstructure:"computations"`
}

type IngestConfig struct {
	Socket   socket.Config      `mapstructure:"socket"`
	RabbitMQ rabbitmq.Config    `mapstructure:"rabbitmq"`
	Kafka    kafkaingest.Config `mapstructure:"kafka"`
}

var policyKeys = []string{"batch_capacity", "batch_threshold", "max_retries", "retry_delay", "continue_on_failure", "skip_failure"}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("cascade")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	// A computation policy only overrides what it names.
	for name := range v.GetStringMap("policies") {
		for _, key := range policyKeys {
			v.SetDefault("policies."+name+"."+key, v.Get("processor.default_policy."+key))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "cascade-1")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("stream.backend", BackendMemory)
	v.SetDefault("stream.codec", "proto")
	v.SetDefault("stream.compression", "none")
	v.SetDefault("stream.retry.max_attempts", 5)
	v.SetDefault("stream.retry.initial_backoff", 50*time.Millisecond)
	v.SetDefault("stream.retry.max_backoff", 2*time.Second)
	v.SetDefault("stream.sqlite.dir", "data")
	v.SetDefault("stream.sqlite.poll_interval", 100*time.Millisecond)
	v.SetDefault("stream.kafka.topic_prefix", "cascade.")
	v.SetDefault("stream.raft.node_id", 1)
	v.SetDefault("stream.raft.tick_interval", 20*time.Millisecond)
	v.SetDefault("stream.raft.proposal_timeout", 5*time.Second)

	p := computation.DefaultPolicy
	v.SetDefault("processor.default_concurrency", 1)
	v.SetDefault("processor.default_partitions", 1)
	v.SetDefault("processor.poll_timeout", 200*time.Millisecond)
	v.SetDefault("processor.rebalance_timeout", 30*time.Second)
	v.SetDefault("processor.drain_interval", 50*time.Millisecond)
	v.SetDefault("processor.default_policy.batch_capacity", p.BatchCapacity)
	v.SetDefault("processor.default_policy.batch_threshold", p.BatchThreshold)
	v.SetDefault("processor.default_policy.max_retries", p.MaxRetries)
	v.SetDefault("processor.default_policy.retry_delay", p.RetryDelay)
	v.SetDefault("processor.default_policy.continue_on_failure", false)
	v.SetDefault("processor.default_policy.skip_failure", false)

	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7400")
	v.SetDefault("ingest.socket.max_inflight", 64)
	v.SetDefault("ingest.socket.max_frame_size", socket.DefaultMaxFrameSize)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 16)
	v.SetDefault("ingest.rabbitmq.manual_ack", true)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 64)
	v.SetDefault("ingest.rabbitmq.parser.format", "raw")
	v.SetDefault("ingest.kafka.parse_mode", kafkaingest.ParseModeRaw)
	v.SetDefault("ingest.kafka.codec", "proto")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Stream.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Stream.SQLite.Dir == "" {
			return fmt.Errorf("stream.sqlite.dir is required")
		}
	case BackendKafka:
		if len(c.Stream.Kafka.Brokers) == 0 {
			return fmt.Errorf("stream.kafka.brokers is required")
		}
	case BackendRaft:
		if _, err := c.Stream.Raft.PeerAddresses(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("stream.backend %q is not one of memory, sqlite, kafka, raft", c.Stream.Backend)
	}
	if c.Processor.DefaultConcurrency < 1 || c.Processor.DefaultPartitions < 1 {
		return fmt.Errorf("processor default_concurrency and default_partitions must be >= 1")
	}
	if err := c.Processor.DefaultPolicy.Validate(); err != nil {
		return fmt.Errorf("processor.default_policy: %w", err)
	}
	for name, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policies.%s: %w", name, err)
		}
	}
	if err := c.Ingest.RabbitMQ.Validate(); err != nil {
		return err
	}
	return c.Ingest.Kafka.Validate()
}

// PeerAddresses parses the peer ids.
func (c RaftConfig) PeerAddresses() (map[uint64]string, error) {
	if len(c.Peers) == 0 {
		if c.Address == "" {
			return nil, fmt.Errorf("stream.raft.address or stream.raft.peers is required")
		}
		return map[uint64]string{c.NodeID: c.Address}, nil
	}
	out := make(map[uint64]string, len(c.Peers))
	for id, addr := range c.Peers {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("stream.raft.peers: invalid node id %q", id)
		}
		out[n] = addr
	}
	if _, ok := out[c.NodeID]; !ok {
		return nil, fmt.Errorf("stream.raft.peers must contain node %d", c.NodeID)
	}
	return out, nil
}

// Settings sizes the topology. Configuration keys are case insensitive, so
// computation and stream names are looked up lower cased.
func (c Config) Settings(topology *computation.Topology) processor.Settings {
	s := processor.NewSettings(c.Processor.DefaultConcurrency, c.Processor.DefaultPartitions)
	s.DefaultPolicy = c.Processor.DefaultPolicy
	s.PollTimeout = c.Processor.PollTimeout
	s.RebalanceTimeout = c.Processor.RebalanceTimeout
	s.DrainInterval = c.Processor.DrainInterval
	for _, name := range topology.Computations() {
		if n, ok := lookup(c.Processor.Concurrency, name); ok {
			s = s.WithConcurrency(name, n)
		}
		if p, ok := lookup(c.Policies, name); ok {
			s = s.WithPolicy(name, p)
		}
	}
	for _, name := range topology.Streams() {
		if n, ok := lookup(c.Processor.Partitions, name); ok {
			s = s.WithPartitions(name, n)
		}
	}
	return s
}

func lookup[V any](m map[string]V, name string) (V, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(name)]
	return v, ok
}
