package cli

import (
	"context"
	"fmt"

	"cascade/internal/codec"
	"cascade/internal/config"
	"cascade/internal/stream"
	"cascade/internal/stream/kafka"
	"cascade/internal/stream/memory"
	"cascade/internal/stream/raftlog"
	"cascade/internal/stream/sqlite"
)

// openManager builds the configured log provider wrapped with retries.
func openManager(ctx context.Context, cfg config.StreamConfig) (stream.Manager, error) {
	var m stream.Manager
	switch cfg.Backend {
	case config.BackendMemory:
		m = memory.NewManager()
	case config.BackendSQLite:
		s, err := sqlite.NewManager(sqlite.Config{Dir: cfg.SQLite.Dir, PollInterval: cfg.SQLite.PollInterval})
		if err != nil {
			return nil, err
		}
		m = s
	case config.BackendKafka:
		c, err := codec.New(cfg.Codec, cfg.Compression)
		if err != nil {
			return nil, err
		}
		k, err := kafka.NewManager(kafka.Config{
			Brokers:           cfg.Kafka.Brokers,
			ClientID:          cfg.Kafka.ClientID,
			TopicPrefix:       cfg.Kafka.TopicPrefix,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
			TLS:               kafka.TLSConfig{Enabled: cfg.Kafka.TLS.Enabled, InsecureSkipVerify: cfg.Kafka.TLS.InsecureSkipVerify},
			Fetch:             kafka.FetchConfig{MaxWait: cfg.Kafka.FetchMaxWait},
			Codec:             c,
		})
		if err != nil {
			return nil, err
		}
		m = k
	case config.BackendRaft:
		peers, err := cfg.Raft.PeerAddresses()
		if err != nil {
			return nil, err
		}
		listen := cfg.Raft.Address
		if listen == "" {
			listen = peers[cfg.Raft.NodeID]
		}
		r, err := raftlog.NewManager(raftlog.Config{
			NodeID:              cfg.Raft.NodeID,
			Address:             listen,
			PeerAddresses:       peers,
			TickInterval:        cfg.Raft.TickInterval,
			ProposalTimeout:     cfg.Raft.ProposalTimeout,
			BootstrapNewCluster: cfg.Raft.Bootstrap,
		})
		if err != nil {
			return nil, err
		}
		if err := r.WaitReady(ctx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("raft log not ready: %w", err)
		}
		m = r
	default:
		return nil, fmt.Errorf("unknown stream backend %q", cfg.Backend)
	}
	return stream.WithRetry(m, stream.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}), nil
}
