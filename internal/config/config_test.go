package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cascade/internal/builtin"
	"cascade/internal/computation"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("CASCADE_STREAM_BACKEND", "sqlite")
	t.Setenv("CASCADE_LOG_LEVEL", "debug")

	path := writeConfig(t, "cascade.yaml", `
server:
  node_id: n1
stream:
  backend: memory
  sqlite:
    dir: /tmp/cascade
processor:
  default_concurrency: 2
  default_partitions: 4
  concurrency:
    forward: 3
  partitions:
    output: 8
policies:
  forward:
    batch_capacity: 10
    max_retries: 2
topology:
  computations:
    - name: generator
      kind: generator
      bindings: ["o1:input"]
      options:
        records: 5
        interval: 5ms
    - name: forward
      kind: forward
      bindings: ["i1:input", "o1:output"]
ingest:
  socket:
    enabled: true
    address: 127.0.0.1:0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Stream.Backend != BackendSQLite {
		t.Fatalf("expected env override of the backend, got %q", cfg.Stream.Backend)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if !cfg.Ingest.Socket.Enabled || cfg.Ingest.Socket.Address != "127.0.0.1:0" {
		t.Fatalf("unexpected socket config %+v", cfg.Ingest.Socket)
	}

	p := cfg.Policies["forward"]
	if p.BatchCapacity != 10 || p.MaxRetries != 2 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if p.BatchThreshold != computation.DefaultPolicy.BatchThreshold || p.RetryDelay != computation.DefaultPolicy.RetryDelay {
		t.Fatalf("unset policy fields should come from the default policy, got %+v", p)
	}

	topology, err := builtin.Topology(cfg.Topology.Computations)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	s := cfg.Settings(topology)
	if s.ConcurrencyOf("forward") != 3 || s.ConcurrencyOf("generator") != 2 {
		t.Fatalf("unexpected concurrency forward=%d generator=%d", s.ConcurrencyOf("forward"), s.ConcurrencyOf("generator"))
	}
	if s.PartitionsOf("output") != 8 || s.PartitionsOf("input") != 4 {
		t.Fatalf("unexpected partitions output=%d input=%d", s.PartitionsOf("output"), s.PartitionsOf("input"))
	}
	if s.PolicyOf("forward").BatchCapacity != 10 || s.PolicyOf("generator").BatchCapacity != 1 {
		t.Fatalf("unexpected policies %v %v", s.PolicyOf("forward"), s.PolicyOf("generator"))
	}
	if s.PollTimeout != 200*time.Millisecond {
		t.Fatalf("unexpected poll timeout %v", s.PollTimeout)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "cascade.toml", `
[server]
node_id = "n2"

[stream]
backend = "raft"
codec = "msgpack"
compression = "lz4"

[stream.raft]
node_id = 2
bootstrap = true

[stream.raft.peers]
"1" = "127.0.0.1:7001"
"2" = "127.0.0.1:7002"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Server.NodeID != "n2" {
		t.Fatalf("unexpected node id: %q", cfg.Server.NodeID)
	}
	peers, err := cfg.Stream.Raft.PeerAddresses()
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 2 || peers[2] != "127.0.0.1:7002" {
		t.Fatalf("unexpected peers %v", peers)
	}
	if cfg.Stream.Codec != "msgpack" || cfg.Stream.Compression != "lz4" || cfg.Stream.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected stream config %+v", cfg.Stream)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:    ServerConfig{NodeID: "n1"},
			Stream:    StreamConfig{Backend: BackendMemory},
			Processor: ProcessorConfig{DefaultConcurrency: 1, DefaultPartitions: 1, DefaultPolicy: computation.DefaultPolicy},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cases := map[string]func(*Config){
		"missing node id":  func(c *Config) { c.Server.NodeID = "" },
		"unknown backend":  func(c *Config) { c.Stream.Backend = "redis" },
		"kafka no brokers": func(c *Config) { c.Stream.Backend = BackendKafka },
		"raft peers without self": func(c *Config) {
			c.Stream.Backend = BackendRaft
			c.Stream.Raft = RaftConfig{NodeID: 3, Peers: map[string]string{"1": "a", "2": "b"}}
		},
		"bad policy": func(c *Config) {
			c.Policies = map[string]computation.Policy{"c1": {BatchCapacity: 0, BatchThreshold: time.Second}}
		},
		"zero partitions": func(c *Config) { c.Processor.DefaultPartitions = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
