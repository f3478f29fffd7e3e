package processor

import (
	"fmt"
	"time"

	"cascade/internal/computation"
)

// Settings sizes a topology at runtime.
type Settings struct {
	DefaultConcurrency int
	DefaultPartitions  int
	DefaultPolicy      computation.Policy

	// Concurrency is the number of workers per computation.
	Concurrency map[string]int
	// Partitions is the partition count used when creating a stream.
	Partitions map[string]int
	Policies   map[string]computation.Policy

	// PollTimeout bounds how long a worker blocks on an empty log, hence how
	// fast it notices a stop or a rebalance.
	PollTimeout      time.Duration
	RebalanceTimeout time.Duration
	DrainInterval    time.Duration
}

func NewSettings(concurrency, partitions int) Settings {
	return Settings{
		DefaultConcurrency: concurrency,
		DefaultPartitions:  partitions,
		DefaultPolicy:      computation.DefaultPolicy,
		Concurrency:        make(map[string]int),
		Partitions:         make(map[string]int),
		Policies:           make(map[string]computation.Policy),
	}
}

func (s Settings) withDefaults() Settings {
	if s.DefaultConcurrency <= 0 {
		s.DefaultConcurrency = 1
	}
	if s.DefaultPartitions <= 0 {
		s.DefaultPartitions = 1
	}
	if s.DefaultPolicy == (computation.Policy{}) {
		s.DefaultPolicy = computation.DefaultPolicy
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = 200 * time.Millisecond
	}
	if s.RebalanceTimeout <= 0 {
		s.RebalanceTimeout = 30 * time.Second
	}
	if s.DrainInterval <= 0 {
		s.DrainInterval = 50 * time.Millisecond
	}
	return s
}

// WithConcurrency sets the number of workers of a computation.
func (s Settings) WithConcurrency(name string, n int) Settings {
	s.Concurrency = cloneMap(s.Concurrency)
	s.Concurrency[name] = n
	return s
}

func (s Settings) WithPartitions(stream string, n int) Settings {
	s.Partitions = cloneMap(s.Partitions)
	s.Partitions[stream] = n
	return s
}

func (s Settings) WithPolicy(name string, p computation.Policy) Settings {
	s.Policies = cloneMap(s.Policies)
	s.Policies[name] = p
	return s
}

func (s Settings) ConcurrencyOf(name string) int {
	if n, ok := s.Concurrency[name]; ok && n > 0 {
		return n
	}
	return s.DefaultConcurrency
}

func (s Settings) PartitionsOf(stream string) int {
	if n, ok := s.Partitions[stream]; ok && n > 0 {
		return n
	}
	return s.DefaultPartitions
}

func (s Settings) PolicyOf(name string) computation.Policy {
	if p, ok := s.Policies[name]; ok {
		return p
	}
	return s.DefaultPolicy
}

// Validate checks the policy of every computation of the topology.
func (s Settings) Validate(topology *computation.Topology) error {
	for _, name := range topology.Computations() {
		if err := s.PolicyOf(name).Validate(); err != nil {
			return fmt.Errorf("computation %s: %w", name, err)
		}
	}
	return nil
}

// Layout feeds topology renderings.
func (s Settings) Layout(topology *computation.Topology) computation.Layout {
	l := computation.Layout{Concurrency: make(map[string]int), Partitions: make(map[string]int)}
	for _, name := range topology.Computations() {
		l.Concurrency[name] = s.ConcurrencyOf(name)
	}
	for _, stream := range topology.Streams() {
		l.Partitions[stream] = s.PartitionsOf(stream)
	}
	return l
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
