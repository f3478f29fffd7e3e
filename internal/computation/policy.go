package computation

import (
	"fmt"
	"time"
)

// Policy drives batching and failure handling of a computation. One value is
// shared by every worker of the computation.
//
// A batch counts input records processed since the last checkpoint. It is
// flushed and checkpointed once BatchCapacity records were processed or
// BatchThreshold elapsed since the first record of the batch.
//
// A failing handler is invoked MaxRetries+1 times, RetryDelay apart. On
// exhaustion SkipFailure checkpoints past the record, ContinueOnFailure moves
// on in degraded mode after sending the record to DeadLetterStream (if any),
// and otherwise the worker halts without checkpointing.
type Policy struct {
	BatchCapacity     int           `mapstructure:"batch_capacity" yaml:"batchCapacity"`
	BatchThreshold    time.Duration `mapstructure:"batch_threshold" yaml:"batchThreshold"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"maxRetries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retryDelay"`
	ContinueOnFailure bool          `mapstructure:"continue_on_failure" yaml:"continueOnFailure"`
	SkipFailure       bool          `mapstructure:"skip_failure" yaml:"skipFailure"`
	DeadLetterStream  string        `mapstructure:"dead_letter_stream" yaml:"deadLetterStream,omitempty"`
}

// DefaultPolicy checkpoints every record and halts on the first failure.
var DefaultPolicy = Policy{
	BatchCapacity:  1,
	BatchThreshold: time.Second,
	MaxRetries:     0,
	RetryDelay:     time.Second,
}

func (p Policy) Validate() error {
	if p.BatchCapacity < 1 {
		return fmt.Errorf("%w: batch capacity must be >= 1, got %d", ErrInvalidPolicy, p.BatchCapacity)
	}
	if p.BatchThreshold <= 0 {
		return fmt.Errorf("%w: batch threshold must be positive, got %s", ErrInvalidPolicy, p.BatchThreshold)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidPolicy, p.MaxRetries)
	}
	if p.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must be >= 0, got %s", ErrInvalidPolicy, p.RetryDelay)
	}
	if p.DeadLetterStream != "" && !p.ContinueOnFailure {
		return fmt.Errorf("%w: dead letter stream %q requires continue on failure", ErrInvalidPolicy, p.DeadLetterStream)
	}
	return nil
}

// Attempts is the number of times a failing invocation is tried.
func (p Policy) Attempts() int { return p.MaxRetries + 1 }

func (p Policy) String() string {
	return fmt.Sprintf("Policy{batch=%d/%s, retries=%d/%s, continue=%t, skip=%t}",
		p.BatchCapacity, p.BatchThreshold, p.MaxRetries, p.RetryDelay, p.ContinueOnFailure, p.SkipFailure)
}

// PolicyBuilder starts from DefaultPolicy.
type PolicyBuilder struct {
	p Policy
}

func NewPolicy() *PolicyBuilder { return &PolicyBuilder{p: DefaultPolicy} }

func (b *PolicyBuilder) Batch(capacity int, threshold time.Duration) *PolicyBuilder {
	b.p.BatchCapacity, b.p.BatchThreshold = capacity, threshold
	return b
}

func (b *PolicyBuilder) Retry(maxRetries int, delay time.Duration) *PolicyBuilder {
	b.p.MaxRetries, b.p.RetryDelay = maxRetries, delay
	return b
}

func (b *PolicyBuilder) ContinueOnFailure(deadLetterStream string) *PolicyBuilder {
	b.p.ContinueOnFailure, b.p.DeadLetterStream = true, deadLetterStream
	return b
}

func (b *PolicyBuilder) SkipFailure() *PolicyBuilder {
	b.p.SkipFailure = true
	return b
}

func (b *PolicyBuilder) Build() (Policy, error) {
	if err := b.p.Validate(); err != nil {
		return Policy{}, err
	}
	return b.p, nil
}
