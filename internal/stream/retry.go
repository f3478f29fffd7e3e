package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"cascade/internal/domain"
	"cascade/internal/logger"
)

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *RetryConfig) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
}

// Backoff returns the delay before the given retry (1 based).
func (c RetryConfig) Backoff(retry int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Retrying retries the I/O operations of a Manager and of its tailers with
// exponential backoff. Errors that are not retryable fail fast; exhausted
// retries are reported as *IOError.
type Retrying struct {
	Manager
	cfg RetryConfig
	log zerolog.Logger
}

func WithRetry(m Manager, cfg RetryConfig) *Retrying {
	cfg.withDefaults()
	return &Retrying{Manager: m, cfg: cfg, log: logger.With("stream-retry")}
}

func (r *Retrying) do(ctx context.Context, op, name string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= r.cfg.MaxAttempts {
			return &IOError{Op: op, Stream: name, Attempts: attempt, Err: err}
		}
		delay := r.cfg.Backoff(attempt)
		r.log.Warn().Err(err).Str("op", op).Str("stream", name).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying log operation")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Retrying) Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error) {
	var out domain.LogOffset
	err := r.do(ctx, "append", name, func() error {
		var err error
		out, err = r.Manager.Append(ctx, name, partition, rec)
		return err
	})
	return out, err
}

func (r *Retrying) CreateStream(ctx context.Context, name string, partitions int) (bool, error) {
	var out bool
	err := r.do(ctx, "create", name, func() error {
		var err error
		out, err = r.Manager.CreateStream(ctx, name, partitions)
		return err
	})
	return out, err
}

func (r *Retrying) DeleteStream(ctx context.Context, name string) (bool, error) {
	var out bool
	err := r.do(ctx, "delete", name, func() error {
		var err error
		out, err = r.Manager.DeleteStream(ctx, name)
		return err
	})
	return out, err
}

func (r *Retrying) PartitionCount(ctx context.Context, name string) (int, error) {
	var out int
	err := r.do(ctx, "partitions", name, func() error {
		var err error
		out, err = r.Manager.PartitionCount(ctx, name)
		return err
	})
	return out, err
}

func (r *Retrying) CreateTailer(ctx context.Context, group string, partitions ...domain.LogPartition) (Tailer, error) {
	var out Tailer
	err := r.do(ctx, "tail", group, func() error {
		var err error
		out, err = r.Manager.CreateTailer(ctx, group, partitions...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &retryingTailer{Tailer: out, r: r}, nil
}

type retryingTailer struct {
	Tailer
	r *Retrying
}

func (t *retryingTailer) Read(ctx context.Context, timeout time.Duration) (*domain.LogRecord, error) {
	var out *domain.LogRecord
	err := t.r.do(ctx, "read", t.Group(), func() error {
		var err error
		out, err = t.Tailer.Read(ctx, timeout)
		return err
	})
	return out, err
}

func (t *retryingTailer) Commit(ctx context.Context) error {
	return t.r.do(ctx, "commit", t.Group(), func() error { return t.Tailer.Commit(ctx) })
}

func (t *retryingTailer) CommitPartition(ctx context.Context, partition domain.LogPartition) error {
	return t.r.do(ctx, "commit", partition.String(), func() error { return t.Tailer.CommitPartition(ctx, partition) })
}
