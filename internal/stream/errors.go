package stream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"cascade/internal/hashroute"
)

var (
	ErrUnknownStream    = errors.New("unknown stream")
	ErrInvalidPartition = errors.New("invalid partition")
	ErrClosed           = errors.New("stream manager closed")
	ErrTailerClosed     = errors.New("tailer closed")
	ErrNotAssigned      = errors.New("partition not assigned to tailer")
	ErrNotLeader        = errors.New("log leader required")
)

// IOError is surfaced once the retry budget of an operation is exhausted.
type IOError struct {
	Op       string
	Stream   string
	Attempts int
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Stream, e.Attempts, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type temporary interface{ Temporary() bool }

type timeout interface{ Timeout() bool }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, permanent := range []error{ErrUnknownStream, ErrInvalidPartition, ErrClosed, ErrTailerClosed, ErrNotAssigned} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}
	var to timeout
	if errors.As(err, &to) {
		return to.Timeout()
	}
	return errors.Is(err, ErrNotLeader)
}

func UnknownStreamError(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownStream, name)
}

func InvalidPartitionError(name string, partition, partitions int) error {
	return fmt.Errorf("%w: %s has %d partition(s), got %d", ErrInvalidPartition, name, partitions, partition)
}

func partitionFor(key string, partitions int) int {
	return hashroute.PartitionForKey(key, partitions)
}
