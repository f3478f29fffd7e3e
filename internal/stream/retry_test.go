package stream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"cascade/internal/domain"
)

type flakyManager struct {
	Manager
	appendFn func() (domain.LogOffset, error)
	calls    int
}

func (f *flakyManager) Append(context.Context, string, int, domain.Record) (domain.LogOffset, error) {
	f.calls++
	return f.appendFn()
}

type tempErr struct{}

func (tempErr) Error() string   { return "try again" }
func (tempErr) Temporary() bool { return true }

var fastRetry = RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	f := &flakyManager{}
	f.appendFn = func() (domain.LogOffset, error) {
		if f.calls < 3 {
			return domain.LogOffset{}, tempErr{}
		}
		return domain.LogOffset{Offset: 7}, nil
	}
	off, err := WithRetry(f, fastRetry).Append(context.Background(), "s1", 0, domain.NewRecord("k", nil))
	if err != nil || off.Offset != 7 {
		t.Fatalf("expected success on third attempt, got %v %v", off, err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestRetryExhaustionSurfacesIOError(t *testing.T) {
	f := &flakyManager{appendFn: func() (domain.LogOffset, error) {
		return domain.LogOffset{}, &net.OpError{Op: "dial", Err: errors.New("refused")}
	}}
	_, err := WithRetry(f, fastRetry).Append(context.Background(), "s1", 0, domain.NewRecord("k", nil))
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if ioe.Attempts != 3 || f.calls != 3 || ioe.Op != "append" || ioe.Stream != "s1" {
		t.Fatalf("unexpected IOError %+v after %d calls", ioe, f.calls)
	}
	if IsRetryable(err) {
		t.Fatalf("exhausted error must not be retried again")
	}
}

func TestRetryFailsFastOnPermanentErrors(t *testing.T) {
	f := &flakyManager{appendFn: func() (domain.LogOffset, error) {
		return domain.LogOffset{}, UnknownStreamError("s1")
	}}
	_, err := WithRetry(f, fastRetry).Append(context.Background(), "s1", 0, domain.NewRecord("k", nil))
	if !errors.Is(err, ErrUnknownStream) || f.calls != 1 {
		t.Fatalf("expected a single unknown stream failure, got %v after %d calls", err, f.calls)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Fatalf("retry %d: got %s want %s", i+1, got, w)
		}
	}
}
