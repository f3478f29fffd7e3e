package computation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyBuilder(t *testing.T) {
	p, err := NewPolicy().Batch(10, 50*time.Millisecond).Retry(3, time.Millisecond).ContinueOnFailure("dlq").Build()
	require.NoError(t, err)
	require.Equal(t, 10, p.BatchCapacity)
	require.Equal(t, 4, p.Attempts())
	require.True(t, p.ContinueOnFailure)
	require.Equal(t, "dlq", p.DeadLetterStream)
	require.NoError(t, DefaultPolicy.Validate())
}

func TestPolicyValidation(t *testing.T) {
	bad := []Policy{
		{BatchCapacity: 0, BatchThreshold: time.Second},
		{BatchCapacity: 1, BatchThreshold: 0},
		{BatchCapacity: 1, BatchThreshold: time.Second, MaxRetries: -1},
		{BatchCapacity: 1, BatchThreshold: time.Second, RetryDelay: -time.Second},
		{BatchCapacity: 1, BatchThreshold: time.Second, DeadLetterStream: "dlq"},
	}
	for _, p := range bad {
		require.ErrorIs(t, p.Validate(), ErrInvalidPolicy, "%s", p)
	}
	_, err := NewPolicy().Batch(0, time.Second).Build()
	require.ErrorIs(t, err, ErrInvalidPolicy)
}
