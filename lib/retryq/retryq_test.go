package retryq_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taxscan/tax-indexer/lib/retryq"
)

func TestPopEmptyQueue(t *testing.T) {
	q := retryq.New[string](retryq.Linear(time.Minute))
	_, ok := q.Pop()
	require.False(t, ok)
	require.Zero(t, q.Size())
}

func TestFirstFailureIsImmediatelyReady(t *testing.T) {
	q := retryq.New[string](retryq.Linear(time.Hour))
	q.Push("gap", 0)

	item, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "gap", item.Value)
	require.Equal(t, 1, item.Retries)
}

func TestBackoffDelaysVisibility(t *testing.T) {
	q := retryq.New[string](retryq.Linear(time.Hour))
	q.Push("gap", 1)

	_, ok := q.Pop()
	require.False(t, ok, "one failed retry means an hour of backoff")
	require.Equal(t, 1, q.Size())
}

func TestPopAnyIgnoresBackoff(t *testing.T) {
	q := retryq.New[string](retryq.Linear(time.Hour))
	q.Push("gap", 2)

	_, ok := q.Pop()
	require.False(t, ok, "still backing off")

	item, ok := q.PopAny()
	require.True(t, ok)
	require.Equal(t, "gap", item.Value)
	require.Equal(t, 3, item.Retries)
	require.Zero(t, q.Size())

	_, ok = q.PopAny()
	require.False(t, ok)
}

func TestOrderedByReadiness(t *testing.T) {
	q := retryq.New[string](retryq.Linear(time.Millisecond))
	q.Push("slow", 3)
	q.Push("fast", 0)

	item, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "fast", item.Value)

	require.Eventually(t, func() bool {
		item, ok = q.Pop()
		return ok
	}, time.Second, time.Millisecond)
	require.Equal(t, "slow", item.Value)
}

func TestRetriesAccumulateAcrossRoundTrips(t *testing.T) {
	q := retryq.New[int](retryq.Linear(0))
	q.Push(42, 0)

	for want := 1; want <= 3; want++ {
		item, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, item.Retries)
		q.Push(item.Value, item.Retries)
	}
}
