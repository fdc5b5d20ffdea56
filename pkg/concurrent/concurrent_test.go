package concurrent

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/pkg/sequence"
)

func TestConcurrentBoundsInFlightGoroutines(t *testing.T) {
	const n = 50
	const limit = 4

	values := make([]int, n)
	for i := range values {
		values[i] = i
	}

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	err := Concurrent(sequence.From(values), limit, nil, func(int) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		return nil
	})

	require.NoError(t, err)
	require.LessOrEqual(t, int(maxInFlight.Load()), limit)
}

func TestConcurrentReturnsFirstError(t *testing.T) {
	values := []int{1, 2, 3}
	boom := errors.New("boom")

	err := Concurrent(sequence.From(values), 2, nil, func(v int) error {
		if v == 2 {
			return boom
		}
		return nil
	})

	require.ErrorIs(t, err, boom)
}

func TestConcurrentInvokesOnScheduledBeforeReturning(t *testing.T) {
	values := []int{1, 2, 3}
	var scheduled atomic.Bool

	err := Concurrent(sequence.From(values), 0, func() { scheduled.Store(true) }, func(int) error {
		return nil
	})

	require.NoError(t, err)
	require.True(t, scheduled.Load())
}
