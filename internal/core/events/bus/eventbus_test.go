package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/internal/core/apperr"
	"github.com/zeusync/gorcd/internal/core/events/propagate"
	"github.com/zeusync/gorcd/internal/core/eventkey"
)

func TestRegisterAndEmitExactMatch(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewCore("tick")
	var got atomic.Int32
	_, err := b.Register(Handler{
		Key: key,
		Fn: func(_ context.Context, data eventkey.EventData) error {
			got.Add(1)
			require.Equal(t, []byte("hello"), data.Payload)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(key, []byte("hello")))
	require.Equal(t, int32(1), got.Load())

	// a differently-shaped key must not receive this emission.
	other := eventkey.NewCore("other")
	_, err = b.Register(Handler{
		Key: other,
		Fn: func(context.Context, eventkey.EventData) error {
			t.Fatal("handler on unrelated key must not be invoked")
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, b.Emit(key, []byte("again")))
	require.Equal(t, int32(2), got.Load())
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewClient("lobby", "chat")
	var calls atomic.Int32
	id, err := b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			calls.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(key, nil))
	require.Equal(t, int32(1), calls.Load())

	require.NoError(t, b.Unregister(id))
	require.NoError(t, b.Emit(key, nil))
	require.Equal(t, int32(1), calls.Load())
}

func TestAuthorityViolationRejectsNetworkSourcedCoreKey(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewCore("shutdown")
	var called atomic.Bool
	_, err := b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			called.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	err = b.EmitWithContext(key, nil, eventkey.Context{Source: eventkey.SourceNetwork})
	require.ErrorIs(t, err, apperr.ErrAuthorityViolation)
	require.False(t, called.Load())
	require.Equal(t, uint64(1), b.Metrics().AuthorityDrops)
}

func TestAuthorityAllowsNetworkSourcedClientKey(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewClient("lobby", "chat")
	var called atomic.Bool
	_, err := b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			called.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	err = b.EmitWithContext(key, nil, eventkey.Context{Source: eventkey.SourceNetwork})
	require.NoError(t, err)
	require.True(t, called.Load())
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewCore("boom")
	var survivorCalled atomic.Bool
	_, err := b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			panic("handler exploded")
		},
	})
	require.NoError(t, err)
	_, err = b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			survivorCalled.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(key, nil))
	require.True(t, survivorCalled.Load())
	require.Equal(t, uint64(1), b.Metrics().HandlerPanics)
}

func TestHandlerErrorIsCountedWithoutAbortingOthers(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewCore("partial_fail")
	var okCalled atomic.Bool
	_, err := b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			return apperr.ErrBackpressureDropped
		},
	})
	require.NoError(t, err)
	_, err = b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			okCalled.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(key, nil))
	require.True(t, okCalled.Load())
	require.Equal(t, uint64(1), b.Metrics().HandlerFailures)
}

func TestPropagatorGatesDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewGorcInstance("player", 1, "position")
	var calls atomic.Int32
	_, err := b.Register(Handler{
		Key:        key,
		Propagator: propagate.NamespaceFilter{Block: map[eventkey.Kind]bool{eventkey.GorcInstance: true}},
		Fn: func(context.Context, eventkey.EventData) error {
			calls.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(key, nil))
	require.Equal(t, int32(0), calls.Load())
}

func TestConcurrentEmitsOnSameKeyAllObserved(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewCore("counter")
	var total atomic.Int32
	_, err := b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			total.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, b.Emit(key, nil))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(n), total.Load())
	require.Equal(t, uint64(n), b.Metrics().EventsEmitted)
}

func TestEmitAfterCloseReturnsErrHostClosed(t *testing.T) {
	b := New(nil)
	b.Close()

	key := eventkey.NewCore("after_close")
	err := b.Emit(key, nil)
	require.ErrorIs(t, err, apperr.ErrHostClosed)
}

func TestObserverReceivesCallbacks(t *testing.T) {
	b := New(nil)
	defer b.Close()

	key := eventkey.NewCore("observed")
	obs := &recordingObserver{}
	b.AddObserver(obs)

	_, err := b.Register(Handler{
		Key: key,
		Fn: func(context.Context, eventkey.EventData) error {
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(key, nil))

	require.Eventually(t, func() bool {
		return obs.emits.Load() == 1 && obs.dispatches.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

type recordingObserver struct {
	emits      atomic.Int32
	dispatches atomic.Int32
}

func (o *recordingObserver) OnEmit(eventkey.Key) { o.emits.Add(1) }
func (o *recordingObserver) OnDispatched(eventkey.Key, int, int, time.Duration) {
	o.dispatches.Add(1)
}
