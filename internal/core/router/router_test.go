package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/internal/core/events/bus"
	"github.com/zeusync/gorcd/internal/core/eventkey"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

type fakeResolver struct {
	types map[string]string
}

func (f *fakeResolver) ResolveObjectType(id string) (string, bool) {
	t, ok := f.types[id]
	return t, ok
}

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSender) SendFrame(data []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

// TestClientEventDispatchesExactMatch mirrors S1: a well-formed client_event
// envelope reaches a handler registered on the exact Client{namespace,event}
// key.
func TestClientEventDispatchesExactMatch(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	received := make(chan eventkey.EventData, 1)
	_, err := b.Register(bus.Handler{
		Key: eventkey.NewClient("chat", "say"),
		Fn: func(_ context.Context, data eventkey.EventData) error {
			received <- data
			return nil
		},
	})
	require.NoError(t, err)

	r := New(b, &fakeResolver{}, 0, nil, log.Provide())
	envelope := map[string]any{
		"type":      "client_event",
		"namespace": "chat",
		"event":     "say",
		"data":      map[string]string{"msg": "hi"},
	}
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)

	require.NoError(t, r.HandleInbound("conn1", raw, nil))

	select {
	case data := <-received:
		require.Contains(t, string(data.Payload), "hi")
	default:
		t.Fatal("handler was not invoked")
	}
}

// TestGorcEventResolvesObjectTypeAndDispatches covers the object_id ->
// object_type resolution step spec.md §4.7 requires for gorc_event.
func TestGorcEventResolvesObjectTypeAndDispatches(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	received := make(chan eventkey.EventData, 1)
	_, err := b.Register(bus.Handler{
		Key: eventkey.NewGorcClient("Tank", 1, "fire"),
		Fn: func(_ context.Context, data eventkey.EventData) error {
			received <- data
			return nil
		},
	})
	require.NoError(t, err)

	resolver := &fakeResolver{types: map[string]string{"obj-1": "Tank"}}
	r := New(b, resolver, 0, nil, log.Provide())

	raw, err := json.Marshal(map[string]any{
		"type":      "gorc_event",
		"object_id": "obj-1",
		"channel":   1,
		"event":     "fire",
		"data":      map[string]any{"target": "north"},
	})
	require.NoError(t, err)

	require.NoError(t, r.HandleInbound("conn1", raw, nil))

	select {
	case <-received:
	default:
		t.Fatal("handler was not invoked")
	}
}

// TestAuthorityViolationRejectsServerKeyspaceType mirrors S3.
func TestAuthorityViolationRejectsServerKeyspaceType(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	r := New(b, &fakeResolver{}, 0, nil, log.Provide())
	sender := &fakeSender{}

	raw, err := json.Marshal(map[string]any{
		"type":  "core_event",
		"event": "tick",
	})
	require.NoError(t, err)

	err = r.HandleInbound("conn1", raw, sender)
	require.Error(t, err)
	require.Len(t, sender.frames, 1)
	require.Equal(t, uint64(1), r.InboundDropped())
}

func TestChannelOutOfRangeIsRejected(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	resolver := &fakeResolver{types: map[string]string{"obj-1": "Tank"}}
	r := New(b, resolver, 0, nil, log.Provide())

	raw, err := json.Marshal(map[string]any{
		"type":      "gorc_event",
		"object_id": "obj-1",
		"channel":   9,
		"event":     "fire",
	})
	require.NoError(t, err)

	err = r.HandleInbound("conn1", raw, nil)
	require.Error(t, err)
}

func TestOversizedEnvelopeIsRejected(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	r := New(b, &fakeResolver{}, 8, nil, log.Provide())

	err := r.HandleInbound("conn1", []byte(`{"type":"client_event","namespace":"a","event":"b"}`), nil)
	require.Error(t, err)
}

func TestRateLimiterRejectsAfterBudgetExhausted(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	limiter := &alwaysDenyLimiter{}
	r := New(b, &fakeResolver{}, 0, limiter, log.Provide())

	raw, _ := json.Marshal(map[string]any{"type": "client_event", "namespace": "a", "event": "b"})
	err := r.HandleInbound("conn1", raw, nil)
	require.Error(t, err)
}

type alwaysDenyLimiter struct{}

func (alwaysDenyLimiter) Allow(string) bool { return false }
