// Package bus implements the typed, hash-dispatched event bus: the first of
// the three cores. It is the direct descendant of the teacher's in-memory
// event bus (internal/core/events/bus/eventbus.go, interfaces.go), rebuilt
// around eventkey.Key routing, concurrent fan-out, per-handler failure
// isolation, and the client/server authority boundary instead of the
// teacher's plain string-typed, synchronous-delivery pub/sub.
package bus

import (
	"context"
	"time"

	"github.com/zeusync/gorcd/internal/core/events/propagate"
	"github.com/zeusync/gorcd/internal/core/eventkey"
)

// HandlerFunc is the typed async callable a Handler wraps. It receives the
// shared (or propagator-transformed) EventData and the dispatch context;
// returning an error counts as HandlerFailure without aborting the dispatch.
type HandlerFunc func(ctx context.Context, data eventkey.EventData) error

// Handler describes a registration request.
type Handler struct {
	// Key is the exact StructuredEventKey this handler listens on.
	Key eventkey.Key
	// DeclaredPayloadType names the Go type the handler expects, recorded
	// for registration-time bookkeeping; the bus does not itself decode
	// payloads into it (that is the handler's job), and neither Metrics
	// nor the bus's logs report it.
	DeclaredPayloadType string
	// PluginName identifies the owning plugin, empty for core handlers.
	// Propagators receive it in propagate.HandlerInfo. The Plugin Host
	// mass-unregisters a plugin's handlers on Draining by the handler ids
	// it recorded at registration, not by this name.
	PluginName string
	// Propagator filters/transforms this handler's deliveries. Nil means
	// propagate.ExactMatch, the specification's default.
	Propagator propagate.Propagator
	// Fn is invoked once per passing emission.
	Fn HandlerFunc
}

// Metrics is a snapshot of the bus's dispatch statistics, updated on every
// emission regardless of whether an Observer is registered (cheap atomic
// counters), mirroring spec.md §4.1 step 5.
type Metrics struct {
	EventsEmitted    uint64
	EventsHandled    uint64
	HandlerFailures  uint64
	HandlerPanics    uint64
	HandlerTimeouts  uint64
	AuthorityDrops   uint64
	SerializeFailed  uint64
	HandlersActive   uint64
	AvgDispatchNanos int64
}

// Observer receives a callback per emission and per completed dispatch. It
// must return quickly; observers are only invoked when at least one is
// registered, following the teacher's obsCount-gated metrics pattern
// (internal/core/events/bus/eventbus.go's deliver).
type Observer interface {
	OnEmit(key eventkey.Key)
	OnDispatched(key eventkey.Key, handlerCount, failures int, duration time.Duration)
}

// Bus is the typed event bus contract from spec.md §4.1.
type Bus interface {
	// Register adds a handler and returns its HandlerId. Idempotent by id;
	// never blocks emissions beyond a brief per-shard lock.
	Register(h Handler) (string, error)
	// Unregister removes a handler. Any in-flight dispatch to it still
	// completes; a subsequent Unregister of the same id is a no-op.
	Unregister(id string) error
	// Emit serializes payload once and dispatches it under a default,
	// non-network Context.
	Emit(key eventkey.Key, payload any) error
	// EmitWithContext is Emit with caller-supplied metadata that
	// propagators and the authority check may read.
	EmitWithContext(key eventkey.Key, payload any, ctx eventkey.Context) error

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	Metrics() Metrics

	// Close waits for in-flight dispatches to finish and releases
	// resources. Registrations and emissions after Close return
	// apperr.ErrHostClosed.
	Close()
}
