// Package propagate implements the Propagator capability set consulted by
// the event bus for every (event-key, handler, context) tuple before
// dispatch, generalizing the teacher's EventFilter predicate
// (internal/core/events/bus/interfaces.go) into the should-propagate /
// transform-event pair spec.md §4.2 requires.
//
// Propagators are pure: they read only the Context and HandlerInfo they are
// given (plus, for ChannelRate, their own internal rate-tracking state under
// a mutex) and perform no I/O.
package propagate

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/zeusync/gorcd/internal/core/eventkey"
)

// HandlerInfo is the subset of a registered handler's identity a Propagator
// is allowed to see.
type HandlerInfo struct {
	ID         string
	Key        eventkey.Key
	PluginName string
}

// Propagator decides, per (key, context, handler), whether a handler should
// receive an emission, and may attach a per-handler transformation of the
// payload.
type Propagator interface {
	ShouldPropagate(ctx eventkey.Context, handler HandlerInfo) bool
	TransformEvent(ctx eventkey.Context, handler HandlerInfo, data eventkey.EventData) eventkey.EventData
}

// passthrough implements TransformEvent as a no-op; concrete propagators
// embed it unless they need to attach metadata.
type passthrough struct{}

func (passthrough) TransformEvent(_ eventkey.Context, _ HandlerInfo, data eventkey.EventData) eventkey.EventData {
	return data
}

// ExactMatch is the default propagator: a handler receives an emission iff
// its registered key structurally equals the event key.
type ExactMatch struct{ passthrough }

func (ExactMatch) ShouldPropagate(ctx eventkey.Context, handler HandlerInfo) bool {
	return ctx.Key == handler.Key
}

// Broadcast always propagates, regardless of key.
type Broadcast struct{ passthrough }

func (Broadcast) ShouldPropagate(eventkey.Context, HandlerInfo) bool { return true }

// NamespaceFilter allows or blocks by the first-level tag (Kind) of the
// event key. An explicit block is authoritative over an explicit allow for
// the same Kind; if no allow set is configured, every non-blocked Kind
// passes.
type NamespaceFilter struct {
	passthrough
	Allow map[eventkey.Kind]bool
	Block map[eventkey.Kind]bool
}

func (f NamespaceFilter) ShouldPropagate(ctx eventkey.Context, _ HandlerInfo) bool {
	if f.Block[ctx.Key.Kind] {
		return false
	}
	if len(f.Allow) == 0 {
		return true
	}
	return f.Allow[ctx.Key.Kind]
}

// Spatial propagates iff the Euclidean distance between source_position and
// target_observer_position, both read from Context metadata, is within
// RadiusM. It attaches the computed distance to the transformed event's
// metadata under "distance".
type Spatial struct {
	RadiusM float64
}

// Vec3 is a minimal position type; GORC's own Vec3 (internal/core/gorc)
// satisfies the same shape but Spatial only needs these three fields so it
// stays decoupled from the gorc package.
type Vec3 struct{ X, Y, Z float64 }

func (v Vec3) distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (s Spatial) ShouldPropagate(ctx eventkey.Context, _ HandlerInfo) bool {
	d, ok := s.distance(ctx)
	if !ok {
		return false
	}
	return d <= s.RadiusM
}

func (s Spatial) TransformEvent(ctx eventkey.Context, _ HandlerInfo, data eventkey.EventData) eventkey.EventData {
	d, ok := s.distance(ctx)
	if !ok {
		return data
	}
	return data.WithMetadata("distance", strconv.FormatFloat(d, 'f', -1, 64))
}

func (s Spatial) distance(ctx eventkey.Context) (float64, bool) {
	srcAny, ok := ctx.Get("source_position")
	if !ok {
		return 0, false
	}
	dstAny, ok := ctx.Get("target_observer_position")
	if !ok {
		return 0, false
	}
	src, ok := srcAny.(Vec3)
	if !ok {
		return 0, false
	}
	dst, ok := dstAny.(Vec3)
	if !ok {
		return 0, false
	}
	return src.distance(dst), true
}

// ChannelRate reads the channel from a GorcInstance/GorcClient key and
// throttles propagation to at most the key's configured target frequency,
// tracking a per-(object type, channel) last-send timestamp: all objects of
// one type share one timestamp per channel.
type ChannelRate struct {
	passthrough
	// TargetHz maps a channel number to its target frequency in Hz.
	TargetHz map[uint8]float64

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func (r *ChannelRate) ShouldPropagate(ctx eventkey.Context, _ HandlerInfo) bool {
	if ctx.Key.Kind != eventkey.GorcInstance && ctx.Key.Kind != eventkey.GorcClient {
		return true
	}
	hz, ok := r.TargetHz[ctx.Key.Channel]
	if !ok || hz <= 0 {
		return true
	}
	minInterval := time.Duration(float64(time.Second) / hz)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSent == nil {
		r.lastSent = make(map[string]time.Time)
	}
	trackKey := fmt.Sprintf("%s\x00%d", ctx.Key.ObjectType, ctx.Key.Channel)
	now := time.Now()
	last, seen := r.lastSent[trackKey]
	if seen && now.Sub(last) < minInterval {
		return false
	}
	r.lastSent[trackKey] = now
	return true
}

// Composite combines child propagators with AND or OR semantics,
// short-circuiting as soon as the outcome is determined.
type Composite struct {
	Children []Propagator
	All      bool // true = AND, false = OR
}

func (c Composite) ShouldPropagate(ctx eventkey.Context, handler HandlerInfo) bool {
	if len(c.Children) == 0 {
		return c.All
	}
	for _, child := range c.Children {
		ok := child.ShouldPropagate(ctx, handler)
		if c.All && !ok {
			return false
		}
		if !c.All && ok {
			return true
		}
	}
	return c.All
}

func (c Composite) TransformEvent(ctx eventkey.Context, handler HandlerInfo, data eventkey.EventData) eventkey.EventData {
	for _, child := range c.Children {
		data = child.TransformEvent(ctx, handler, data)
	}
	return data
}
