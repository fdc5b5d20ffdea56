// Package gorc implements the spatial object-replication engine: the
// Instance Store, Zone Index, and Replication Scheduler described in
// spec.md §4.3-4.5. Types and hash-sharding are grounded on the teacher's
// internal/core/syncv2/vars/sharded.go; dirty-bit bookkeeping per object is
// grounded on internal/core/sync/base_syncvar.go's version/dirty fields.
package gorc

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/gorcd/internal/core/apperr"
)

// ObjectID identifies a replicated object. Produced with google/uuid by the
// Instance Store, exactly as the teacher mints its event-bus subscription
// ids (internal/core/events/bus/eventbus.go).
type ObjectID string

// Vec3 is the position type shared by the Instance Store and Zone Index.
// The Spatial propagator (internal/core/events/propagate) uses its own
// propagate.Vec3; gorc does not import that package.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.2f,%.2f,%.2f)", v.X, v.Y, v.Z)
}

// Compression names the ReplicationLayer compression variant.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionDelta
	CompressionLz4
	CompressionHigh
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionDelta:
		return "delta"
	case CompressionLz4:
		return "lz4"
	case CompressionHigh:
		return "high"
	default:
		return "unknown"
	}
}

func ParseCompression(s string) (Compression, bool) {
	switch s {
	case "none":
		return CompressionNone, true
	case "delta":
		return CompressionDelta, true
	case "lz4":
		return CompressionLz4, true
	case "high":
		return CompressionHigh, true
	default:
		return CompressionNone, false
	}
}

// MaxChannel is the highest valid channel number; channels run 0..=3 with 0
// the highest priority.
const MaxChannel uint8 = 3

// ReplicationLayer is one of an ObjectInstance's concentric replication
// tiers (spec.md §3).
type ReplicationLayer struct {
	Channel             uint8
	RadiusMeters        float64
	TargetFrequencyHz   float64
	SerializedProperties []string
	Compression         Compression
}

func (l ReplicationLayer) Validate() error {
	if l.Channel > MaxChannel {
		return fmt.Errorf("channel %d out of range [0,%d]", l.Channel, MaxChannel)
	}
	if l.RadiusMeters <= 0 || math.IsInf(l.RadiusMeters, 0) || math.IsNaN(l.RadiusMeters) {
		return fmt.Errorf("layer channel %d: radius_meters must be positive and finite, got %f", l.Channel, l.RadiusMeters)
	}
	if l.TargetFrequencyHz <= 0 || math.IsInf(l.TargetFrequencyHz, 0) || math.IsNaN(l.TargetFrequencyHz) {
		return fmt.Errorf("layer channel %d: target_frequency_hz must be positive and finite, got %f", l.Channel, l.TargetFrequencyHz)
	}
	return nil
}

// PropertySource is what an authoritative object must expose so the
// Instance Store can compose per-layer state without knowing the object's
// concrete type.
type PropertySource interface {
	Properties() map[string]any
}

// dirtyState is the per-(object,channel) state machine from spec.md §4.5:
// Idle -> Dirty -> Sending -> Idle.
type dirtyState uint8

const (
	stateIdle dirtyState = iota
	stateDirty
	stateSending
)

// ObjectInstance is the authoritative record for one replicated object.
type ObjectInstance struct {
	ID       ObjectID
	TypeName string
	Object   PropertySource

	mu       sync.RWMutex
	position Vec3
	layers   []ReplicationLayer // sorted by radius ascending

	lastTxPerChannel [MaxChannel + 1]time.Time
	dirtyPerChannel  [MaxChannel + 1]dirtyState
}

// newObjectInstance sorts layers by radius ascending, per spec.md §3.
func newObjectInstance(id ObjectID, typeName string, object PropertySource, position Vec3, layers []ReplicationLayer) *ObjectInstance {
	sorted := make([]ReplicationLayer, len(layers))
	copy(sorted, layers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RadiusMeters < sorted[j].RadiusMeters })
	return &ObjectInstance{
		ID:       id,
		TypeName: typeName,
		Object:   object,
		position: position,
		layers:   sorted,
	}
}

func (o *ObjectInstance) Position() Vec3 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.position
}

func (o *ObjectInstance) setPosition(p Vec3) {
	o.mu.Lock()
	o.position = p
	o.mu.Unlock()
}

// Layers returns a snapshot of the instance's replication layers.
func (o *ObjectInstance) Layers() []ReplicationLayer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ReplicationLayer, len(o.layers))
	copy(out, o.layers)
	return out
}

func (o *ObjectInstance) layerFor(channel uint8) (ReplicationLayer, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, l := range o.layers {
		if l.Channel == channel {
			return l, true
		}
	}
	return ReplicationLayer{}, false
}

// markDirty transitions (object, channel) Idle/Sending -> Dirty.
func (o *ObjectInstance) markDirty(channel uint8) {
	if channel > MaxChannel {
		return
	}
	o.mu.Lock()
	o.dirtyPerChannel[channel] = stateDirty
	o.mu.Unlock()
}

// readyToSend reports whether (object, channel) is Dirty and its minimum
// send interval has elapsed.
func (o *ObjectInstance) readyToSend(channel uint8, minInterval time.Duration, now time.Time) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.dirtyPerChannel[channel] != stateDirty {
		return false
	}
	last := o.lastTxPerChannel[channel]
	return last.IsZero() || now.Sub(last) >= minInterval
}

// beginSend transitions Dirty -> Sending and must be paired with endSend.
func (o *ObjectInstance) beginSend(channel uint8) {
	o.mu.Lock()
	o.dirtyPerChannel[channel] = stateSending
	o.mu.Unlock()
}

// endSend transitions Sending -> Idle and records the send timestamp.
func (o *ObjectInstance) endSend(channel uint8, at time.Time) {
	o.mu.Lock()
	o.dirtyPerChannel[channel] = stateIdle
	o.lastTxPerChannel[channel] = at
	o.mu.Unlock()
}

// Properties reads every named property from the instance's object,
// failing with apperr.ErrUnknownProperty if any name is not exposed.
func (o *ObjectInstance) properties(names []string) (map[string]any, error) {
	all := o.Object.Properties()
	out := make(map[string]any, len(names))
	for _, name := range names {
		v, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q on %s", apperr.ErrUnknownProperty, name, o.TypeName)
		}
		out[name] = v
	}
	return out, nil
}
