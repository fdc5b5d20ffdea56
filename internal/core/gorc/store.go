package gorc

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/zeusync/gorcd/internal/core/apperr"
	"github.com/zeusync/gorcd/internal/core/events/bus"
	"github.com/zeusync/gorcd/internal/core/eventkey"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

const storeShardCount = 16

// storeShard mirrors one bucket of the teacher's HashSharded array
// (internal/core/syncv2/vars/sharded.go), adapted here to hold a map of
// *ObjectInstance rather than a single sharded value, since the store needs
// per-object lookup by id, not per-shard aggregation.
type storeShard struct {
	mu   sync.RWMutex
	objs map[ObjectID]*ObjectInstance
}

// Store is the GORC Instance Store (spec.md §4.3): the authoritative
// catalog of replicated objects.
type Store struct {
	shards [storeShardCount]storeShard
	zones  *ZoneIndex
	bus    bus.Bus
	logger log.Log
}

// NewStore wires a Store to the ZoneIndex it must keep current and the Bus
// it publishes synthetic zone events onto.
func NewStore(zones *ZoneIndex, b bus.Bus, logger log.Log) *Store {
	s := &Store{zones: zones, bus: b, logger: logger}
	for i := range s.shards {
		s.shards[i].objs = make(map[ObjectID]*ObjectInstance)
	}
	return s
}

func (s *Store) shardFor(id ObjectID) *storeShard {
	h := xxhash.Sum64String(string(id))
	return &s.shards[h%storeShardCount]
}

// Register adds an object to the store and the Zone Index, validating its
// layers, then immediately checks every currently-known observer against
// the new object's layers and emits synthetic zone-entry for any observer
// already within a layer's inner radius (spec.md §4.3).
func (s *Store) Register(typeName string, object PropertySource, position Vec3, layers []ReplicationLayer) (ObjectID, error) {
	for _, l := range layers {
		if err := l.Validate(); err != nil {
			return "", err
		}
	}
	id := ObjectID(uuid.NewString())
	inst := newObjectInstance(id, typeName, object, position, layers)

	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.objs[id] = inst
	sh.mu.Unlock()

	s.zones.put(inst)

	for _, evt := range s.zones.initialEntriesFor(inst) {
		s.publishZoneEntry(evt)
	}
	return id, nil
}

// Remove emits zone-exit to every current subscriber of the object and
// deletes it from the store and the Zone Index.
func (s *Store) Remove(id ObjectID) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	_, ok := sh.objs[id]
	if ok {
		delete(sh.objs, id)
	}
	sh.mu.Unlock()
	if !ok {
		return apperr.ErrObjectNotFound
	}

	for _, evt := range s.zones.remove(id) {
		s.publishZoneExit(evt)
	}
	return nil
}

// UpdatePosition buffers the new position; the Zone Index applies buffered
// position updates at the tick boundary (spec.md §5) rather than
// immediately, so range queries never interleave with a mid-flight move.
func (s *Store) UpdatePosition(id ObjectID, position Vec3) error {
	inst, ok := s.get(id)
	if !ok {
		return apperr.ErrObjectNotFound
	}
	inst.setPosition(position)
	s.zones.bufferObjectMove(id, position)
	for ch := uint8(0); ch <= MaxChannel; ch++ {
		inst.markDirty(ch)
	}
	return nil
}

// GetStateForLayer serializes exactly the properties named by the layer at
// the given channel, uncompressed; the Scheduler applies the layer's
// compression when it encodes the update.
func (s *Store) GetStateForLayer(id ObjectID, channel uint8) ([]byte, error) {
	inst, ok := s.get(id)
	if !ok {
		return nil, apperr.ErrObjectNotFound
	}
	layer, ok := inst.layerFor(channel)
	if !ok {
		return nil, fmt.Errorf("%w: channel %d not configured on %s", apperr.ErrUnknownProperty, channel, inst.TypeName)
	}
	props, err := inst.properties(layer.SerializedProperties)
	if err != nil {
		return nil, err
	}
	return encodeProperties(props)
}

func (s *Store) get(id ObjectID) (*ObjectInstance, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	inst, ok := sh.objs[id]
	return inst, ok
}

// Get returns the object instance for id, for scheduler/router lookups that
// need the type name or current position.
func (s *Store) Get(id ObjectID) (*ObjectInstance, bool) {
	return s.get(id)
}

// ResolveObjectType implements router.ObjectTypeResolver: it recovers the
// type_name an inbound gorc_event's bare object_id must be combined with to
// build a GorcClient key (spec.md §4.7).
func (s *Store) ResolveObjectType(objectID string) (string, bool) {
	inst, ok := s.get(ObjectID(objectID))
	if !ok {
		return "", false
	}
	return inst.TypeName, true
}

// ForEach calls fn for every live object, used by the scheduler's tick
// sweep. Holding no lock across fn keeps the store available during fan-out.
func (s *Store) ForEach(fn func(*ObjectInstance)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		snapshot := make([]*ObjectInstance, 0, len(sh.objs))
		for _, inst := range sh.objs {
			snapshot = append(snapshot, inst)
		}
		sh.mu.RUnlock()
		for _, inst := range snapshot {
			fn(inst)
		}
	}
}

func (s *Store) publishZoneEntry(evt ZoneEvent) {
	key := eventkey.NewGorcInstance(evt.ObjectType, evt.Channel, "zone_entered")
	if err := s.bus.EmitWithContext(key, evt, eventkey.Context{Source: eventkey.SourceGorc}); err != nil {
		s.logger.Error("failed to publish zone_entered", log.String("object_id", string(evt.ObjectID)), log.Error(err))
	}
}

func (s *Store) publishZoneExit(evt ZoneEvent) {
	key := eventkey.NewGorcInstance(evt.ObjectType, evt.Channel, "zone_exited")
	if err := s.bus.EmitWithContext(key, evt, eventkey.Context{Source: eventkey.SourceGorc}); err != nil {
		s.logger.Error("failed to publish zone_exited", log.String("object_id", string(evt.ObjectID)), log.Error(err))
	}
}
