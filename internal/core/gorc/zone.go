package gorc

import (
	"math"
	"sync"
)

// ZoneEvent is a single zone-membership transition: observer entered or
// exited channel of object, produced by the Zone Index and turned into
// GorcInstance emissions by the Store/Scheduler.
type ZoneEvent struct {
	ObserverID ObjectID
	ObjectID   ObjectID
	ObjectType string
	Channel    uint8
}

// ZoneAnalysis is the supplemented penetration-factor report (SPEC_FULL §9,
// grounded on gorc/zones.rs::analyze_position in original_source), giving
// plugins a smooth 0..1 signal instead of a hard in/out boundary.
type ZoneAnalysis struct {
	ObjectID ObjectID
	// PerChannel maps channel -> penetration factor: 0 at the layer's outer
	// (exit) boundary, 1 at the object's exact position. Channels the
	// observer is entirely outside of are omitted.
	PerChannel map[uint8]float64
}

// HighestPriorityChannel returns the lowest channel number present (0 is
// highest priority) and true, or (0, false) if the analysis is empty.
func (a ZoneAnalysis) HighestPriorityChannel() (uint8, bool) {
	best := MaxChannel
	found := false
	for ch := range a.PerChannel {
		if !found || ch < best {
			best = ch
			found = true
		}
	}
	return best, found
}

type subKey struct {
	observer ObjectID
	object   ObjectID
	channel  uint8
}

type cellKey struct{ x, y, z int64 }

// ZoneIndex is the uniform-grid spatial index of spec.md §4.4. Cell size is
// a constructor argument, fixed for the index's lifetime; it is not derived
// from the registered layers' radii, and the server wiring passes a fixed
// 32 m (internal/server), following the acceptable-implementations note in
// spec.md §4.4 that a uniform grid is sufficient at the bounded
// region_bounds scale this runtime targets.
type ZoneIndex struct {
	cellSize float64
	epsilon  float64

	mu        sync.RWMutex
	grid      map[cellKey][]ObjectID
	objPos    map[ObjectID]Vec3
	objType   map[ObjectID]string
	objLayers map[ObjectID][]ReplicationLayer
	observers map[ObjectID]*Observer

	subMu sync.Mutex
	subs  map[subKey]bool

	pendingMu     sync.Mutex
	pendingObject map[ObjectID]Vec3
	pendingObs    map[ObjectID]Vec3
}

// NewZoneIndex constructs a grid with the given cell size and hysteresis
// epsilon (default 0.05 per spec.md §4.4, confirmed against
// original_source/crates/horizon_event_system/src/gorc/zones.rs).
func NewZoneIndex(cellSize, epsilon float64) *ZoneIndex {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &ZoneIndex{
		cellSize:      cellSize,
		epsilon:       epsilon,
		grid:          make(map[cellKey][]ObjectID),
		objPos:        make(map[ObjectID]Vec3),
		objType:       make(map[ObjectID]string),
		objLayers:     make(map[ObjectID][]ReplicationLayer),
		observers:     make(map[ObjectID]*Observer),
		subs:          make(map[subKey]bool),
		pendingObject: make(map[ObjectID]Vec3),
		pendingObs:    make(map[ObjectID]Vec3),
	}
}

func (z *ZoneIndex) cellOf(p Vec3) cellKey {
	return cellKey{
		x: int64(math.Floor(p.X / z.cellSize)),
		y: int64(math.Floor(p.Y / z.cellSize)),
		z: int64(math.Floor(p.Z / z.cellSize)),
	}
}

func (z *ZoneIndex) put(inst *ObjectInstance) {
	pos := inst.Position()
	z.mu.Lock()
	z.objPos[inst.ID] = pos
	z.objType[inst.ID] = inst.TypeName
	z.objLayers[inst.ID] = inst.Layers()
	z.grid[z.cellOf(pos)] = append(z.grid[z.cellOf(pos)], inst.ID)
	z.mu.Unlock()
}

// remove drops the object from the grid and returns a zone-exit event for
// every observer currently subscribed to any of its channels.
func (z *ZoneIndex) remove(id ObjectID) []ZoneEvent {
	z.mu.Lock()
	pos, ok := z.objPos[id]
	typeName := z.objType[id]
	if ok {
		cell := z.cellOf(pos)
		list := z.grid[cell]
		for i, oid := range list {
			if oid == id {
				z.grid[cell] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	delete(z.objPos, id)
	delete(z.objType, id)
	delete(z.objLayers, id)
	z.mu.Unlock()

	var out []ZoneEvent
	z.subMu.Lock()
	for k, subscribed := range z.subs {
		if k.object == id && subscribed {
			out = append(out, ZoneEvent{ObserverID: k.observer, ObjectID: id, ObjectType: typeName, Channel: k.channel})
			delete(z.subs, k)
		}
	}
	z.subMu.Unlock()
	return out
}

// RegisterObserver adds an observer so subsequent ticks consider it.
func (z *ZoneIndex) RegisterObserver(ob *Observer) {
	z.mu.Lock()
	z.observers[ob.ID] = ob
	z.mu.Unlock()
}

// RemoveObserver drops the observer and synthesizes a zone-exit for every
// subscription it held (spec.md §3: "disconnect emits synthetic zone-exit
// for every current subscription").
func (z *ZoneIndex) RemoveObserver(id ObjectID) []ZoneEvent {
	z.mu.Lock()
	ob, ok := z.observers[id]
	delete(z.observers, id)
	z.mu.Unlock()
	if !ok {
		return nil
	}

	var out []ZoneEvent
	z.mu.RLock()
	typeByObj := make(map[ObjectID]string, len(z.objType))
	for k, v := range z.objType {
		typeByObj[k] = v
	}
	z.mu.RUnlock()

	z.subMu.Lock()
	for obj, channels := range ob.Subscriptions() {
		for _, ch := range channels {
			k := subKey{observer: id, object: obj, channel: ch}
			delete(z.subs, k)
			out = append(out, ZoneEvent{ObserverID: id, ObjectID: obj, ObjectType: typeByObj[obj], Channel: ch})
		}
	}
	z.subMu.Unlock()
	return out
}

// bufferObjectMove and BufferObserverMove queue a position update to be
// applied at the next Tick, per spec.md §5's "buffered per tick, applied at
// tick boundaries" rule for Zone Index mutations.
func (z *ZoneIndex) bufferObjectMove(id ObjectID, pos Vec3) {
	z.pendingMu.Lock()
	z.pendingObject[id] = pos
	z.pendingMu.Unlock()
}

func (z *ZoneIndex) BufferObserverMove(id ObjectID, pos Vec3) {
	z.pendingMu.Lock()
	z.pendingObs[id] = pos
	z.pendingMu.Unlock()
}

// applyPending moves buffered positions into the grid/observer tables.
func (z *ZoneIndex) applyPending() {
	z.pendingMu.Lock()
	objMoves := z.pendingObject
	obsMoves := z.pendingObs
	z.pendingObject = make(map[ObjectID]Vec3)
	z.pendingObs = make(map[ObjectID]Vec3)
	z.pendingMu.Unlock()

	z.mu.Lock()
	for id, pos := range objMoves {
		if _, ok := z.objPos[id]; !ok {
			continue
		}
		oldCell := z.cellOf(z.objPos[id])
		newCell := z.cellOf(pos)
		z.objPos[id] = pos
		if oldCell != newCell {
			list := z.grid[oldCell]
			for i, oid := range list {
				if oid == id {
					z.grid[oldCell] = append(list[:i], list[i+1:]...)
					break
				}
			}
			z.grid[newCell] = append(z.grid[newCell], id)
		}
	}
	for id, pos := range obsMoves {
		if ob, ok := z.observers[id]; ok {
			ob.SetPosition(pos)
		}
	}
	z.mu.Unlock()
}

// candidateObjects returns every object id in cells within maxRadius of
// observer position p.
func (z *ZoneIndex) candidateObjects(p Vec3, maxRadius float64) []ObjectID {
	span := int64(math.Ceil(maxRadius/z.cellSize)) + 1
	center := z.cellOf(p)
	var out []ObjectID
	z.mu.RLock()
	for dx := -span; dx <= span; dx++ {
		for dy := -span; dy <= span; dy++ {
			for dz := -span; dz <= span; dz++ {
				k := cellKey{center.x + dx, center.y + dy, center.z + dz}
				out = append(out, z.grid[k]...)
			}
		}
	}
	z.mu.RUnlock()
	return out
}

// Tick applies buffered position moves, then recomputes zone membership for
// every observer against every candidate object's layers using hysteresis,
// returning the entries and exits since the previous tick (spec.md §4.4).
func (z *ZoneIndex) Tick() (entries, exits []ZoneEvent) {
	z.applyPending()

	z.mu.RLock()
	observers := make([]*Observer, 0, len(z.observers))
	for _, ob := range z.observers {
		observers = append(observers, ob)
	}
	z.mu.RUnlock()

	for _, ob := range observers {
		obPos := ob.Position()

		z.mu.RLock()
		maxRadius := 0.0
		for _, layers := range z.objLayers {
			for _, l := range layers {
				outer := l.RadiusMeters * (1 + z.epsilon)
				if outer > maxRadius {
					maxRadius = outer
				}
			}
		}
		z.mu.RUnlock()
		if maxRadius == 0 {
			continue
		}

		seen := make(map[ObjectID]bool)
		for _, objID := range z.candidateObjects(obPos, maxRadius) {
			if seen[objID] {
				continue
			}
			seen[objID] = true

			z.mu.RLock()
			objPos, ok := z.objPos[objID]
			layers := z.objLayers[objID]
			typeName := z.objType[objID]
			z.mu.RUnlock()
			if !ok {
				continue
			}
			dist := obPos.Distance(objPos)

			for _, l := range layers {
				k := subKey{observer: ob.ID, object: objID, channel: l.Channel}
				z.subMu.Lock()
				wasSubscribed := z.subs[k]
				inner := l.RadiusMeters
				outer := l.RadiusMeters * (1 + z.epsilon)

				switch {
				case !wasSubscribed && dist <= inner:
					z.subs[k] = true
					ob.subscribe(objID, l.Channel)
					entries = append(entries, ZoneEvent{ObserverID: ob.ID, ObjectID: objID, ObjectType: typeName, Channel: l.Channel})
				case wasSubscribed && dist > outer:
					z.subs[k] = false
					ob.unsubscribe(objID, l.Channel)
					exits = append(exits, ZoneEvent{ObserverID: ob.ID, ObjectID: objID, ObjectType: typeName, Channel: l.Channel})
				}
				z.subMu.Unlock()
			}
		}
	}
	return entries, exits
}

// initialEntriesFor is used by Store.Register to synthesize zone-entry for
// observers already inside the freshly-registered object's layers, without
// waiting for the next scheduled Tick.
func (z *ZoneIndex) initialEntriesFor(inst *ObjectInstance) []ZoneEvent {
	pos := inst.Position()
	var out []ZoneEvent

	z.mu.RLock()
	observers := make([]*Observer, 0, len(z.observers))
	for _, ob := range z.observers {
		observers = append(observers, ob)
	}
	z.mu.RUnlock()

	for _, ob := range observers {
		dist := ob.Position().Distance(pos)
		for _, l := range inst.Layers() {
			if dist <= l.RadiusMeters {
				k := subKey{observer: ob.ID, object: inst.ID, channel: l.Channel}
				z.subMu.Lock()
				if !z.subs[k] {
					z.subs[k] = true
					ob.subscribe(inst.ID, l.Channel)
					out = append(out, ZoneEvent{ObserverID: ob.ID, ObjectID: inst.ID, ObjectType: inst.TypeName, Channel: l.Channel})
				}
				z.subMu.Unlock()
			}
		}
	}
	return out
}

// Analyze reports, for every channel the observer currently qualifies for,
// how deep inside the zone it is: 0 at the outer boundary, 1 at the
// object's exact position (SPEC_FULL §9 supplement).
func (z *ZoneIndex) Analyze(observerPos Vec3, id ObjectID) (ZoneAnalysis, bool) {
	z.mu.RLock()
	pos, ok := z.objPos[id]
	layers := z.objLayers[id]
	z.mu.RUnlock()
	if !ok {
		return ZoneAnalysis{}, false
	}

	dist := observerPos.Distance(pos)
	result := ZoneAnalysis{ObjectID: id, PerChannel: make(map[uint8]float64)}
	for _, l := range layers {
		outer := l.RadiusMeters * (1 + z.epsilon)
		if dist > outer {
			continue
		}
		if outer == 0 {
			result.PerChannel[l.Channel] = 1
			continue
		}
		factor := 1 - (dist / outer)
		if factor < 0 {
			factor = 0
		}
		if factor > 1 {
			factor = 1
		}
		result.PerChannel[l.Channel] = factor
	}
	return result, true
}
