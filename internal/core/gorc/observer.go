package gorc

import (
	"sync"
	"time"
)

// Observer is the Player record from spec.md §3, reduced to what GORC
// itself needs: identity, position, per-object channel subscriptions, and
// a bandwidth budget. Authentication, movement prediction, and game state
// belong to the caller; GORC only tracks what it must to compute zone
// membership and bandwidth ceilings.
type Observer struct {
	ID ObjectID

	mu            sync.RWMutex
	position      Vec3
	subscriptions map[ObjectID]map[uint8]bool
	bandwidthBudgetBytesPerSec int
}

// NewObserver constructs an Observer with an empty subscription set.
func NewObserver(id ObjectID, position Vec3, bandwidthBudgetBytesPerSec int) *Observer {
	return &Observer{
		ID:                         id,
		position:                   position,
		subscriptions:              make(map[ObjectID]map[uint8]bool),
		bandwidthBudgetBytesPerSec: bandwidthBudgetBytesPerSec,
	}
}

func (ob *Observer) Position() Vec3 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.position
}

func (ob *Observer) SetPosition(p Vec3) {
	ob.mu.Lock()
	ob.position = p
	ob.mu.Unlock()
}

func (ob *Observer) BandwidthBudget() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bandwidthBudgetBytesPerSec
}

func (ob *Observer) subscribe(obj ObjectID, channel uint8) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	set, ok := ob.subscriptions[obj]
	if !ok {
		set = make(map[uint8]bool)
		ob.subscriptions[obj] = set
	}
	set[channel] = true
}

func (ob *Observer) unsubscribe(obj ObjectID, channel uint8) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	set, ok := ob.subscriptions[obj]
	if !ok {
		return
	}
	delete(set, channel)
	if len(set) == 0 {
		delete(ob.subscriptions, obj)
	}
}

func (ob *Observer) isSubscribed(obj ObjectID, channel uint8) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.subscriptions[obj][channel]
}

// Subscriptions returns the set of object ids the observer currently
// subscribes to, each mapped to its subscribed channel set, used when the
// observer disconnects to synthesize zone-exit for every subscription.
func (ob *Observer) Subscriptions() map[ObjectID][]uint8 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make(map[ObjectID][]uint8, len(ob.subscriptions))
	for obj, set := range ob.subscriptions {
		channels := make([]uint8, 0, len(set))
		for ch := range set {
			channels = append(channels, ch)
		}
		out[obj] = channels
	}
	return out
}

// movementSample is a timestamped position. Observer keeps no movement
// history, and nothing in gorc creates or reads values of this type.
type movementSample struct {
	At       time.Time
	Position Vec3
}
