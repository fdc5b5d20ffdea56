package gorc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHysteresisEnterExitSequence(t *testing.T) {
	// S2: object at origin, layer channel 0 radius 100, epsilon 0.05.
	zi := NewZoneIndex(10, 0.05)
	inst := newObjectInstance("obj1", "ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 0, RadiusMeters: 100, TargetFrequencyHz: 30, SerializedProperties: []string{"x"}},
	})
	zi.put(inst)

	ob := NewObserver("observer1", Vec3{X: 90}, 1024)
	zi.RegisterObserver(ob)

	positions := []float64{90, 102, 106, 104, 90}
	var allEntries, allExits []ZoneEvent
	for _, x := range positions {
		ob.SetPosition(Vec3{X: x})
		entries, exits := zi.Tick()
		allEntries = append(allEntries, entries...)
		allExits = append(allExits, exits...)
	}

	require.Len(t, allEntries, 2, "expected entries at tick 1 and tick 5")
	require.Len(t, allExits, 1, "expected a single exit at tick 3 (crossed outer radius 105)")
}

func TestHysteresisStaysSubscribedInBand(t *testing.T) {
	zi := NewZoneIndex(10, 0.05)
	inst := newObjectInstance("obj1", "ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 0, RadiusMeters: 100, TargetFrequencyHz: 30, SerializedProperties: []string{"x"}},
	})
	zi.put(inst)
	ob := NewObserver("observer1", Vec3{X: 90}, 1024)
	zi.RegisterObserver(ob)

	entries, _ := zi.Tick()
	require.Len(t, entries, 1)

	ob.SetPosition(Vec3{X: 102}) // inside outer (105) but outside inner (100)
	entries, exits := zi.Tick()
	require.Empty(t, entries)
	require.Empty(t, exits)
	require.True(t, ob.isSubscribed("obj1", 0))
}

func TestZoneIndexRemoveEmitsExitForSubscribers(t *testing.T) {
	zi := NewZoneIndex(10, 0.05)
	inst := newObjectInstance("obj1", "ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 0, RadiusMeters: 100, TargetFrequencyHz: 30, SerializedProperties: []string{"x"}},
	})
	zi.put(inst)
	ob := NewObserver("observer1", Vec3{X: 10}, 1024)
	zi.RegisterObserver(ob)
	zi.Tick()

	exits := zi.remove("obj1")
	require.Len(t, exits, 1)
	require.Equal(t, ObjectID("observer1"), exits[0].ObserverID)
}

func TestAnalyzePenetrationFactor(t *testing.T) {
	zi := NewZoneIndex(10, 0.05)
	inst := newObjectInstance("obj1", "ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 0, RadiusMeters: 100, TargetFrequencyHz: 30, SerializedProperties: []string{"x"}},
	})
	zi.put(inst)

	analysis, ok := zi.Analyze(Vec3{X: 0}, "obj1")
	require.True(t, ok)
	require.InDelta(t, 1.0, analysis.PerChannel[0], 1e-9)

	analysis, ok = zi.Analyze(Vec3{X: 105}, "obj1")
	require.True(t, ok)
	require.InDelta(t, 0.0, analysis.PerChannel[0], 1e-9)

	ch, found := analysis.HighestPriorityChannel()
	require.True(t, found)
	require.Equal(t, uint8(0), ch)
}

type fakeProps struct{}

func (fakeProps) Properties() map[string]any { return map[string]any{"x": 1} }
