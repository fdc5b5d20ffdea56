package gorc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/internal/core/apperr"
	"github.com/zeusync/gorcd/internal/core/events/bus"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

func newTestStore(t *testing.T) (*Store, *ZoneIndex, bus.Bus) {
	zi := NewZoneIndex(10, 0.05)
	b := bus.New(nil)
	t.Cleanup(b.Close)
	return NewStore(zi, b, log.Provide()), zi, b
}

func TestStoreRegisterAndGetStateForLayer(t *testing.T) {
	store, _, _ := newTestStore(t)
	id, err := store.Register("ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 0, RadiusMeters: 50, TargetFrequencyHz: 10, SerializedProperties: []string{"x"}},
	})
	require.NoError(t, err)

	data, err := store.GetStateForLayer(id, 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(data))
}

func TestStoreRegisterRejectsInvalidLayer(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Register("ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 9, RadiusMeters: 50, TargetFrequencyHz: 10},
	})
	require.Error(t, err)
}

func TestStoreGetStateForLayerUnknownProperty(t *testing.T) {
	store, _, _ := newTestStore(t)
	id, err := store.Register("ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 0, RadiusMeters: 50, TargetFrequencyHz: 10, SerializedProperties: []string{"does_not_exist"}},
	})
	require.NoError(t, err)

	_, err = store.GetStateForLayer(id, 0)
	require.ErrorIs(t, err, apperr.ErrUnknownProperty)
}

func TestStoreRemoveUnknownObject(t *testing.T) {
	store, _, _ := newTestStore(t)
	err := store.Remove("does-not-exist")
	require.ErrorIs(t, err, apperr.ErrObjectNotFound)
}

func TestStoreUpdatePositionMarksDirty(t *testing.T) {
	store, _, _ := newTestStore(t)
	id, err := store.Register("ship", fakeProps{}, Vec3{}, []ReplicationLayer{
		{Channel: 0, RadiusMeters: 50, TargetFrequencyHz: 10, SerializedProperties: []string{"x"}},
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdatePosition(id, Vec3{X: 5}))
	inst, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, Vec3{X: 5}, inst.Position())
	require.Equal(t, stateDirty, inst.dirtyPerChannel[0])
}
