package gorc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/internal/core/events/bus"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) SendFrame(data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

type fakeConnRegistry struct {
	mu      sync.Mutex
	conns   map[ObjectID]*fakeConn
	suspect map[ObjectID]bool
}

func newFakeConnRegistry() *fakeConnRegistry {
	return &fakeConnRegistry{conns: make(map[ObjectID]*fakeConn), suspect: make(map[ObjectID]bool)}
}

func (r *fakeConnRegistry) Conn(observer ObjectID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[observer]
	if !ok {
		c = &fakeConn{}
		r.conns[observer] = c
	}
	return c, true
}

func (r *fakeConnRegistry) MarkSuspect(observer ObjectID) {
	r.mu.Lock()
	r.suspect[observer] = true
	r.mu.Unlock()
}

// TestBandwidthDropOrdering mirrors S4: budget 1000 bytes, three 560-byte
// payloads on channels (2,0,3), each encoding to a gorc_update envelope of
// about 865 bytes. Channel 0 should be kept; the other two dropped since the
// remaining budget (about 135) cannot fit either.
func TestBandwidthDropOrdering(t *testing.T) {
	zi := NewZoneIndex(1000, 0.05)
	b := bus.New(nil)
	defer b.Close()
	store := NewStore(zi, b, log.Provide())
	registry := newFakeConnRegistry()
	sched := NewScheduler(DefaultSchedulerConfig(), store, zi, b, registry, log.Provide())

	ob := NewObserver("observer1", Vec3{}, 1000)
	zi.RegisterObserver(ob)

	mkPayload := func(n int) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = 'x'
		}
		return p
	}

	items := []pendingUpdate{
		{observer: ob.ID, channel: 2, enqueued: time.Now(), payload: mkPayload(560), kind: kindDelta},
		{observer: ob.ID, channel: 0, enqueued: time.Now(), payload: mkPayload(560), kind: kindDelta},
		{observer: ob.ID, channel: 3, enqueued: time.Now(), payload: mkPayload(560), kind: kindDelta},
	}
	for i := range items {
		id, err := store.Register("crate", fakeProps{}, Vec3{}, []ReplicationLayer{
			{Channel: items[i].channel, RadiusMeters: 10, TargetFrequencyHz: 10, SerializedProperties: []string{"x"}, Compression: CompressionNone},
		})
		require.NoError(t, err)
		items[i].object = id
	}

	sched.flushBatch(ob.ID, items)

	require.Equal(t, uint64(2), sched.UpdatesDropped())

	conn, _ := registry.Conn(ob.ID)
	fc := conn.(*fakeConn)
	require.Len(t, fc.frames, 1)
}

func TestXorDeltaRoundTrip(t *testing.T) {
	prev := []byte("hello world")
	cur := []byte("hellx world!")
	delta := xorDelta(prev, cur)
	back := applyXorDelta(prev, delta)
	require.Equal(t, cur, back)
}

func TestLz4CompressRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated many times for compressibility: " +
		"the quick brown fox jumps over the lazy dog")
	compressed, err := compress(CompressionLz4, data)
	require.NoError(t, err)

	back, err := decompress(CompressionLz4, compressed)
	require.NoError(t, err)
	require.Equal(t, data, back)
}
