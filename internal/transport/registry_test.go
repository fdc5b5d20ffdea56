package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/internal/core/gorc"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

type fakeConn struct {
	sent [][]byte
}

func (c *fakeConn) SendFrame(data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake://conn" }

func (c *fakeConn) Close() error { return nil }

func TestRegistryResolvesObserverToBoundConnection(t *testing.T) {
	r := NewRegistry(log.Provide())
	conn := &fakeConn{}

	r.Add("conn-1", conn)
	r.BindObserver("conn-1", gorc.ObjectID("observer-1"))

	got, ok := r.Conn(gorc.ObjectID("observer-1"))
	require.True(t, ok)
	require.Same(t, conn, got)

	_, ok = r.Conn(gorc.ObjectID("observer-unknown"))
	require.False(t, ok)
}

func TestRegistryRemoveDropsObserverBinding(t *testing.T) {
	r := NewRegistry(log.Provide())
	conn := &fakeConn{}

	r.Add("conn-1", conn)
	r.BindObserver("conn-1", gorc.ObjectID("observer-1"))
	r.Remove("conn-1")

	_, ok := r.Conn(gorc.ObjectID("observer-1"))
	require.False(t, ok)
}

func TestRegistryMarkSuspectIsPerObserverUntilNextRemove(t *testing.T) {
	r := NewRegistry(log.Provide())
	conn := &fakeConn{}

	r.Add("conn-1", conn)
	r.BindObserver("conn-1", gorc.ObjectID("observer-1"))

	require.False(t, r.IsSuspect(gorc.ObjectID("observer-1")))
	r.MarkSuspect(gorc.ObjectID("observer-1"))
	require.True(t, r.IsSuspect(gorc.ObjectID("observer-1")))

	require.False(t, r.IsSuspect(gorc.ObjectID("observer-2")))
}
