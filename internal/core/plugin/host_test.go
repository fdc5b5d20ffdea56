package plugin

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gorcd/internal/core/config"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

type fakeCallbacks struct {
	mu       sync.Mutex
	handlers map[string]func([]byte) error
	nextID   int
	emitted  []string
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{handlers: make(map[string]func([]byte) error)}
}

func (c *fakeCallbacks) RegisterHandler(key, _ string, fn func([]byte) error) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("h-%d", c.nextID)
	c.handlers[id] = fn
	_ = key
	return id, nil
}

func (c *fakeCallbacks) UnregisterHandler(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
	return nil
}

func (c *fakeCallbacks) Emit(key string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, key)
	return nil
}

func abiFor(name, version string, hostTag string, onInvoke func(string), panicOnInvoke string) ABI {
	invoke := func(phase string) error {
		if onInvoke != nil {
			onInvoke(phase)
		}
		if phase == panicOnInvoke {
			panic("simulated plugin fault in " + phase)
		}
		return nil
	}
	return ABI{
		AbiTag: func() string { return hostTag },
		Create: func() any { return struct{}{} },
		Describe: func(any) Descriptor {
			return Descriptor{Name: name, Version: version}
		},
		PreInit: func(any, HostCallbacks) error { return invoke("pre_init") },
		Init:    func(any, HostCallbacks) error { return invoke("init") },
		Shutdown: func(any) error { return invoke("shutdown") },
		Destroy:  func(any) { _ = invoke("destroy") },
	}
}

func newTestHost() *Host {
	return NewHost("v1", config.AbiTagStrict, "/dev/null", log.Provide())
}

// constFactory adapts a single shared HostCallbacks into a CallbacksFactory
// for tests that don't care about per-plugin handler-id scoping.
func constFactory(cb HostCallbacks) CallbacksFactory {
	return func(string, *[]string) HostCallbacks { return cb }
}

// TestPanicDuringPreInitIsolatesFault mirrors S5: a plugin that panics
// while entering PreInit ends up Draining with a recorded fault, while a
// second, unrelated plugin loads and activates normally.
func TestPanicDuringPreInitIsolatesFault(t *testing.T) {
	h := newTestHost()
	cb := newFakeCallbacks()

	abiA := abiFor("plugin-a", "1.0.0", string(h.hostTag), nil, "pre_init")
	recA, err := h.buildRecord("fake://a", abiA)
	require.NoError(t, err)

	err = h.advance(recA, PreInit, cb)
	require.Error(t, err)
	require.Equal(t, Draining, recA.Phase)
	require.Error(t, recA.fault)

	abiB := abiFor("plugin-b", "1.0.0", string(h.hostTag), nil, "")
	recB, err := h.buildRecord("fake://b", abiB)
	require.NoError(t, err)
	require.NoError(t, h.Activate2(recB, cb))

	active, ok := h.ActiveRecord("plugin-b")
	require.True(t, ok)
	require.Equal(t, Operational, active.Phase)

	_, ok = h.ActiveRecord("plugin-a")
	require.False(t, ok)
}

// Activate2 drives a record freshly built (at Loaded) all the way to
// Operational, going through PreInit first.
func (h *Host) Activate2(rec *Record, callbacks HostCallbacks) error {
	if err := h.advance(rec, PreInit, callbacks); err != nil {
		return err
	}
	return h.Activate(rec, callbacks)
}

// TestHotReloadSwapsActiveRecord mirrors S6: a second image of the same
// plugin name reloads successfully and becomes the active record, while
// the old image is drained rather than destroyed out from under in-flight
// callers.
func TestHotReloadSwapsActiveRecord(t *testing.T) {
	h := newTestHost()
	cb := newFakeCallbacks()

	v1 := abiFor("plugin-c", "1.0.0", string(h.hostTag), nil, "")
	recV1, err := h.buildRecord("fake://c-v1", v1)
	require.NoError(t, err)
	require.NoError(t, h.Activate2(recV1, cb))

	v2 := abiFor("plugin-c", "2.0.0", string(h.hostTag), nil, "")
	recV2, err := h.reloadWithABI("fake://c-v2", v2, constFactory(cb))
	require.NoError(t, err)
	require.Equal(t, Operational, recV2.Phase)

	active, ok := h.ActiveRecord("plugin-c")
	require.True(t, ok)
	require.Equal(t, "2.0.0", active.Version)
	require.Equal(t, Draining, recV1.Phase)
}

// TestHotReloadRollsBackOnFailedInit mirrors S6's failure branch: the
// incoming image panics during Init, so the outgoing image is left
// untouched and remains Operational.
func TestHotReloadRollsBackOnFailedInit(t *testing.T) {
	h := newTestHost()
	cb := newFakeCallbacks()

	v1 := abiFor("plugin-d", "1.0.0", string(h.hostTag), nil, "")
	recV1, err := h.buildRecord("fake://d-v1", v1)
	require.NoError(t, err)
	require.NoError(t, h.Activate2(recV1, cb))

	v2 := abiFor("plugin-d", "2.0.0", string(h.hostTag), nil, "init")
	_, err = h.reloadWithABI("fake://d-v2", v2, constFactory(cb))
	require.Error(t, err)

	require.Equal(t, Operational, recV1.Phase)
	active, ok := h.ActiveRecord("plugin-d")
	require.True(t, ok)
	require.Equal(t, "1.0.0", active.Version)
}

// TestShutdownAllDrainsDependentsBeforeDependencies ensures a plugin that
// declares a dependency on another is drained first, so it never observes
// its dependency disappearing mid-shutdown.
func TestShutdownAllDrainsDependentsBeforeDependencies(t *testing.T) {
	h := newTestHost()
	cb := newFakeCallbacks()

	var order []string
	var mu sync.Mutex
	record := func(name string) func(string) {
		return func(phase string) {
			if phase != "shutdown" {
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	baseABI := abiFor("base", "1.0.0", string(h.hostTag), record("base"), "")
	recBase, err := h.buildRecord("fake://base", baseABI)
	require.NoError(t, err)
	require.NoError(t, h.Activate2(recBase, cb))

	depABI := abiFor("dependent", "1.0.0", string(h.hostTag), record("dependent"), "")
	recDep, err := h.buildRecord("fake://dep", depABI)
	require.NoError(t, err)
	recDep.descriptor.Dependencies = []string{"base"}
	require.NoError(t, h.Activate2(recDep, cb))

	h.ShutdownAll(cb)

	require.Equal(t, []string{"dependent", "base"}, order)
	require.Equal(t, Unloaded, recBase.Phase)
	require.Equal(t, Unloaded, recDep.Phase)
}
