package plugin

import (
	"fmt"
	"sync"

	"github.com/zeusync/gorcd/internal/core/apperr"
	"github.com/zeusync/gorcd/internal/core/config"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

// recordKey side-by-sides records by (name, version), exactly like the
// instance store's id-keyed map, so a hot-reload can hold the incoming and
// outgoing image simultaneously.
type recordKey struct {
	name    string
	version string
}

// Host is the Plugin Host of spec.md §4.6.
type Host struct {
	hostTag AbiTag
	policy  config.AbiTagPolicy
	dir     string
	logger  log.Log

	mu          sync.RWMutex
	records     map[recordKey]*Record
	activeByName map[string]recordKey // the Operational record per plugin name

	abiMismatches uint64
}

func NewHost(hostVersion string, policy config.AbiTagPolicy, pluginDir string, logger log.Log) *Host {
	return &Host{
		hostTag:      HostTag(hostVersion),
		policy:       policy,
		dir:          pluginDir,
		logger:       logger,
		records:      make(map[recordKey]*Record),
		activeByName: make(map[string]recordKey),
	}
}

// DiscoverAndLoad walks the plugin directory, loading every .so found and
// advancing each through PreInit. factory mints a fresh HostCallbacks per
// plugin (scoped to that plugin's name and its own handlerIDs slice) rather
// than sharing one instance across every load, since PluginName/handler
// bookkeeping in spec.md's Handler record is per plugin.
func (h *Host) DiscoverAndLoad(factory CallbacksFactory) error {
	paths, err := Discover(h.dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := h.loadOne(path, factory); err != nil {
			h.logger.Error("failed to load plugin", log.String("path", path), log.Error(err))
			if h.policy == config.AbiTagStrict {
				return err
			}
		}
	}
	return nil
}

func (h *Host) loadOne(path string, factory CallbacksFactory) error {
	abi, err := Open(path)
	if err != nil {
		return err
	}
	rec, err := h.buildRecord(path, abi)
	if err != nil {
		return err
	}
	cb := factory(rec.Name, &rec.handlerIDs)
	return h.advance(rec, PreInit, cb)
}

// buildRecord runs the tag check, create() and describe() for an already
// resolved ABI and registers the resulting Loaded record, without advancing
// its phase further. Split out of loadOne so tests can drive the lifecycle
// against an in-process ABI instead of a real .so file.
func (h *Host) buildRecord(path string, abi ABI) (*Record, error) {
	tag := abi.AbiTag()
	if AbiTag(tag) != h.hostTag {
		if h.policy == config.AbiTagStrict {
			return nil, fmt.Errorf("%w: plugin %s tag %q != host tag %q", apperr.ErrAbiIncompatible, path, tag, h.hostTag)
		}
		h.mu.Lock()
		h.abiMismatches++
		h.mu.Unlock()
		h.logger.Warn("loading plugin with mismatched abi tag under warn policy",
			log.String("path", path), log.String("plugin_tag", tag), log.String("host_tag", string(h.hostTag)))
	}

	handle, err := h.callCreate(abi)
	if err != nil {
		return nil, err
	}
	desc, err := h.callDescribe(abi, handle)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Name:       desc.Name,
		Version:    desc.Version,
		AbiTag:     tag,
		Phase:      Loaded,
		path:       path,
		abi:        abi,
		handle:     handle,
		descriptor: desc,
	}

	h.mu.Lock()
	h.records[recordKey{desc.Name, desc.Version}] = rec
	h.mu.Unlock()

	return rec, nil
}

// advance drives rec to target, enforcing spec.md §4.6's strict sequencing
// and isolating every cross-boundary call in panic recovery (grounded on
// internal/core/protocol/quic_protocol.go's processMessage recover block).
func (h *Host) advance(rec *Record, target Phase, callbacks HostCallbacks) error {
	for rec.Phase != target {
		next := rec.Phase + 1
		if !rec.Phase.canTransition(next) {
			return fmt.Errorf("%w: cannot advance %s from %s to %s", apperr.ErrWrongPhase, rec.Name, rec.Phase, next)
		}
		if err := h.runPhaseEntry(rec, next, callbacks); err != nil {
			h.fault(rec, err)
			return err
		}
		rec.Phase = next
	}
	return nil
}

func (h *Host) runPhaseEntry(rec *Record, phase Phase, callbacks HostCallbacks) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: plugin %s panicked entering %s: %v", apperr.ErrPluginFault, rec.Name, phase, r)
		}
	}()
	switch phase {
	case PreInit:
		return rec.abi.PreInit(rec.handle, callbacks)
	case Initialized:
		return rec.abi.Init(rec.handle, callbacks)
	case Operational:
		h.mu.Lock()
		h.activeByName[rec.Name] = recordKey{rec.Name, rec.Version}
		h.mu.Unlock()
		return nil
	case Draining:
		shutdownErr := rec.abi.Shutdown(rec.handle)
		for _, id := range rec.handlerIDs {
			if err := callbacks.UnregisterHandler(id); err != nil {
				h.logger.Warn("failed to unregister handler during drain",
					log.String("plugin", rec.Name), log.String("handler_id", id), log.Error(err))
			}
		}
		rec.handlerIDs = nil
		return shutdownErr
	case Unloaded:
		rec.abi.Destroy(rec.handle)
		return nil
	default:
		return nil
	}
}

func (h *Host) callCreate(abi ABI) (handle any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: create panicked: %v", apperr.ErrPluginFault, r)
		}
	}()
	return abi.Create(), nil
}

func (h *Host) callDescribe(abi ABI, handle any) (desc Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: describe panicked: %v", apperr.ErrPluginFault, r)
		}
	}()
	return abi.Describe(handle), nil
}

// Fault transitions rec to Draining (and records the cause) after a panic
// or returned error from any cross-boundary call, isolating the failure
// from other plugins without unwinding the host.
func (h *Host) fault(rec *Record, cause error) {
	rec.fault = cause
	if rec.Phase != Draining && rec.Phase != Unloaded {
		rec.Phase = Draining
	}
	h.mu.Lock()
	if h.activeByName[rec.Name] == (recordKey{rec.Name, rec.Version}) {
		delete(h.activeByName, rec.Name)
	}
	h.mu.Unlock()
	h.logger.Error("plugin fault, transitioning to draining", log.String("plugin", rec.Name), log.Error(cause))
}

// Activate advances a PreInit'd, Initialized record through Operational.
func (h *Host) Activate(rec *Record, callbacks HostCallbacks) error {
	if err := h.advance(rec, Initialized, callbacks); err != nil {
		return err
	}
	return h.advance(rec, Operational, callbacks)
}

// ActiveRecord returns the Operational record for a plugin name, if any.
func (h *Host) ActiveRecord(name string) (*Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	key, ok := h.activeByName[name]
	if !ok {
		return nil, false
	}
	return h.records[key], true
}

// AbiMismatches reports the cumulative count of plugins loaded despite an
// ABI tag mismatch under abi_tag_policy=warn.
func (h *Host) AbiMismatches() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.abiMismatches
}

// Reload loads newPath as a fresh image of an already-Operational plugin,
// running it side-by-side: the incoming record is driven through PreInit
// and Init while the outgoing record keeps serving. Only once the new
// image reaches Operational does the old one drain; if the new image
// faults at any point the old one is left untouched and remains
// Operational (spec.md §4.6 hot-reload rollback rule).
func (h *Host) Reload(newPath string, factory CallbacksFactory) (*Record, error) {
	abi, err := Open(newPath)
	if err != nil {
		return nil, err
	}
	return h.reloadWithABI(newPath, abi, factory)
}

func (h *Host) reloadWithABI(path string, abi ABI, factory CallbacksFactory) (*Record, error) {
	next, err := h.buildRecord(path, abi)
	if err != nil {
		return nil, err
	}
	callbacks := factory(next.Name, &next.handlerIDs)

	h.mu.RLock()
	oldKey, hadOld := h.activeByName[next.Name]
	var old *Record
	if hadOld {
		old = h.records[oldKey]
	}
	h.mu.RUnlock()

	if err := h.advance(next, Initialized, callbacks); err != nil {
		return nil, err
	}
	if err := h.advance(next, Operational, callbacks); err != nil {
		return nil, err
	}

	if hadOld && old != nil && old.Phase == Operational {
		if err := h.advance(old, Draining, callbacks); err != nil {
			h.logger.Error("old plugin image failed to drain during reload", log.String("plugin", old.Name), log.Error(err))
		}
	}
	return next, nil
}

// shutdownOrder returns active records in dependency order: a record's
// declared dependencies (by name) shut down after it, so it is itself
// returned before anything depending on it is asked to stop. Plugins with
// no declared dependency relation between them come out in map iteration
// order, which is not defined.
func (h *Host) shutdownOrder() []*Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byName := make(map[string]*Record, len(h.activeByName))
	var registrationOrder []*Record
	for _, key := range h.activeByName {
		rec := h.records[key]
		byName[rec.Name] = rec
		registrationOrder = append(registrationOrder, rec)
	}

	visited := make(map[string]bool, len(byName))
	inProgress := make(map[string]bool, len(byName))
	var order []*Record

	var visit func(rec *Record)
	visit = func(rec *Record) {
		if visited[rec.Name] || inProgress[rec.Name] {
			return
		}
		inProgress[rec.Name] = true
		for _, depName := range rec.descriptor.Dependencies {
			if dep, ok := byName[depName]; ok {
				visit(dep)
			}
		}
		inProgress[rec.Name] = false
		visited[rec.Name] = true
		order = append(order, rec)
	}

	for _, rec := range registrationOrder {
		visit(rec)
	}
	return order
}

// ShutdownAll drains every Operational plugin in dependency order
// (dependencies drain after their dependents) and then destroys each,
// isolating any individual plugin's Shutdown/Destroy fault from the rest.
func (h *Host) ShutdownAll(callbacks HostCallbacks) {
	order := h.shutdownOrder()
	// Dependents must drain before what they depend on, so walk the
	// topological order from the end backwards (deepest dependency last).
	for i := len(order) - 1; i >= 0; i-- {
		rec := order[i]
		if rec.Phase != Operational {
			continue
		}
		if err := h.advance(rec, Draining, callbacks); err != nil {
			h.logger.Error("plugin failed to drain during shutdown", log.String("plugin", rec.Name), log.Error(err))
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		rec := order[i]
		if err := h.advance(rec, Unloaded, callbacks); err != nil {
			h.logger.Error("plugin failed to unload during shutdown", log.String("plugin", rec.Name), log.Error(err))
		}
	}
}
