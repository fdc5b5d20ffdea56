// Package transport adapts network connections (WebSocket, QUIC) to the
// small Conn/Sender surfaces the Router and GORC Scheduler depend on,
// grounded on internal/server/websocket.go and internal/core/protocol/
// quic/*.go for the underlying accept/read/write mechanics, but
// deliberately not carrying over the teacher's full protocol.Connection/
// BaseTransport statistics and feature-negotiation machinery; neither the
// Router nor the Scheduler need more than "send a frame, and learn if it
// failed".
package transport

import (
	"sync"

	"github.com/zeusync/gorcd/internal/core/gorc"
	"github.com/zeusync/gorcd/internal/core/observability/log"
)

// Conn is one live connection: enough surface for the Router to send a
// rejection frame back and for the Scheduler to push a replication update.
type Conn interface {
	SendFrame(data []byte) error
	RemoteAddr() string
	Close() error
}

// Registry tracks live connections by connection id and, once a connection
// identifies its GORC observer, by observer id too; the second mapping is
// what lets gorc.ConnRegistry.Conn(observerID) resolve a live socket.
type Registry struct {
	mu            sync.RWMutex
	byConn        map[string]Conn
	observerOf    map[string]gorc.ObjectID
	connOfObs     map[gorc.ObjectID]string
	suspect       map[gorc.ObjectID]bool
	logger        log.Log
}

func NewRegistry(logger log.Log) *Registry {
	return &Registry{
		byConn:     make(map[string]Conn),
		observerOf: make(map[string]gorc.ObjectID),
		connOfObs:  make(map[gorc.ObjectID]string),
		suspect:    make(map[gorc.ObjectID]bool),
		logger:     logger,
	}
}

// Add registers a freshly accepted connection under connID, before its
// observer identity (if any) is known.
func (r *Registry) Add(connID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connID] = conn
}

// BindObserver associates a connection with the GORC observer id it
// authenticated as. Nothing in this package or the Router calls it; the
// composition root does, once a session authenticates. Until this is
// called, the scheduler cannot reach this connection.
func (r *Registry) BindObserver(connID string, observer gorc.ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observerOf[connID] = observer
	r.connOfObs[observer] = connID
}

// Remove drops a connection on disconnect, along with any observer binding.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, connID)
	if observer, ok := r.observerOf[connID]; ok {
		delete(r.connOfObs, observer)
		delete(r.observerOf, connID)
		delete(r.suspect, observer)
	}
}

// Conn implements gorc.ConnRegistry: resolves an observer id to its live
// connection wrapped as a gorc.Conn.
func (r *Registry) Conn(observer gorc.ObjectID) (gorc.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.connOfObs[observer]
	if !ok {
		return nil, false
	}
	conn, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	return conn, true
}

// MarkSuspect implements gorc.ConnRegistry: flags an observer's connection
// as suspect after a send failure. The network layer, not the scheduler,
// decides whether to disconnect (spec.md §4.5).
func (r *Registry) MarkSuspect(observer gorc.ObjectID) {
	r.mu.Lock()
	r.suspect[observer] = true
	r.mu.Unlock()
	r.logger.Warn("connection marked suspect after send failure", log.String("observer_id", string(observer)))
}

// IsSuspect reports whether MarkSuspect has been called for observer since
// its last Remove.
func (r *Registry) IsSuspect(observer gorc.ObjectID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suspect[observer]
}
