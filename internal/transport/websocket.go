package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zeusync/gorcd/internal/core/observability/log"
	"github.com/zeusync/gorcd/internal/core/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn wraps a *websocket.Conn behind the Conn interface. One mutex
// guards writes since gorilla's Conn forbids concurrent writers, mirroring
// the teacher's per-Room mutex discipline in internal/server/websocket.go.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) SendFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error { return c.conn.Close() }

// WebSocketServer upgrades HTTP connections to WebSocket and feeds every
// inbound text frame to the Router, the WebSocket half of spec.md §6's
// transport, grounded on internal/server/websocket.go's
// upgrader/handleWebSocket shape (trimmed of the teacher's room/chat-
// history demo logic, which this repository has no use for).
type WebSocketServer struct {
	addr     string
	router   *router.Router
	registry *Registry
	logger   log.Log

	httpServer *http.Server
}

func NewWebSocketServer(addr string, r *router.Router, registry *Registry, logger log.Log) *WebSocketServer {
	return &WebSocketServer{addr: addr, router: r, registry: registry, logger: logger}
}

func (s *WebSocketServer) Start(context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket listener stopped", log.Error(err))
		}
	}()
	return nil
}

func (s *WebSocketServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", log.Error(err))
		return
	}

	connID := uuid.NewString()
	wc := &wsConn{conn: conn}
	s.registry.Add(connID, wc)
	defer func() {
		s.registry.Remove(connID)
		_ = wc.Close()
	}()

	s.logger.Info("websocket connection accepted", log.String("conn_id", connID), log.String("remote_addr", wc.RemoteAddr()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket connection closed", log.String("conn_id", connID), log.Error(err))
			return
		}
		if err := s.router.HandleInbound(connID, data, wc); err != nil {
			s.logger.Debug("router rejected inbound frame",
				log.String("conn_id", connID), log.Error(err))
		}
	}
}

