// Package controlplane implements component C12: the HTTP REST surface
// and WebSocket event broadcaster through which operators query status,
// control recordings and streams, edit configuration, and browse the
// storage index.
//
// Grounded on the teacher's internal/websocket/server.go (http.Server
// plus gorilla/websocket upgrader, atomic running flag, stopOnce/wg
// shutdown, thin-delegation handlers with no business logic in the
// transport layer) and on the original Python service's api/server.py
// for the route list and /ws broadcast shape.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/usda-vision/coordinator/internal/cameramanager"
	"github.com/usda-vision/coordinator/internal/config"
	"github.com/usda-vision/coordinator/internal/errs"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
	"github.com/usda-vision/coordinator/internal/storageindex"
	"github.com/usda-vision/coordinator/internal/store"
)

const (
	broadcastBuffer  = 256
	clientSendBuffer = 64
)

// AutoRecordingToggle is the narrow surface of the Auto-Record
// Controller the control plane needs for enable/disable endpoints.
type AutoRecordingToggle interface {
	Enable(cameraName string) error
	Disable(cameraName string) error
}

// Server hosts the REST handlers and the /ws event broadcaster.
type Server struct {
	cfgManager *config.Manager
	store      *store.Store
	index      *storageindex.Index
	mgr        *cameramanager.Manager
	auto       AutoRecordingToggle
	busStats   func() interface{}
	bus        *eventbus.Bus
	logger     *logging.Logger

	httpServer *http.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader

	running int32

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	broadcastCh chan []byte
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsEnvelope is the shape every broadcast event is wrapped in (spec §6
// "WS /ws — server broadcasts {type:"event", ...}").
type wsEnvelope struct {
	Type      string      `json:"type"`
	EventType string      `json:"event_type"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// New builds a Server. busStats is a thunk rather than a concrete type
// to avoid controlplane importing busclient just for its Stats struct.
func New(cfgManager *config.Manager, st *store.Store, index *storageindex.Index, mgr *cameramanager.Manager, auto AutoRecordingToggle, busStats func() interface{}, bus *eventbus.Bus, logger *logging.Logger) *Server {
	return &Server{
		cfgManager:  cfgManager,
		store:       st,
		index:       index,
		mgr:         mgr,
		auto:        auto,
		busStats:    busStats,
		bus:         bus,
		logger:      logger,
		clients:     make(map[*wsClient]struct{}),
		broadcastCh: make(chan []byte, broadcastBuffer),
		stopChan:    make(chan struct{}),
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Start registers routes, subscribes to the event bus, and begins
// serving on addr. The run loop that fans events out to clients is the
// "transport's own execution context" required by spec §5: the
// event-bus subscriber callback (running on the publisher's goroutine)
// only ever enqueues onto broadcastCh, never touches a websocket.Conn.
func (s *Server) Start(addr string) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil
	}

	s.mux = http.NewServeMux()
	s.registerRoutes()

	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}

	for _, topic := range allBroadcastTopics {
		topic := topic
		s.bus.Subscribe(topic, func(ev eventbus.Event) { s.onEvent(ev) })
	}

	s.wg.Add(1)
	go s.runLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("control plane listener stopped: %v", err)
		}
	}()

	return nil
}

var allBroadcastTopics = []eventbus.Topic{
	eventbus.TopicMachineStateChanged,
	eventbus.TopicCameraStatusChanged,
	eventbus.TopicRecordingStarted,
	eventbus.TopicRecordingStopped,
	eventbus.TopicRecordingError,
	eventbus.TopicBusConnected,
	eventbus.TopicBusDisconnected,
	eventbus.TopicSystemShutdown,
}

// onEvent runs on the event bus publisher's goroutine; it must not
// block or touch a websocket.Conn.
func (s *Server) onEvent(ev eventbus.Event) {
	payload, err := json.Marshal(wsEnvelope{
		Type:      "event",
		EventType: string(ev.Topic),
		Source:    ev.Source,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return
	}
	select {
	case s.broadcastCh <- payload:
	default:
		s.logger.Warn("broadcast channel full, dropping event")
	}
}

// runLoop is the control plane's own execution context: it owns
// broadcastCh and every client's send channel.
func (s *Server) runLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case payload := <-s.broadcastCh:
			s.clientsMu.RLock()
			for c := range s.clients {
				select {
				case c.send <- payload:
				default:
				}
			}
			s.clientsMu.RUnlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	s.wg.Add(1)
	go s.clientWritePump(client)

	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) clientWritePump(c *wsClient) {
	defer s.wg.Done()
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

// Stop gracefully shuts down the HTTP listener and the run loop
// (satisfies common.Stoppable).
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopChan) })

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.clientsMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.Unlock()

	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	writeJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"kind":      string(kind),
		"details":   string(kind),
		"timestamp": time.Now(),
	})
}

func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
