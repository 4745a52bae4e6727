// Package realtime serves the ProfAI WebSocket protocol: it upgrades HTTP
// requests, routes the JSON frames of each connection to the handlers of a
// per-session agent and streams synthesized audio back as it is produced.
package realtime

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/profai/server/internal/session"
	"github.com/profai/server/internal/telemetry"
)

// ConnectionPolicy tunes the transport of every session.
type ConnectionPolicy struct {
	PingInterval    time.Duration
	PingTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	MaxQueuedFrames int
	Compression     bool
}

// Handler upgrades connections and runs one session per connection.
type Handler struct {
	factories Factories
	opts      Options
	policy    ConnectionPolicy
	metrics   *telemetry.Metrics
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
}

// NewHandler creates the WebSocket entry point.
func NewHandler(factories Factories, opts Options, policy ConnectionPolicy, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		factories: factories,
		opts:      opts,
		policy:    policy,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: policy.Compression,
		},
		sessions: make(map[string]*session.Session),
	}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.ServeWS)
}

// ServeWS upgrades the request and runs the session until it ends.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[realtime] upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	clientID := "profai_client_" + uuid.New().String()
	log.Printf("[realtime] new client %s from %s", clientID, r.RemoteAddr)

	sess := session.New(conn, session.Options{
		ClientID:        clientID,
		PingInterval:    h.policy.PingInterval,
		PingTimeout:     h.policy.PingTimeout,
		WriteTimeout:    h.policy.WriteTimeout,
		MaxFrameBytes:   h.policy.MaxFrameBytes,
		MaxQueuedFrames: h.policy.MaxQueuedFrames,
	})

	if !h.add(sess) {
		sess.Close()
		return
	}
	defer h.remove(sess)

	h.metrics.RecordSessionStart()
	defer func() {
		stats := sess.Stats()
		h.metrics.RecordSessionEnd(sess.Closure().String(), stats.Duration)
		log.Printf("[realtime] %s finished after %s: %s", clientID, stats.Duration.Round(time.Millisecond), sess.Monitor())
	}()
	defer sess.Close()

	agent := NewAgent(sess, h.factories, h.opts, h.metrics)
	if err := agent.Ready(); err != nil {
		log.Printf("[realtime] %s connection_ready not delivered: %v", clientID, err)
		return
	}

	if err := NewRouter(sess, agent, h.metrics).Run(sess.Context()); err != nil {
		log.Printf("[realtime] %s ended with error: %v", clientID, err)
	}
}

// ActiveSessions returns the number of connected sessions.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every session and waits for their handlers to return. New
// connections are refused afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.sessions = nil
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	h.wg.Wait()
}

func (h *Handler) add(sess *session.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions == nil {
		return false
	}
	h.sessions[sess.ID()] = sess
	h.wg.Add(1)
	return true
}

func (h *Handler) remove(sess *session.Session) {
	h.mu.Lock()
	if h.sessions != nil {
		delete(h.sessions, sess.ID())
	}
	h.mu.Unlock()
	h.wg.Done()
}
