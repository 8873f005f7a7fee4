package server

import (
	"log/slog"
	"sync"

	"github.com/rickgao/solana-ws-proxy/internal/metrics"
)

// Hub is the client transport registry: it tracks open downstream
// connections by id and delivers payloads to them. It knows nothing
// about the subscription protocol.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*session),
	}
}

// Send delivers payload to the connection, dropping silently if it is
// gone.
func (h *Hub) Send(connectionID string, payload []byte) error {
	h.mu.RLock()
	sess, ok := h.sessions[connectionID]
	h.mu.RUnlock()

	if !ok {
		return nil
	}
	sess.enqueue(payload)
	return nil
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) add(sess *session) {
	h.mu.Lock()
	h.sessions[sess.id] = sess
	count := len(h.sessions)
	h.mu.Unlock()

	h.metrics.SetClientConnections(count)
	h.logger.Debug("client connected", "conn_id", sess.id, "clients", count)
}

func (h *Hub) remove(connectionID string) {
	h.mu.Lock()
	_, ok := h.sessions[connectionID]
	if ok {
		delete(h.sessions, connectionID)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if ok {
		h.metrics.SetClientConnections(count)
		h.logger.Debug("client disconnected", "conn_id", connectionID, "clients", count)
	}
}
