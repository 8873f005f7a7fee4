package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/solana-ws-proxy/internal/metrics"
	"github.com/rickgao/solana-ws-proxy/internal/queue"
)

type connectionState int

const (
	stateDisconnected connectionState = iota
	stateConnecting
	stateOpen
)

// callOutcome is the single result delivered to a Call waiter.
type callOutcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest correlates an in-flight request with its waiter.
// Created on send, destroyed on matching response or timeout,
// whichever comes first; never reused after removal.
type pendingRequest struct {
	ch    chan callOutcome
	timer *time.Timer
}

// Manager owns the single long-lived WebSocket connection to the
// provider: connect/reconnect with exponential backoff, request and
// response correlation with a fixed timeout, and classification of
// inbound frames into responses vs subscription notifications.
//
// Notifications and reconnect signals share one ordered event stream
// consumed by the subscription registry.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	events *queue.Queue[Event]

	// Correlation id counter. Never reset, including across reconnects.
	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest
	// Set by Close under pendingMu before the drain, so a Call racing
	// Close cannot insert an entry after the map was emptied.
	pendingClosed bool

	mu           sync.Mutex
	conn         *client
	state        connectionState
	closed       bool
	reconnecting bool
	attempts     int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a connection manager. It does not connect;
// call Connect.
func NewManager(cfg ManagerConfig, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		events:  queue.New[Event](64),
		pending: make(map[int64]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// Events returns the ordered stream of notifications and reconnect
// signals. Closed by Close once no further events can be produced.
func (m *Manager) Events() *queue.Queue[Event] {
	return m.events
}

// Connect establishes the upstream connection. It is idempotent while
// connecting or open, and a no-op after Close. On dial failure the
// reconnect loop takes over, so a non-nil return still leaves the
// manager converging toward a connection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.state != stateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = stateConnecting
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.logger.Warn("upstream connect failed, scheduling retry", "url", m.cfg.URL, "error", err)
		m.scheduleReconnect()
		return err
	}
	return nil
}

// dial performs one connection attempt and, on success, starts the
// read loop and emits a reconnected event.
func (m *Manager) dial(ctx context.Context) error {
	cl := newClient(ClientConfig{
		URL:          m.cfg.URL,
		PingInterval: m.cfg.PingInterval,
		PingTimeout:  m.cfg.PingTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger)

	if err := cl.connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cl.close()
		return ErrShuttingDown
	}
	m.conn = cl
	m.state = stateOpen
	m.attempts = 0
	m.mu.Unlock()

	m.metrics.SetUpstreamConnected(true)
	m.metrics.ReconnectObserved()

	m.wg.Add(1)
	go m.readLoop(cl)

	m.events.Push(Event{Type: EventReconnected})

	m.logger.Info("upstream connected", "url", m.cfg.URL)
	return nil
}

// scheduleReconnect starts the backoff loop unless one is already
// running or the manager is closed.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop retries with exponential backoff until a connection
// succeeds or the manager is closed. The attempt counter resets only
// after a successful connect.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		attempt := m.attempts
		m.attempts++
		m.mu.Unlock()

		wait := m.backoff(attempt)

		select {
		case <-m.done:
			return
		case <-time.After(wait):
		}

		m.logger.Info("attempting upstream reconnect", "attempt", attempt+1, "waited", wait)

		if err := m.dial(context.Background()); err != nil {
			m.logger.Warn("upstream reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
		return
	}
}

// backoff returns the wait before the given zero-based attempt.
func (m *Manager) backoff(attempt int) time.Duration {
	wait := m.cfg.ReconnectBaseWait
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= m.cfg.ReconnectMaxWait {
			return m.cfg.ReconnectMaxWait
		}
	}
	if wait > m.cfg.ReconnectMaxWait {
		wait = m.cfg.ReconnectMaxWait
	}
	return wait
}

// readLoop consumes frames from one connection until it fails or the
// manager shuts down.
func (m *Manager) readLoop(cl *client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case err := <-cl.errors:
			m.logger.Warn("upstream connection lost", "error", err)
			m.handleDisconnect(cl)
			return

		case data, ok := <-cl.messages:
			if !ok {
				m.handleDisconnect(cl)
				return
			}
			m.handleFrame(data)
		}
	}
}

// handleDisconnect drops the failed transport and hands off to the
// reconnect loop. In-flight requests are left to their timers: the
// fixed timeout is the sole liveness signal, letting timeout and
// reconnection race naturally.
func (m *Manager) handleDisconnect(cl *client) {
	cl.close()
	m.metrics.SetUpstreamConnected(false)

	m.mu.Lock()
	if m.conn == cl {
		m.conn = nil
	}
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = stateConnecting
	m.mu.Unlock()

	m.scheduleReconnect()
}

// handleFrame classifies one inbound frame: a numeric id matching a
// pending request is a response; a frame with a method name and no
// matching id is a notification, forwarded verbatim.
func (m *Manager) handleFrame(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("unparseable upstream frame", "error", err)
		return
	}

	if msg.ID != nil {
		m.resolve(*msg.ID, &msg)
		return
	}

	if msg.Method == "" {
		m.logger.Debug("upstream frame with no id or method, ignoring")
		return
	}

	var np notificationParams
	if err := json.Unmarshal(msg.Params, &np); err != nil {
		m.logger.Warn("malformed notification params", "method", msg.Method, "error", err)
		return
	}

	m.events.Push(Event{
		Type: EventNotification,
		Notification: Notification{
			Method:       msg.Method,
			Subscription: np.Subscription,
			Result:       np.Result,
		},
	})
}

// resolve delivers a response to its waiter. The pending entry is
// removed and its timeout stopped before delivery, so a concurrently
// firing timeout can never double-resolve.
func (m *Manager) resolve(id int64, msg *inboundMessage) {
	pr := m.takePending(id)
	if pr == nil {
		// Already timed out, or a stale response from a previous epoch.
		m.logger.Debug("response for unknown request id", "id", id)
		return
	}
	pr.timer.Stop()

	if msg.Error != nil {
		m.metrics.RequestObserved("upstream_error")
		pr.ch <- callOutcome{err: msg.Error}
		return
	}
	m.metrics.RequestObserved("ok")
	pr.ch <- callOutcome{result: msg.Result}
}

// takePending removes and returns the pending entry for id, or nil.
// Whoever takes the entry owns delivery.
func (m *Manager) takePending(id int64) *pendingRequest {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	pr, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return pr
}

// Call sends a request over the upstream connection and waits for the
// matching response, the fixed timeout, or context cancellation.
// Exactly one outcome reaches the caller.
func (m *Manager) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	cl := m.conn
	open := m.state == stateOpen && cl != nil && cl.isConnected()
	m.mu.Unlock()

	if !open {
		m.metrics.RequestObserved("not_connected")
		return nil, ErrNotConnected
	}

	id := m.nextID.Add(1)
	pr := &pendingRequest{ch: make(chan callOutcome, 1)}

	m.pendingMu.Lock()
	if m.pendingClosed {
		m.pendingMu.Unlock()
		return nil, ErrShuttingDown
	}
	m.pending[id] = pr
	pr.timer = time.AfterFunc(m.cfg.RequestTimeout, func() {
		if m.takePending(id) != nil {
			m.metrics.RequestObserved("timeout")
			pr.ch <- callOutcome{err: ErrTimeout}
		}
	})
	m.pendingMu.Unlock()

	body, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		if m.takePending(id) != nil {
			pr.timer.Stop()
		}
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := cl.send(body); err != nil {
		if m.takePending(id) != nil {
			pr.timer.Stop()
		}
		m.metrics.RequestObserved("send_error")
		return nil, err
	}

	select {
	case out := <-pr.ch:
		return out.result, out.err
	case <-ctx.Done():
		if m.takePending(id) != nil {
			pr.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// Close shuts the manager down: rejects every outstanding request with
// ErrShuttingDown, drops the transport, and closes the event stream.
// Further Connect calls become no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = stateDisconnected
	cl := m.conn
	m.conn = nil
	m.mu.Unlock()

	close(m.done)

	m.pendingMu.Lock()
	m.pendingClosed = true
	for id, pr := range m.pending {
		delete(m.pending, id)
		pr.timer.Stop()
		pr.ch <- callOutcome{err: ErrShuttingDown}
	}
	m.pendingMu.Unlock()

	if cl != nil {
		cl.close()
	}
	m.metrics.SetUpstreamConnected(false)

	m.wg.Wait()
	m.events.Close()

	m.logger.Info("upstream manager stopped")
	return nil
}

// Stats returns a snapshot for the health surface.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	connected := m.state == stateOpen && m.conn != nil && m.conn.isConnected()
	attempts := m.attempts
	m.mu.Unlock()

	m.pendingMu.Lock()
	pending := len(m.pending)
	m.pendingMu.Unlock()

	return ManagerStats{
		Connected:         connected,
		ReconnectAttempts: attempts,
		PendingRequests:   pending,
	}
}
