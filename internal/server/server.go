// Package server exposes the downstream WebSocket endpoint: connection
// upgrade with origin allow-listing, the per-client protocol loop, and
// the transport hub the subscription registry delivers through.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Subscriptions is the registry surface the protocol loop drives.
type Subscriptions interface {
	Subscribe(ctx context.Context, connID, method string, params json.RawMessage) (string, error)
	Unsubscribe(proxyID string) bool
	HandleDisconnect(connID string)
}

// Config configures the client-facing endpoint.
type Config struct {
	// AllowedOrigins restricts websocket upgrades by Origin header.
	// Empty allows all; "*" entries match any origin.
	AllowedOrigins []string
}

// Server upgrades client connections and runs their protocol loops.
type Server struct {
	cfg    Config
	hub    *Hub
	subs   Subscriptions
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// New creates a server delivering through hub and driving subs.
func New(cfg Config, hub *Hub, subs Subscriptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		hub:    hub,
		subs:   subs,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS handles a websocket upgrade request from a client.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		id:     uuid.NewString(),
		srv:    s,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: s.logger,
	}

	s.hub.add(sess)

	go sess.writePump()
	go sess.readPump()
}

// session is one downstream client connection.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	closeOnce sync.Once
}

// enqueue queues a payload for delivery, dropping it if the client
// cannot keep up.
func (c *session) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("client send buffer full, dropping message", "conn_id", c.id)
	}
}

// readPump reads client messages and drives the protocol until the
// connection dies.
func (c *session) readPump() {
	defer func() {
		c.srv.hub.remove(c.id)
		c.srv.subs.HandleDisconnect(c.id)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("client read error", "conn_id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump delivers queued payloads and keepalive pings.
func (c *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *session) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// handleMessage processes one client request. Malformed input yields a
// structured error reply; the connection stays open.
func (c *session) handleMessage(raw []byte) {
	req, err := parseRequest(raw)
	if err != nil {
		c.reply(errorReply{Type: "error", Message: err.Error()})
		return
	}

	switch req.Action {
	case actionSubscribe:
		proxyID, err := c.srv.subs.Subscribe(context.Background(), c.id, req.Method, req.Params)
		if err != nil {
			c.reply(errorReply{Type: "error", Message: err.Error()})
			return
		}
		c.reply(subscribedReply{Type: "subscribed", SubscriptionID: proxyID, Method: req.Method})

	case actionUnsubscribe:
		if !c.srv.subs.Unsubscribe(req.SubscriptionID) {
			c.reply(errorReply{Type: "error", Message: "unknown subscription " + req.SubscriptionID})
			return
		}
		c.reply(unsubscribedReply{Type: "unsubscribed", SubscriptionID: req.SubscriptionID})
	}
}

func (c *session) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal reply", "error", err)
		return
	}
	c.enqueue(payload)
}
