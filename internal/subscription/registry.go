package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/solana-ws-proxy/internal/metrics"
	"github.com/rickgao/solana-ws-proxy/internal/queue"
	"github.com/rickgao/solana-ws-proxy/internal/upstream"
)

// Caller issues correlated RPCs over the upstream connection.
type Caller interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Sender delivers payloads to downstream clients by connection id,
// dropping silently when the connection is gone.
type Sender interface {
	Send(connectionID string, payload []byte) error
}

// ErrCancelled reports a subscription torn down while its upstream
// create was still in flight.
var ErrCancelled = errors.New("subscription cancelled")

// createState tracks where a subscription is in its upstream creation.
type createState int

const (
	// createPending: the create RPC is in flight, upstream id unknown.
	createPending createState = iota

	// createActive: the create RPC completed. The subscription may
	// still lack an upstream id after a failed resync.
	createActive

	// createCancelled: torn down while the create RPC was in flight.
	// The completion handler unsubscribes the id once it arrives.
	createCancelled
)

// subscription is one client subscription mapped onto an upstream one.
type subscription struct {
	proxyID string
	connID  string
	method  string
	params  json.RawMessage

	upstreamID  int64
	hasUpstream bool
	state       createState

	// Armed during the grace period between client unsubscribe or
	// disconnect and actual upstream teardown.
	removal *time.Timer
}

// Config configures the registry.
type Config struct {
	// GracePeriod is the delay between client unsubscribe/disconnect
	// and upstream teardown, enabling fast reclaim on resubscribe.
	GracePeriod time.Duration
}

// Registry owns the mapping between client-facing proxy subscription
// ids and upstream subscription ids. Proxy ids are stable for the
// process lifetime; upstream ids churn on every reconnect.
//
// Three lookup tables are kept mutually consistent under one mutex:
// proxy id -> subscription, upstream id -> proxy id, and connection
// id -> proxy id (one subscription per client connection).
type Registry struct {
	cfg      Config
	upstream Caller
	clients  Sender
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	subs       map[string]*subscription
	byUpstream map[int64]string
	byConn     map[string]string
	closed     bool

	// epoch counts upstream connection generations; resync bumps it.
	// An upstream id obtained under an older epoch died with its
	// connection and must never enter byUpstream.
	epoch uint64
}

// NewRegistry creates a subscription registry.
func NewRegistry(cfg Config, caller Caller, clients Sender, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		cfg:        cfg,
		upstream:   caller,
		clients:    clients,
		logger:     logger,
		metrics:    m,
		subs:       make(map[string]*subscription),
		byUpstream: make(map[int64]string),
		byConn:     make(map[string]string),
	}
}

// Run consumes the manager's event stream until it is closed.
func (r *Registry) Run(events *queue.Queue[upstream.Event]) {
	for {
		ev, ok := events.Pop()
		if !ok {
			return
		}
		switch ev.Type {
		case upstream.EventReconnected:
			r.resync()
		case upstream.EventNotification:
			r.dispatch(ev.Notification)
		}
	}
}

// Subscribe creates a subscription for connID. If the connection
// already owns one it is torn down first; if it owns one in its grace
// period with identical method and params, that subscription is
// resurrected without a second upstream create.
func (r *Registry) Subscribe(ctx context.Context, connID, method string, params json.RawMessage) (string, error) {
	if !IsSubscribeMethod(method) {
		return "", fmt.Errorf("unsupported method %q", method)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", upstream.ErrShuttingDown
	}

	// Resurrect a pending-removal subscription of the same connection
	// with identical parameters: cancel the grace timer and reattach.
	for proxyID, sub := range r.subs {
		if sub.connID != connID || sub.removal == nil {
			continue
		}
		if sub.method != method || !bytes.Equal(sub.params, params) {
			continue
		}
		sub.removal.Stop()
		sub.removal = nil
		r.byConn[connID] = proxyID
		r.mu.Unlock()
		r.logger.Debug("subscription resurrected", "proxy_id", proxyID, "conn_id", connID, "method", method)
		return proxyID, nil
	}

	// One subscription per connection: replace any current owner. Its
	// removal from the lookups is synchronous; the upstream teardown
	// proceeds independently.
	if prevID, ok := r.byConn[connID]; ok {
		delete(r.byConn, connID)
		r.purgeLocked(prevID)
	}

	// Insert before sending the create RPC so a concurrent
	// unsubscribe or disconnect can observe and cancel it mid-flight.
	sub := &subscription{
		proxyID: "sub_" + uuid.NewString(),
		connID:  connID,
		method:  method,
		params:  params,
		state:   createPending,
	}
	r.subs[sub.proxyID] = sub
	r.byConn[connID] = sub.proxyID
	r.metrics.SetActiveSubscriptions(len(r.subs))

	for {
		epoch := r.epoch
		r.mu.Unlock()

		result, err := r.upstream.Call(ctx, method, params)

		r.mu.Lock()

		if err != nil {
			r.dropLocked(sub)
			r.mu.Unlock()
			return "", err
		}

		var upstreamID int64
		if perr := json.Unmarshal(result, &upstreamID); perr != nil {
			r.dropLocked(sub)
			r.mu.Unlock()
			return "", fmt.Errorf("parse upstream subscription id: %w", perr)
		}

		if sub.state == createCancelled {
			// Torn down while the create was in flight: unsubscribe the
			// id that just arrived, unless it already died with its
			// connection.
			if epoch == r.epoch {
				go r.teardownUpstream(method, upstreamID)
			}
			r.mu.Unlock()
			return "", ErrCancelled
		}

		if epoch != r.epoch {
			// A reconnect landed while the create was in flight: the id
			// belongs to the dead connection. Re-create against the
			// current one; resync skipped this entry on purpose.
			r.logger.Debug("discarding upstream id from dead connection",
				"proxy_id", sub.proxyID,
				"upstream_id", upstreamID,
			)
			continue
		}

		sub.upstreamID = upstreamID
		sub.hasUpstream = true
		sub.state = createActive
		r.byUpstream[upstreamID] = sub.proxyID
		r.mu.Unlock()

		r.logger.Debug("subscribed",
			"proxy_id", sub.proxyID,
			"conn_id", connID,
			"method", method,
			"upstream_id", upstreamID,
		)
		return sub.proxyID, nil
	}
}

// Unsubscribe schedules grace-period teardown for proxyID. Returns
// false if the id is unknown. No synchronous upstream call is made.
func (r *Registry) Unsubscribe(proxyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[proxyID]
	if !ok {
		return false
	}

	// Release the connection slot immediately so a fast resubscribe
	// does not collide with the departing subscription.
	if r.byConn[sub.connID] == proxyID {
		delete(r.byConn, sub.connID)
	}
	r.armRemovalLocked(sub)
	return true
}

// HandleDisconnect schedules grace-period teardown for the
// connection's subscription, if any.
func (r *Registry) HandleDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proxyID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)

	if sub, ok := r.subs[proxyID]; ok {
		r.armRemovalLocked(sub)
	}
}

// armRemovalLocked arms the single-shot grace timer, replacing any
// prior one.
func (r *Registry) armRemovalLocked(sub *subscription) {
	if sub.removal != nil {
		sub.removal.Stop()
	}
	proxyID := sub.proxyID
	sub.removal = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.removalFired(proxyID)
	})
}

// removalFired runs when a grace timer elapses without resurrection.
func (r *Registry) removalFired(proxyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[proxyID]
	if !ok {
		return
	}
	sub.removal = nil
	r.purgeLocked(proxyID)
}

// purgeLocked removes proxyID from every lookup. If the create RPC is
// still in flight it only flags cancellation, leaving cleanup to the
// completion handler once the upstream id is known; issuing a teardown
// for an id that does not exist yet would be wrong either way.
func (r *Registry) purgeLocked(proxyID string) {
	sub, ok := r.subs[proxyID]
	if !ok {
		return
	}
	if sub.removal != nil {
		sub.removal.Stop()
		sub.removal = nil
	}
	delete(r.subs, proxyID)
	if r.byConn[sub.connID] == proxyID {
		delete(r.byConn, sub.connID)
	}
	r.metrics.SetActiveSubscriptions(len(r.subs))

	if sub.state == createPending {
		sub.state = createCancelled
		return
	}
	if sub.hasUpstream {
		delete(r.byUpstream, sub.upstreamID)
		go r.teardownUpstream(sub.method, sub.upstreamID)
	}
}

// dropLocked removes a subscription whose create RPC failed.
func (r *Registry) dropLocked(sub *subscription) {
	if sub.removal != nil {
		sub.removal.Stop()
		sub.removal = nil
	}
	delete(r.subs, sub.proxyID)
	if r.byConn[sub.connID] == sub.proxyID {
		delete(r.byConn, sub.connID)
	}
	r.metrics.SetActiveSubscriptions(len(r.subs))
}

// teardownUpstream sends the paired unsubscribe RPC. Best effort:
// the client already believes it is unsubscribed, so failures are
// logged and swallowed, leaving the provider to expire the leak.
func (r *Registry) teardownUpstream(method string, upstreamID int64) {
	unsub, ok := UnsubscribeMethod(method)
	if !ok {
		return
	}

	params, _ := json.Marshal([]int64{upstreamID})
	if _, err := r.upstream.Call(context.Background(), unsub, params); err != nil {
		r.logger.Warn("upstream unsubscribe failed",
			"method", unsub,
			"upstream_id", upstreamID,
			"error", err,
		)
	}
}

// clientNotification is the payload forwarded to the owning client,
// with the upstream id rewritten to the proxy id.
type clientNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  notificationParams `json:"params"`
}

type notificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// dispatch forwards one upstream notification to the owning client.
// Unknown upstream ids are dropped: the subscription was already torn
// down, or the id belongs to a previous connection epoch.
func (r *Registry) dispatch(n upstream.Notification) {
	r.mu.Lock()
	proxyID, ok := r.byUpstream[n.Subscription]
	var connID string
	if ok {
		connID = r.subs[proxyID].connID
	}
	r.mu.Unlock()

	if !ok {
		r.metrics.NotificationDropped()
		r.logger.Debug("dropping notification for unknown upstream id",
			"method", n.Method,
			"upstream_id", n.Subscription,
		)
		return
	}

	payload, err := json.Marshal(clientNotification{
		JSONRPC: "2.0",
		Method:  n.Method,
		Params: notificationParams{
			Subscription: proxyID,
			Result:       n.Result,
		},
	})
	if err != nil {
		r.logger.Error("marshal notification", "error", err)
		return
	}

	r.metrics.NotificationForwarded()
	r.clients.Send(connID, payload)
}

// resync re-establishes every subscription after an upstream
// reconnect. All prior upstream ids are invalid, so the reverse table
// is discarded wholesale. Pending-removal subscriptions are torn down
// locally instead of resubscribed: their owners have not returned, and
// they must not outlive a reconnect that could exceed the remaining
// grace window. Client-visible proxy ids never change.
func (r *Registry) resync() {
	r.mu.Lock()

	r.epoch++
	epoch := r.epoch
	r.byUpstream = make(map[int64]string)

	var restore []*subscription
	for proxyID, sub := range r.subs {
		if sub.removal != nil {
			sub.removal.Stop()
			sub.removal = nil
			delete(r.subs, proxyID)
			if r.byConn[sub.connID] == proxyID {
				delete(r.byConn, sub.connID)
			}
			// The old upstream id died with the connection; no RPC.
			r.logger.Debug("dropping pending-removal subscription on reconnect", "proxy_id", proxyID)
			continue
		}

		sub.upstreamID = 0
		sub.hasUpstream = false

		switch sub.state {
		case createActive:
			sub.state = createPending
			restore = append(restore, sub)
		case createPending:
			// The original create is still in flight against the dead
			// connection; its completion handler surfaces the failure.
		}
	}
	r.metrics.SetActiveSubscriptions(len(r.subs))
	count := len(restore)
	r.mu.Unlock()

	if count > 0 {
		r.logger.Info("resubscribing after upstream reconnect", "count", count)
	}

	// Re-issues proceed independently; one failure never aborts the
	// rest.
	for _, sub := range restore {
		go r.reestablish(sub, epoch)
	}
}

// reestablish re-issues one create RPC after a reconnect. epoch is the
// connection generation the re-issue targets; if another reconnect
// lands mid-flight the returned id is dead, and the create is retried
// against the current connection (the newer resync skipped this entry
// while it was pending).
func (r *Registry) reestablish(sub *subscription, epoch uint64) {
	for {
		result, err := r.upstream.Call(context.Background(), sub.method, sub.params)

		r.mu.Lock()

		current, ok := r.subs[sub.proxyID]
		if !ok || current != sub {
			// Torn down while re-creating; drop the fresh id if we got
			// one and it is still live.
			if err == nil && epoch == r.epoch {
				var upstreamID int64
				if json.Unmarshal(result, &upstreamID) == nil {
					go r.teardownUpstream(sub.method, upstreamID)
				}
			}
			r.mu.Unlock()
			return
		}

		if epoch != r.epoch {
			epoch = r.epoch
			r.mu.Unlock()
			continue
		}

		if err != nil {
			sub.state = createActive
			r.logger.Warn("resubscribe failed",
				"proxy_id", sub.proxyID,
				"method", sub.method,
				"error", err,
			)
			r.mu.Unlock()
			return
		}

		var upstreamID int64
		if perr := json.Unmarshal(result, &upstreamID); perr != nil {
			sub.state = createActive
			r.logger.Warn("resubscribe returned unparseable id", "proxy_id", sub.proxyID, "error", perr)
			r.mu.Unlock()
			return
		}

		sub.upstreamID = upstreamID
		sub.hasUpstream = true
		sub.state = createActive
		r.byUpstream[upstreamID] = sub.proxyID
		r.mu.Unlock()

		r.logger.Debug("resubscribed", "proxy_id", sub.proxyID, "upstream_id", upstreamID)
		return
	}
}

// Close cancels every grace timer and stops accepting subscriptions.
// In-flight upstream requests are rejected by the manager's own
// shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for _, sub := range r.subs {
		if sub.removal != nil {
			sub.removal.Stop()
			sub.removal = nil
		}
	}
}

// Stats returns a snapshot for the health surface.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	pendingRemoval := 0
	for _, sub := range r.subs {
		if sub.removal != nil {
			pendingRemoval++
		}
	}

	return Stats{
		Subscriptions:  len(r.subs),
		WithUpstream:   len(r.byUpstream),
		PendingRemoval: pendingRemoval,
	}
}

// Stats is a read-only registry snapshot.
type Stats struct {
	Subscriptions  int
	WithUpstream   int
	PendingRemoval int
}
