package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/solana-ws-proxy/internal/queue"
	"github.com/rickgao/solana-ws-proxy/internal/upstream"
)

type upstreamCall struct {
	method string
	params string
}

// fakeCaller simulates the upstream manager. Subscribe methods return
// incrementing upstream ids; unsubscribe methods return true.
type fakeCaller struct {
	nextID atomic.Int64

	mu            sync.Mutex
	calls         []upstreamCall
	failSubscribe bool

	// When non-nil, subscribe calls block until the channel closes.
	blockSubscribe chan struct{}
}

func (f *fakeCaller) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{method: method, params: string(params)})
	block := f.blockSubscribe
	fail := f.failSubscribe
	f.mu.Unlock()

	if strings.HasSuffix(method, "Unsubscribe") {
		return json.RawMessage(`true`), nil
	}

	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("subscribe failed")
	}

	id := f.nextID.Add(1)
	return json.RawMessage(strconv.FormatInt(id, 10)), nil
}

func (f *fakeCaller) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeCaller) lastCall(method string) (upstreamCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i], true
		}
	}
	return upstreamCall{}, false
}

// fakeSender records payloads per connection id.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte)}
}

func (f *fakeSender) Send(connectionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connectionID] = append(f.sent[connectionID], payload)
	return nil
}

func (f *fakeSender) count(connectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[connectionID])
}

func (f *fakeSender) last(connectionID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[connectionID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(grace time.Duration) (*Registry, *fakeCaller, *fakeSender) {
	caller := &fakeCaller{}
	sender := newFakeSender()
	reg := NewRegistry(Config{GracePeriod: grace}, caller, sender, nil, testLogger())
	return reg, caller, sender
}

func TestRegistry_SubscribeAndDispatch(t *testing.T) {
	reg, caller, sender := newTestRegistry(time.Minute)
	defer reg.Close()

	params := json.RawMessage(`[{"commitment":"finalized"}]`)
	proxyID, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", params)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !strings.HasPrefix(proxyID, "sub_") {
		t.Errorf("proxyID = %q, want sub_ prefix", proxyID)
	}
	if n := caller.callCount("slotSubscribe"); n != 1 {
		t.Errorf("slotSubscribe calls = %d, want 1", n)
	}

	stats := reg.Stats()
	if stats.Subscriptions != 1 || stats.WithUpstream != 1 {
		t.Errorf("Stats = %+v, want 1 subscription with upstream", stats)
	}

	reg.dispatch(upstream.Notification{
		Method:       "slotNotification",
		Subscription: 1,
		Result:       json.RawMessage(`{"slot":42}`),
	})

	if sender.count("conn1") != 1 {
		t.Fatalf("sent to conn1 = %d messages, want 1", sender.count("conn1"))
	}

	var notif clientNotification
	if err := json.Unmarshal(sender.last("conn1"), &notif); err != nil {
		t.Fatalf("unmarshal forwarded notification: %v", err)
	}
	if notif.Method != "slotNotification" {
		t.Errorf("Method = %q, want slotNotification", notif.Method)
	}
	if notif.Params.Subscription != proxyID {
		t.Errorf("Subscription = %q, want proxy id %q", notif.Params.Subscription, proxyID)
	}
	if string(notif.Params.Result) != `{"slot":42}` {
		t.Errorf("Result = %s, want {\"slot\":42}", notif.Params.Result)
	}
}

func TestRegistry_DispatchUnknownUpstreamID(t *testing.T) {
	reg, _, sender := newTestRegistry(time.Minute)
	defer reg.Close()

	reg.dispatch(upstream.Notification{
		Method:       "slotNotification",
		Subscription: 99,
		Result:       json.RawMessage(`{}`),
	})

	if sender.count("conn1") != 0 {
		t.Error("notification for unknown upstream id was forwarded")
	}
}

func TestRegistry_SubscribeUnsupportedMethod(t *testing.T) {
	reg, caller, _ := newTestRegistry(time.Minute)
	defer reg.Close()

	if _, err := reg.Subscribe(context.Background(), "conn1", "voteSubscribe", nil); err == nil {
		t.Fatal("Subscribe accepted unsupported method")
	}
	if len(caller.calls) != 0 {
		t.Error("unsupported method reached the upstream")
	}
}

func TestRegistry_SubscribeFailure(t *testing.T) {
	reg, caller, _ := newTestRegistry(time.Minute)
	defer reg.Close()
	caller.failSubscribe = true

	if _, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil); err == nil {
		t.Fatal("Subscribe did not surface upstream failure")
	}
	if stats := reg.Stats(); stats.Subscriptions != 0 {
		t.Errorf("Subscriptions = %d after failed create, want 0", stats.Subscriptions)
	}
}

func TestRegistry_UnsubscribeGracePeriod(t *testing.T) {
	reg, caller, _ := newTestRegistry(50 * time.Millisecond)
	defer reg.Close()

	proxyID, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !reg.Unsubscribe(proxyID) {
		t.Fatal("Unsubscribe returned false for known id")
	}
	if reg.Unsubscribe("sub_nope") {
		t.Error("Unsubscribe returned true for unknown id")
	}

	// Teardown is deferred: the upstream subscription survives the
	// grace window.
	if stats := reg.Stats(); stats.PendingRemoval != 1 || stats.WithUpstream != 1 {
		t.Errorf("Stats = %+v, want 1 pending removal still holding upstream", stats)
	}
	if n := caller.callCount("slotUnsubscribe"); n != 0 {
		t.Errorf("slotUnsubscribe calls before grace expiry = %d, want 0", n)
	}

	time.Sleep(150 * time.Millisecond)

	if stats := reg.Stats(); stats.Subscriptions != 0 {
		t.Errorf("Subscriptions after grace expiry = %d, want 0", stats.Subscriptions)
	}
	if n := caller.callCount("slotUnsubscribe"); n != 1 {
		t.Errorf("slotUnsubscribe calls = %d, want 1", n)
	}
	if call, ok := caller.lastCall("slotUnsubscribe"); ok && call.params != "[1]" {
		t.Errorf("unsubscribe params = %s, want [1]", call.params)
	}
}

func TestRegistry_ResurrectionWithinGrace(t *testing.T) {
	reg, caller, _ := newTestRegistry(time.Minute)
	defer reg.Close()

	params := json.RawMessage(`["pubkey111"]`)
	proxyID, err := reg.Subscribe(context.Background(), "conn1", "accountSubscribe", params)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	reg.HandleDisconnect("conn1")
	if stats := reg.Stats(); stats.PendingRemoval != 1 {
		t.Fatalf("PendingRemoval = %d, want 1", stats.PendingRemoval)
	}

	// Same connection id, identical request: the original subscription
	// is reclaimed without a second upstream create.
	again, err := reg.Subscribe(context.Background(), "conn1", "accountSubscribe", params)
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}
	if again != proxyID {
		t.Errorf("resubscribe returned %q, want original %q", again, proxyID)
	}
	if n := caller.callCount("accountSubscribe"); n != 1 {
		t.Errorf("accountSubscribe calls = %d, want 1", n)
	}
	if stats := reg.Stats(); stats.PendingRemoval != 0 {
		t.Errorf("PendingRemoval after resurrection = %d, want 0", stats.PendingRemoval)
	}
}

func TestRegistry_DifferentParamsNoResurrection(t *testing.T) {
	reg, caller, _ := newTestRegistry(time.Minute)
	defer reg.Close()

	first, err := reg.Subscribe(context.Background(), "conn1", "accountSubscribe", json.RawMessage(`["pubkey111"]`))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	reg.HandleDisconnect("conn1")

	second, err := reg.Subscribe(context.Background(), "conn1", "accountSubscribe", json.RawMessage(`["pubkey222"]`))
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	if second == first {
		t.Error("different params resurrected the old subscription")
	}
	if n := caller.callCount("accountSubscribe"); n != 2 {
		t.Errorf("accountSubscribe calls = %d, want 2", n)
	}
}

func TestRegistry_ReplaceExistingSubscription(t *testing.T) {
	reg, caller, _ := newTestRegistry(time.Minute)
	defer reg.Close()

	first, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	second, err := reg.Subscribe(context.Background(), "conn1", "rootSubscribe", nil)
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	if second == first {
		t.Error("replacement reused the old proxy id")
	}

	if stats := reg.Stats(); stats.Subscriptions != 1 {
		t.Errorf("Subscriptions = %d, want 1", stats.Subscriptions)
	}

	// The replaced subscription is torn down upstream in the background.
	deadline := time.After(time.Second)
	for caller.callCount("slotUnsubscribe") == 0 {
		select {
		case <-deadline:
			t.Fatal("replaced subscription was never unsubscribed upstream")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry_NoDedupAcrossConnections(t *testing.T) {
	reg, caller, _ := newTestRegistry(time.Minute)
	defer reg.Close()

	params := json.RawMessage(`["pubkey111"]`)
	p1, err := reg.Subscribe(context.Background(), "conn1", "accountSubscribe", params)
	if err != nil {
		t.Fatalf("Subscribe conn1 failed: %v", err)
	}
	p2, err := reg.Subscribe(context.Background(), "conn2", "accountSubscribe", params)
	if err != nil {
		t.Fatalf("Subscribe conn2 failed: %v", err)
	}

	if p1 == p2 {
		t.Error("identical requests from different connections shared a proxy id")
	}
	if n := caller.callCount("accountSubscribe"); n != 2 {
		t.Errorf("accountSubscribe calls = %d, want 2", n)
	}
	if stats := reg.Stats(); stats.Subscriptions != 2 || stats.WithUpstream != 2 {
		t.Errorf("Stats = %+v, want 2 independent subscriptions", stats)
	}
}

func TestRegistry_CancelDuringCreate(t *testing.T) {
	reg, caller, _ := newTestRegistry(20 * time.Millisecond)
	defer reg.Close()

	caller.blockSubscribe = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
		done <- err
	}()

	// Wait for the create RPC to be in flight.
	deadline := time.After(time.Second)
	for caller.callCount("slotSubscribe") == 0 {
		select {
		case <-deadline:
			t.Fatal("subscribe never reached the upstream")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Disconnect while the create is still pending, then let the grace
	// window elapse so the removal fires before the id arrives.
	reg.HandleDisconnect("conn1")
	time.Sleep(60 * time.Millisecond)

	close(caller.blockSubscribe)
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("cancelled Subscribe returned %v, want ErrCancelled", err)
	}

	// The late-arriving upstream id must be unsubscribed, not installed.
	deadline = time.After(time.Second)
	for caller.callCount("slotUnsubscribe") == 0 {
		select {
		case <-deadline:
			t.Fatal("late upstream id was never torn down")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if stats := reg.Stats(); stats.Subscriptions != 0 || stats.WithUpstream != 0 {
		t.Errorf("Stats = %+v, want empty registry", stats)
	}
}

func TestRegistry_ReconnectDuringCreateDiscardsStaleID(t *testing.T) {
	reg, caller, sender := newTestRegistry(time.Minute)
	defer reg.Close()

	caller.blockSubscribe = make(chan struct{})

	type outcome struct {
		proxyID string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
		done <- outcome{proxyID: id, err: err}
	}()

	// Wait for the create RPC to be in flight, then reconnect under it.
	deadline := time.After(time.Second)
	for caller.callCount("slotSubscribe") == 0 {
		select {
		case <-deadline:
			t.Fatal("subscribe never reached the upstream")
		case <-time.After(5 * time.Millisecond):
		}
	}
	reg.resync()

	// The held response resolves with id 1, issued on the connection
	// that just died; the create must be retried, yielding id 2.
	close(caller.blockSubscribe)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return")
	}
	if out.err != nil {
		t.Fatalf("Subscribe failed: %v", out.err)
	}
	if n := caller.callCount("slotSubscribe"); n != 2 {
		t.Errorf("slotSubscribe calls = %d, want 2 (original + retry)", n)
	}

	reg.dispatch(upstream.Notification{Method: "slotNotification", Subscription: 1, Result: json.RawMessage(`{}`)})
	if sender.count("conn1") != 0 {
		t.Error("notification for dead-connection upstream id was forwarded")
	}

	reg.dispatch(upstream.Notification{Method: "slotNotification", Subscription: 2, Result: json.RawMessage(`{}`)})
	if sender.count("conn1") != 1 {
		t.Fatal("notification for the retried upstream id was not forwarded")
	}

	var notif clientNotification
	if err := json.Unmarshal(sender.last("conn1"), &notif); err != nil {
		t.Fatalf("unmarshal forwarded notification: %v", err)
	}
	if notif.Params.Subscription != out.proxyID {
		t.Errorf("Subscription = %q, want proxy id %q", notif.Params.Subscription, out.proxyID)
	}
}

func TestRegistry_ReconnectDuringReestablishDiscardsStaleID(t *testing.T) {
	reg, caller, sender := newTestRegistry(time.Minute)
	defer reg.Close()

	proxyID, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	block := make(chan struct{})
	caller.mu.Lock()
	caller.blockSubscribe = block
	caller.mu.Unlock()

	// First reconnect: the re-create blocks in flight.
	reg.resync()
	deadline := time.After(time.Second)
	for caller.callCount("slotSubscribe") < 2 {
		select {
		case <-deadline:
			t.Fatal("resync never re-issued the create")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Second reconnect while the re-create is still pending: id 2
	// belongs to the connection that just died and must be retried,
	// yielding id 3.
	reg.resync()
	close(block)

	deadline = time.After(time.Second)
	for reg.Stats().WithUpstream == 0 {
		select {
		case <-deadline:
			t.Fatal("subscription was never restored")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if n := caller.callCount("slotSubscribe"); n != 3 {
		t.Errorf("slotSubscribe calls = %d, want 3 (original + stale re-create + retry)", n)
	}

	reg.dispatch(upstream.Notification{Method: "slotNotification", Subscription: 2, Result: json.RawMessage(`{}`)})
	if sender.count("conn1") != 0 {
		t.Error("notification for dead-connection upstream id was forwarded")
	}

	reg.dispatch(upstream.Notification{Method: "slotNotification", Subscription: 3, Result: json.RawMessage(`{}`)})
	if sender.count("conn1") != 1 {
		t.Fatal("notification for the retried upstream id was not forwarded")
	}

	var notif clientNotification
	if err := json.Unmarshal(sender.last("conn1"), &notif); err != nil {
		t.Fatalf("unmarshal forwarded notification: %v", err)
	}
	if notif.Params.Subscription != proxyID {
		t.Errorf("Subscription = %q, want unchanged proxy id %q", notif.Params.Subscription, proxyID)
	}
}

func TestRegistry_ResyncStableProxyIDs(t *testing.T) {
	reg, caller, sender := newTestRegistry(time.Minute)
	defer reg.Close()

	proxyID, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	reg.resync()

	// Wait for the background re-create to install the fresh id.
	deadline := time.After(time.Second)
	for reg.Stats().WithUpstream == 0 {
		select {
		case <-deadline:
			t.Fatal("resync never restored the subscription")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if n := caller.callCount("slotSubscribe"); n != 2 {
		t.Errorf("slotSubscribe calls = %d, want 2 (initial + resync)", n)
	}

	// The stale upstream id is dropped; the fresh one routes to the
	// original proxy id.
	reg.dispatch(upstream.Notification{Method: "slotNotification", Subscription: 1, Result: json.RawMessage(`{}`)})
	if sender.count("conn1") != 0 {
		t.Error("notification for stale upstream id was forwarded")
	}

	reg.dispatch(upstream.Notification{Method: "slotNotification", Subscription: 2, Result: json.RawMessage(`{}`)})
	if sender.count("conn1") != 1 {
		t.Fatal("notification for fresh upstream id was not forwarded")
	}

	var notif clientNotification
	if err := json.Unmarshal(sender.last("conn1"), &notif); err != nil {
		t.Fatalf("unmarshal forwarded notification: %v", err)
	}
	if notif.Params.Subscription != proxyID {
		t.Errorf("Subscription = %q, want unchanged proxy id %q", notif.Params.Subscription, proxyID)
	}
}

func TestRegistry_ResyncPurgesPendingRemoval(t *testing.T) {
	reg, caller, _ := newTestRegistry(time.Minute)
	defer reg.Close()

	proxyID, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	reg.Unsubscribe(proxyID)

	reg.resync()

	// The old upstream id died with the connection: the subscription is
	// dropped locally without an unsubscribe RPC and without re-create.
	if stats := reg.Stats(); stats.Subscriptions != 0 {
		t.Errorf("Subscriptions = %d, want 0", stats.Subscriptions)
	}
	time.Sleep(50 * time.Millisecond)
	if n := caller.callCount("slotUnsubscribe"); n != 0 {
		t.Errorf("slotUnsubscribe calls = %d, want 0", n)
	}
	if n := caller.callCount("slotSubscribe"); n != 1 {
		t.Errorf("slotSubscribe calls = %d, want 1 (no re-create)", n)
	}
}

func TestRegistry_RunConsumesEvents(t *testing.T) {
	reg, _, sender := newTestRegistry(time.Minute)
	defer reg.Close()

	proxyID, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_ = proxyID

	events := queue.New[upstream.Event](8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(events)
	}()

	events.Push(upstream.Event{
		Type: upstream.EventNotification,
		Notification: upstream.Notification{
			Method:       "slotNotification",
			Subscription: 1,
			Result:       json.RawMessage(`{}`),
		},
	})

	deadline := time.After(time.Second)
	for sender.count("conn1") == 0 {
		select {
		case <-deadline:
			t.Fatal("notification was not forwarded through Run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	events.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the event queue closed")
	}
}

func TestRegistry_SubscribeAfterClose(t *testing.T) {
	reg, _, _ := newTestRegistry(time.Minute)
	reg.Close()

	if _, err := reg.Subscribe(context.Background(), "conn1", "slotSubscribe", nil); err != upstream.ErrShuttingDown {
		t.Errorf("Subscribe after Close = %v, want ErrShuttingDown", err)
	}
}
