package notify

import (
	"testing"

	"github.com/caphub/caphub-go/envelope"
)

func mustNotification(t *testing.T, typ string) *envelope.Notification {
	t.Helper()
	n, err := envelope.NewNotification(typ, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	return n
}

func TestRegisterEmitsConnected(t *testing.T) {
	h := NewHub()
	ch := h.Register("c1")

	select {
	case n := <-ch:
		if n.Type != "connected" {
			t.Errorf("first notification type = %q, want connected", n.Type)
		}
	default:
		t.Fatal("expected connected notification buffered on registration")
	}
}

func TestSendToUnregisteredClient(t *testing.T) {
	h := NewHub()
	if h.Send("ghost", mustNotification(t, "request-completed")) {
		t.Error("Send to unregistered client should report false")
	}
}

func TestSendDeliversAndQueues(t *testing.T) {
	h := NewHub()
	ch := h.Register("c1")
	<-ch // connected

	n := mustNotification(t, "request-completed")
	if !h.Send("c1", n) {
		t.Fatal("Send to registered client should succeed")
	}

	got := <-ch
	if got.ID != n.ID {
		t.Errorf("channel delivered %q, want %q", got.ID, n.ID)
	}

	drained := h.Drain("c1", 0)
	if len(drained) != 2 {
		t.Fatalf("queued = %d notifications, want 2 (connected + sent)", len(drained))
	}
	if drained[1].ID != n.ID {
		t.Errorf("queue order wrong: %q", drained[1].ID)
	}
}

func TestSendFailureUnregisters(t *testing.T) {
	h := NewHub(WithQueueCap(4))
	h.chanCap = 1

	ch := h.Register("c1")
	_ = ch
	// Channel capacity 1 already holds the connected greeting; the next send
	// cannot be delivered and must drop the client.
	if h.Send("c1", mustNotification(t, "request-completed")) {
		t.Error("Send on full channel should report false")
	}
	if h.IsConnected("c1") {
		t.Error("client should be unregistered after delivery failure")
	}
}

func TestPollOnlyClientEvictedAtChannelCap(t *testing.T) {
	h := NewHub(WithQueueCap(16))
	h.chanCap = 4

	h.Register("poller")

	// The client only ever polls; nothing reads its channel. The connected
	// greeting occupies one slot, so three more sends fill the channel and
	// the fourth evicts the registration even though the queue has room.
	for i := 0; i < 3; i++ {
		if !h.Send("poller", mustNotification(t, "event")) {
			t.Fatalf("send %d should still be deliverable", i)
		}
	}
	if h.Send("poller", mustNotification(t, "event")) {
		t.Error("send past channel capacity should report false")
	}
	if h.IsConnected("poller") {
		t.Error("poll-only client should be evicted once its channel fills")
	}
	if h.Drain("poller", 0) != nil {
		t.Error("evicted client must have no queue left to drain")
	}
}

func TestBroadcastSurvivesOneDeadClient(t *testing.T) {
	h := NewHub()
	h.chanCap = 1

	// Two healthy clients with drained channels, one wedged client whose
	// single-slot channel still holds its connected greeting.
	chA := h.Register("a")
	<-chA
	chB := h.Register("b")
	<-chB
	h.Register("wedged")

	delivered := h.Broadcast(mustNotification(t, "announcement"))
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
	if h.IsConnected("wedged") {
		t.Error("dead client should be unregistered by broadcast")
	}
	if !h.IsConnected("a") || !h.IsConnected("b") {
		t.Error("healthy clients dropped by broadcast")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	h := NewHub()
	h.Register("c1")

	if !h.Unregister("c1") {
		t.Error("first Unregister should report true")
	}
	if h.Unregister("c1") {
		t.Error("second Unregister should report false")
	}
}

func TestDrainMaxCount(t *testing.T) {
	h := NewHub()
	ch := h.Register("c1")
	<-ch

	for i := 0; i < 5; i++ {
		h.Send("c1", mustNotification(t, "event"))
		<-ch
	}

	// connected + 5 events queued; drain in two steps.
	first := h.Drain("c1", 4)
	if len(first) != 4 {
		t.Fatalf("first drain = %d, want 4", len(first))
	}
	rest := h.Drain("c1", 0)
	if len(rest) != 2 {
		t.Fatalf("second drain = %d, want 2", len(rest))
	}
	if len(h.Drain("c1", 0)) != 0 {
		t.Error("queue should be empty after full drain")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	h := NewHub(WithQueueCap(2))
	ch := h.Register("c1")

	first := mustNotification(t, "event")
	second := mustNotification(t, "event")
	h.Send("c1", first)
	h.Send("c1", second)

	drained := h.Drain("c1", 0)
	if len(drained) != 2 {
		t.Fatalf("queue length = %d, want cap 2", len(drained))
	}
	if drained[0].Type != "event" || drained[1].ID != second.ID {
		t.Errorf("expected oldest (connected) dropped, got types %q/%q", drained[0].Type, drained[1].Type)
	}
	// Drain only touches the queue; channel delivery is unaffected.
	if len(ch) != 3 {
		t.Errorf("channel backlog = %d, want 3", len(ch))
	}
}

func TestReleaseOnlyOwnRegistration(t *testing.T) {
	h := NewHub()
	oldCh := h.Register("c1")
	newCh := h.Register("c1") // reconnect replaces the registration

	if h.Release("c1", oldCh) {
		t.Error("Release with stale channel should report false")
	}
	if !h.IsConnected("c1") {
		t.Error("reconnected registration must survive stale release")
	}
	if !h.Release("c1", newCh) {
		t.Error("Release with current channel should succeed")
	}
}

func TestClientCount(t *testing.T) {
	h := NewHub()
	h.Register("a")
	h.Register("b")
	if got := h.ClientCount(); got != 2 {
		t.Errorf("ClientCount = %d, want 2", got)
	}
}
