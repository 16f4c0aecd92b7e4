package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transport-dispatch/events"
)

func mustAttach(t *testing.T, h *Hub, connID, userID string) *Member {
	t.Helper()
	m, err := h.Attach(connID, userID)
	if err != nil {
		t.Fatalf("Attach(%s): %v", connID, err)
	}
	return m
}

func drain(m *Member) []events.Envelope {
	var out []events.Envelope
	for {
		select {
		case raw, ok := <-m.Outbound():
			if !ok {
				return out
			}
			var env events.Envelope
			_ = json.Unmarshal(raw, &env)
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestJoinIsIdempotentAndLeaveIsNoop(t *testing.T) {
	h := New()
	mustAttach(t, h, "c1", "d1")

	for i := 0; i < 3; i++ {
		if err := h.Join("c1", "driver:d1"); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if got := h.Members("driver:d1"); got != 1 {
		t.Fatalf("Members = %d, want 1", got)
	}

	h.Leave("c1", "driver:other")
	h.Leave("nobody", "driver:d1")
	h.Leave("c1", "driver:d1")
	h.Leave("c1", "driver:d1")
	if got := h.Members("driver:d1"); got != 0 {
		t.Fatalf("Members after leave = %d, want 0", got)
	}
	if err := h.Join("ghost", "driver:d1"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Join unknown err = %v", err)
	}
}

func TestPublishChannelIsolation(t *testing.T) {
	h := New()
	a := mustAttach(t, h, "ca", "A")
	b := mustAttach(t, h, "cb", "B")
	_ = h.Join("ca", "driver:A")
	_ = h.Join("cb", "driver:B")

	if err := h.Publish("driver:A", "transport_request", map[string]string{"trip_id": "t1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := drain(a); len(got) != 1 || got[0].Event != "transport_request" {
		t.Fatalf("A received %v", got)
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("B must receive nothing, got %v", got)
	}
}

func TestPublishPreservesOrderPerMember(t *testing.T) {
	h := New(WithQueueSize(100))
	m := mustAttach(t, h, "c1", "t1")
	_ = h.Join("c1", "tenant:t1")

	for i := 0; i < 50; i++ {
		_ = h.Publish("tenant:t1", "status_changed", map[string]int{"seq": i})
	}
	got := drain(m)
	if len(got) != 50 {
		t.Fatalf("received %d frames, want 50", len(got))
	}
	for i, env := range got {
		var body struct{ Seq int }
		_ = json.Unmarshal(env.Data, &body)
		if body.Seq != i {
			t.Fatalf("frame %d has seq %d", i, body.Seq)
		}
	}
}

func TestDetachRemovesAllMemberships(t *testing.T) {
	h := New()
	m := mustAttach(t, h, "c1", "u1")
	_ = h.Join("c1", "driver:u1")
	_ = h.Join("c1", "tenant:u1")

	h.Detach("c1")
	h.Detach("c1")

	if h.Members("driver:u1") != 0 || h.Members("tenant:u1") != 0 {
		t.Fatal("detached connection still a member")
	}
	if h.UserConnections("u1") != 0 {
		t.Fatal("user connection count not released")
	}
	if _, ok := <-m.Outbound(); ok {
		t.Fatal("outbound queue must be closed after detach")
	}
	if err := h.Publish("driver:u1", "x", nil); err != nil {
		t.Fatalf("publish to empty channel: %v", err)
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	h := New(WithQueueSize(2))
	slow := mustAttach(t, h, "slow", "u1")
	fast := mustAttach(t, h, "fast", "u2")
	_ = h.Join("slow", "tenant:x")
	_ = h.Join("fast", "tenant:x")

	for i := 0; i < 2; i++ {
		_ = h.Publish("tenant:x", "e", i)
		drain(fast)
	}
	_ = h.Publish("tenant:x", "e", 3)

	if h.Members("tenant:x") != 1 {
		t.Fatalf("Members = %d, want only the fast member left", h.Members("tenant:x"))
	}
	if got := drain(fast); len(got) != 1 {
		t.Fatalf("fast member received %d, want 1", len(got))
	}
	if got := drain(slow); len(got) != 2 {
		t.Fatalf("slow member keeps its 2 queued frames, got %d", len(got))
	}
	if _, ok := <-slow.Outbound(); ok {
		t.Fatal("evicted member queue must be closed")
	}
}

func TestAttachDuplicate(t *testing.T) {
	h := New()
	mustAttach(t, h, "c1", "u1")
	if _, err := h.Attach("c1", "u1"); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("err = %v", err)
	}
	mustAttach(t, h, "c2", "u1")
	if got := h.UserConnections("u1"); got != 2 {
		t.Fatalf("UserConnections = %d, want 2", got)
	}
}

func TestSendTargetsOneConnection(t *testing.T) {
	h := New()
	m := mustAttach(t, h, "c1", "u1")
	other := mustAttach(t, h, "c2", "u1")

	if err := h.Send("c1", events.NameError, events.Error{Code: "X"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(drain(m)) != 1 || len(drain(other)) != 0 {
		t.Fatal("Send must only reach the addressed connection")
	}
	if err := h.Send("ghost", "e", nil); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Send unknown err = %v", err)
	}
}

func TestConcurrentMembershipAndPublish(t *testing.T) {
	h := New(WithQueueSize(1024))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			m, err := h.Attach(id, id)
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 50; j++ {
				_ = h.Join(id, "tenant:shared")
				_ = h.Publish("tenant:shared", "e", j)
				h.Leave(id, "tenant:shared")
			}
			drain(m)
			h.Detach(id)
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent operations deadlocked")
	}
	if h.Members("tenant:shared") != 0 {
		t.Fatal("channel should be empty once everyone left")
	}
}

func TestLeaveIsLinearizableWithPublish(t *testing.T) {
	h := New()
	m := mustAttach(t, h, "c1", "u1")
	_ = h.Join("c1", "driver:u1")
	h.Leave("c1", "driver:u1")
	_ = h.Publish("driver:u1", "transport_request", nil)
	if got := drain(m); len(got) != 0 {
		t.Fatalf("no delivery expected after leave returned, got %v", got)
	}
}
