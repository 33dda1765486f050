package realtime

import (
	"encoding/json"
	"testing"
	"time"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

func testEnvelope(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"probe": typ})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return newEnvelope(typ, payload, time.Now().UTC())
}

func TestRoom_JoinIdempotentPerSession(t *testing.T) {
	r := NewRoom(nil, nil, "conv-1")
	c := NewClient("user-1", "sess-1", 4)

	if !r.Join(c) {
		t.Fatalf("expected first join to add member")
	}
	if r.Join(c) {
		t.Fatalf("expected second join to be a no-op")
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("expected 1 member, got %d", got)
	}
}

func TestRoom_LeaveReturnsRemaining(t *testing.T) {
	r := NewRoom(nil, nil, "conv-1")
	a := NewClient("user-a", "sess-a", 4)
	b := NewClient("user-b", "sess-b", 4)
	r.Join(a)
	r.Join(b)

	if got := r.Leave("sess-a"); got != 1 {
		t.Fatalf("expected 1 remaining, got %d", got)
	}
	if got := r.Leave("sess-a"); got != 1 {
		t.Fatalf("expected repeated leave to be a no-op, got %d remaining", got)
	}
	if got := r.Leave("sess-b"); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}

	select {
	case <-a.Done():
		t.Fatalf("leave must not close the client")
	default:
	}
}

func TestRoom_BroadcastExceptSkipsSender(t *testing.T) {
	r := NewRoom(nil, nil, "conv-1")
	sender := NewClient("user-a", "sess-a", 4)
	peer := NewClient("user-b", "sess-b", 4)
	r.Join(sender)
	r.Join(peer)

	env := testEnvelope(t, v1.TypeMessageNew)
	r.BroadcastExcept(env, "sess-a")

	select {
	case got := <-peer.Send:
		if got.Type != v1.TypeMessageNew {
			t.Fatalf("expected type=%s, got %s", v1.TypeMessageNew, got.Type)
		}
	default:
		t.Fatalf("expected peer to receive the envelope")
	}

	select {
	case <-sender.Send:
		t.Fatalf("sender must not receive its own echo")
	default:
	}
}

func TestRoom_BroadcastDropsUnderBackpressure(t *testing.T) {
	r := NewRoom(nil, nil, "conv-1")
	slow := NewClient("user-slow", "sess-slow", 1)
	fast := NewClient("user-fast", "sess-fast", 4)
	r.Join(slow)
	r.Join(fast)

	// Fill the slow client's queue, then broadcast once more. The slow member
	// loses the event; the fast member still gets both.
	r.Broadcast(testEnvelope(t, v1.TypeUserTyping))
	r.Broadcast(testEnvelope(t, v1.TypeUserTyping))

	if got := len(slow.Send); got != 1 {
		t.Fatalf("expected slow queue to hold 1 envelope, got %d", got)
	}
	if got := len(fast.Send); got != 2 {
		t.Fatalf("expected fast queue to hold 2 envelopes, got %d", got)
	}
}

func TestRoom_BroadcastSkipsClosedClients(t *testing.T) {
	r := NewRoom(nil, nil, "conv-1")
	gone := NewClient("user-a", "sess-a", 4)
	live := NewClient("user-b", "sess-b", 4)
	r.Join(gone)
	r.Join(live)

	gone.Close()
	r.Broadcast(testEnvelope(t, v1.TypeUserStatus))

	if got := len(gone.Send); got != 0 {
		t.Fatalf("expected no delivery to closed client, got %d", got)
	}
	if got := len(live.Send); got != 1 {
		t.Fatalf("expected delivery to live client, got %d", got)
	}
}
