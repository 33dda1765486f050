package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// stubTransport captures outbound envelopes and echoes conversation joins the
// way the gateway does, so views can go live without a socket.
type stubTransport struct {
	mu      sync.Mutex
	sent    []v1.Envelope
	session *Session

	failTypes map[string]bool
}

func (st *stubTransport) send(_ context.Context, env v1.Envelope) error {
	st.mu.Lock()
	fail := st.failTypes[env.Type]
	if !fail {
		st.sent = append(st.sent, env)
	}
	st.mu.Unlock()

	if fail {
		return fmt.Errorf("stub: send %s refused", env.Type)
	}

	if env.Type == v1.TypeConversationJoin {
		var p v1.ConversationJoinPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			echoPayload, _ := json.Marshal(p)
			st.session.dispatch(v1.Envelope{
				V:       v1.Version,
				Type:    v1.TypeConversationJoin,
				ID:      "echo-" + env.ID,
				TS:      time.Now().UTC(),
				Payload: echoPayload,
			})
		}
	}
	return nil
}

func (st *stubTransport) ofType(typ string) []v1.Envelope {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []v1.Envelope
	for _, env := range st.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// fakeStore is an in-memory Store with failure injection.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]v1.Message
	readers       map[string][]string

	failCreateMessage bool
	createCalls       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]v1.Message),
		readers:       make(map[string][]string),
	}
}

func (f *fakeStore) seedConversation(id string, userA, userB string, history ...v1.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[pairID(userA, userB)] = Conversation{ID: id, Participants: []string{userA, userB}}
	f.messages[id] = append(f.messages[id], history...)
}

func pairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (f *fakeStore) FindOrCreateConversation(_ context.Context, userA, userB string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := pairID(userA, userB)
	if conv, ok := f.conversations[key]; ok {
		return conv, nil
	}
	conv := Conversation{ID: "conv-" + key, Participants: []string{userA, userB}}
	f.conversations[key] = conv
	return conv, nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID string) ([]v1.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]v1.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg v1.Message) (v1.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.failCreateMessage {
		return v1.Message{}, errors.New("fake: storage down")
	}
	for _, m := range f.messages[msg.ConversationID] {
		if m.ID == msg.ID {
			return m, nil
		}
	}
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
	return msg, nil
}

func (f *fakeStore) AppendReader(_ context.Context, messageID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.readers[messageID] {
		if r == userID {
			return nil
		}
	}
	f.readers[messageID] = append(f.readers[messageID], userID)
	return nil
}

func newTestSession(t *testing.T, store Store) (*Session, *stubTransport) {
	t.Helper()

	opts := Options{
		UserID:          "alice",
		Store:           store,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		TypingIdle:      50 * time.Millisecond,
		TypingAutoClear: 80 * time.Millisecond,
	}
	if err := opts.fill(); err != nil {
		t.Fatalf("opts.fill: %v", err)
	}

	st := &stubTransport{failTypes: make(map[string]bool)}
	s := newSession(opts, st.send)
	st.session = s
	s.mu.Lock()
	s.sessionID = "sess-test"
	s.mu.Unlock()

	t.Cleanup(func() { _ = s.Close() })
	return s, st
}

func historyMessage(id, conv, sender, content string, readBy ...string) v1.Message {
	return v1.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         sender,
		Content:        content,
		ReadBy:         readBy,
		CreatedAt:      time.Now().UTC(),
	}
}

func mustOpen(t *testing.T, s *Session, peer string) *ConversationView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	view, err := s.OpenConversation(ctx, peer)
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	return view
}

func TestOpenConversation_LoadsHistoryAndGoesLive(t *testing.T) {
	store := newFakeStore()
	store.seedConversation("conv-1", "alice", "bob",
		historyMessage("m1", "conv-1", "bob", "hey, saw your pitch", "bob", "alice"),
		historyMessage("m2", "conv-1", "alice", "thanks!", "alice", "bob"),
		historyMessage("m3", "conv-1", "alice", "free to talk?", "alice"),
	)
	s, st := newTestSession(t, store)

	view := mustOpen(t, s, "bob")

	if got := view.Phase(); got != PhaseLive {
		t.Fatalf("expected phase=live, got %s", got)
	}

	entries := view.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.State != DeliveryConfirmed {
			t.Fatalf("entry %d: expected confirmed, got %s", i, e.State)
		}
	}
	if !entries[1].SeenByPeer {
		t.Fatalf("expected m2 seen by peer")
	}
	if entries[2].SeenByPeer {
		t.Fatalf("expected m3 not yet seen by peer")
	}

	joins := st.ofType(v1.TypeConversationJoin)
	if len(joins) != 1 {
		t.Fatalf("expected 1 conversation_join, got %d", len(joins))
	}
}

func TestOpenConversation_SecondOpenRejected(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)

	mustOpen(t, s, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.OpenConversation(ctx, "bob"); !errors.Is(err, ErrAlreadyOpened) {
		t.Fatalf("expected ErrAlreadyOpened, got %v", err)
	}
}

func TestSend_OptimisticConfirmAndRelay(t *testing.T) {
	store := newFakeStore()
	s, st := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	ctx := context.Background()
	stored, err := view.Send(ctx, "we just hit 1k users", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if stored.ID == "" {
		t.Fatalf("expected assigned message id")
	}

	entries := view.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].State != DeliveryConfirmed {
		t.Fatalf("expected confirmed, got %s", entries[0].State)
	}

	relays := st.ofType(v1.TypeMessageSend)
	if len(relays) != 1 {
		t.Fatalf("expected 1 message_send relay, got %d", len(relays))
	}
	var p v1.MessageSendPayload
	if err := json.Unmarshal(relays[0].Payload, &p); err != nil {
		t.Fatalf("decode relay payload: %v", err)
	}
	if p.RecipientID != "bob" {
		t.Fatalf("expected recipient_id=bob, got %q", p.RecipientID)
	}
	if p.Message.ID != stored.ID {
		t.Fatalf("expected relayed id=%q, got %q", stored.ID, p.Message.ID)
	}
}

func TestSend_EmptyMessageRejected(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	if _, err := view.Send(context.Background(), "   ", nil); err == nil {
		t.Fatalf("expected error for empty message")
	}
	if got := len(view.Entries()); got != 0 {
		t.Fatalf("expected no entries, got %d", got)
	}
}

func TestSend_StoreFailureMarksFailedThenRetrySucceeds(t *testing.T) {
	store := newFakeStore()
	s, st := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	ctx := context.Background()
	store.failCreateMessage = true
	if _, err := view.Send(ctx, "did we close?", nil); err == nil {
		t.Fatalf("expected send to fail")
	}

	entries := view.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected failed entry to stay visible, got %d entries", len(entries))
	}
	if entries[0].State != DeliveryFailed {
		t.Fatalf("expected failed, got %s", entries[0].State)
	}
	if got := len(st.ofType(v1.TypeMessageSend)); got != 0 {
		t.Fatalf("expected no relay for unpersisted message, got %d", got)
	}

	store.failCreateMessage = false
	stored, err := view.Retry(ctx, entries[0].Message.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}

	entries = view.Entries()
	if entries[0].State != DeliveryConfirmed {
		t.Fatalf("expected confirmed after retry, got %s", entries[0].State)
	}
	if got := len(st.ofType(v1.TypeMessageSend)); got != 1 {
		t.Fatalf("expected 1 relay after retry, got %d", got)
	}
	if stored.ID != entries[0].Message.ID {
		t.Fatalf("retry changed the message id")
	}
}

func TestApplyMessageNew_DedupesByID(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	msg := historyMessage("m-dup", view.ConversationID(), "bob", "hello", "bob")
	view.applyMessageNew(msg)
	view.applyMessageNew(msg) // personal-room copy of the same message

	if got := len(view.Entries()); got != 1 {
		t.Fatalf("expected 1 entry after duplicate delivery, got %d", got)
	}
}

func TestTyping_DebouncedStartAndStopOnSend(t *testing.T) {
	store := newFakeStore()
	s, st := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	ctx := context.Background()
	view.Typing(ctx)
	view.Typing(ctx)
	view.Typing(ctx)

	starts := st.ofType(v1.TypeTyping)
	if len(starts) != 1 {
		t.Fatalf("expected 1 typing event for rapid keystrokes, got %d", len(starts))
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(starts[0].Payload, &p); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if !p.IsTyping {
		t.Fatalf("expected is_typing=true")
	}

	if _, err := view.Send(ctx, "done typing", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	events := st.ofType(v1.TypeTyping)
	if len(events) != 2 {
		t.Fatalf("expected typing stop on send, got %d typing events", len(events))
	}
	if err := json.Unmarshal(events[1].Payload, &p); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if p.IsTyping {
		t.Fatalf("expected is_typing=false after send")
	}
}

func TestTyping_IdleTimeoutSendsStop(t *testing.T) {
	store := newFakeStore()
	s, st := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	view.Typing(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.ofType(v1.TypeTyping)) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	events := st.ofType(v1.TypeTyping)
	if len(events) != 2 {
		t.Fatalf("expected idle stop event, got %d typing events", len(events))
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(events[1].Payload, &p); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if p.IsTyping {
		t.Fatalf("expected is_typing=false after idle")
	}
}

func TestApplyTyping_AutoClearsWhenStopIsLost(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	view.applyTyping("bob", true)
	if !view.PeerTyping() {
		t.Fatalf("expected peer typing")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !view.PeerTyping() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if view.PeerTyping() {
		t.Fatalf("expected typing indicator to auto-clear")
	}
}

func TestApplyTyping_IgnoresOtherUsers(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	view.applyTyping("mallory", true)
	if view.PeerTyping() {
		t.Fatalf("expected typing from a non-peer to be ignored")
	}
}

func TestMarkRead_AppendsReadersAndRelaysOnce(t *testing.T) {
	store := newFakeStore()
	store.seedConversation("conv-1", "alice", "bob",
		historyMessage("m1", "conv-1", "bob", "hello", "bob"),
		historyMessage("m2", "conv-1", "bob", "you there?", "bob"),
		historyMessage("m3", "conv-1", "alice", "yes", "alice"),
	)
	s, st := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	ctx := context.Background()
	if err := view.MarkRead(ctx); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	store.mu.Lock()
	gotM1 := append([]string(nil), store.readers["m1"]...)
	gotM2 := append([]string(nil), store.readers["m2"]...)
	gotM3 := append([]string(nil), store.readers["m3"]...)
	store.mu.Unlock()

	if len(gotM1) != 1 || gotM1[0] != "alice" {
		t.Fatalf("expected alice appended to m1, got %v", gotM1)
	}
	if len(gotM2) != 1 || gotM2[0] != "alice" {
		t.Fatalf("expected alice appended to m2, got %v", gotM2)
	}
	if len(gotM3) != 0 {
		t.Fatalf("expected own message untouched, got %v", gotM3)
	}

	if got := len(st.ofType(v1.TypeMarkRead)); got != 1 {
		t.Fatalf("expected 1 mark_read relay, got %d", got)
	}

	// Second call has nothing unread and must be silent.
	if err := view.MarkRead(ctx); err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}
	if got := len(st.ofType(v1.TypeMarkRead)); got != 1 {
		t.Fatalf("expected no extra mark_read relay, got %d", got)
	}
}

func TestApplyMessagesRead_MarksOwnMessagesSeen(t *testing.T) {
	store := newFakeStore()
	store.seedConversation("conv-1", "alice", "bob",
		historyMessage("m1", "conv-1", "alice", "ping", "alice"),
		historyMessage("m2", "conv-1", "bob", "pong", "bob"),
	)
	s, _ := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	view.applyMessagesRead("bob")

	entries := view.Entries()
	if !entries[0].SeenByPeer {
		t.Fatalf("expected own message marked seen")
	}
	if entries[1].SeenByPeer {
		t.Fatalf("peer's own message must not be marked seen by peer")
	}

	// Receipts are monotonic: replaying one never un-reads.
	view.applyMessagesRead("bob")
	if !view.Entries()[0].SeenByPeer {
		t.Fatalf("expected seen flag to stay set")
	}
}

func TestNotification_ForConversationWithoutOpenView(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)

	msg := historyMessage("m-notif", "conv-elsewhere", "carol", "intro?", "carol")
	payload, _ := json.Marshal(v1.MessageNotificationPayload{ConversationID: "conv-elsewhere", Message: msg})
	s.dispatch(v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageNotification,
		ID:      "env-notif",
		TS:      time.Now().UTC(),
		Payload: payload,
	})

	select {
	case n := <-s.Notifications():
		if n.ConversationID != "conv-elsewhere" || n.Message.ID != "m-notif" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	default:
		t.Fatalf("expected a notification")
	}
}

func TestNotification_SuppressedWhenViewOpen(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	msg := historyMessage("m-open", view.ConversationID(), "bob", "hi", "bob")
	payload, _ := json.Marshal(v1.MessageNotificationPayload{ConversationID: view.ConversationID(), Message: msg})
	s.dispatch(v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageNotification,
		ID:      "env-open",
		TS:      time.Now().UTC(),
		Payload: payload,
	})

	select {
	case n := <-s.Notifications():
		t.Fatalf("expected no notification for open view, got %+v", n)
	default:
	}
	if got := len(view.Entries()); got != 1 {
		t.Fatalf("expected message applied to the open view, got %d entries", got)
	}
}

func TestUserStatus_UpdatesPresenceAndView(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	statusEnv := func(online bool) v1.Envelope {
		payload, _ := json.Marshal(v1.UserStatusPayload{UserID: "bob", Online: online})
		return v1.Envelope{V: v1.Version, Type: v1.TypeUserStatus, ID: "env-status", TS: time.Now().UTC(), Payload: payload}
	}

	s.dispatch(statusEnv(true))
	if !s.IsOnline("bob") || !view.PeerOnline() {
		t.Fatalf("expected bob online")
	}

	view.applyTyping("bob", true)
	s.dispatch(statusEnv(false))
	if s.IsOnline("bob") || view.PeerOnline() {
		t.Fatalf("expected bob offline")
	}
	if view.PeerTyping() {
		t.Fatalf("expected typing cleared when peer goes offline")
	}
}

func TestViewClose_LeavesRoomKeepsSession(t *testing.T) {
	store := newFakeStore()
	s, st := newTestSession(t, store)
	view := mustOpen(t, s, "bob")

	if err := view.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := view.Phase(); got != PhaseClosed {
		t.Fatalf("expected phase=closed, got %s", got)
	}
	if got := len(st.ofType(v1.TypeConversationLeave)); got != 1 {
		t.Fatalf("expected 1 conversation_leave, got %d", got)
	}

	select {
	case <-s.Done():
		t.Fatalf("closing a view must not close the session")
	default:
	}

	// The window can be reopened.
	mustOpen(t, s, "bob")
}
