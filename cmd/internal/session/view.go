package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// DeliveryState tracks an optimistically sent message through its lifecycle.
type DeliveryState uint8

const (
	// DeliveryConfirmed marks messages known to be durably stored.
	DeliveryConfirmed DeliveryState = iota
	// DeliveryPending marks an optimistic entry whose store write is in flight.
	DeliveryPending
	// DeliveryFailed marks an optimistic entry whose store write failed.
	// The entry stays visible so the UI can offer a retry.
	DeliveryFailed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryPending:
		return "pending"
	case DeliveryFailed:
		return "failed"
	default:
		return fmt.Sprintf("delivery(%d)", uint8(d))
	}
}

// ViewPhase is the lifecycle of a ConversationView.
type ViewPhase uint8

const (
	// PhaseLoading covers find-or-create, history load, and the room join.
	PhaseLoading ViewPhase = iota
	// PhaseLive means history is loaded and the room join echo arrived.
	PhaseLive
	// PhaseClosed means the window was closed; the session may still be up.
	PhaseClosed
)

func (p ViewPhase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseLive:
		return "live"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Entry is one message row in the view.
type Entry struct {
	Message v1.Message
	State   DeliveryState
	// SeenByPeer is set once the peer's read receipt covers this message.
	// It only ever flips false -> true.
	SeenByPeer bool
}

// ConversationView is one open chat window inside a Session.
//
// All mutation goes through the owning session's dispatch or through the
// view's own methods; both lock the view mutex, so snapshots are consistent.
type ConversationView struct {
	session        *Session
	conversationID string
	peerID         string

	mu         sync.Mutex
	phase      ViewPhase
	entries    []Entry
	index      map[string]int // message id -> entries position
	peerTyping bool
	peerOnline bool

	selfTyping  bool
	typingIdle  *time.Timer // clears our own typing after idle
	typingClear *time.Timer // clears the peer's typing if no stop arrives

	// onChange fires after every state mutation (UI repaint hook).
	onChange func()
}

// OpenConversation opens (or creates) the direct conversation with peerID,
// loads its history, joins its room, and returns a live view.
func (s *Session) OpenConversation(ctx context.Context, peerID string) (*ConversationView, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, errors.New("session: missing peer id")
	}
	if peerID == s.opts.UserID {
		return nil, errors.New("session: cannot open a conversation with yourself")
	}

	conv, err := s.store.FindOrCreateConversation(ctx, s.opts.UserID, peerID)
	if err != nil {
		return nil, fmt.Errorf("session: find or create conversation: %w", err)
	}

	view := &ConversationView{
		session:        s,
		conversationID: conv.ID,
		peerID:         peerID,
		phase:          PhaseLoading,
		index:          make(map[string]int),
		peerOnline:     s.IsOnline(peerID),
	}
	if err := s.registerView(view); err != nil {
		return nil, err
	}

	// Register before joining the room so a relay arriving between the join
	// echo and the history load is captured, then deduped against history.
	if err := view.load(ctx); err != nil {
		s.unregisterView(conv.ID)
		return nil, err
	}
	return view, nil
}

func (v *ConversationView) load(ctx context.Context) error {
	history, err := v.session.store.ListMessages(ctx, v.conversationID)
	if err != nil {
		return fmt.Errorf("session: load history: %w", err)
	}

	echo := v.session.expectJoinEcho(v.conversationID)

	payload, err := json.Marshal(v1.ConversationJoinPayload{ConversationID: v.conversationID})
	if err != nil {
		return err
	}
	if err := v.session.send(ctx, v.session.newEnvelope(v1.TypeConversationJoin, payload)); err != nil {
		return fmt.Errorf("session: join conversation room: %w", err)
	}

	select {
	case <-echo:
	case <-ctx.Done():
		return ctx.Err()
	case <-v.session.done:
		return ErrClosed
	}

	v.mu.Lock()
	// Relays may have landed while the history request was in flight. Keep
	// them, and let the history pass dedupe by id.
	live := v.entries
	v.entries = make([]Entry, 0, len(history)+len(live))
	v.index = make(map[string]int, len(history)+len(live))
	for _, m := range history {
		v.appendLocked(Entry{Message: m, State: DeliveryConfirmed, SeenByPeer: readBy(m, v.peerID)})
	}
	for _, e := range live {
		if _, dup := v.index[e.Message.ID]; !dup {
			v.appendLocked(e)
		}
	}
	v.phase = PhaseLive
	v.mu.Unlock()

	v.notifyChange()
	return nil
}

// ConversationID returns the persisted conversation id.
func (v *ConversationView) ConversationID() string { return v.conversationID }

// PeerID returns the other participant.
func (v *ConversationView) PeerID() string { return v.peerID }

// Phase returns the current lifecycle phase.
func (v *ConversationView) Phase() ViewPhase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.phase
}

// Entries returns a snapshot of the message rows in display order.
func (v *ConversationView) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// PeerTyping reports whether the peer is currently typing.
func (v *ConversationView) PeerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerTyping
}

// PeerOnline reports the peer's last announced presence.
func (v *ConversationView) PeerOnline() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerOnline
}

// OnChange installs a repaint hook fired after every state mutation.
func (v *ConversationView) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

func (v *ConversationView) notifyChange() {
	v.mu.Lock()
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Send performs an optimistic send: the entry appears immediately as pending,
// is written durably, then relayed. Store failure flips it to failed and no
// relay happens; retries get a fresh call.
func (v *ConversationView) Send(ctx context.Context, content string, image *v1.ImageRef) (v1.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && (image == nil || strings.TrimSpace(image.URL) == "") {
		return v1.Message{}, errors.New("session: message requires content or an image")
	}

	now := time.Now().UTC()
	msg := v1.Message{
		ID:             newID(now),
		ConversationID: v.conversationID,
		Sender:         v.session.opts.UserID,
		Content:        content,
		Image:          image,
		ReadBy:         []string{v.session.opts.UserID},
		CreatedAt:      now,
	}

	v.mu.Lock()
	if v.phase != PhaseLive {
		phase := v.phase
		v.mu.Unlock()
		return v1.Message{}, fmt.Errorf("session: cannot send while %s", phase)
	}
	v.appendLocked(Entry{Message: msg, State: DeliveryPending})
	v.mu.Unlock()
	v.notifyChange()

	// Sending counts as an explicit typing stop.
	v.stopTyping(ctx)

	stored, err := v.session.store.CreateMessage(ctx, msg)
	if err != nil {
		v.setDeliveryState(msg.ID, DeliveryFailed)
		return v1.Message{}, fmt.Errorf("session: persist message: %w", err)
	}

	v.replaceMessage(msg.ID, stored, DeliveryConfirmed)

	payload, merr := json.Marshal(v1.MessageSendPayload{
		ConversationID: v.conversationID,
		Message:        stored,
		RecipientID:    v.peerID,
	})
	if merr == nil {
		// Relay is best-effort: the write already landed, so a failed relay
		// only delays the peer until their next history load.
		if err := v.session.send(ctx, v.session.newEnvelope(v1.TypeMessageSend, payload)); err != nil {
			v.session.log.Warn("session.relay.fail", "conversation_id", v.conversationID, "message_id", stored.ID, "err", err)
		}
	}

	return stored, nil
}

// Retry re-attempts the durable write for a failed entry.
func (v *ConversationView) Retry(ctx context.Context, messageID string) (v1.Message, error) {
	v.mu.Lock()
	pos, ok := v.index[messageID]
	if !ok {
		v.mu.Unlock()
		return v1.Message{}, fmt.Errorf("session: unknown message %q", messageID)
	}
	entry := v.entries[pos]
	if entry.State != DeliveryFailed {
		v.mu.Unlock()
		return v1.Message{}, fmt.Errorf("session: message %q is %s, not failed", messageID, entry.State)
	}
	v.entries[pos].State = DeliveryPending
	v.mu.Unlock()
	v.notifyChange()

	stored, err := v.session.store.CreateMessage(ctx, entry.Message)
	if err != nil {
		v.setDeliveryState(messageID, DeliveryFailed)
		return v1.Message{}, fmt.Errorf("session: persist message: %w", err)
	}
	v.replaceMessage(messageID, stored, DeliveryConfirmed)

	payload, merr := json.Marshal(v1.MessageSendPayload{
		ConversationID: v.conversationID,
		Message:        stored,
		RecipientID:    v.peerID,
	})
	if merr == nil {
		if err := v.session.send(ctx, v.session.newEnvelope(v1.TypeMessageSend, payload)); err != nil {
			v.session.log.Warn("session.relay.fail", "conversation_id", v.conversationID, "message_id", stored.ID, "err", err)
		}
	}
	return stored, nil
}

// Typing reports local keystrokes. The first call sends a typing start; the
// signal auto-stops after the idle window unless another call arrives.
func (v *ConversationView) Typing(ctx context.Context) {
	v.mu.Lock()
	wasTyping := v.selfTyping
	v.selfTyping = true

	if v.typingIdle == nil {
		v.typingIdle = time.AfterFunc(v.session.opts.TypingIdle, v.typingIdleExpired)
	} else {
		v.typingIdle.Reset(v.session.opts.TypingIdle)
	}
	v.mu.Unlock()

	if !wasTyping {
		v.sendTyping(ctx, true)
	}
}

func (v *ConversationView) typingIdleExpired() {
	v.mu.Lock()
	wasTyping := v.selfTyping
	v.selfTyping = false
	v.mu.Unlock()

	if wasTyping {
		v.sendTyping(context.Background(), false)
	}
}

// stopTyping clears the local typing state immediately (used on send).
func (v *ConversationView) stopTyping(ctx context.Context) {
	v.mu.Lock()
	wasTyping := v.selfTyping
	v.selfTyping = false
	if v.typingIdle != nil {
		v.typingIdle.Stop()
	}
	v.mu.Unlock()

	if wasTyping {
		v.sendTyping(ctx, false)
	}
}

func (v *ConversationView) sendTyping(ctx context.Context, isTyping bool) {
	payload, err := json.Marshal(v1.TypingPayload{
		ConversationID: v.conversationID,
		UserID:         v.session.opts.UserID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return
	}
	if err := v.session.send(ctx, v.session.newEnvelope(v1.TypeTyping, payload)); err != nil {
		v.session.log.Warn("session.typing.fail", "conversation_id", v.conversationID, "err", err)
	}
}

// MarkRead records that the local user has seen the conversation: every
// unread message gains this reader durably, then one read receipt is relayed.
func (v *ConversationView) MarkRead(ctx context.Context) error {
	self := v.session.opts.UserID

	v.mu.Lock()
	var unread []string
	for i := range v.entries {
		m := &v.entries[i].Message
		if m.Sender == self || readBy(*m, self) {
			continue
		}
		unread = append(unread, m.ID)
		m.ReadBy = append(m.ReadBy, self)
	}
	v.mu.Unlock()

	if len(unread) == 0 {
		return nil
	}
	v.notifyChange()

	var firstErr error
	for _, id := range unread {
		if err := v.session.store.AppendReader(ctx, id, self); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("session: append reader: %w", err)
		}
	}

	payload, err := json.Marshal(v1.MarkReadPayload{ConversationID: v.conversationID, UserID: self})
	if err == nil {
		if err := v.session.send(ctx, v.session.newEnvelope(v1.TypeMarkRead, payload)); err != nil {
			v.session.log.Warn("session.markread.relay.fail", "conversation_id", v.conversationID, "err", err)
		}
	}
	return firstErr
}

// Close leaves the conversation room and detaches the view. The session and
// its personal room stay up.
func (v *ConversationView) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.phase == PhaseClosed {
		v.mu.Unlock()
		return nil
	}
	v.phase = PhaseClosed
	v.mu.Unlock()

	v.stopTimers()
	v.session.unregisterView(v.conversationID)

	payload, err := json.Marshal(v1.ConversationLeavePayload{ConversationID: v.conversationID})
	if err != nil {
		return err
	}
	if err := v.session.send(ctx, v.session.newEnvelope(v1.TypeConversationLeave, payload)); err != nil {
		return fmt.Errorf("session: leave conversation room: %w", err)
	}
	return nil
}

func (v *ConversationView) stopTimers() {
	v.mu.Lock()
	if v.typingIdle != nil {
		v.typingIdle.Stop()
	}
	if v.typingClear != nil {
		v.typingClear.Stop()
	}
	v.mu.Unlock()
}

// ---- inbound apply (called from the session dispatch) ----

// applyMessageNew appends a relayed message, deduping by id. The same message
// can arrive twice (conversation room + personal room) or echo back after a
// reconnect replay; duplicates only refresh the stored copy.
func (v *ConversationView) applyMessageNew(m v1.Message) {
	v.mu.Lock()
	if pos, dup := v.index[m.ID]; dup {
		v.entries[pos].Message = m
		v.entries[pos].State = DeliveryConfirmed
		v.mu.Unlock()
		v.notifyChange()
		return
	}
	v.appendLocked(Entry{Message: m, State: DeliveryConfirmed, SeenByPeer: readBy(m, v.peerID)})

	// An inbound message means the peer stopped typing to hit send.
	if m.Sender == v.peerID {
		v.peerTyping = false
		if v.typingClear != nil {
			v.typingClear.Stop()
		}
	}
	v.mu.Unlock()
	v.notifyChange()
}

// applyTyping updates the peer typing indicator. A start arms an auto-clear
// timer so a lost stop event cannot wedge the indicator on.
func (v *ConversationView) applyTyping(userID string, isTyping bool) {
	if userID != v.peerID {
		return
	}

	v.mu.Lock()
	v.peerTyping = isTyping
	if isTyping {
		if v.typingClear == nil {
			v.typingClear = time.AfterFunc(v.session.opts.TypingAutoClear, v.typingClearExpired)
		} else {
			v.typingClear.Reset(v.session.opts.TypingAutoClear)
		}
	} else if v.typingClear != nil {
		v.typingClear.Stop()
	}
	v.mu.Unlock()
	v.notifyChange()
}

func (v *ConversationView) typingClearExpired() {
	v.mu.Lock()
	changed := v.peerTyping
	v.peerTyping = false
	v.mu.Unlock()
	if changed {
		v.notifyChange()
	}
}

// applyMessagesRead marks every own message as seen by the reader. The flag
// is monotonic: a receipt never un-reads anything.
func (v *ConversationView) applyMessagesRead(readerID string) {
	if readerID != v.peerID {
		return
	}

	v.mu.Lock()
	changed := false
	for i := range v.entries {
		e := &v.entries[i]
		if e.Message.Sender != v.session.opts.UserID {
			continue
		}
		if !e.SeenByPeer {
			e.SeenByPeer = true
			changed = true
		}
		if !readBy(e.Message, readerID) {
			e.Message.ReadBy = append(e.Message.ReadBy, readerID)
		}
	}
	v.mu.Unlock()

	if changed {
		v.notifyChange()
	}
}

func (v *ConversationView) applyPeerStatus(userID string, online bool) {
	if userID != v.peerID {
		return
	}

	v.mu.Lock()
	changed := v.peerOnline != online
	v.peerOnline = online
	if !online {
		v.peerTyping = false
		if v.typingClear != nil {
			v.typingClear.Stop()
		}
	}
	v.mu.Unlock()

	if changed {
		v.notifyChange()
	}
}

// ---- internals ----

func (v *ConversationView) appendLocked(e Entry) {
	v.index[e.Message.ID] = len(v.entries)
	v.entries = append(v.entries, e)
}

func (v *ConversationView) setDeliveryState(messageID string, state DeliveryState) {
	v.mu.Lock()
	if pos, ok := v.index[messageID]; ok {
		v.entries[pos].State = state
	}
	v.mu.Unlock()
	v.notifyChange()
}

func (v *ConversationView) replaceMessage(messageID string, m v1.Message, state DeliveryState) {
	v.mu.Lock()
	if pos, ok := v.index[messageID]; ok {
		delete(v.index, messageID)
		v.index[m.ID] = pos
		v.entries[pos].Message = m
		v.entries[pos].State = state
	}
	v.mu.Unlock()
	v.notifyChange()
}

func readBy(m v1.Message, userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}
