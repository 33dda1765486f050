// Package session implements the Pitchroom realtime chat client.
//
// A Session owns one websocket connection bound to one user identity. It
// performs the join handshake, dispatches inbound envelopes to per-conversation
// views, tracks peer presence, and surfaces personal-room notifications.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	v1 "pitchroom/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	wsSubprotocolV1 = "pitchroom.realtime.v1"

	defaultHandshakeTimeout   = 10 * time.Second
	defaultWriteTimeout       = 5 * time.Second
	defaultNotificationBuffer = 64

	// A peer that stops emitting typing events is assumed to have stopped.
	defaultTypingIdle      = 2 * time.Second
	defaultTypingAutoClear = 5 * time.Second
)

// Session errors.
var (
	ErrClosed        = errors.New("session: closed")
	ErrNotJoined     = errors.New("session: join handshake not completed")
	ErrJoinRejected  = errors.New("session: join rejected")
	ErrAlreadyOpened = errors.New("session: conversation already open")
)

// Notification is a personal-room message delivery for a conversation whose
// window is not open. The UI uses it for unread badges.
type Notification struct {
	ConversationID string
	Message        v1.Message
}

// Options configures a Session.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string
	// UserID is the authenticated user this session speaks for.
	UserID string
	// Store performs the durable writes (messages are persisted before relay).
	Store Store
	// Log defaults to a JSON logger on stdout.
	Log *slog.Logger

	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	NotificationBuffer int
	TypingIdle         time.Duration
	TypingAutoClear    time.Duration
}

func (o *Options) fill() error {
	if strings.TrimSpace(o.UserID) == "" {
		return errors.New("session: missing user id")
	}
	if o.Store == nil {
		return errors.New("session: missing store")
	}
	if o.Log == nil {
		o.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = defaultNotificationBuffer
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = defaultTypingIdle
	}
	if o.TypingAutoClear <= 0 {
		o.TypingAutoClear = defaultTypingAutoClear
	}
	return nil
}

// sendFunc delivers one envelope to the server. Tests inject their own.
type sendFunc func(ctx context.Context, env v1.Envelope) error

// Session is one live realtime connection for one user.
type Session struct {
	log   *slog.Logger
	opts  Options
	store Store
	send  sendFunc

	conn *websocket.Conn

	mu        sync.Mutex
	sessionID string
	views     map[string]*ConversationView // conversation id -> open view
	online    map[string]bool              // user id -> last announced status
	joinEchos map[string]chan struct{}     // conversation id -> echo signal

	notifications chan Notification

	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial connects, performs the join handshake, and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("session: missing url")
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, opts.URL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("session: dial %s (status=%d): %w", opts.URL, status, err)
	}
	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("session: server negotiated subprotocol %q, want %q", sp, wsSubprotocolV1)
	}

	s := newSession(opts, nil)
	s.conn = conn
	s.send = s.writeToConn

	if err := s.handshake(ctx); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

// newSession wires the state shared by Dial and the test constructor.
func newSession(opts Options, send sendFunc) *Session {
	return &Session{
		log:           opts.Log,
		opts:          opts,
		store:         opts.Store,
		send:          send,
		views:         make(map[string]*ConversationView),
		online:        make(map[string]bool),
		joinEchos:     make(map[string]chan struct{}),
		notifications: make(chan Notification, opts.NotificationBuffer),
		done:          make(chan struct{}),
		readDone:      make(chan struct{}),
	}
}

// UserID returns the identity this session joined as.
func (s *Session) UserID() string { return s.opts.UserID }

// SessionID returns the server-assigned session id ("" before the handshake).
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Notifications delivers personal-room messages for conversations without an
// open view. The channel is never closed; callers select against Done.
func (s *Session) Notifications() <-chan Notification { return s.notifications }

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsOnline reports the last announced presence status for a user.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// Close tears the session down. Open views are closed with it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		views := make([]*ConversationView, 0, len(s.views))
		for _, v := range s.views {
			views = append(views, v)
		}
		s.mu.Unlock()

		for _, v := range views {
			v.stopTimers()
		}

		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
		}
	})
	return nil
}

// handshake sends join and waits for the matching join_ack.
func (s *Session) handshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	payload, err := json.Marshal(v1.JoinPayload{UserID: s.opts.UserID})
	if err != nil {
		return err
	}
	if err := s.send(hsCtx, s.newEnvelope(v1.TypeJoin, payload)); err != nil {
		return fmt.Errorf("session: send join: %w", err)
	}

	// The ack is the first server frame addressed to this session, but
	// presence broadcasts may race it, so skip past anything else.
	for {
		env, err := s.readEnvelope(hsCtx)
		if err != nil {
			return fmt.Errorf("session: await join_ack: %w", err)
		}

		switch env.Type {
		case v1.TypeJoinAck:
			var p v1.JoinAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("session: decode join_ack: %w", err)
			}
			if p.UserID != s.opts.UserID {
				return fmt.Errorf("session: join_ack for %q, want %q", p.UserID, s.opts.UserID)
			}
			s.mu.Lock()
			s.sessionID = p.SessionID
			s.mu.Unlock()
			s.log.Info("session.joined", "user_id", p.UserID, "session_id", p.SessionID)
			return nil

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("%w: %s: %s", ErrJoinRejected, p.Code, p.Message)

		default:
			s.dispatch(env)
		}
	}
}

// readLoop pumps inbound envelopes until the connection dies.
func (s *Session) readLoop() {
	defer close(s.readDone)
	defer s.Close()

	for {
		env, err := s.readEnvelope(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Info("session.read.end", "err", err)
			}
			return
		}
		s.dispatch(env)
	}
}

// dispatch routes one inbound envelope. Unknown or malformed envelopes are
// logged and dropped; the session keeps running.
func (s *Session) dispatch(env v1.Envelope) {
	if err := env.Validate(); err != nil {
		s.log.Warn("session.event.invalid", "err", err)
		return
	}

	switch env.Type {
	case v1.TypeConversationJoin:
		s.onConversationJoinEcho(env)
	case v1.TypeMessageNew:
		s.onMessageNew(env)
	case v1.TypeMessageNotification:
		s.onMessageNotification(env)
	case v1.TypeUserTyping:
		s.onUserTyping(env)
	case v1.TypeMessagesRead:
		s.onMessagesRead(env)
	case v1.TypeUserStatus:
		s.onUserStatus(env)
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.log.Warn("session.server.error", "code", p.Code, "message", p.Message)
	case v1.TypeJoinAck:
		// Idempotent re-ack after a duplicate join. Nothing to do.
	default:
		s.log.Warn("session.event.unexpected", "type", env.Type)
	}
}

func (s *Session) onConversationJoinEcho(env v1.Envelope) {
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.event.malformed", "type", env.Type, "err", err)
		return
	}

	s.mu.Lock()
	ch := s.joinEchos[p.ConversationID]
	delete(s.joinEchos, p.ConversationID)
	s.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (s *Session) onMessageNew(env v1.Envelope) {
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.event.malformed", "type", env.Type, "err", err)
		return
	}

	if view := s.viewFor(p.Message.ConversationID); view != nil {
		view.applyMessageNew(p.Message)
		return
	}
	// No open window: treat like a notification so it is not lost.
	s.pushNotification(Notification{ConversationID: p.Message.ConversationID, Message: p.Message})
}

func (s *Session) onMessageNotification(env v1.Envelope) {
	var p v1.MessageNotificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.event.malformed", "type", env.Type, "err", err)
		return
	}

	// With the window open the conversation-room copy already landed (or will);
	// the view's dedupe makes the second copy harmless.
	if view := s.viewFor(p.ConversationID); view != nil {
		view.applyMessageNew(p.Message)
		return
	}
	s.pushNotification(Notification{ConversationID: p.ConversationID, Message: p.Message})
}

func (s *Session) onUserTyping(env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.event.malformed", "type", env.Type, "err", err)
		return
	}
	if view := s.viewFor(p.ConversationID); view != nil {
		view.applyTyping(p.UserID, p.IsTyping)
	}
}

func (s *Session) onMessagesRead(env v1.Envelope) {
	var p v1.MessagesReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.event.malformed", "type", env.Type, "err", err)
		return
	}
	if view := s.viewFor(p.ConversationID); view != nil {
		view.applyMessagesRead(p.UserID)
	}
}

func (s *Session) onUserStatus(env v1.Envelope) {
	var p v1.UserStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.event.malformed", "type", env.Type, "err", err)
		return
	}

	s.mu.Lock()
	if p.Online {
		s.online[p.UserID] = true
	} else {
		delete(s.online, p.UserID)
	}
	s.mu.Unlock()

	for _, view := range s.allViews() {
		view.applyPeerStatus(p.UserID, p.Online)
	}
}

func (s *Session) pushNotification(n Notification) {
	select {
	case s.notifications <- n:
	default:
		// The consumer stalled. Badges are recomputed from the store on next
		// load, so dropping here is safe.
		s.log.Warn("session.notification.drop", "conversation_id", n.ConversationID)
	}
}

func (s *Session) viewFor(conversationID string) *ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[conversationID]
}

func (s *Session) allViews() []*ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ConversationView, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	return out
}

func (s *Session) registerView(view *ConversationView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.views[view.conversationID]; exists {
		return ErrAlreadyOpened
	}
	s.views[view.conversationID] = view
	return nil
}

func (s *Session) unregisterView(conversationID string) {
	s.mu.Lock()
	delete(s.views, conversationID)
	s.mu.Unlock()
}

// expectJoinEcho registers interest in the next conversation_join echo.
func (s *Session) expectJoinEcho(conversationID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.joinEchos[conversationID]; ok {
		return ch
	}
	ch := make(chan struct{})
	s.joinEchos[conversationID] = ch
	return ch
}

// ---- wire helpers ----

func (s *Session) writeToConn(ctx context.Context, env v1.Envelope) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(wCtx, websocket.MessageText, b)
}

func (s *Session) readEnvelope(ctx context.Context) (v1.Envelope, error) {
	_, b, err := s.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func (s *Session) newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newID(now),
		TS:      now,
		Payload: payload,
	}
}

// newID returns a ULID string for envelope and optimistic message ids.
func newID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand failing is unrecoverable for anything else too.
		panic(fmt.Sprintf("session: ulid: %v", err))
	}
	return id.String()
}
