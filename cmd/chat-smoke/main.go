// Package main provides a CI-friendly end-to-end smoke test for the Pitchroom
// realtime stack. It runs two chat sessions against a live server.
//
// It validates:
//   - handshake + join ack for both users
//   - find-or-create conversation through the HTTP chat API
//   - durable send -> confirmed delivery state
//   - fanout of message_new to the peer's open view
//   - typing indicator round trip
//   - read receipts via mark_read
//   - presence (peer reported online while connected)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"pitchroom/cmd/internal/session"
)

func main() {
	var (
		wsURL   = flag.String("ws", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "Chat API base URL")
		userA   = flag.String("user-a", "smoke-alice", "First user id")
		userB   = flag.String("user-b", "smoke-bob", "Second user id")
		text    = flag.String("text", "smoke: anyone up for a pitch review?", "Message text to send")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -ws: %v", err)
	}
	if *userA == *userB {
		fatalf("-user-a and -user-b must differ")
	}

	store, err := session.NewHTTPStore(*apiURL, nil)
	if err != nil {
		fatalf("invalid -api: %v", err)
	}

	root := context.Background()

	a := mustDial(root, *wsURL, *userA, store, *timeout)
	defer a.Close()
	b := mustDial(root, *wsURL, *userB, store, *timeout)
	defer b.Close()

	if *verbose {
		fmt.Printf("connected: %s=%s %s=%s\n", *userA, a.SessionID(), *userB, b.SessionID())
	}

	viewA := mustOpen(root, a, *userB, *timeout)
	viewB := mustOpen(root, b, *userA, *timeout)
	if viewA.ConversationID() != viewB.ConversationID() {
		fatalf("conversation mismatch: %q vs %q", viewA.ConversationID(), viewB.ConversationID())
	}

	// Presence: both are connected, each should see the other online.
	mustEventually(*timeout, "peer online", func() bool {
		return viewA.PeerOnline() && viewB.PeerOnline()
	})

	// Typing indicator reaches the peer and auto-clears after the send.
	viewA.Typing(root)
	mustEventually(*timeout, "typing indicator", func() bool { return viewB.PeerTyping() })

	sent, err := send(root, viewA, *text, *timeout)
	if err != nil {
		fatalf("send: %v", err)
	}
	if *verbose {
		fmt.Printf("sent: id=%s conv=%s\n", sent.ID, sent.ConversationID)
	}

	mustEventually(*timeout, "sender confirmed", func() bool {
		for _, e := range viewA.Entries() {
			if e.Message.ID == sent.ID && e.State == session.DeliveryConfirmed {
				return true
			}
		}
		return false
	})

	mustEventually(*timeout, "peer received message", func() bool {
		for _, e := range viewB.Entries() {
			if e.Message.ID == sent.ID {
				return true
			}
		}
		return false
	})

	// Read receipt: B marks read, A's copy should show it seen.
	if err := markRead(root, viewB, *timeout); err != nil {
		fatalf("mark read: %v", err)
	}
	mustEventually(*timeout, "read receipt", func() bool {
		for _, e := range viewA.Entries() {
			if e.Message.ID == sent.ID && e.SeenByPeer {
				return true
			}
		}
		return false
	})

	fmt.Printf("OK: conv_id=%s msg_id=%s %s=%s %s=%s\n",
		viewA.ConversationID(), sent.ID, *userA, a.SessionID(), *userB, b.SessionID())
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustDial(parent context.Context, wsURL, userID string, store session.Store, stepTimeout time.Duration) *session.Session {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	s, err := session.Dial(ctx, session.Options{
		URL:    wsURL,
		UserID: userID,
		Store:  store,
	})
	if err != nil {
		fatalf("dial %s: %v", userID, err)
	}
	return s
}

func mustOpen(parent context.Context, s *session.Session, peerID string, stepTimeout time.Duration) *session.ConversationView {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	view, err := s.OpenConversation(ctx, peerID)
	if err != nil {
		fatalf("open conversation %s->%s: %v", s.UserID(), peerID, err)
	}
	return view
}

func send(parent context.Context, view *session.ConversationView, text string, stepTimeout time.Duration) (msg struct {
	ID             string
	ConversationID string
}, err error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	m, err := view.Send(ctx, text, nil)
	if err != nil {
		return msg, err
	}
	msg.ID = m.ID
	msg.ConversationID = m.ConversationID
	return msg, nil
}

func markRead(parent context.Context, view *session.ConversationView, stepTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	return view.MarkRead(ctx)
}

// mustEventually polls cond until it holds or the deadline passes. The smoke
// tool runs against a live server, so relayed state lands asynchronously.
func mustEventually(wait time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	fatalf("timeout waiting for %s", what)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
