package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pitchroom/cmd/internal/realtime"
	v1 "pitchroom/shared/contracts/realtime/v1"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	t.Setenv("PITCHROOM_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := realtime.NewMemoryStore()
	hub := realtime.NewHub(log, realtime.NewPresence(log), nil)
	ws := realtime.NewWSGateway(log, hub)
	chat := NewChatAPI(log, store)

	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{}, nil, false, ws, chat, nil)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz_NoDBRequired(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz_RequireDBWithoutDB(t *testing.T) {
	t.Setenv("PITCHROOM_WS_ORIGIN_REQUIRED", "false")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws := realtime.NewWSGateway(log, nil)
	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{ReadinessRequireDB: true}, nil, false, ws, nil, nil)

	rec := doJSON(t, mux, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestChatAPI_FindOrCreateConversation(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/conversations", map[string]string{
		"user_a": "alice",
		"user_b": "bob",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var first conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.ID == "" || len(first.Participants) != 2 {
		t.Fatalf("unexpected conversation: %+v", first)
	}

	// Reversed pair resolves to the same conversation.
	rec = doJSON(t, mux, http.MethodPost, "/api/conversations", map[string]string{
		"user_a": "bob",
		"user_b": "alice",
	})
	var second conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same conversation, got %q and %q", first.ID, second.ID)
	}
}

func TestChatAPI_FindOrCreateConversation_Rejects(t *testing.T) {
	mux := newTestMux(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{name: "self pair", body: map[string]string{"user_a": "alice", "user_b": "alice"}},
		{name: "blank participant", body: map[string]string{"user_a": "", "user_b": "bob"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, mux, http.MethodPost, "/api/conversations", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestChatAPI_MessageLifecycle(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/conversations", map[string]string{
		"user_a": "alice", "user_b": "bob",
	})
	var conv conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}

	msg := v1.Message{
		ID:             "msg-api-1",
		ConversationID: conv.ID,
		Sender:         "alice",
		Content:        "want feedback on our deck?",
		CreatedAt:      time.Now().UTC(),
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/messages", msg)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var stored v1.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if len(stored.ReadBy) != 1 || stored.ReadBy[0] != "alice" {
		t.Fatalf("expected read_by={alice}, got %v", stored.ReadBy)
	}

	// Retried create with the same id must not duplicate.
	rec = doJSON(t, mux, http.MethodPost, "/api/messages", msg)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on retry, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/messages/msg-api-1/readers", map[string]string{"user_id": "bob"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Messages []v1.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out.Messages))
	}
	got := out.Messages[0].ReadBy
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("expected read_by={alice, bob}, got %v", got)
	}
}

func TestChatAPI_MessageRejections(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/messages", v1.Message{
		ID:             "msg-empty",
		ConversationID: "conv-any",
		Sender:         "alice",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/messages", v1.Message{
		ID:             "msg-orphan",
		ConversationID: "conv-missing",
		Sender:         "alice",
		Content:        "hello?",
		CreatedAt:      time.Now().UTC(),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("not json"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rr.Code)
	}
}

func TestChatAPI_AppendReaderUnknownMessage(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/messages/msg-missing/readers", map[string]string{"user_id": "bob"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestNewApp_InMemoryDefaults(t *testing.T) {
	t.Setenv("PITCHROOM_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(Config{LogLevel: "info"}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.dbEnabled {
		t.Fatalf("expected in-memory store without database url")
	}
	if a.Hub() == nil {
		t.Fatalf("expected hub to be wired")
	}

	if err := a.store.Close(); err != nil {
		t.Fatalf("store.Close: %v", err)
	}
}
