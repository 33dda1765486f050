package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "pitchroom/shared/contracts/realtime/v1"
)

// HTTPStore talks to the Pitchroom chat API:
//
//	POST /api/conversations                      find-or-create by pair
//	GET  /api/conversations/{id}/messages        history in creation order
//	POST /api/messages                           persist a message
//	POST /api/messages/{id}/readers              append a reader
type HTTPStore struct {
	base   string
	client *http.Client
}

// NewHTTPStore constructs a Store over the chat API at baseURL.
// The client defaults to a 10s-timeout http.Client.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("session: missing base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("session: invalid base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{base: baseURL, client: client}, nil
}

func (s *HTTPStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	var out Conversation
	err := s.do(ctx, http.MethodPost, "/api/conversations", map[string]string{
		"user_a": userA,
		"user_b": userB,
	}, &out)
	return out, err
}

func (s *HTTPStore) ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	var out struct {
		Messages []v1.Message `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (s *HTTPStore) CreateMessage(ctx context.Context, msg v1.Message) (v1.Message, error) {
	var out v1.Message
	err := s.do(ctx, http.MethodPost, "/api/messages", msg, &out)
	return out, err
}

func (s *HTTPStore) AppendReader(ctx context.Context, messageID, userID string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/readers"
	return s.do(ctx, http.MethodPost, path, map[string]string{"user_id": userID}, nil)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("session: %s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("session: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Store = (*HTTPStore)(nil)
