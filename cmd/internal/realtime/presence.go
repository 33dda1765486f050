package realtime

import (
	"log/slog"
	"sort"
	"sync"
)

// Presence tracks which users currently have at least one live connection.
//
// It maps a user id to the set of session ids currently open for that user,
// and reports transitions only on the 0->1 and 1->0 edges: a user with three
// open tabs produces one online transition and, only after the last tab
// closes, one offline transition.
//
// Presence is process-local and reconstructed from scratch on restart. It is
// owned by the Hub; nothing else may mutate it.
type Presence struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]map[string]struct{} // user id -> session ids
}

// NewPresence constructs an empty registry.
func NewPresence(log *slog.Logger) *Presence {
	return &Presence{
		log:   log,
		conns: make(map[string]map[string]struct{}),
	}
}

// RecordJoin adds sessionID to the user's connection set, creating the set if
// absent. It reports true only when the user transitioned offline -> online.
// Recording the same session twice is a no-op.
func (p *Presence) RecordJoin(userID, sessionID string) (cameOnline bool) {
	if p == nil || userID == "" || sessionID == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]struct{}, 2)
		p.conns[userID] = set
	}

	wasEmpty := len(set) == 0
	set[sessionID] = struct{}{}

	if wasEmpty && p.log != nil {
		p.log.Info("presence.online", "user_id", userID, "session_id", sessionID)
	}
	return wasEmpty
}

// RecordLeave removes sessionID from the user's connection set. It reports
// true only when the set became empty, i.e. the user transitioned
// online -> offline. Empty entries are deleted so the map does not grow
// unbounded across user churn.
func (p *Presence) RecordLeave(userID, sessionID string) (wentOffline bool) {
	if p == nil || userID == "" || sessionID == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[sessionID]; !ok {
		return false
	}

	delete(set, sessionID)
	if len(set) > 0 {
		return false
	}

	delete(p.conns, userID)
	if p.log != nil {
		p.log.Info("presence.offline", "user_id", userID, "session_id", sessionID)
	}
	return true
}

// IsOnline reports whether the user has at least one live connection.
func (p *Presence) IsOnline(userID string) bool {
	if p == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.conns[userID]) > 0
}

// OnlineUsers returns the sorted ids of all currently online users.
func (p *Presence) OnlineUsers() []string {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	out := make([]string, 0, len(p.conns))
	for id, set := range p.conns {
		if len(set) > 0 {
			out = append(out, id)
		}
	}
	p.mu.Unlock()

	sort.Strings(out)
	return out
}

// ConnectionCount returns the number of live sessions for the user.
func (p *Presence) ConnectionCount(userID string) int {
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.conns[userID])
}
