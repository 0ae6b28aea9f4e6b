package stubs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

type chatSession struct {
	key       string
	id        string
	label     string
	updatedAt time.Time
	messages  []protocol.ChatMessage
	runs      map[string]context.CancelFunc
}

// chatStore keeps the stub's sessions, transcripts and active runs in memory.
type chatStore struct {
	mu        sync.Mutex
	sessions  map[string]*chatSession
	completed map[string]map[string]string // idempotency key -> final payload
	now       func() time.Time
}

func newChatStore() *chatStore {
	return &chatStore{
		sessions:  make(map[string]*chatSession),
		completed: make(map[string]map[string]string),
		now:       time.Now,
	}
}

// canonicalKey maps a short key like "main" to "agent:main:main"-style keys
// the real gateway reports in events.
func canonicalKey(key string) string {
	if strings.HasPrefix(key, "agent:") {
		return key
	}
	return "agent:main:" + key
}

func (s *chatStore) resolve(key string) *chatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(key)
}

func (s *chatStore) resolveLocked(key string) *chatSession {
	k := canonicalKey(key)
	sess, ok := s.sessions[k]
	if !ok {
		sess = &chatSession{key: k, id: uuid.NewString(), updatedAt: s.now(), runs: make(map[string]context.CancelFunc)}
		s.sessions[k] = sess
	}
	return sess
}

func (s *chatStore) completedRun(runID string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	final, ok := s.completed[runID]
	return final, ok
}

// startRun registers runID on the session. started is false when the same
// run is already in progress.
func (s *chatStore) startRun(key, runID string, cancel context.CancelFunc) (sess *chatSession, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess = s.resolveLocked(key)
	if _, running := sess.runs[runID]; running {
		return sess, false
	}
	sess.runs[runID] = cancel
	return sess, true
}

// finishRun clears the run and appends msgs to the transcript. A nil final
// leaves the run retryable.
func (s *chatStore) finishRun(sess *chatSession, runID string, final map[string]string, msgs []protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := sess.runs[runID]; ok {
		cancel()
		delete(sess.runs, runID)
	}
	if final != nil {
		s.completed[runID] = final
	}
	sess.messages = append(sess.messages, msgs...)
	sess.updatedAt = s.now()
}

// abort cancels runID on the session, or every active run when runID is empty.
func (s *chatStore) abort(key, runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[canonicalKey(key)]
	if !ok {
		return []string{}
	}
	aborted := []string{}
	for id, cancel := range sess.runs {
		if runID != "" && id != runID {
			continue
		}
		cancel()
		aborted = append(aborted, id)
	}
	sort.Strings(aborted)
	return aborted
}

// history returns the last limit messages; limit <= 0 returns all.
func (s *chatStore) history(sess *chatSession, limit int) []protocol.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := sess.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]protocol.ChatMessage(nil), msgs...)
}

// byLabel returns the session carrying label, if any.
func (s *chatStore) byLabel(label string) (*chatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.label == label {
			return sess, true
		}
	}
	return nil, false
}

// setLabel labels key, creating the session if it does not exist yet.
func (s *chatStore) setLabel(key, label string) protocol.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.resolveLocked(key)
	sess.label = label
	sess.updatedAt = s.now()
	return sess.entry(false, false)
}

func (s *chatStore) describe(key string) protocol.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(key).entry(false, false)
}

// list returns sessions newest first. activeMinutes > 0 drops sessions not
// updated within that window; limit > 0 caps the result.
func (s *chatStore) list(params protocol.SessionsListParams) []protocol.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Time{}
	if params.ActiveMinutes > 0 {
		cutoff = s.now().Add(-time.Duration(params.ActiveMinutes) * time.Minute)
	}
	entries := make([]protocol.SessionEntry, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.updatedAt.Before(cutoff) {
			continue
		}
		entries = append(entries, sess.entry(params.IncludeDerivedTitles, params.IncludeLastMessage))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpdatedAt != entries[j].UpdatedAt {
			return entries[i].UpdatedAt > entries[j].UpdatedAt
		}
		return entries[i].Key < entries[j].Key
	})
	if params.Limit > 0 && len(entries) > params.Limit {
		entries = entries[:params.Limit]
	}
	return entries
}

// remove deletes key and cancels its runs. Unless dropTranscript is set a
// non-empty transcript is reported under the name it would be archived as.
func (s *chatStore) remove(key string, dropTranscript bool) (deleted bool, archived []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived = []string{}
	k := canonicalKey(key)
	sess, ok := s.sessions[k]
	if !ok {
		return false, archived
	}
	for _, cancel := range sess.runs {
		cancel()
	}
	delete(s.sessions, k)
	if !dropTranscript && len(sess.messages) > 0 {
		archived = append(archived, sess.id+".jsonl.deleted."+s.now().UTC().Format("20060102T150405Z"))
	}
	return true, archived
}

func (sess *chatSession) entry(derivedTitle, lastMessage bool) protocol.SessionEntry {
	e := protocol.SessionEntry{
		Key:       sess.key,
		Kind:      protocol.SessionKindDirect,
		UpdatedAt: sess.updatedAt.UnixMilli(),
		SessionID: sess.id,
		Label:     sess.label,
	}
	if derivedTitle {
		for _, m := range sess.messages {
			if m.Role == "user" {
				e.DerivedTitle = truncate(messageText(m), 60)
				break
			}
		}
	}
	if lastMessage && len(sess.messages) > 0 {
		e.LastMessage = truncate(messageText(sess.messages[len(sess.messages)-1]), 120)
	}
	return e
}

func messageText(m protocol.ChatMessage) string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
