package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

// Entry types
const (
	TypeEvent = "event"
	TypeSend  = "send"
)

// Send records one chat.send issued by this process.
type Send struct {
	IdempotencyKey string `json:"idempotency_key"`
	SessionKey     string `json:"session_key"`
	Message        string `json:"message"`
	Status         string `json:"status"`
}

// Entry is one line of the journal.
type Entry struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"` // event name for TypeEvent
	Seq   *int64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Event time.Time       `json:"event"`
}

// Journal is an append-only JSONL log of forwarded gateway events and local
// sends. It is written from the client's event handler, so appends are
// serialized.
type Journal struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func New(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Journal{path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (j *Journal) Path() string { return j.path }

// WriteEvent appends a forwarded gateway event.
func (j *Journal) WriteEvent(ev protocol.EventFrame) error {
	return j.appendEntry(Entry{
		Type:  TypeEvent,
		Name:  ev.Event,
		Seq:   ev.Seq,
		Data:  ev.Payload,
		Event: j.now(),
	})
}

// WriteSend appends a record of a chat.send.
func (j *Journal) WriteSend(send Send) error {
	data, err := json.Marshal(send)
	if err != nil {
		return err
	}
	return j.appendEntry(Entry{Type: TypeSend, Data: data, Event: j.now()})
}

func (j *Journal) appendEntry(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// HasRecentSend reports whether a completed send with idempotencyKey was
// recorded within window.
func (j *Journal) HasRecentSend(idempotencyKey string, window time.Duration) (bool, error) {
	found := false
	cutoff := j.now().Add(-window)
	err := j.scan(func(entry Entry) bool {
		if entry.Type != TypeSend || entry.Event.Before(cutoff) {
			return true
		}
		var send Send
		if err := json.Unmarshal(entry.Data, &send); err != nil {
			return true
		}
		if send.IdempotencyKey == idempotencyKey && send.Status == "ok" {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Entries reads the whole journal. Malformed lines are skipped.
func (j *Journal) Entries() ([]Entry, error) {
	var out []Entry
	err := j.scan(func(entry Entry) bool {
		out = append(out, entry)
		return true
	})
	return out, err
}

func (j *Journal) scan(fn func(Entry) bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 32*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if !fn(entry) {
			return nil
		}
	}
	return sc.Err()
}
