package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

func TestJournal_EventsAndSends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	j, err := New(path)
	require.NoError(t, err)

	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	ev, err := protocol.NewEvent(protocol.EventChat, map[string]string{"state": "final"}, 7)
	require.NoError(t, err)
	require.NoError(t, j.WriteEvent(*ev))
	require.NoError(t, j.WriteSend(Send{IdempotencyKey: "k1", SessionKey: "main", Message: "hi", Status: "ok"}))

	entries, err = j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TypeEvent, entries[0].Type)
	assert.Equal(t, protocol.EventChat, entries[0].Name)
	require.NotNil(t, entries[0].Seq)
	assert.EqualValues(t, 7, *entries[0].Seq)
	assert.JSONEq(t, `{"state":"final"}`, string(entries[0].Data))
	assert.Equal(t, TypeSend, entries[1].Type)
}

func TestJournal_HasRecentSend(t *testing.T) {
	j, err := New(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now.Add(-10 * time.Minute) }
	require.NoError(t, j.WriteSend(Send{IdempotencyKey: "old", Status: "ok"}))
	j.now = func() time.Time { return now }
	require.NoError(t, j.WriteSend(Send{IdempotencyKey: "fresh", Status: "ok"}))
	require.NoError(t, j.WriteSend(Send{IdempotencyKey: "failed", Status: "error"}))

	// malformed lines are ignored
	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	for key, want := range map[string]bool{"fresh": true, "old": false, "failed": false, "missing": false} {
		got, err := j.HasRecentSend(key, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got, key)
	}
}
