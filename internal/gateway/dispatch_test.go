package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

func TestSeqTracker(t *testing.T) {
	tests := []struct {
		name     string
		seqs     []int64
		wantGaps int
		wantLast int64
	}{
		{"contiguous", []int64{1, 2, 3}, 0, 3},
		{"single gap", []int64{1, 2, 4}, 1, 4},
		{"first event sets baseline", []int64{17, 18}, 0, 18},
		{"duplicate ignored", []int64{1, 2, 2, 3}, 0, 3},
		{"stale ignored", []int64{5, 3, 6}, 0, 6},
		{"two gaps", []int64{1, 3, 10}, 2, 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s seqTracker
			gaps := 0
			for _, seq := range tc.seqs {
				if _, gap := s.observe(seq); gap {
					gaps++
				}
			}
			assert.Equal(t, tc.wantGaps, gaps)
			assert.Equal(t, tc.wantLast, s.last)
		})
	}
}

func TestSeqTracker_ReportsExpected(t *testing.T) {
	var s seqTracker
	s.observe(1)
	s.observe(2)
	expected, gap := s.observe(4)
	assert.True(t, gap)
	assert.EqualValues(t, 3, expected)
}

func TestDispatcher_ChallengeConsumed(t *testing.T) {
	d := newDispatcher(clock.NewMock())
	rec := &eventRecorder{}
	d.setHandler(rec.handle)

	ev, err := protocol.NewEvent(protocol.EventConnectChallenge, map[string]string{"nonce": "xyz"}, 0)
	require.NoError(t, err)
	nonce, challenge := d.dispatch(ev)
	assert.True(t, challenge)
	assert.Equal(t, "xyz", nonce)
	assert.Equal(t, 0, rec.count())
}

func TestDispatcher_TickMarksLiveness(t *testing.T) {
	mock := clock.NewMock()
	d := newDispatcher(mock)

	_, seen := d.live.lastSeen()
	assert.False(t, seen)

	ev, err := protocol.NewEvent(protocol.EventTick, nil, 0)
	require.NoError(t, err)
	d.dispatch(ev)

	last, seen := d.live.lastSeen()
	require.True(t, seen)
	assert.Equal(t, mock.Now(), last)

	d.reset()
	_, seen = d.live.lastSeen()
	assert.False(t, seen)
}

func TestPendingTable(t *testing.T) {
	tbl := newPendingTable()
	plain := tbl.add("a", "status", false)
	final := tbl.add("b", protocol.MethodChatSend, true)
	assert.Equal(t, 2, tbl.len())

	accepted, err := protocol.NewOKResponse("b", map[string]string{"status": "accepted"})
	require.NoError(t, err)
	assert.Equal(t, resolveAccepted, tbl.resolve(accepted))
	assert.Equal(t, 2, tbl.len())

	done, err := protocol.NewOKResponse("a", map[string]string{"status": "accepted"})
	require.NoError(t, err)
	assert.Equal(t, resolveCompleted, tbl.resolve(done))
	assert.JSONEq(t, `{"status":"accepted"}`, string((<-plain.done).payload))

	assert.Equal(t, resolveDropped, tbl.resolve(done))

	boom := errors.New("boom")
	assert.Equal(t, 1, tbl.failAll(boom))
	assert.ErrorIs(t, (<-final.done).err, boom)
	assert.Equal(t, 0, tbl.len())
	assert.False(t, tbl.remove("b"))
}

func TestDispatcher_GapLogNamesEvent(t *testing.T) {
	var buf bytes.Buffer
	observ.SetOutput(&buf)
	t.Cleanup(func() { observ.SetOutput(os.Stdout) })

	d := newDispatcher(clock.NewMock())
	for _, seq := range []int64{1, 3} {
		ev, err := protocol.NewEvent(protocol.EventChat, nil, seq)
		require.NoError(t, err)
		d.dispatch(ev)
	}

	var gapLine string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "gateway_event_gap") {
			gapLine = line
		}
	}
	require.NotEmpty(t, gapLine)
	assert.Equal(t, 1, strings.Count(gapLine, `"event":`))

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(gapLine), &fields))
	assert.Equal(t, "gateway_event_gap", fields["event"])
	assert.Equal(t, protocol.EventChat, fields["event_name"])
	assert.EqualValues(t, 2, fields["expected"])
}
