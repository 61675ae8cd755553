package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stressd/internal/anxiety"
	"stressd/internal/intervention"
	"stressd/internal/session"
	"stressd/internal/store"
)

func TestRenderStats(t *testing.T) {
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	st := &store.Stats{
		Sessions:       3,
		Keystrokes:     12345,
		FailedCompiles: 7,
		Interventions:  4,
		Accepted:       3,
		AverageRelief:  6.5,
		ByLevel:        map[anxiety.Level]int{anxiety.High: 3, anxiety.Extreme: 1},
	}
	last := &store.SessionRecord{Summary: session.Summary{
		Start:           now.Add(-3 * time.Hour),
		End:             now.Add(-2 * time.Hour),
		TotalKeystrokes: 4200,
		WPM:             42,
	}}

	out := renderStats(st, last, now)
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "75%")
	assert.Contains(t, out, "High 3")
	assert.Contains(t, out, "Extreme 1")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "4,200 keystrokes at 42 WPM")

	empty := renderStats(&store.Stats{ByLevel: map[anxiety.Level]int{}}, nil, now)
	assert.NotContains(t, empty, "Last session")
}

func TestWriteSessions(t *testing.T) {
	start := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := writeSessions(&buf, []store.SessionRecord{{
		ID: 1,
		Summary: session.Summary{
			Start:           start,
			End:             start.Add(90 * time.Minute),
			TotalKeystrokes: 1500,
			TotalCompiles:   12,
			FailedCompiles:  5,
		},
		ExportPath: "/tmp/session_20260502_103000.csv",
	}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "STARTED"))
	assert.Contains(t, lines[1], "1h30m0s")
	assert.Contains(t, lines[1], "1,500")
	assert.Contains(t, lines[1], "session_20260502_103000.csv")
}

func TestResponseAndRelief(t *testing.T) {
	assert.Equal(t, "pending", response(store.InterventionRecord{}))
	assert.Equal(t, "accepted", response(store.InterventionRecord{Accepted: true, ResponseTime: time.Now()}))
	assert.Equal(t, "dismissed", response(store.InterventionRecord{ResponseTime: time.Now()}))
	assert.Equal(t, "-", relief(intervention.NoRelief))
	assert.Equal(t, "7/10", relief(7))
}
