package session

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stressd/internal/compiler"
	"stressd/internal/keystroke"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func failing(line int) string {
	return fmt.Sprintf("main.cpp:%d:3: error: 'foo' was not declared in this scope\n", line)
}

func TestRecordingIgnoredWhileStopped(t *testing.T) {
	s := New()

	s.RecordKeystroke('a', false, 65, 0)
	s.RecordCompile("", true, compiler.LangCPP)
	s.Ingest(keystroke.KeystrokeEvent{Char: 'b'})

	snap := s.Snapshot()
	assert.Zero(t, snap.TotalKeystrokes)
	assert.Zero(t, snap.TotalCompiles)
	assert.Empty(t, snap.Keystrokes)
	assert.False(t, snap.Monitoring)
}

func TestRecordKeystrokeUpdatesTotals(t *testing.T) {
	clock := newFakeClock(200 * time.Millisecond)
	s := New(WithClock(clock.Now))
	require.True(t, s.StartMonitoring())

	for i := 0; i < 12; i++ {
		s.RecordKeystroke('x', i%4 == 0, 88, 0)
	}

	snap := s.Snapshot()
	assert.Equal(t, 12, snap.TotalKeystrokes)
	assert.Equal(t, 3, snap.TotalBackspaces)
	assert.Len(t, snap.Keystrokes, 12)
	assert.Len(t, snap.Window, 12)
	assert.Equal(t, snap.Keystrokes[11].Timestamp, snap.LastActivity)
	assert.InDelta(t, 0.25, snap.RealtimeBackspaceRate, 1e-9)
	assert.Greater(t, snap.RealtimeWPM, 0.0)
}

func TestWindowBoundedAtHundred(t *testing.T) {
	clock := newFakeClock(50 * time.Millisecond)
	s := New(WithClock(clock.Now))
	s.StartMonitoring()

	for i := 0; i < 250; i++ {
		s.RecordKeystroke('k', false, 0, 0)
	}

	snap := s.Snapshot()
	assert.Len(t, snap.Window, keystroke.WindowSize)
	assert.Len(t, snap.Keystrokes, 250)
	assert.Equal(t, snap.Keystrokes[150].Timestamp, snap.Window[0].Timestamp, "window keeps the newest entries")
}

func TestAdjacentRepeatedErrors(t *testing.T) {
	s := New()
	s.StartMonitoring()

	// Same error at different locations: A A B A
	s.RecordCompile(failing(10), false, compiler.LangCPP)
	s.RecordCompile(failing(42), false, compiler.LangCPP)
	s.RecordCompile("x.cpp:1:1: error: expected ';' before '}' token\n", false, compiler.LangCPP)
	s.RecordCompile(failing(7), false, compiler.LangCPP)
	s.RecordCompile("", true, compiler.LangCPP)

	snap := s.Snapshot()
	assert.Equal(t, 5, snap.TotalCompiles)
	assert.Equal(t, 4, snap.FailedCompiles)
	assert.Len(t, snap.ErrorSequence, 4)
	assert.Equal(t, 1, snap.RepeatedErrors, "only adjacent repeats count")
	assert.LessOrEqual(t, snap.RepeatedErrors, len(snap.ErrorSequence)-1)
}

func TestFailureWithoutErrorLineHasNoSignature(t *testing.T) {
	s := New()
	s.StartMonitoring()

	s.RecordCompile("make: *** [all] Error 2", false, compiler.LangC)
	s.RecordCompile("make: *** [all] Error 2", false, compiler.LangC)

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.FailedCompiles)
	assert.Empty(t, snap.ErrorSequence)
	assert.Zero(t, snap.RepeatedErrors)
}

func TestIngestKeepsTimestamps(t *testing.T) {
	s := New()
	s.StartMonitoring()
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s.Ingest(keystroke.KeystrokeEvent{Timestamp: at, Char: 'q'})
	s.Ingest(keystroke.NewCompileEvent(at.Add(time.Second), failing(3), false, compiler.LangCPP))

	snap := s.Snapshot()
	require.Len(t, snap.Keystrokes, 1)
	assert.Equal(t, at, snap.Keystrokes[0].Timestamp)
	assert.Equal(t, at.Add(time.Second), snap.LastActivity)
	assert.Equal(t, 1, snap.FailedCompiles)
}

func TestStopMonitoringIsImmediate(t *testing.T) {
	s := New()
	s.StartMonitoring()
	s.RecordKeystroke('a', false, 0, 0)

	final, ok := s.StopMonitoring()
	require.True(t, ok)
	s.RecordKeystroke('b', false, 0, 0)

	assert.Equal(t, 1, final.TotalKeystrokes)
	assert.False(t, final.Monitoring)
	assert.Equal(t, 1, s.Snapshot().TotalKeystrokes)
	assert.False(t, s.IsMonitoring())

	_, ok = s.StopMonitoring()
	assert.False(t, ok, "already stopped")
}

func TestConcurrentStopEndsSessionOnce(t *testing.T) {
	for range 50 {
		s := New()
		s.StartMonitoring()
		s.RecordKeystroke('a', false, 0, 0)

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := s.StopMonitoring(); ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	}
}

func TestStartMonitoringTwiceKeepsSession(t *testing.T) {
	s := New()
	require.True(t, s.StartMonitoring())
	s.RecordKeystroke('a', false, 0, 0)

	assert.False(t, s.StartMonitoring())
	assert.Equal(t, 1, s.Snapshot().TotalKeystrokes)
}

func TestResetClearsAndRestamps(t *testing.T) {
	clock := newFakeClock(time.Second)
	s := New(WithClock(clock.Now))
	s.StartMonitoring()
	s.RecordKeystroke('a', true, 0, 0)
	s.RecordCompile(failing(1), false, compiler.LangC)
	before := s.Snapshot()

	s.Reset()
	after := s.Snapshot()

	assert.Zero(t, after.TotalKeystrokes)
	assert.Zero(t, after.TotalBackspaces)
	assert.Zero(t, after.FailedCompiles)
	assert.Empty(t, after.Window)
	assert.Empty(t, after.ErrorSequence)
	assert.True(t, after.SessionStart.After(before.SessionStart))
	assert.Equal(t, after.SessionStart, after.LastActivity)
	assert.True(t, after.Monitoring, "reset does not stop monitoring")
	assert.NotEmpty(t, after.ID)
	assert.NotEqual(t, before.ID, after.ID, "reset starts a new session id")
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New()
	s.StartMonitoring()
	s.RecordKeystroke('a', false, 0, 0)
	s.RecordCompile(failing(1), false, compiler.LangC)

	snap := s.Snapshot()
	snap.Keystrokes[0].Char = 'z'
	snap.Window[0].Char = 'z'
	snap.ErrorSequence[0] = "mutated"

	again := s.Snapshot()
	assert.Equal(t, 'a', again.Keystrokes[0].Char)
	assert.Equal(t, 'a', again.Window[0].Char)
	assert.NotEqual(t, "mutated", again.ErrorSequence[0])
}

func TestConcurrentRecordAndSnapshot(t *testing.T) {
	s := New()
	s.StartMonitoring()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.RecordKeystroke('a', i%5 == 0, 0, 0)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			snap := s.Snapshot()
			if len(snap.Window) > keystroke.WindowSize {
				t.Errorf("torn window: %d", len(snap.Window))
			}
			if snap.TotalKeystrokes != len(snap.Keystrokes) {
				t.Errorf("inconsistent snapshot: total %d, log %d", snap.TotalKeystrokes, len(snap.Keystrokes))
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 800, s.Snapshot().TotalKeystrokes)
	assert.Equal(t, 160, s.Snapshot().TotalBackspaces)
}

func TestSummary(t *testing.T) {
	clock := newFakeClock(time.Second)
	s := New(WithClock(clock.Now))
	s.StartMonitoring()
	for i := 0; i < 10; i++ {
		s.RecordKeystroke('a', false, 0, 0)
	}

	snap := s.Snapshot()
	sum := snap.Summary()
	assert.Equal(t, snap.ID, sum.SessionID)
	assert.Equal(t, 10, sum.TotalKeystrokes)
	assert.Equal(t, 10*time.Second, sum.End.Sub(sum.Start))
	assert.InDelta(t, 12.0, sum.WPM, 1e-9)
}

// =============================================================================
// Tests for CSV export
// =============================================================================

func TestWriteCSVRows(t *testing.T) {
	clock := newFakeClock(time.Second)
	s := New(WithClock(clock.Now))
	s.StartMonitoring()
	s.RecordKeystroke('a', false, 65, 0)
	s.RecordKeystroke(0, true, 8, 0)
	s.RecordCompile(failing(4), false, compiler.LangC)

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot().WriteCSV(&buf, true))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, CSVHeader, records[0])

	assert.Equal(t, []string{"keystroke", "a", "0", "", "", "", "", ""}, records[1][1:])
	assert.Equal(t, []string{"keystroke", "", "1", "", "", "", "", ""}, records[2][1:])
	assert.Equal(t, []string{"compile", "", "", "0", "1", "0",
		strconv.Itoa(int(compiler.KindUndeclared)), "1"}, records[3][1:])
}

func TestAppendCSVWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", ExportFileName(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)))
	assert.Equal(t, "session_20260203_040506.csv", filepath.Base(path))

	s := New()
	s.StartMonitoring()
	s.RecordKeystroke('a', false, 0, 0)
	snap := s.Snapshot()

	require.NoError(t, snap.AppendCSV(path))
	require.NoError(t, snap.AppendCSV(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, "timestamp", records[0][0])
	assert.Equal(t, "keystroke", records[2][1])
}
