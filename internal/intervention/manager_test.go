package intervention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stressd/internal/anxiety"
	"stressd/internal/compiler"
	"stressd/internal/logging"
)

type memRecorder struct {
	mu            sync.Mutex
	interventions map[string]Intervention
	feedback      []Feedback
	fail          bool
}

func newMemRecorder() *memRecorder {
	return &memRecorder{interventions: make(map[string]Intervention)}
}

func (r *memRecorder) SaveIntervention(_ context.Context, iv Intervention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.interventions[iv.ID] = iv
	return nil
}

func (r *memRecorder) SaveFeedback(_ context.Context, fb Feedback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.feedback = append(r.feedback, fb)
	return nil
}

func newTestManager(t *testing.T, cfg ManagerConfig, opts ...ManagerOption) (*Manager, *fakeClock) {
	t.Helper()
	clk := newClock()
	cfg.Catalog = &Catalog{
		Relaxation:    []string{"Stretch."},
		Encouragement: []string{"Nice."},
		Success:       []string{"Fixed it."},
	}
	m, err := NewManager(cfg, logging.Discard(), append([]ManagerOption{WithManagerClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	return m, clk
}

var highPrediction = anxiety.Prediction{
	Level:             anxiety.High,
	Confidence:        0.82,
	TriggeredFeatures: "Repeated Errors, Slow Typing",
	ShouldIntervene:   true,
}

func TestNewManagerRejectsBadNode(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.NodeID = 5000
	_, err := NewManager(cfg, nil)
	assert.Error(t, err)
}

func TestCreateErrorHint(t *testing.T) {
	m, clk := newTestManager(t, DefaultManagerConfig())

	iv := m.Create(context.Background(), Spec{Type: TypeErrorHint, Prediction: highPrediction, ErrorType: "missing_semicolon"})
	assert.True(t, strings.HasPrefix(iv.ID, IDPrefix))
	assert.Equal(t, clk.Now(), iv.Timestamp)
	assert.Equal(t, anxiety.High, iv.Level)
	assert.Equal(t, SeverityWarning, iv.Severity)
	assert.Equal(t, "You might be missing a semicolon at the end of a statement", iv.Hint)
	assert.Contains(t, iv.Message, "You've encountered: missing_semicolon")
	assert.Equal(t, []string{"Show Hint", "Dismiss"}, iv.Options)
	assert.Equal(t, []string{"Repeated Errors", "Slow Typing"}, iv.TriggeredFeatures)
	assert.Equal(t, NoRelief, iv.ReliefScore)
	assert.InDelta(t, 0.82, iv.Confidence, 1e-12)
}

func TestCreateErrorHintWithServiceHint(t *testing.T) {
	m, _ := newTestManager(t, DefaultManagerConfig())

	iv := m.Create(context.Background(), Spec{
		Type:       TypeErrorHint,
		Prediction: highPrediction,
		ErrorType:  "segfault",
		Hint:       "Run it under a debugger and look at the backtrace",
	})
	assert.Equal(t, "Run it under a debugger and look at the backtrace", iv.Hint)
	assert.True(t, strings.HasSuffix(iv.Message, iv.Hint))
}

func TestCreateFromPredictionOnly(t *testing.T) {
	m, _ := newTestManager(t, DefaultManagerConfig())

	iv := m.Create(context.Background(), Spec{Type: TypeErrorHint, Prediction: highPrediction})
	assert.Equal(t, "High anxiety detected (confidence: 82.0%)\nTriggered by: Repeated Errors, Slow Typing", iv.Message)
	assert.Equal(t, GeneralHint, iv.Hint)
}

func TestCreateOtherTypes(t *testing.T) {
	m, _ := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	brk := m.Create(ctx, Spec{Type: TypeBreakSuggestion, Prediction: highPrediction})
	assert.Equal(t, "Stretch.", brk.Message)
	assert.Equal(t, []string{"Take Break", "Continue"}, brk.Options)

	enc := m.Create(ctx, Spec{Type: TypeEncouragement})
	assert.Equal(t, "Nice.", enc.Message)
	assert.Equal(t, []string{"OK"}, enc.Options)

	ok := m.Create(ctx, Spec{Type: TypeSuccessCelebration})
	assert.Equal(t, "Fixed it.", ok.Message)

	stats := m.Create(ctx, Spec{Type: TypeStatisticsShow, Message: "Total Keystrokes: 12"})
	assert.Equal(t, "Total Keystrokes: 12", stats.Message)
	assert.Equal(t, SeverityInfo, stats.Severity)

	cal := m.Create(ctx, Spec{Type: TypeCalibrationRequest})
	assert.Contains(t, cal.Message, "normal typing pattern")
}

func TestIDsAreUniqueAndOrdered(t *testing.T) {
	m, _ := newTestManager(t, DefaultManagerConfig())
	var prev int64
	for range 50 {
		id := m.NewID()
		require.True(t, strings.HasPrefix(id, IDPrefix))
		n, err := strconv.ParseInt(strings.TrimPrefix(id, IDPrefix), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.HistorySize = 5
	m, _ := newTestManager(t, cfg)

	var ids []string
	for range 8 {
		ids = append(ids, m.Create(context.Background(), Spec{Type: TypeEncouragement}).ID)
	}
	h := m.History()
	require.Len(t, h, 5)
	assert.Equal(t, ids[3], h[0].ID, "oldest evicted first")
	assert.Equal(t, ids[7], h[4].ID)

	_, ok := m.Get(ids[0])
	assert.False(t, ok)
}

func TestRecordResponse(t *testing.T) {
	rec := newMemRecorder()
	m, clk := newTestManager(t, DefaultManagerConfig(), WithRecorder(rec))
	ctx := context.Background()

	iv := m.Create(ctx, Spec{Type: TypeBreakSuggestion, Prediction: highPrediction})
	clk.Advance(10 * time.Second)

	got, err := m.RecordResponse(ctx, iv.ID, true, 7)
	require.NoError(t, err)
	assert.True(t, got.Accepted)
	assert.False(t, got.Dismissed)
	assert.Equal(t, 7, got.ReliefScore)
	assert.Equal(t, clk.Now(), got.ResponseTime)
	assert.True(t, got.Responded())

	stored, ok := m.Get(iv.ID)
	require.True(t, ok)
	assert.Equal(t, got, stored)
	assert.Equal(t, 7, rec.interventions[iv.ID].ReliefScore, "updated record persisted")

	got, err = m.RecordResponse(ctx, iv.ID, false, NoRelief)
	require.NoError(t, err)
	assert.True(t, got.Dismissed)

	_, err = m.RecordResponse(ctx, "INT_missing", true, 5)
	assert.ErrorIs(t, err, ErrUnknownIntervention)

	_, err = m.RecordResponse(ctx, iv.ID, true, 11)
	assert.ErrorIs(t, err, ErrInvalidRelief)
	_, err = m.RecordResponse(ctx, iv.ID, true, -2)
	assert.ErrorIs(t, err, ErrInvalidRelief)
}

func TestCountAndAverageRelief(t *testing.T) {
	m, _ := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	assert.Zero(t, m.AverageRelief())

	a := m.Create(ctx, Spec{Type: TypeErrorHint, Prediction: highPrediction})
	b := m.Create(ctx, Spec{Type: TypeErrorHint, Prediction: anxiety.Prediction{Level: anxiety.Extreme, Confidence: 0.9}})
	c := m.Create(ctx, Spec{Type: TypeErrorHint, Prediction: highPrediction})
	m.Create(ctx, Spec{Type: TypeErrorHint, Prediction: highPrediction})

	assert.Equal(t, 4, m.Count(anxiety.Unknown))
	assert.Equal(t, 3, m.Count(anxiety.High))
	assert.Equal(t, 1, m.Count(anxiety.Extreme))
	assert.Equal(t, 0, m.Count(anxiety.Low))

	m.RecordResponse(ctx, a.ID, true, 8)
	m.RecordResponse(ctx, b.ID, true, 4)
	m.RecordResponse(ctx, c.ID, false, 0)
	assert.InDelta(t, 6.0, m.AverageRelief(), 1e-12, "only positive scores count")
}

func TestNoticesAreNotCountedOrPersisted(t *testing.T) {
	rec := newMemRecorder()
	m, _ := newTestManager(t, DefaultManagerConfig(), WithRecorder(rec))
	ctx := context.Background()

	m.Create(ctx, Spec{Type: TypeErrorHint, Prediction: highPrediction})
	cal := m.Create(ctx, Spec{Type: TypeCalibrationRequest})
	st := m.Create(ctx, Spec{Type: TypeStatisticsShow, Message: "3 keystrokes"})

	assert.Equal(t, SeverityInfo, cal.Severity)
	assert.Equal(t, []string{"OK"}, cal.Options)
	assert.Equal(t, "3 keystrokes", st.Message)
	assert.Len(t, m.History(), 3, "notices stay answerable")
	assert.Equal(t, 1, m.Count(anxiety.Unknown))

	_, err := m.RecordResponse(ctx, cal.ID, true, NoRelief)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.interventions, 1)
	assert.NotContains(t, rec.interventions, cal.ID)
	assert.NotContains(t, rec.interventions, st.ID)
}

func TestRecordFeedback(t *testing.T) {
	rec := newMemRecorder()
	cfg := DefaultManagerConfig()
	cfg.FeedbackLog = filepath.Join(t.TempDir(), "data", "user_feedback.csv")
	m, clk := newTestManager(t, cfg, WithRecorder(rec))
	ctx := context.Background()

	fb, err := m.RecordFeedback(ctx, "INT_1", 4, "helped, thanks")
	require.NoError(t, err)
	assert.True(t, fb.Helpful)
	clk.Advance(time.Minute)
	fb, err = m.RecordFeedback(ctx, "INT_2", 3, "")
	require.NoError(t, err)
	assert.False(t, fb.Helpful)

	_, err = m.RecordFeedback(ctx, "INT_3", 0, "")
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = m.RecordFeedback(ctx, "INT_3", 6, "")
	assert.ErrorIs(t, err, ErrInvalidRating)

	assert.Len(t, m.Feedback(), 2)
	assert.Len(t, rec.feedback, 2)

	data, err := os.ReadFile(cfg.FeedbackLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,interventionId,rating,comment", lines[0])
	assert.Equal(t, `2026-03-02T09:00:00Z,INT_1,4,"helped, thanks"`, lines[1])

	read, err := ReadFeedbackLog(cfg.FeedbackLog)
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, "helped, thanks", read[0].Comment)
	assert.True(t, read[0].Helpful)
	assert.Equal(t, "INT_2", read[1].InterventionID)
}

func TestRecorderFailureIsNotFatal(t *testing.T) {
	rec := newMemRecorder()
	rec.fail = true
	m, _ := newTestManager(t, DefaultManagerConfig(), WithRecorder(rec))

	iv := m.Create(context.Background(), Spec{Type: TypeEncouragement})
	_, err := m.RecordResponse(context.Background(), iv.ID, true, 5)
	assert.NoError(t, err)
	_, err = m.RecordFeedback(context.Background(), iv.ID, 5, "")
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Count(anxiety.Unknown))
}

func TestReadFeedbackLogMissing(t *testing.T) {
	fb, err := ReadFeedbackLog(filepath.Join(t.TempDir(), "none.csv"))
	assert.NoError(t, err)
	assert.Empty(t, fb)
}

func TestIsLanguageEnabled(t *testing.T) {
	m, _ := newTestManager(t, DefaultManagerConfig())
	assert.True(t, m.IsLanguageEnabled("C"))
	assert.True(t, m.IsLanguageEnabled("c++"))
	assert.True(t, m.IsLanguageEnabled("cpp"))
	assert.False(t, m.IsLanguageEnabled("rust"))

	m.SetLanguages(false, true)
	assert.False(t, m.IsLanguageEnabled("c language"))
	assert.True(t, m.IsLanguageEnabled("C Plus Plus"))
}

func TestHintFor(t *testing.T) {
	assert.Equal(t, "Check for null pointers or array bounds", HintFor("Segmentation_Fault in main"))
	assert.Equal(t, "Check function parameters and overloads", HintFor("no matching function for call"))
	assert.Equal(t, "Declare variables before using them", HintFor("undeclared"))
	assert.Equal(t, GeneralHint, HintFor("Frequent Context Switching"))
	assert.Equal(t, GeneralHint, HintFor(""))

	assert.Equal(t, "Check for null pointers or array bounds", HintForKind(compiler.KindSegfault))
	assert.Equal(t, "Ensure array indices are within bounds", HintForKind(compiler.KindBounds))
	assert.Equal(t, "Check function parameters and overloads", HintForKind(compiler.KindNoMatch))
	assert.Equal(t, "Check for missing semicolons, brackets, or parentheses", HintForKind(compiler.KindSyntax))
	assert.Equal(t, GeneralHint, HintForKind(compiler.KindUnknown))
}
