package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"stressd/internal/anxiety"
)

// DefaultHistorySize bounds the intervention history.
const DefaultHistorySize = 100

// IDPrefix starts every intervention ID.
const IDPrefix = "INT_"

var (
	ErrUnknownIntervention = errors.New("intervention: unknown intervention id")
	ErrInvalidRating       = errors.New("intervention: rating must be between 1 and 5")
	ErrInvalidRelief       = errors.New("intervention: relief score must be -1 or between 0 and 10")
)

// Recorder persists interventions and feedback. SaveIntervention is called
// again with the updated record after a response.
type Recorder interface {
	SaveIntervention(ctx context.Context, iv Intervention) error
	SaveFeedback(ctx context.Context, fb Feedback) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	NodeID      int64
	HistorySize int
	FeedbackLog string
	EnableC     bool
	EnableCPP   bool
	Catalog     *Catalog
}

// DefaultManagerConfig enables both languages and keeps no feedback log.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		NodeID:      1,
		HistorySize: DefaultHistorySize,
		EnableC:     true,
		EnableCPP:   true,
	}
}

// Spec describes an intervention to create.
type Spec struct {
	Type       Type
	Prediction anxiety.Prediction
	ErrorType  string
	// Hint replaces the catalog hint for ErrorType when set.
	Hint string
	// Message replaces the generated message when set.
	Message string
}

// Manager builds interventions and keeps their history.
type Manager struct {
	log      *slog.Logger
	now      func() time.Time
	node     *snowflake.Node
	catalog  *Catalog
	recorder Recorder
	fbLog    *FeedbackLog
	max      int

	mu        sync.Mutex
	history   []Intervention
	feedback  []Feedback
	enableC   bool
	enableCPP bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRecorder persists interventions and feedback through r.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithManagerClock sets the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. It fails only for an invalid node ID.
func NewManager(cfg ManagerConfig, log *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("intervention id node: %w", err)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if log == nil {
		log = slog.Default()
	}
	catalog := DefaultCatalog()
	catalog.Merge(cfg.Catalog)

	m := &Manager{
		log:       log,
		now:       time.Now,
		node:      node,
		catalog:   catalog,
		max:       cfg.HistorySize,
		enableC:   cfg.EnableC,
		enableCPP: cfg.EnableCPP,
	}
	if cfg.FeedbackLog != "" {
		m.fbLog = NewFeedbackLog(cfg.FeedbackLog)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewID returns a fresh, time-ordered intervention ID.
func (m *Manager) NewID() string {
	return IDPrefix + m.node.Generate().String()
}

// Create builds an intervention, appends it to the history and persists
// it. The oldest record is evicted once the history is full.
func (m *Manager) Create(ctx context.Context, s Spec) Intervention {
	iv := m.build(s)

	m.mu.Lock()
	m.history = append(m.history, iv)
	if over := len(m.history) - m.max; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.mu.Unlock()

	m.log.Info("intervention",
		"id", iv.ID,
		"type", iv.Type.String(),
		"level", iv.Level.String(),
		"confidence", iv.Confidence,
	)
	m.persist(ctx, iv)
	return iv
}

func (m *Manager) build(s Spec) Intervention {
	p := s.Prediction
	iv := Intervention{
		ID:                m.NewID(),
		Timestamp:         m.now(),
		Level:             p.Level,
		Type:              s.Type,
		Severity:          SeverityFor(p.Level),
		ErrorType:         s.ErrorType,
		ReliefScore:       NoRelief,
		Confidence:        p.Confidence,
		TriggeredFeatures: SplitFeatures(p.TriggeredFeatures),
	}

	switch s.Type {
	case TypeErrorHint:
		iv.Title = "Stuck on an error?"
		if s.ErrorType != "" {
			iv.Hint = s.Hint
			if iv.Hint == "" {
				iv.Hint = HintFor(s.ErrorType)
			}
			iv.Message = fmt.Sprintf("You've encountered: %s\n\n%s", s.ErrorType, iv.Hint)
		} else {
			iv.Hint = HintFor(p.TriggeredFeatures)
			iv.Message = fmt.Sprintf("%s anxiety detected (confidence: %.1f%%)\nTriggered by: %s",
				p.Level, p.Confidence*100, strings.Join(iv.TriggeredFeatures, ", "))
		}
	case TypeBreakSuggestion:
		iv.Title = "Time for a short break?"
		iv.Message = m.catalog.RelaxationMessage()
	case TypeEncouragement:
		iv.Title = "You're doing great!"
		iv.Message = m.catalog.EncouragementMessage()
		iv.Severity = SeverityInfo
	case TypeSuccessCelebration:
		iv.Title = "Success!"
		iv.Message = m.catalog.SuccessMessage()
		iv.Severity = SeverityInfo
	case TypeCalibrationRequest:
		iv.Title = "Anxiety Detection Calibration"
		iv.Message = "Calibration will monitor your normal typing pattern for a few minutes.\n\n" +
			"Please code normally during this time."
		iv.Severity = SeverityInfo
	case TypeStatisticsShow:
		iv.Title = "Anxiety Detection Statistics"
		iv.Severity = SeverityInfo
	}
	if s.Message != "" {
		iv.Message = s.Message
	}
	iv.Options = optionsFor(iv.Type, iv.Hint)
	return iv
}

// RecordResponse stores the user's answer to an intervention. relief is
// NoRelief or a score from 0 to 10.
func (m *Manager) RecordResponse(ctx context.Context, id string, accepted bool, relief int) (Intervention, error) {
	if relief != NoRelief && (relief < MinRelief || relief > MaxRelief) {
		return Intervention{}, ErrInvalidRelief
	}

	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return Intervention{}, fmt.Errorf("%w: %s", ErrUnknownIntervention, id)
	}
	iv := &m.history[i]
	iv.Accepted = accepted
	iv.Dismissed = !accepted
	iv.ResponseTime = m.now()
	iv.ReliefScore = relief
	out := cloneIntervention(*iv)
	m.mu.Unlock()

	m.log.Info("intervention response", "id", id, "accepted", accepted, "relief", relief)
	m.persist(ctx, out)
	return out, nil
}

// RecordFeedback appends a rating. The intervention may already have left
// the bounded history.
func (m *Manager) RecordFeedback(ctx context.Context, id string, rating int, comment string) (Feedback, error) {
	if rating < MinRating || rating > MaxRating {
		return Feedback{}, ErrInvalidRating
	}
	fb := Feedback{
		Timestamp:      m.now(),
		InterventionID: id,
		Rating:         rating,
		Comment:        comment,
		Helpful:        rating >= HelpfulRating,
	}

	m.mu.Lock()
	m.feedback = append(m.feedback, fb)
	m.mu.Unlock()

	if m.fbLog != nil {
		if err := m.fbLog.Append(fb); err != nil {
			m.log.Warn("write feedback log", "err", err)
		}
	}
	if m.recorder != nil {
		if err := m.recorder.SaveFeedback(ctx, fb); err != nil {
			m.log.Warn("persist feedback", "id", id, "err", err)
		}
	}
	return fb, nil
}

func (m *Manager) persist(ctx context.Context, iv Intervention) {
	if m.recorder == nil || iv.Type.Notice() {
		return
	}
	if err := m.recorder.SaveIntervention(ctx, iv); err != nil {
		m.log.Warn("persist intervention", "id", iv.ID, "err", err)
	}
}

func (m *Manager) indexLocked(id string) int {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return i
		}
	}
	return -1
}

// Get returns the intervention with the given ID if it is still in the
// history.
func (m *Manager) Get(id string) (Intervention, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return Intervention{}, false
	}
	return cloneIntervention(m.history[i]), true
}

// History returns the interventions, oldest first.
func (m *Manager) History() []Intervention {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Intervention, len(m.history))
	for i, iv := range m.history {
		out[i] = cloneIntervention(iv)
	}
	return out
}

// Feedback returns all recorded feedback, oldest first.
func (m *Manager) Feedback() []Feedback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Feedback(nil), m.feedback...)
}

// Count returns the number of interventions at level, or all of them for
// anxiety.Unknown. Notices are not counted.
func (m *Manager) Count(level anxiety.Level) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, iv := range m.history {
		if iv.Type.Notice() {
			continue
		}
		if level == anxiety.Unknown || iv.Level == level {
			n++
		}
	}
	return n
}

// AverageRelief averages the positive relief scores in the history, or
// returns 0 when there are none.
func (m *Manager) AverageRelief() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, n := 0, 0
	for _, iv := range m.history {
		if iv.ReliefScore > 0 {
			total += iv.ReliefScore
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n)
}

// SetLanguages enables or disables interventions per language.
func (m *Manager) SetLanguages(c, cpp bool) {
	m.mu.Lock()
	m.enableC, m.enableCPP = c, cpp
	m.mu.Unlock()
}

// IsLanguageEnabled reports whether interventions are enabled for a
// language name. Unknown languages are disabled.
func (m *Manager) IsLanguageEnabled(language string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "c", "c language":
		return m.enableC
	case "c++", "cpp", "cxx", "c plus plus":
		return m.enableCPP
	}
	return false
}

func cloneIntervention(iv Intervention) Intervention {
	iv.Options = append([]string(nil), iv.Options...)
	iv.TriggeredFeatures = append([]string(nil), iv.TriggeredFeatures...)
	return iv
}
