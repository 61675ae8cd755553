package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stressd/internal/anxiety"
	"stressd/internal/baseline"
	"stressd/internal/compiler"
	"stressd/internal/features"
	"stressd/internal/intervention"
	"stressd/internal/keystroke"
	"stressd/internal/session"
)

// RecordKeystroke records a key press if monitoring is on.
func (e *Engine) RecordKeystroke(char rune, isBackspace bool, keyCode int, modifiers int64) {
	if !e.session.IsMonitoring() {
		return
	}
	e.session.RecordKeystroke(char, isBackspace, keyCode, modifiers)
	if e.metrics != nil {
		e.metrics.RecordKeystroke(isBackspace)
	}
}

// RecordCompile records a build result if monitoring is on.
func (e *Engine) RecordCompile(output string, success bool, lang compiler.Language) {
	if !e.session.IsMonitoring() {
		return
	}
	e.session.RecordCompile(output, success, lang)
	if e.metrics != nil {
		e.metrics.RecordCompile(success)
	}
}

// Ingest records a prebuilt event if monitoring is on.
func (e *Engine) Ingest(ev keystroke.Event) {
	if !e.session.IsMonitoring() {
		return
	}
	e.session.Ingest(ev)
	if e.metrics == nil {
		return
	}
	switch v := ev.(type) {
	case keystroke.KeystrokeEvent:
		e.metrics.RecordKeystroke(v.IsBackspace)
	case keystroke.CompileEvent:
		e.metrics.RecordCompile(v.Success)
	}
}

// StartMonitoring begins a fresh session. It returns false when a session is
// already being monitored.
func (e *Engine) StartMonitoring() bool {
	if !e.session.StartMonitoring() {
		return false
	}
	if e.metrics != nil {
		e.metrics.SessionStarted()
	}
	e.log.Info("monitoring started", "session", e.session.Snapshot().ID)
	return true
}

// StopResult describes a finished session.
type StopResult struct {
	Summary    session.Summary `json:"summary"`
	ExportPath string          `json:"export_path,omitempty"`
	Baseline   baseline.Data   `json:"baseline"`
}

// StopMonitoring ends the session, exports it, folds it into the baseline
// and records its summary. The session is stopped even when a later step
// fails; the returned error joins every failure.
func (e *Engine) StopMonitoring(ctx context.Context) (StopResult, error) {
	snap, ok := e.session.StopMonitoring()
	if !ok {
		return StopResult{}, ErrNotMonitoring
	}
	if e.metrics != nil {
		e.metrics.SessionEnded()
	}

	res := StopResult{Summary: snap.Summary()}
	var errs []error

	if e.cfg.ExportSessions && e.cfg.DataDir != "" {
		path := e.exportPath()
		if err := snap.AppendCSV(path); err != nil {
			errs = append(errs, fmt.Errorf("export session: %w", err))
		} else {
			res.ExportPath = path
		}
	}

	res.Baseline = e.baseline.Update(snap)
	if e.persister != nil {
		if err := e.persister.SaveBaseline(ctx, res.Baseline); err != nil {
			errs = append(errs, fmt.Errorf("save baseline: %w", err))
		}
	}
	if e.sessions != nil {
		if _, err := e.sessions.SaveSession(ctx, res.Summary, res.ExportPath); err != nil {
			errs = append(errs, fmt.Errorf("save session: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		e.log.Warn("session stop incomplete", "session", snap.ID, "err", err)
	}
	e.log.Info("monitoring stopped",
		"session", snap.ID,
		"keystrokes", snap.TotalKeystrokes,
		"compiles", snap.TotalCompiles,
		"export", res.ExportPath,
	)
	return res, err
}

// ResetSession discards the current session and starts monitoring a new
// one. Hosts call it to calibrate.
func (e *Engine) ResetSession() {
	e.session.Reset()
	started := e.session.StartMonitoring()
	if started && e.metrics != nil {
		e.metrics.SessionStarted()
	}
	e.log.Info("session reset", "session", e.session.Snapshot().ID)
}

// Calibrate starts a fresh session for calibration and raises the
// calibration notice.
func (e *Engine) Calibrate(ctx context.Context) intervention.Intervention {
	e.ResetSession()
	return e.manager.Create(ctx, intervention.Spec{Type: intervention.TypeCalibrationRequest})
}

// ExtractFeatures computes the feature vector of the current session.
func (e *Engine) ExtractFeatures() features.Vector {
	return features.Extract(e.session.Snapshot(), e.baseline)
}

// CurrentSession returns a copy of the current session.
func (e *Engine) CurrentSession() session.Snapshot {
	return e.session.Snapshot()
}

// Baseline returns the baseline and whether one exists.
func (e *Engine) Baseline() (baseline.Data, bool) {
	return e.baseline.Snapshot()
}

// History returns the interventions raised so far, oldest first.
func (e *Engine) History() []intervention.Intervention {
	return e.manager.History()
}

// RespondToIntervention records the user's answer to an intervention.
func (e *Engine) RespondToIntervention(ctx context.Context, id string, accepted bool, relief int) (intervention.Intervention, error) {
	return e.manager.RecordResponse(ctx, id, accepted, relief)
}

// SubmitFeedback records a rating for an intervention.
func (e *Engine) SubmitFeedback(ctx context.Context, id string, rating int, comment string) (intervention.Feedback, error) {
	fb, err := e.manager.RecordFeedback(ctx, id, rating, comment)
	if err == nil && e.metrics != nil {
		e.metrics.FeedbackTotal.Inc()
	}
	return fb, err
}

// Statistics is the view behind the host's statistics panel.
type Statistics struct {
	Session    session.Summary      `json:"session"`
	Monitoring bool                 `json:"monitoring"`
	Duration   time.Duration        `json:"duration"`
	Features   map[string]float64   `json:"features"`
	Indicators []features.Indicator `json:"indicators"`
	Labels     []string             `json:"labels"`

	BackspacePercent      float64 `json:"backspace_percent"`
	CompileFailurePercent float64 `json:"compile_failure_percent"`

	Interventions map[string]int `json:"interventions"`
	AverageRelief float64        `json:"average_relief"`

	Baseline   *baseline.Data `json:"baseline,omitempty"`
	OnCooldown bool           `json:"on_cooldown"`
	Threshold  float64        `json:"threshold"`
	Predictor  bool           `json:"predictor_running"`
}

// Statistics summarises the current session and the intervention history.
func (e *Engine) Statistics() Statistics {
	snap := e.session.Snapshot()
	v := features.Extract(snap, e.baseline)

	st := Statistics{
		Session:       snap.Summary(),
		Monitoring:    snap.Monitoring,
		Duration:      snap.Elapsed(),
		Features:      v.Map(),
		Indicators:    features.Indicators(v),
		Labels:        features.Labels(v),
		Interventions: make(map[string]int, len(anxiety.Levels())+1),
		AverageRelief: e.manager.AverageRelief(),
		OnCooldown:    e.gate.OnCooldown(),
		Threshold:     e.gate.Threshold(),
	}
	if snap.TotalKeystrokes > 0 {
		st.BackspacePercent = 100 * float64(snap.TotalBackspaces) / float64(snap.TotalKeystrokes)
	}
	if snap.TotalCompiles > 0 {
		st.CompileFailurePercent = 100 * float64(snap.FailedCompiles) / float64(snap.TotalCompiles)
	}
	st.Interventions["total"] = e.manager.Count(anxiety.Unknown)
	for _, l := range anxiety.Levels() {
		st.Interventions[l.String()] = e.manager.Count(l)
	}
	if d, ok := e.baseline.Snapshot(); ok {
		st.Baseline = &d
	}
	if r, ok := e.analyzer.(interface{ Running() bool }); ok {
		st.Predictor = r.Running()
	}
	return st
}

// ShowStatistics returns the statistics together with the notice that
// presents them.
func (e *Engine) ShowStatistics(ctx context.Context) (Statistics, intervention.Intervention) {
	st := e.Statistics()
	iv := e.manager.Create(ctx, intervention.Spec{
		Type:    intervention.TypeStatisticsShow,
		Message: st.Message(),
	})
	return st, iv
}

// Message renders the statistics panel text.
func (s Statistics) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %d keystrokes over %s\n", s.Session.TotalKeystrokes, s.Duration.Round(time.Second))
	fmt.Fprintf(&b, "Backspaces: %.1f%%\n", s.BackspacePercent)
	fmt.Fprintf(&b, "Compiles: %d (%d failed, %.1f%%)\n", s.Session.TotalCompiles, s.Session.FailedCompiles, s.CompileFailurePercent)
	fmt.Fprintf(&b, "Interventions: %d", s.Interventions["total"])
	if s.AverageRelief > 0 {
		fmt.Fprintf(&b, ", average relief %.1f/10", s.AverageRelief)
	}
	if len(s.Labels) > 0 {
		fmt.Fprintf(&b, "\nIndicators: %s", strings.Join(s.Labels, ", "))
	}
	return b.String()
}
