package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"stressd/internal/anxiety"
)

// StressdMetrics holds the daemon's metrics.
type StressdMetrics struct {
	registry *Registry
	started  time.Time

	KeystrokesTotal      *Counter
	BackspacesTotal      *Counter
	CompilesTotal        *Counter
	CompileFailuresTotal *Counter
	SessionsTotal        *Counter

	AnalysesTotal        *Counter
	AnalysesSkippedTotal *Counter
	AnalysisErrorsTotal  *Counter
	IPCFailuresTotal     *Counter

	InterventionsSuppressedTotal *Counter
	FeedbackTotal                *Counter

	predictions   map[anxiety.Level]*Counter
	interventions map[anxiety.Level]*Counter

	Monitoring       *Gauge
	PredictorRunning *Gauge
	OnCooldown       *Gauge
	UptimeSeconds    *Gauge

	AnalysisDuration     *Histogram
	PredictionConfidence *Histogram
}

// NewStressdMetrics registers the daemon metrics on registry, or on the
// default registry when nil.
func NewStressdMetrics(registry *Registry) *StressdMetrics {
	if registry == nil {
		registry = Default()
	}
	m := &StressdMetrics{
		registry: registry,
		started:  time.Now(),

		KeystrokesTotal:      registry.RegisterCounter("keystrokes_total", "Keystrokes recorded", nil),
		BackspacesTotal:      registry.RegisterCounter("backspaces_total", "Backspace keystrokes recorded", nil),
		CompilesTotal:        registry.RegisterCounter("compiles_total", "Compile attempts recorded", nil),
		CompileFailuresTotal: registry.RegisterCounter("compile_failures_total", "Failed compile attempts recorded", nil),
		SessionsTotal:        registry.RegisterCounter("sessions_total", "Monitoring sessions started", nil),

		AnalysesTotal:        registry.RegisterCounter("analyses_total", "Analysis passes completed", nil),
		AnalysesSkippedTotal: registry.RegisterCounter("analyses_skipped_total", "Ticks skipped because an analysis was in flight", nil),
		AnalysisErrorsTotal:  registry.RegisterCounter("analysis_errors_total", "Analysis passes that failed", nil),
		IPCFailuresTotal:     registry.RegisterCounter("ipc_failures_total", "Prediction service exchanges that failed", nil),

		InterventionsSuppressedTotal: registry.RegisterCounter("interventions_suppressed_total", "Predictions that recommended an intervention but were gated", nil),
		FeedbackTotal:                registry.RegisterCounter("feedback_total", "Feedback entries submitted", nil),

		predictions:   make(map[anxiety.Level]*Counter),
		interventions: make(map[anxiety.Level]*Counter),

		Monitoring:       registry.RegisterGauge("monitoring", "1 while a session is being monitored", nil),
		PredictorRunning: registry.RegisterGauge("predictor_running", "1 while the prediction service is connected", nil),
		OnCooldown:       registry.RegisterGauge("intervention_cooldown", "1 while interventions are cooling down", nil),
		UptimeSeconds:    registry.RegisterGauge("uptime_seconds", "Seconds since the daemon started", nil),

		AnalysisDuration:     registry.RegisterHistogram("analysis_duration_seconds", "Duration of analysis passes in seconds", nil, DurationBuckets),
		PredictionConfidence: registry.RegisterHistogram("prediction_confidence", "Confidence of received predictions", nil, RatioBuckets),
	}

	for _, lvl := range append([]anxiety.Level{anxiety.Unknown}, anxiety.Levels()...) {
		labels := Labels{"level": lvl.String()}
		m.predictions[lvl] = registry.RegisterCounter("predictions_total", "Predictions received by level", labels)
		m.interventions[lvl] = registry.RegisterCounter("interventions_total", "Interventions created by level", labels)
	}
	return m
}

// Registry returns the registry the metrics live in.
func (m *StressdMetrics) Registry() *Registry {
	return m.registry
}

// RecordKeystroke counts one key press.
func (m *StressdMetrics) RecordKeystroke(isBackspace bool) {
	m.KeystrokesTotal.Inc()
	if isBackspace {
		m.BackspacesTotal.Inc()
	}
}

// RecordCompile counts one compile attempt.
func (m *StressdMetrics) RecordCompile(success bool) {
	m.CompilesTotal.Inc()
	if !success {
		m.CompileFailuresTotal.Inc()
	}
}

// SessionStarted marks a session as being monitored.
func (m *StressdMetrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.Monitoring.Set(1)
}

// SessionEnded marks monitoring as stopped.
func (m *StressdMetrics) SessionEnded() {
	m.Monitoring.Set(0)
}

// ObserveAnalysis records the outcome of one analysis pass.
func (m *StressdMetrics) ObserveAnalysis(d time.Duration, err error) {
	m.AnalysisDuration.ObserveDuration(d)
	if err != nil {
		m.AnalysisErrorsTotal.Inc()
		return
	}
	m.AnalysesTotal.Inc()
}

// RecordPrediction counts a prediction and its confidence.
func (m *StressdMetrics) RecordPrediction(p anxiety.Prediction) {
	m.counterFor(m.predictions, p.Level).Inc()
	m.PredictionConfidence.Observe(p.Confidence)
}

// RecordIntervention counts a created intervention.
func (m *StressdMetrics) RecordIntervention(level anxiety.Level) {
	m.counterFor(m.interventions, level).Inc()
}

func (m *StressdMetrics) counterFor(set map[anxiety.Level]*Counter, level anxiety.Level) *Counter {
	if c, ok := set[level]; ok {
		return c
	}
	return set[anxiety.Unknown]
}

// Predictions returns the prediction count for level.
func (m *StressdMetrics) Predictions(level anxiety.Level) uint64 {
	return m.counterFor(m.predictions, level).Value()
}

// Interventions returns the intervention count for level.
func (m *StressdMetrics) Interventions(level anxiety.Level) uint64 {
	return m.counterFor(m.interventions, level).Value()
}

// UpdateUptime refreshes the uptime gauge.
func (m *StressdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// Snapshot returns the headline numbers.
func (m *StressdMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	var interventions uint64
	for _, c := range m.interventions {
		interventions += c.Value()
	}
	return map[string]any{
		"keystrokes_total":       m.KeystrokesTotal.Value(),
		"compiles_total":         m.CompilesTotal.Value(),
		"compile_failures_total": m.CompileFailuresTotal.Value(),
		"analyses_total":         m.AnalysesTotal.Value(),
		"analysis_errors_total":  m.AnalysisErrorsTotal.Value(),
		"ipc_failures_total":     m.IPCFailuresTotal.Value(),
		"interventions_total":    interventions,
		"analysis_p95_seconds":   m.AnalysisDuration.Quantile(0.95),
		"analysis_mean_seconds":  m.AnalysisDuration.Mean(),
		"monitoring":             m.Monitoring.Value() == 1,
		"predictor_running":      m.PredictorRunning.Value() == 1,
		"uptime_seconds":         m.UptimeSeconds.Value(),
	}
}

// Route is an extra handler mounted next to /metrics.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Serve exposes registry on addr at /metrics, plus any extra routes, until
// ctx is done.
func Serve(ctx context.Context, addr string, registry *Registry, log *slog.Logger, routes ...Route) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, registry, log, routes...)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, registry *Registry, log *slog.Logger, routes ...Route) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", registry.HTTPHandler())
	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	if log != nil {
		log.Info("metrics endpoint listening", "address", ln.Addr().String())
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
