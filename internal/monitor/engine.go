// Package monitor runs the analysis loop and is the host's single entry
// point into the core.
//
// An Engine owns the live session, the baseline, the intervention gate and
// history. Host events are recorded as they arrive. On every tick the loop
// extracts a feature vector and hands it to a worker goroutine that asks the
// Analyzer for a prediction under a timeout; the result comes back over a
// channel and the loop goroutine runs the gate and, on approval, builds the
// intervention and calls the OnIntervention callback. At most one analysis is
// in flight; ticks that would overlap it are skipped.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"stressd/internal/anxiety"
	"stressd/internal/baseline"
	"stressd/internal/compiler"
	"stressd/internal/features"
	"stressd/internal/intervention"
	"stressd/internal/keystroke"
	"stressd/internal/metrics"
	"stressd/internal/session"
)

// Engine errors.
var (
	ErrAlreadyRunning = errors.New("monitor: engine already running")
	ErrNotMonitoring  = errors.New("monitor: not monitoring")
	ErrNoAnalyzer     = errors.New("monitor: no analyzer configured")
)

const hintCacheSize = 64

// Analyzer classifies feature vectors. *ipc.Client satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, v features.Vector) (anxiety.Prediction, error)
	Hint(ctx context.Context, errorType string) (string, error)
}

// SessionRecorder keeps finished session summaries. *store.Store
// satisfies it.
type SessionRecorder interface {
	SaveSession(ctx context.Context, sum session.Summary, exportPath string) (int64, error)
}

// Request is handed to the host when an intervention is approved.
type Request struct {
	Prediction   anxiety.Prediction        `json:"prediction"`
	Intervention intervention.Intervention `json:"intervention"`
}

// Config holds the loop settings.
type Config struct {
	TickInterval    time.Duration
	AnalysisTimeout time.Duration

	// DataDir receives session exports when ExportSessions is set.
	DataDir        string
	ExportSessions bool
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    5 * time.Second,
		AnalysisTimeout: 4 * time.Second,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnalyzer sets the prediction source. Without one ticks do nothing.
func WithAnalyzer(a Analyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// WithSessionStore replaces the session store.
func WithSessionStore(s *session.Store) Option {
	return func(e *Engine) { e.session = s }
}

// WithBaseline replaces the baseline tracker.
func WithBaseline(t *baseline.Tracker) Option {
	return func(e *Engine) { e.baseline = t }
}

// WithBaselinePersister loads the baseline on Start and saves it after every
// session.
func WithBaselinePersister(p baseline.Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithSessionRecorder records a summary of every finished session.
func WithSessionRecorder(r SessionRecorder) Option {
	return func(e *Engine) { e.sessions = r }
}

// WithMetrics records engine activity.
func WithMetrics(m *metrics.StressdMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for export file names.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// OnIntervention registers the callback for approved interventions. It runs
// on the loop goroutine, or on the caller's for Check.
func OnIntervention(fn func(Request)) Option {
	return func(e *Engine) { e.onIntervention = fn }
}

// Engine is the monitoring core.
type Engine struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	session   *session.Store
	baseline  *baseline.Tracker
	gate      *intervention.Gate
	manager   *intervention.Manager
	analyzer  Analyzer
	persister baseline.Persister
	sessions  SessionRecorder
	metrics   *metrics.StressdMetrics
	hints     *lru.Cache[string, string]

	onIntervention func(Request)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	inFlight atomic.Bool
}

// New creates an engine around gate and manager. Start launches the loop.
func New(cfg Config, gate *intervention.Gate, manager *intervention.Manager, log *slog.Logger, opts ...Option) (*Engine, error) {
	if gate == nil || manager == nil {
		return nil, errors.New("monitor: gate and manager are required")
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = def.AnalysisTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	hints, err := lru.New[string, string](hintCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hint cache: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		gate:    gate,
		manager: manager,
		hints:   hints,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.session == nil {
		e.session = session.New()
	}
	if e.baseline == nil {
		e.baseline = baseline.New()
	}
	return e, nil
}

// Start restores the persisted baseline and launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	if e.persister != nil {
		d, ok, err := e.persister.LoadBaseline(ctx)
		switch {
		case err != nil:
			e.log.Warn("load baseline", "err", err)
		case ok:
			e.baseline.Restore(d)
			e.log.Info("baseline restored", "sessions", d.Sessions, "wpm", d.WPM())
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.loop(loopCtx, e.done)
	return nil
}

// Stop halts the loop, waiting for it to exit. A session still being
// monitored is stopped and saved.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	<-done

	if _, err := e.StopMonitoring(ctx); err != nil && !errors.Is(err, ErrNotMonitoring) {
		return err
	}
	return nil
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

type analysis struct {
	prediction anxiety.Prediction
	err        error
	took       time.Duration
	last       *keystroke.CompileEvent
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	results := make(chan analysis, 1)
	var workers sync.WaitGroup
	defer workers.Wait()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			e.session.RecomputeRealtime()
			if e.analyzer == nil || !e.session.IsMonitoring() {
				continue
			}
			if !e.inFlight.CompareAndSwap(false, true) {
				if e.metrics != nil {
					e.metrics.AnalysesSkippedTotal.Inc()
				}
				e.log.Debug("analysis still in flight, skipping tick")
				continue
			}
			snap := e.session.Snapshot()
			workers.Add(1)
			go func() {
				defer workers.Done()
				results <- e.analyze(ctx, snap)
			}()

		case res := <-results:
			// inFlight stays set through decide so a manual Check cannot
			// run a second decision alongside this one.
			if ctx.Err() != nil {
				e.inFlight.Store(false)
				return
			}
			if _, err := e.decide(ctx, res); err != nil {
				e.log.Debug("no intervention", "reason", err)
			}
			e.inFlight.Store(false)
		}
	}
}

// analyze runs one bounded prediction for snap.
func (e *Engine) analyze(ctx context.Context, snap session.Snapshot) analysis {
	v := features.Extract(snap, e.baseline)

	actx, cancel := context.WithTimeout(ctx, e.cfg.AnalysisTimeout)
	defer cancel()

	start := time.Now()
	p, err := e.analyzer.Analyze(actx, v)
	res := analysis{prediction: p, err: err, took: time.Since(start)}
	if n := len(snap.Compiles); n > 0 {
		last := snap.Compiles[n-1]
		res.last = &last
	}
	return res
}

var errGated = errors.New("gate declined")

// decide applies the gate to an analysis and, on approval, creates the
// intervention and calls the host.
func (e *Engine) decide(ctx context.Context, res analysis) (Request, error) {
	if e.metrics != nil {
		e.metrics.ObserveAnalysis(res.took, res.err)
		e.refreshGauges()
	}
	if res.err != nil {
		if e.metrics != nil {
			e.metrics.IPCFailuresTotal.Inc()
		}
		e.log.Warn("analysis failed", "err", res.err)
		return Request{}, res.err
	}
	p := res.prediction
	if e.metrics != nil {
		e.metrics.RecordPrediction(p)
	}
	e.log.Debug("prediction",
		"level", p.Level.String(),
		"confidence", p.Confidence,
		"triggered", p.TriggeredFeatures,
	)

	triggered := intervention.SplitFeatures(p.TriggeredFeatures)
	if !e.gate.ShouldIntervene(p.Level, p.Confidence, triggered) {
		e.suppressed(p)
		return Request{}, errGated
	}

	failed := res.last
	if failed != nil && failed.Success {
		failed = nil
	}
	if failed != nil && !e.manager.IsLanguageEnabled(failed.Language.String()) {
		if e.metrics != nil {
			e.metrics.InterventionsSuppressedTotal.Inc()
		}
		return Request{}, fmt.Errorf("%w: interventions disabled for %s", errGated, failed.Language)
	}

	// Approval stamps the cooldown, so a manual check racing this decision
	// is refused even while the hint lookup below blocks.
	if !e.gate.TryApprove(p.Level, p.Confidence, triggered) {
		e.suppressed(p)
		return Request{}, errGated
	}

	spec := intervention.Spec{Type: intervention.TypeErrorHint, Prediction: p}
	if failed != nil && failed.ErrorKind != compiler.KindUnknown {
		spec.ErrorType = failed.ErrorKind.String()
		spec.Hint = e.hint(ctx, failed.ErrorKind)
	}

	iv := e.manager.Create(ctx, spec)
	if e.metrics != nil {
		e.metrics.RecordIntervention(iv.Level)
		e.metrics.OnCooldown.Set(1)
	}

	req := Request{Prediction: p, Intervention: iv}
	if e.onIntervention != nil {
		e.onIntervention(req)
	}
	return req, nil
}

// suppressed counts a refusal the service advised against.
func (e *Engine) suppressed(p anxiety.Prediction) {
	if p.ShouldIntervene && e.metrics != nil {
		e.metrics.InterventionsSuppressedTotal.Inc()
	}
}

// hint returns advice for kind, asking the analyzer once per kind and
// falling back to the built-in table. Fallbacks are not cached, so a
// recovered service is asked again.
func (e *Engine) hint(ctx context.Context, kind compiler.ErrorKind) string {
	name := kind.String()
	if h, ok := e.hints.Get(name); ok {
		return h
	}
	if e.analyzer != nil {
		hctx, cancel := context.WithTimeout(ctx, e.cfg.AnalysisTimeout)
		h, err := e.analyzer.Hint(hctx, name)
		cancel()
		if err == nil && h != "" {
			e.hints.Add(name, h)
			return h
		}
		if err != nil {
			e.log.Debug("hint request failed", "error_type", name, "err", err)
		}
	}
	return intervention.HintForKind(kind)
}

func (e *Engine) refreshGauges() {
	e.metrics.OnCooldown.SetBool(e.gate.OnCooldown())
	if r, ok := e.analyzer.(interface{ Running() bool }); ok {
		e.metrics.PredictorRunning.SetBool(r.Running())
	}
}

// Check runs one analysis synchronously on the caller's goroutine and
// applies the gate. ok reports whether an intervention was raised.
func (e *Engine) Check(ctx context.Context) (req Request, ok bool, err error) {
	if e.analyzer == nil {
		return Request{}, false, ErrNoAnalyzer
	}
	if !e.session.IsMonitoring() {
		return Request{}, false, ErrNotMonitoring
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return Request{}, false, nil
	}
	defer e.inFlight.Store(false)

	req, err = e.decide(ctx, e.analyze(ctx, e.session.Snapshot()))
	if errors.Is(err, errGated) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}

// Reconfigure applies new gate and language settings to the running engine.
func (e *Engine) Reconfigure(threshold float64, cooldown time.Duration, enableC, enableCPP bool) {
	e.gate.SetThreshold(threshold)
	e.gate.SetCooldown(cooldown)
	e.manager.SetLanguages(enableC, enableCPP)
	e.log.Info("settings updated",
		"threshold", threshold,
		"cooldown", cooldown,
		"c", enableC,
		"cpp", enableCPP,
	)
}

// exportPath returns where a session ending now is written.
func (e *Engine) exportPath() string {
	return filepath.Join(e.cfg.DataDir, session.ExportFileName(e.now()))
}
