// Package predictor is a rule-based prediction service speaking the ipc
// protocol. It scores the indicator labels of a feature vector instead of
// running a trained model.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"stressd/internal/anxiety"
	"stressd/internal/features"
	"stressd/internal/intervention"
	"stressd/internal/ipc"
)

// ErrNotInitialized is returned by Predict before Initialize.
var ErrNotInitialized = errors.New("detector not initialized")

// Result is one classification by the service.
type Result struct {
	Level           anxiety.Level
	Confidence      float64
	Score           float64
	Triggered       []string
	ShouldIntervene bool
}

// Service answers ipc requests. It must be initialized with a model
// directory before it analyzes.
type Service struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	rules    *Rules
	modelDir string
}

// New creates an uninitialized service.
func New(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, now: time.Now}
}

// Initialize loads the rules from dir.
func (s *Service) Initialize(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("model directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("model directory: %s is not a directory", dir)
	}
	rules, err := LoadRules(dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = rules
	s.modelDir = dir
	s.mu.Unlock()
	s.log.Info("detector initialized", "model_dir", dir)
	return nil
}

// Initialized reports whether Initialize succeeded.
func (s *Service) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules != nil
}

// Predict classifies v. Confidence is the larger of the score and its
// complement, so a clean vector is a confident Low.
func (s *Service) Predict(v features.Vector) (Result, error) {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()
	if rules == nil {
		return Result{}, ErrNotInitialized
	}

	triggered := features.Labels(v)
	score := rules.Score(triggered)
	level := rules.Level(score)
	conf := math.Max(score, 1-score)
	return Result{
		Level:           level,
		Confidence:      conf,
		Score:           score,
		Triggered:       triggered,
		ShouldIntervene: level.Elevated() && conf > rules.InterveneConfidence,
	}, nil
}

// Handle implements ipc.Handler.
func (s *Service) Handle(_ context.Context, req *ipc.Request) *ipc.Response {
	switch req.Type {
	case ipc.TypeInitialize:
		if req.ModelDir == "" {
			return errorResponse("model_dir is required")
		}
		if err := s.Initialize(req.ModelDir); err != nil {
			s.log.Warn("initialize failed", "err", err)
			return errorResponse(err.Error())
		}
		return &ipc.Response{Status: ipc.StatusOK, Message: "Detector initialized"}

	case ipc.TypeAnalyze:
		if len(req.Features) != features.Size {
			return errorResponse(fmt.Sprintf("expected %d features, got %d", features.Size, len(req.Features)))
		}
		var v features.Vector
		copy(v[:], req.Features)
		res, err := s.Predict(v)
		if err != nil {
			return errorResponse(err.Error())
		}
		s.log.Debug("analyzed", "level", res.Level.String(), "score", res.Score)
		intervene := res.ShouldIntervene
		return &ipc.Response{
			Status: ipc.StatusOK,
			Prediction: &ipc.PredictionBody{
				Level:             res.Level.String(),
				Confidence:        res.Confidence,
				TriggeredFeatures: ipc.FeatureList(res.Triggered),
				ShouldIntervene:   &intervene,
				Timestamp:         s.now().Format(time.RFC3339),
			},
			ShouldIntervene: &intervene,
		}

	case ipc.TypeGetHint:
		return &ipc.Response{Status: ipc.StatusOK, Hint: intervention.HintFor(req.ErrorType)}
	}
	return nil
}

func errorResponse(msg string) *ipc.Response {
	return &ipc.Response{Status: ipc.StatusError, Message: msg}
}
