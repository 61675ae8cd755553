package predictor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"stressd/internal/anxiety"
)

// RulesFile is the optional rule override file in the model directory.
const RulesFile = "rules.toml"

// Rules weigh the indicator labels into an anxiety score.
type Rules struct {
	// Weights maps indicator labels to their contribution. The score is
	// the sum over triggered labels, capped at 1.
	Weights map[string]float64 `toml:"weights"`

	// Level cut-offs on the score: below Moderate is Low, below High is
	// Moderate, below Extreme is High.
	Moderate float64 `toml:"moderate"`
	High     float64 `toml:"high"`
	Extreme  float64 `toml:"extreme"`

	// InterveneConfidence is the confidence above which an elevated level
	// is recommended for intervention.
	InterveneConfidence float64 `toml:"intervene_confidence"`
}

// DefaultRules returns the built-in weighting.
func DefaultRules() *Rules {
	return &Rules{
		Weights: map[string]float64{
			"Repeated Errors":             0.30,
			"Slow Typing":                 0.20,
			"Excessive Corrections":       0.15,
			"Frequent Compilation Errors": 0.15,
			"Irregular Rhythm":            0.10,
			"Frequent Context Switching":  0.10,
		},
		Moderate:            0.3,
		High:                0.6,
		Extreme:             0.8,
		InterveneConfidence: 0.7,
	}
}

// LoadRules reads dir/rules.toml over the defaults. A missing file yields
// the defaults.
func LoadRules(dir string) (*Rules, error) {
	r := DefaultRules()
	path := filepath.Join(dir, RulesFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return r, nil
	}

	var file Rules
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", RulesFile, err)
	}
	for label, w := range file.Weights {
		r.Weights[label] = w
	}
	if file.Moderate > 0 {
		r.Moderate = file.Moderate
	}
	if file.High > 0 {
		r.High = file.High
	}
	if file.Extreme > 0 {
		r.Extreme = file.Extreme
	}
	if file.InterveneConfidence > 0 {
		r.InterveneConfidence = file.InterveneConfidence
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the weights and cut-offs.
func (r *Rules) Validate() error {
	for label, w := range r.Weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("weight for %q must be within [0, 1], got %v", label, w)
		}
	}
	if !(0 < r.Moderate && r.Moderate < r.High && r.High < r.Extreme && r.Extreme <= 1) {
		return fmt.Errorf("level cut-offs must increase within (0, 1]: %v, %v, %v", r.Moderate, r.High, r.Extreme)
	}
	if r.InterveneConfidence <= 0 || r.InterveneConfidence > 1 {
		return fmt.Errorf("intervene_confidence must be within (0, 1], got %v", r.InterveneConfidence)
	}
	return nil
}

// Score sums the weights of the triggered labels, capped at 1 and rounded
// to six places so cut-offs compare exactly.
func (r *Rules) Score(labels []string) float64 {
	s := 0.0
	for _, l := range labels {
		s += r.Weights[l]
	}
	return min(math.Round(s*1e6)/1e6, 1)
}

// Level maps a score to a level.
func (r *Rules) Level(score float64) anxiety.Level {
	switch {
	case score < r.Moderate:
		return anxiety.Low
	case score < r.High:
		return anxiety.Moderate
	case score < r.Extreme:
		return anxiety.High
	default:
		return anxiety.Extreme
	}
}
