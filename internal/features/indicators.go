package features

// Indicator thresholds. A feature past its threshold is reported as
// evidence for the prediction and in the statistics view.
const (
	REDThreshold           = 2.5
	SlowTypingThreshold    = 0.65
	BackspaceThreshold     = 0.3
	VarianceThreshold      = 0.5
	CompileErrorThreshold  = 0.5
	FocusSwitchThreshold   = 5.0
	NormalPatternIndicator = "Normal Pattern"
)

// Indicator is a feature that crossed its threshold.
type Indicator struct {
	Feature int     `json:"feature"`
	Label   string  `json:"label"`
	Value   float64 `json:"value"`
}

// Indicators lists the features of v that look abnormal, in vector order.
func Indicators(v Vector) []Indicator {
	var out []Indicator
	add := func(i int, label string) {
		out = append(out, Indicator{Feature: i, Label: label, Value: v[i]})
	}
	if v[TypingVelocity] < SlowTypingThreshold {
		add(TypingVelocity, "Slow Typing")
	}
	if v[KeystrokeVariance] > VarianceThreshold {
		add(KeystrokeVariance, "Irregular Rhythm")
	}
	if v[BackspaceRate] > BackspaceThreshold {
		add(BackspaceRate, "Excessive Corrections")
	}
	if v[RepeatedErrorDensity] > REDThreshold {
		add(RepeatedErrorDensity, "Repeated Errors")
	}
	if v[CompileFailureRate] > CompileErrorThreshold {
		add(CompileFailureRate, "Frequent Compilation Errors")
	}
	if v[FocusSwitches] > FocusSwitchThreshold {
		add(FocusSwitches, "Frequent Context Switching")
	}
	return out
}

// Labels returns the indicator labels of v, or the normal-pattern label when
// nothing is abnormal.
func Labels(v Vector) []string {
	ind := Indicators(v)
	if len(ind) == 0 {
		return []string{NormalPatternIndicator}
	}
	out := make([]string, len(ind))
	for i, in := range ind {
		out[i] = in.Label
	}
	return out
}
