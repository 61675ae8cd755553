package anxiety

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Low, ParseLevel("Low"))
	assert.Equal(t, Moderate, ParseLevel("moderate"))
	assert.Equal(t, High, ParseLevel(" HIGH "))
	assert.Equal(t, Extreme, ParseLevel("Extreme"))
	assert.Equal(t, Unknown, ParseLevel("panic"))
	assert.Equal(t, Unknown, ParseLevel(""))
}

func TestElevated(t *testing.T) {
	assert.False(t, Unknown.Elevated())
	assert.False(t, Low.Elevated())
	assert.False(t, Moderate.Elevated())
	assert.True(t, High.Elevated())
	assert.True(t, Extreme.Elevated())
}

func TestZeroPredictionFailsClosed(t *testing.T) {
	var p Prediction
	assert.Equal(t, Unknown, p.Level)
	assert.False(t, p.ShouldIntervene)
	assert.Zero(t, p.Confidence)
}

func TestLevelJSON(t *testing.T) {
	data, err := json.Marshal(Prediction{Level: High})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"High"`)

	var p Prediction
	require.NoError(t, json.Unmarshal([]byte(`{"level":"Extreme"}`), &p))
	assert.Equal(t, Extreme, p.Level)
}
