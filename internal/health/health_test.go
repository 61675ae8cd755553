package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up() bool   { return true }
func down() bool { return false }

func TestOverall(t *testing.T) {
	tests := []struct {
		name      string
		monitor   func() bool
		predictor func() bool
		want      Status
	}{
		{"all up", up, up, StatusHealthy},
		{"predictor down", up, down, StatusDegraded},
		{"monitor down", down, up, StatusUnhealthy},
		{"both down", down, down, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.Register(Component{Name: "monitor", Critical: true, Check: RunningCheck("analysis loop", tt.monitor, StatusUnhealthy)})
			c.Register(Component{Name: "predictor", Check: RunningCheck("prediction service", tt.predictor, StatusDegraded)})
			assert.Equal(t, tt.want, c.Overall(c.Check(context.Background())))
		})
	}
}

func TestUncheckedCriticalIsUnknown(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "monitor", Critical: true, Check: RunningCheck("analysis loop", up, StatusUnhealthy)})
	assert.Equal(t, StatusUnknown, c.Overall(nil))

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.Overall(nil))
	last, ok := c.Last("monitor")
	require.True(t, ok)
	assert.Equal(t, "analysis loop running", last.Message)
}

func TestRegisterReplaces(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "monitor", Critical: true, Check: RunningCheck("analysis loop", down, StatusUnhealthy)})
	c.Register(Component{Name: "monitor", Critical: true, Check: RunningCheck("analysis loop", up, StatusUnhealthy)})
	results := c.Check(context.Background())
	assert.Len(t, results, 1)
	assert.Equal(t, StatusHealthy, results["monitor"].Status)
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "slow", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) Result {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Result{Status: StatusHealthy}
	}})
	c.Register(Component{Name: "broken", Check: func(context.Context) Result { panic("boom") }})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Equal(t, "boom", results["broken"].Error)
	// Neither is critical.
	assert.Equal(t, StatusDegraded, c.Overall(results))
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := DatabaseCheck(func(context.Context) error { return errors.New("disk I/O error") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "disk I/O error", bad.Error)
}

func TestHandlers(t *testing.T) {
	running := true
	c := NewChecker()
	c.Register(Component{Name: "monitor", Critical: true, Check: RunningCheck("analysis loop", func() bool { return running }, StatusUnhealthy)})

	get := func(h http.Handler) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := get(c.LivenessHandler())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])

	rec, body = get(c.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", body["status"])

	c.SetReady(true)
	rec, _ = get(c.ReadinessHandler())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = get(c.Handler())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["components"], "monitor")

	running = false
	rec, _ = get(c.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, body = get(c.Handler())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}
