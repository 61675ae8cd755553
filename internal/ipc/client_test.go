package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stressd/internal/anxiety"
	"stressd/internal/features"
	"stressd/internal/logging"
)

// The client tests re-run this test binary as the prediction service. The
// child's behaviour is selected with HELPER_MODE.
const helperEnv = "GO_WANT_HELPER_PROCESS"

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	var addr string
	for i, a := range os.Args {
		if a == "--address" && i+1 < len(os.Args) {
			addr = os.Args[i+1]
		}
	}
	mode := os.Getenv("HELPER_MODE")

	switch mode {
	case "no-listen":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit-early":
		os.Exit(4)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
	}

	srv := NewServer(ServerConfig{Address: addr}, helperHandler(mode), logging.Discard())
	if err := srv.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(2)
	}
	sigs := make(chan os.Signal, 1)
	if mode != "ignore-term" {
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	}
	select {
	case <-srv.ShutdownRequested():
	case <-sigs:
	}
	if mode == "ignore-term" {
		time.Sleep(time.Minute)
	}
	srv.Stop()
	os.Exit(0)
}

func helperHandler(mode string) HandlerFunc {
	return func(ctx context.Context, req *Request) *Response {
		switch req.Type {
		case TypeInitialize:
			if mode == "reject-init" {
				return &Response{Status: StatusError, Message: "model files missing"}
			}
			if req.ModelDir == "" {
				return &Response{Status: StatusError, Message: "no model_dir"}
			}
			return &Response{Status: StatusOK, Message: "Detector initialized"}
		case TypeAnalyze:
			switch mode {
			case "exit-on-analyze":
				os.Exit(3)
			case "slow":
				time.Sleep(2 * time.Second)
			}
			if len(req.Features) != features.Size {
				return &Response{Status: StatusError, Message: "bad feature count"}
			}
			level, intervene := "Low", false
			triggered := FeatureList{"Normal Pattern"}
			if req.Features[features.RepeatedErrorDensity] > 2.5 {
				level, intervene = "High", true
				triggered = FeatureList{"Repeated Errors", "Slow Typing"}
			}
			return &Response{
				Status: StatusOK,
				Prediction: &PredictionBody{
					Level:             level,
					Confidence:        0.9,
					TriggeredFeatures: triggered,
				},
				ShouldIntervene: &intervene,
			}
		case TypeGetHint:
			return &Response{Status: StatusOK, Hint: "hint for " + req.ErrorType}
		}
		return nil
	}
}

var addrSeq atomic.Int64

func testAddress(t *testing.T) string {
	t.Helper()
	n := addrSeq.Add(1)
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`\\.\pipe\stressd-test-%d-%d`, os.Getpid(), n)
	}
	// Socket paths are length limited, so avoid t.TempDir's long names.
	dir, err := os.MkdirTemp("", "stressd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, fmt.Sprintf("p%d.sock", n))
}

func newHelperClient(t *testing.T, mode string) (*Client, string) {
	t.Helper()
	t.Setenv(helperEnv, "1")
	t.Setenv("HELPER_MODE", mode)

	cfg := DefaultClientConfig()
	cfg.Address = testAddress(t)
	cfg.ExtraArgs = []string{"-test.run=TestHelperProcess", "--"}
	cfg.ConnectAttempts = 50
	cfg.ConnectInterval = 100 * time.Millisecond
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second

	c := NewClient(cfg, logging.Discard())
	t.Cleanup(func() { c.Stop() })
	return c, t.TempDir()
}

func highVector() features.Vector {
	v := features.Vector{}
	v[features.TypingVelocity] = 0.4
	v[features.RepeatedErrorDensity] = 3
	return v
}

func TestClientLifecycle(t *testing.T) {
	c, model := newHelperClient(t, "ok")
	assert.Equal(t, StateStopped, c.State())

	require.NoError(t, c.Start(context.Background(), os.Args[0], model))
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.Running())

	assert.ErrorIs(t, c.Start(context.Background(), os.Args[0], model), ErrAlreadyStarted)

	p, err := c.Analyze(context.Background(), highVector())
	require.NoError(t, err)
	assert.Equal(t, anxiety.High, p.Level)
	assert.InDelta(t, 0.9, p.Confidence, 1e-12)
	assert.Equal(t, "Repeated Errors, Slow Typing", p.TriggeredFeatures)
	assert.True(t, p.ShouldIntervene)
	assert.False(t, p.Timestamp.IsZero())

	p, err = c.Analyze(context.Background(), features.Vector{})
	require.NoError(t, err)
	assert.Equal(t, anxiety.Low, p.Level)
	assert.False(t, p.ShouldIntervene)

	hint, err := c.Hint(context.Background(), "missing_semicolon")
	require.NoError(t, err)
	assert.Equal(t, "hint for missing_semicolon", hint)

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, c.Stop(), "stop is idempotent")

	p, err = c.Analyze(context.Background(), highVector())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, anxiety.Prediction{}, p)

	// Restartable after a clean stop.
	require.NoError(t, c.Start(context.Background(), os.Args[0], model))
	assert.Equal(t, StateRunning, c.State())
}

func TestClientStopWhenNeverStarted(t *testing.T) {
	c := NewClient(ClientConfig{}, logging.Discard())
	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())

	_, err := c.Hint(context.Background(), "syntax_error")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestClientModelMissing(t *testing.T) {
	c, model := newHelperClient(t, "ok")
	err := c.Start(context.Background(), os.Args[0], filepath.Join(model, "nope", "model.bin"))
	assert.ErrorIs(t, err, ErrModelMissing)
	assert.Equal(t, StateStopped, c.State(), "nothing is spawned")
}

func TestClientScriptLookup(t *testing.T) {
	c, model := newHelperClient(t, "ok")
	c.cfg.Script = "predictor_service.py"

	err := c.Start(context.Background(), os.Args[0], model)
	assert.ErrorIs(t, err, ErrScriptMissing)
	assert.Equal(t, StateStopped, c.State())

	// A script next to the model is found and passed through.
	script := filepath.Join(model, "predictor_service.py")
	require.NoError(t, os.WriteFile(script, []byte("# service\n"), 0o644))
	require.NoError(t, c.Start(context.Background(), os.Args[0], model))
	assert.Equal(t, []string{"-test.run=TestHelperProcess", "--", script, model, "--address", c.cfg.Address},
		c.args(script, model))
}

func TestClientModelFileUsesItsDirectory(t *testing.T) {
	c, model := newHelperClient(t, "ok")
	file := filepath.Join(model, "anxiety_model.pkl")
	require.NoError(t, os.WriteFile(file, []byte{0}, 0o644))

	require.NoError(t, c.Start(context.Background(), os.Args[0], file))
	c.mu.Lock()
	dir := c.modelDir
	c.mu.Unlock()
	assert.Equal(t, model, dir)
}

func TestClientSpawnFailed(t *testing.T) {
	t.Run("missing executable", func(t *testing.T) {
		c, model := newHelperClient(t, "ok")
		err := c.Start(context.Background(), filepath.Join(model, "no-such-binary"), model)
		assert.ErrorIs(t, err, ErrScriptMissing)
		assert.NotErrorIs(t, err, ErrSpawnFailed)
		assert.Equal(t, StateStopped, c.State(), "nothing was spawned")
	})

	t.Run("not executable", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("no exec bit on windows")
		}
		c, model := newHelperClient(t, "ok")
		bin := filepath.Join(t.TempDir(), "predictor")
		require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o644))

		err := c.Start(context.Background(), bin, model)
		assert.ErrorIs(t, err, ErrSpawnFailed)
		assert.Equal(t, StateFailed, c.State())
	})
}

func TestClientServiceExitsBeforeListening(t *testing.T) {
	c, model := newHelperClient(t, "exit-early")
	err := c.Start(context.Background(), os.Args[0], model)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawnFailed) || errors.Is(err, ErrConnectTimeout), "got %v", err)
	assert.Equal(t, StateFailed, c.State())
}

func TestClientConnectTimeout(t *testing.T) {
	c, model := newHelperClient(t, "no-listen")
	c.cfg.ConnectAttempts = 3
	c.cfg.ConnectInterval = 50 * time.Millisecond

	start := time.Now()
	err := c.Start(context.Background(), os.Args[0], model)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, StateFailed, c.State())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestClientInitRejected(t *testing.T) {
	c, model := newHelperClient(t, "reject-init")
	err := c.Start(context.Background(), os.Args[0], model)
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, StateFailed, c.State())
}

func TestClientUnexpectedExit(t *testing.T) {
	c, model := newHelperClient(t, "exit-on-analyze")
	require.NoError(t, c.Start(context.Background(), os.Args[0], model))

	p, err := c.Analyze(context.Background(), highVector())
	require.Error(t, err)
	assert.Equal(t, anxiety.Prediction{}, p, "fails closed")

	require.Eventually(t, func() bool { return c.State() == StateFailed }, 5*time.Second, 20*time.Millisecond)

	_, err = c.Analyze(context.Background(), highVector())
	assert.ErrorIs(t, err, ErrNotRunning)

	// A failed client can be started again.
	t.Setenv("HELPER_MODE", "ok")
	require.NoError(t, c.Start(context.Background(), os.Args[0], model))
	_, err = c.Analyze(context.Background(), highVector())
	assert.NoError(t, err)
}

func TestClientRequestTimeoutRedials(t *testing.T) {
	c, model := newHelperClient(t, "slow")
	c.cfg.RequestTimeout = 200 * time.Millisecond
	require.NoError(t, c.Start(context.Background(), os.Args[0], model))

	start := time.Now()
	p, err := c.Analyze(context.Background(), highVector())
	require.Error(t, err)
	assert.Equal(t, anxiety.Prediction{}, p)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateRunning, c.State(), "a timeout does not stop the service")
	assert.False(t, c.hasConn(), "the timed out connection is dropped")

	// The next request reconnects; get_hint is not slowed down.
	hint, err := c.Hint(context.Background(), "syntax_error")
	require.NoError(t, err)
	assert.Equal(t, "hint for syntax_error", hint)
}

func TestClientContextCancel(t *testing.T) {
	c, model := newHelperClient(t, "slow")
	c.cfg.RequestTimeout = 5 * time.Second
	require.NoError(t, c.Start(context.Background(), os.Args[0], model))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	_, err := c.Analyze(ctx, highVector())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientStopKillsUnresponsiveService(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("terminate is a kill on windows")
	}
	c, model := newHelperClient(t, "ignore-term")
	c.cfg.StopTimeout = 200 * time.Millisecond
	require.NoError(t, c.Start(context.Background(), os.Args[0], model))

	start := time.Now()
	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
