package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stressd/internal/anxiety"
	"stressd/internal/features"
)

// State is the lifecycle state of the prediction client.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateConnected
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Start and request errors.
var (
	ErrModelMissing   = errors.New("ipc: model artifact not found")
	ErrScriptMissing  = errors.New("ipc: service script not found")
	ErrSpawnFailed    = errors.New("ipc: prediction service failed to start")
	ErrConnectTimeout = errors.New("ipc: timed out connecting to prediction service")
	ErrInitFailed     = errors.New("ipc: prediction service initialization failed")
	ErrNotRunning     = errors.New("ipc: prediction service not running")
	ErrAlreadyStarted = errors.New("ipc: prediction service already started")
	ErrRejected       = errors.New("ipc: request rejected by prediction service")
)

// ClientConfig configures the prediction client.
type ClientConfig struct {
	// Address is the socket path or pipe name the service listens on.
	Address string

	// Script is the service script handed to the executable, for
	// interpreters. Relative names are searched for next to the model, the
	// executable and the working directory. Empty means the executable is
	// the service itself.
	Script string

	// ExtraArgs are placed before the script argument.
	ExtraArgs []string

	// AddressFlag, when set, is passed with Address after the model
	// directory so the service knows where to listen.
	AddressFlag string

	ConnectAttempts int
	ConnectInterval time.Duration
	RequestTimeout  time.Duration
	StopTimeout     time.Duration
	MaxMessageSize  int64
}

// DefaultClientConfig returns the standard timing: thirty connection
// attempts one second apart.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:         DefaultAddress(),
		AddressFlag:     "--address",
		ConnectAttempts: 30,
		ConnectInterval: time.Second,
		RequestTimeout:  3 * time.Second,
		StopTimeout:     5 * time.Second,
		MaxMessageSize:  DefaultMaxMessageSize,
	}
}

// Client manages the prediction service process and the channel to it.
type Client struct {
	cfg ClientConfig
	log *slog.Logger
	now func() time.Time

	state atomic.Int32

	// life serialises Start and Stop.
	life sync.Mutex

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	modelDir string
	stopping bool

	// io serialises request/response exchanges.
	io     sync.Mutex
	connMu sync.Mutex
	conn   net.Conn
	codec  *Codec
}

// NewClient creates a stopped client.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.ConnectInterval <= 0 {
		cfg.ConnectInterval = def.ConnectInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log, now: time.Now}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Running reports whether predictions can be requested.
func (c *Client) Running() bool {
	return c.State() == StateRunning
}

// Start launches the service, connects to it and initializes it with the
// model directory. It may be called again after Stop or after a failure.
// On error the client is left Stopped (nothing was spawned) or Failed.
func (c *Client) Start(ctx context.Context, executablePath, modelPath string) error {
	c.life.Lock()
	defer c.life.Unlock()

	switch c.State() {
	case StateStopped, StateFailed:
	default:
		return ErrAlreadyStarted
	}

	info, err := os.Stat(modelPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrModelMissing, modelPath)
	}
	modelDir := modelPath
	if !info.IsDir() {
		modelDir = filepath.Dir(modelPath)
	}

	script, err := c.locateScript(executablePath, modelDir)
	if err != nil {
		return err
	}

	c.cleanupProcess()
	c.state.Store(int32(StateStarting))

	cmd := exec.Command(executablePath, c.args(script, modelDir)...)
	out := &lineLogger{log: c.log}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = c.cfg.StopTimeout
	if err := cmd.Start(); err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.exited = exited
	c.modelDir = modelDir
	c.stopping = false
	c.mu.Unlock()
	go c.watch(cmd, exited)

	c.log.Info("prediction service started", "pid", cmd.Process.Pid, "model_dir", modelDir)

	conn, err := c.connect(ctx, exited)
	if err != nil {
		c.abortStart()
		return err
	}
	if !c.state.CompareAndSwap(int32(StateStarting), int32(StateConnected)) {
		conn.Close()
		c.abortStart()
		return fmt.Errorf("%w: service exited during connect", ErrSpawnFailed)
	}

	c.io.Lock()
	c.setConn(conn)
	err = c.initializeLocked(ctx)
	c.io.Unlock()
	if err != nil {
		c.abortStart()
		return err
	}

	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateRunning)) {
		c.abortStart()
		return fmt.Errorf("%w: service exited during initialization", ErrInitFailed)
	}
	c.log.Info("prediction service ready", "address", c.cfg.Address)
	return nil
}

func (c *Client) args(script, modelDir string) []string {
	args := append([]string(nil), c.cfg.ExtraArgs...)
	if script != "" {
		args = append(args, script)
	}
	args = append(args, modelDir)
	if c.cfg.AddressFlag != "" {
		args = append(args, c.cfg.AddressFlag, c.cfg.Address)
	}
	return args
}

// locateScript resolves the configured service script. An empty Script
// means no script argument, and the executable itself must exist.
func (c *Client) locateScript(executablePath, modelDir string) (string, error) {
	script := c.cfg.Script
	if script == "" {
		// An executable that exists but cannot be run is left for
		// cmd.Start to report.
		if _, err := exec.LookPath(executablePath); err != nil &&
			(errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound)) {
			return "", fmt.Errorf("%w: %s", ErrScriptMissing, executablePath)
		}
		return "", nil
	}
	if filepath.IsAbs(script) {
		if fileExists(script) {
			return script, nil
		}
		return "", fmt.Errorf("%w: %s", ErrScriptMissing, script)
	}

	dirs := []string{modelDir, filepath.Dir(modelDir)}
	if p, err := exec.LookPath(executablePath); err == nil {
		dirs = append(dirs, filepath.Dir(p))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, script)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrScriptMissing, script)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// connect polls the endpoint once per ConnectInterval.
func (c *Client) connect(ctx context.Context, exited <-chan struct{}) (net.Conn, error) {
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectInterval)
		conn, err := dial(dctx, c.cfg.Address)
		cancel()
		if err == nil {
			c.log.Debug("connected to prediction service", "attempts", attempt)
			return conn, nil
		}

		if attempt == c.cfg.ConnectAttempts {
			break
		}
		t := time.NewTimer(c.cfg.ConnectInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, ctx.Err())
		case <-exited:
			t.Stop()
			return nil, fmt.Errorf("%w: service exited before accepting connections", ErrSpawnFailed)
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrConnectTimeout, c.cfg.ConnectAttempts)
}

// initializeLocked sends initialize on the current connection and checks
// the acknowledgement. c.io must be held.
func (c *Client) initializeLocked(ctx context.Context) error {
	c.mu.Lock()
	modelDir := c.modelDir
	c.mu.Unlock()

	req := NewRequest(TypeInitialize)
	req.ModelDir = modelDir
	resp, err := c.exchangeLocked(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: status %q: %s", ErrInitFailed, resp.Status, resp.Message)
	}
	return nil
}

// abortStart tears down a half-started service and marks the client Failed.
func (c *Client) abortStart() {
	c.mu.Lock()
	c.stopping = true
	cmd, exited := c.cmd, c.exited
	c.mu.Unlock()

	c.closeConn()
	c.killAndWait(cmd, exited)
	c.state.Store(int32(StateFailed))
}

// Analyze sends the feature vector and returns the classification. It fails
// closed: on any error the zero Prediction is returned with the error.
func (c *Client) Analyze(ctx context.Context, v features.Vector) (anxiety.Prediction, error) {
	if !c.Running() {
		return anxiety.Prediction{}, ErrNotRunning
	}
	req := NewRequest(TypeAnalyze)
	req.Features = v.Slice()

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return anxiety.Prediction{}, err
	}
	p, ok := resp.ToPrediction()
	if !ok {
		return anxiety.Prediction{}, fmt.Errorf("%w: status %q: %s", ErrRejected, resp.Status, resp.Message)
	}
	p.Timestamp = c.now()
	return p, nil
}

// Hint asks the service for advice on an error kind.
func (c *Client) Hint(ctx context.Context, errorType string) (string, error) {
	if !c.Running() {
		return "", ErrNotRunning
	}
	req := NewRequest(TypeGetHint)
	req.ErrorType = errorType

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: status %q: %s", ErrRejected, resp.Status, resp.Message)
	}
	return resp.Hint, nil
}

// roundTrip performs one exchange, redialing once if an earlier failure
// dropped the connection.
func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	c.io.Lock()
	defer c.io.Unlock()

	if !c.hasConn() {
		if err := c.redialLocked(ctx); err != nil {
			return nil, err
		}
	}
	return c.exchangeLocked(ctx, req)
}

func (c *Client) redialLocked(ctx context.Context) error {
	if !c.Running() {
		return ErrNotRunning
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectInterval)
	conn, err := dial(dctx, c.cfg.Address)
	cancel()
	if err != nil {
		return fmt.Errorf("redial: %w", err)
	}
	c.setConn(conn)
	if err := c.initializeLocked(ctx); err != nil {
		c.closeConn()
		return err
	}
	c.log.Info("reconnected to prediction service")
	return nil
}

// exchangeLocked writes req and reads one response within RequestTimeout
// and the context. Any failure drops the connection. c.io must be held.
func (c *Client) exchangeLocked(ctx context.Context, req *Request) (*Response, error) {
	c.connMu.Lock()
	conn, codec := c.conn, c.codec
	c.connMu.Unlock()
	if conn == nil {
		return nil, ErrNotRunning
	}

	deadline := c.now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	// Transports without deadline support are unblocked by closing.
	var expired atomic.Bool
	watchdog := time.AfterFunc(time.Until(deadline), func() {
		expired.Store(true)
		conn.Close()
	})
	stopCtx := context.AfterFunc(ctx, func() {
		expired.Store(true)
		conn.Close()
	})
	defer func() {
		watchdog.Stop()
		stopCtx()
	}()

	resp, err := c.sendAndReceive(codec, req)
	if err != nil || expired.Load() {
		c.closeConn()
		if err == nil {
			err = context.DeadlineExceeded
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return resp, nil
}

func (c *Client) sendAndReceive(codec *Codec, req *Request) (*Response, error) {
	if err := codec.Write(req); err != nil {
		return nil, err
	}
	return codec.ReadResponse()
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
	c.codec = NewCodec(conn, c.cfg.MaxMessageSize)
}

func (c *Client) hasConn() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.codec = nil
	}
}

// Stop shuts the service down: a best-effort shutdown message, then a
// terminate signal, then a kill after StopTimeout. It is safe to call in any
// state and more than once.
func (c *Client) Stop() error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.stopping = true
	c.mu.Unlock()

	if cmd == nil && c.State() == StateStopped {
		return nil
	}

	// A request in flight holds io for at most RequestTimeout; rather than
	// wait, skip the shutdown message and cut the channel.
	if c.io.TryLock() {
		c.connMu.Lock()
		conn, codec := c.conn, c.codec
		c.connMu.Unlock()
		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := codec.Write(NewRequest(TypeShutdown)); err != nil {
				c.log.Debug("shutdown message not delivered", "err", err)
			}
		}
		c.closeConn()
		c.io.Unlock()
	} else {
		c.closeConn()
	}

	if cmd != nil {
		if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.log.Debug("terminate prediction service", "err", err)
		}
		select {
		case <-exited:
		case <-time.After(c.cfg.StopTimeout):
			c.log.Warn("prediction service did not exit, killing", "pid", cmd.Process.Pid)
			c.killAndWait(cmd, exited)
		}
	}

	c.mu.Lock()
	c.cmd = nil
	c.exited = nil
	c.stopping = false
	c.mu.Unlock()
	c.state.Store(int32(StateStopped))
	c.log.Info("prediction service stopped")
	return nil
}

func (c *Client) killAndWait(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	if exited != nil {
		<-exited
	}
}

// cleanupProcess forgets a process left over from a failed run.
func (c *Client) cleanupProcess() {
	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.stopping = true
	c.mu.Unlock()

	c.closeConn()
	c.killAndWait(cmd, exited)

	c.mu.Lock()
	c.cmd, c.exited = nil, nil
	c.stopping = false
	c.mu.Unlock()
}

// watch waits for the process and moves the client to Failed when it exits
// without being asked to.
func (c *Client) watch(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	c.mu.Lock()
	expected := c.stopping || c.cmd != cmd
	c.mu.Unlock()
	if expected {
		return
	}

	c.state.Store(int32(StateFailed))
	c.closeConn()
	c.log.Warn("prediction service exited unexpectedly", "err", err)
}

// lineLogger forwards the service's output to the log, one record per line.
type lineLogger struct {
	log *slog.Logger
	mu  sync.Mutex
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimRight(string(l.buf[:i]), "\r"); line != "" {
			l.log.Debug("prediction service output", "line", line)
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 4096 {
		l.log.Debug("prediction service output", "line", string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
