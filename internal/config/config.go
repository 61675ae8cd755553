// Package config handles configuration loading and validation for stressd.
//
// Configuration is read from TOML, JSON or YAML (chosen by file extension,
// auto-detected otherwise), overlaid with STRESSD_* environment variables and
// validated before use. A Loader can watch the file and hand reloaded
// configurations to registered callbacks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"stressd/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STRESSD_"

// Config is the complete stressd configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Monitor      MonitorConfig      `toml:"monitor" json:"monitor" yaml:"monitor"`
	Predictor    PredictorConfig    `toml:"predictor" json:"predictor" yaml:"predictor"`
	Intervention InterventionConfig `toml:"intervention" json:"intervention" yaml:"intervention"`
	Storage      StorageConfig      `toml:"storage" json:"storage" yaml:"storage"`
	Logging      LoggingConfig      `toml:"logging" json:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// MonitorConfig holds the analysis loop settings.
type MonitorConfig struct {
	// TickIntervalMs is the period between analysis passes.
	TickIntervalMs int `toml:"tick_interval_ms" json:"tick_interval_ms" yaml:"tick_interval_ms"`

	// AnalysisTimeoutMs bounds a single analysis pass.
	AnalysisTimeoutMs int `toml:"analysis_timeout_ms" json:"analysis_timeout_ms" yaml:"analysis_timeout_ms"`

	// DataDir holds exported sessions and the feedback log.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// ExportSessions writes a CSV of the session when monitoring stops.
	ExportSessions bool `toml:"export_sessions" json:"export_sessions" yaml:"export_sessions"`
}

// PredictorConfig holds the prediction service settings.
type PredictorConfig struct {
	// Executable is the interpreter or service binary to launch.
	Executable string `toml:"executable" json:"executable" yaml:"executable"`

	// Script is handed to Executable when it is an interpreter.
	Script string `toml:"script" json:"script" yaml:"script"`

	// ModelPath is the model directory, or a file inside it.
	ModelPath string `toml:"model_path" json:"model_path" yaml:"model_path"`

	// Address is the socket path or pipe name of the service.
	Address string `toml:"address" json:"address" yaml:"address"`

	ConnectAttempts   int `toml:"connect_attempts" json:"connect_attempts" yaml:"connect_attempts"`
	ConnectIntervalMs int `toml:"connect_interval_ms" json:"connect_interval_ms" yaml:"connect_interval_ms"`
	RequestTimeoutMs  int `toml:"request_timeout_ms" json:"request_timeout_ms" yaml:"request_timeout_ms"`
	StopTimeoutMs     int `toml:"stop_timeout_ms" json:"stop_timeout_ms" yaml:"stop_timeout_ms"`
}

// InterventionConfig holds the gating and history settings.
type InterventionConfig struct {
	// Threshold is the minimum prediction confidence, in [0, 1].
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`

	// CooldownSec is the quiet period after an intervention is shown.
	CooldownSec int `toml:"cooldown_sec" json:"cooldown_sec" yaml:"cooldown_sec"`

	EnableC   bool `toml:"enable_c" json:"enable_c" yaml:"enable_c"`
	EnableCPP bool `toml:"enable_cpp" json:"enable_cpp" yaml:"enable_cpp"`

	// HistorySize caps the in-memory intervention history.
	HistorySize int `toml:"history_size" json:"history_size" yaml:"history_size"`

	// FeedbackLog is the CSV file feedback is appended to.
	FeedbackLog string `toml:"feedback_log" json:"feedback_log" yaml:"feedback_log"`

	// NodeID seeds intervention identifiers.
	NodeID int64 `toml:"node_id" json:"node_id" yaml:"node_id"`
}

// StorageConfig holds the database settings.
type StorageConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the host:port the HTTP endpoint binds to.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := StressdDir()
	return &Config{
		Version: Version,
		Monitor: MonitorConfig{
			TickIntervalMs:    5000,
			AnalysisTimeoutMs: 4000,
			DataDir:           dir,
			ExportSessions:    true,
		},
		Predictor: PredictorConfig{
			ModelPath:         filepath.Join(dir, "models"),
			Address:           defaultAddress(),
			ConnectAttempts:   30,
			ConnectIntervalMs: 1000,
			RequestTimeoutMs:  3000,
			StopTimeoutMs:     5000,
		},
		Intervention: InterventionConfig{
			Threshold:   0.7,
			CooldownSec: 300,
			EnableC:     true,
			EnableCPP:   true,
			HistorySize: 100,
			FeedbackLog: filepath.Join(dir, "feedback_log.csv"),
			NodeID:      1,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dir, "stressd.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "stressd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// StressdDir returns the base data directory, honouring STRESSD_DATA_DIR.
func StressdDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv seeds the environment from .env files without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Monitor.DataDir,
		filepath.Dir(c.Intervention.FeedbackLog),
	}
	if c.Storage.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies STRESSD_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidationErrors

	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: "not an integer: " + v})
			return
		}
		*dst = n
	}

	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.Monitor.DataDir = v
	}
	num("TICK_INTERVAL_MS", &c.Monitor.TickIntervalMs)

	str("PREDICTOR_EXECUTABLE", &c.Predictor.Executable)
	str("PREDICTOR_SCRIPT", &c.Predictor.Script)
	str("MODEL_PATH", &c.Predictor.ModelPath)
	str("PREDICTOR_ADDRESS", &c.Predictor.Address)

	if v := os.Getenv(EnvPrefix + "THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "THRESHOLD", Message: "not a number: " + v})
		} else {
			c.Intervention.Threshold = f
		}
	}
	num("COOLDOWN_SEC", &c.Intervention.CooldownSec)
	str("FEEDBACK_LOG", &c.Intervention.FeedbackLog)

	str("STORAGE_PATH", &c.Storage.Path)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_PATH", &c.Logging.FilePath)

	str("METRICS_LISTEN", &c.Metrics.Listen)
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "METRICS_ENABLED", Message: "not a boolean: " + v})
		} else {
			c.Metrics.Enabled = b
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// TickInterval returns the analysis period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Monitor.TickIntervalMs) * time.Millisecond
}

// AnalysisTimeout returns the per-pass analysis bound.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Monitor.AnalysisTimeoutMs) * time.Millisecond
}

// Cooldown returns the intervention cooldown.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Intervention.CooldownSec) * time.Second
}

func (p PredictorConfig) ConnectInterval() time.Duration {
	return time.Duration(p.ConnectIntervalMs) * time.Millisecond
}

func (p PredictorConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMs) * time.Millisecond
}

func (p PredictorConfig) StopTimeout() time.Duration {
	return time.Duration(p.StopTimeoutMs) * time.Millisecond
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	return lc, nil
}
