// Package config loads the stasis-pool YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spacetelescope/stasis-sub001/pkg/logx"
)

// Defaults
const (
	DefaultPoolName     = "stasis"
	DefaultCapacity     = 64
	DefaultConcurrency  = 4
	DefaultLogDir       = "./logs"
	DefaultShell        = "/bin/bash"
	DefaultPollInterval = time.Second
	DefaultKillSignal   = "SIGTERM"
	DefaultMetricsAddr  = "127.0.0.1:9090"
	DefaultLogLevel     = "info"

	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverNone   = "none"

	DefaultReportDir = "./reports"
	DefaultReportDB  = "./reports.db"
)

// Config is the complete configuration file.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Report  ReportConfig  `yaml:"report"`
}

// PoolConfig controls task execution.
type PoolConfig struct {
	Name         string `yaml:"name"`
	Capacity     int    `yaml:"capacity"`
	Concurrency  int    `yaml:"concurrency"`
	FailFast     bool   `yaml:"fail_fast"`
	LogDir       string `yaml:"log_dir"`
	ScriptDir    string `yaml:"script_dir"`
	WorkDir      string `yaml:"work_dir"`
	Shell        string `yaml:"shell"`
	PollInterval string `yaml:"poll_interval"` // Go duration, e.g. "1s"
	TaskTimeout  string `yaml:"task_timeout"`  // Go duration; empty or "0" disables
	KillSignal   string `yaml:"kill_signal"`   // SIGTERM, TERM or 15
}

// LoggingConfig mirrors logx.Config.
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LogFileConf `yaml:"file"`
}

type LogFileConf struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ReportConfig selects where drain reports are stored.
type ReportConfig struct {
	Driver string `yaml:"driver"` // file | sqlite | none
	Path   string `yaml:"path"`   // directory for file, database file for sqlite
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Console: true}}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads, decodes, defaults and validates the file at path. An empty path
// yields Default().
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML strictly: unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Logging: LoggingConfig{Console: true}}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every empty field.
func (c *Config) ApplyDefaults() {
	p := &c.Pool
	if strings.TrimSpace(p.Name) == "" {
		p.Name = DefaultPoolName
	}
	if p.Capacity == 0 {
		p.Capacity = DefaultCapacity
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultConcurrency
	}
	if strings.TrimSpace(p.LogDir) == "" {
		p.LogDir = DefaultLogDir
	}
	if strings.TrimSpace(p.Shell) == "" {
		p.Shell = DefaultShell
	}
	if strings.TrimSpace(p.PollInterval) == "" {
		p.PollInterval = DefaultPollInterval.String()
	}
	if strings.TrimSpace(p.KillSignal) == "" {
		p.KillSignal = DefaultKillSignal
	}

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}

	r := &c.Report
	r.Driver = strings.ToLower(strings.TrimSpace(r.Driver))
	if r.Driver == "" {
		r.Driver = DriverFile
	}
	if strings.TrimSpace(r.Path) == "" {
		switch r.Driver {
		case DriverFile:
			r.Path = DefaultReportDir
		case DriverSQLite:
			r.Path = DefaultReportDB
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	p := c.Pool
	if p.Capacity < 1 {
		return fmt.Errorf("pool.capacity: must be >= 1, got %d", p.Capacity)
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("pool.concurrency: must be >= 1, got %d", p.Concurrency)
	}
	if _, err := parseDuration("pool.poll_interval", p.PollInterval, DefaultPollInterval); err != nil {
		return err
	}
	if _, err := parseDuration("pool.task_timeout", p.TaskTimeout, 0); err != nil {
		return err
	}
	if _, err := ParseSignal(p.KillSignal); err != nil {
		return fmt.Errorf("pool.kill_signal: %w", err)
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Report.Driver {
	case DriverFile, DriverSQLite, DriverNone:
	default:
		return fmt.Errorf("report.driver: unknown driver %q", c.Report.Driver)
	}
	return nil
}

// PollIntervalDuration returns the parsed pool.poll_interval.
func (p PoolConfig) PollIntervalDuration() time.Duration {
	d, err := parseDuration("pool.poll_interval", p.PollInterval, DefaultPollInterval)
	if err != nil {
		return DefaultPollInterval
	}
	return d
}

// TaskTimeoutDuration returns the parsed pool.task_timeout; 0 when disabled.
func (p PoolConfig) TaskTimeoutDuration() time.Duration {
	d, err := parseDuration("pool.task_timeout", p.TaskTimeout, 0)
	if err != nil {
		return 0
	}
	return d
}

// Signal returns the parsed pool.kill_signal, falling back to SIGTERM.
func (p PoolConfig) Signal() syscall.Signal {
	sig, err := ParseSignal(p.KillSignal)
	if err != nil {
		return syscall.SIGTERM
	}
	return sig
}

// LogxConfig converts the logging section.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

var signalNames = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"TERM": syscall.SIGTERM,
}

// ParseSignal accepts "SIGTERM", "TERM" or a signal number.
func ParseSignal(raw string) (syscall.Signal, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, errors.New("empty signal name")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("signal number %d out of range", n)
		}
		return syscall.Signal(n), nil
	}
	if sig, ok := signalNames[strings.TrimPrefix(s, "SIG")]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unsupported signal %q", raw)
}
