package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and sinks of a Service.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig enables the JSON file sink.
type FileConfig struct {
	Enabled bool
	Path    string
}

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./stasis-pool.log"

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// ---- Fields ----

// Field adds one key to an event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field    { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field   { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

// Err adds the error under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// ---- Logger ----

// root is the swappable zerolog logger shared by every Logger derived from
// the same Service.
type root struct {
	zl atomic.Pointer[zerolog.Logger]
}

func (r *root) store(zl zerolog.Logger) { r.zl.Store(&zl) }

// Logger is a value-type structured logger. The zero value discards everything.
// Loggers obtained from a Service follow later Service.Apply calls.
type Logger struct {
	root   *root
	fields []Field
}

func fromZerolog(zl zerolog.Logger) Logger {
	r := &root{}
	r.store(zl)
	return Logger{root: r}
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return fromZerolog(zerolog.Nop()) }

// IsZero reports whether l is the zero Logger.
func (l Logger) IsZero() bool { return l.root == nil && len(l.fields) == 0 }

// With returns a copy of l that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if l.root == nil {
		return
	}
	zl := l.root.zl.Load()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// frames: caller -> Info/Warn/... -> emit
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ---- Service ----

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu   sync.Mutex
	root root
	file *os.File
}

// NewService applies cfg and returns the service with its root Logger.
func NewService(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

// Logger returns a Logger bound to the service.
func (s *Service) Logger() Logger { return Logger{root: &s.root} }

// Apply rebuilds the sinks from cfg. Loggers already handed out pick up the
// change on their next event. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}

	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}

	lvl, _ := parseLevel(cfg.Level)
	s.root.store(zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(lvl).With().Timestamp().Logger())

	// Close the previous file only after the swap.
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

// Close silences every Logger of the service and releases the file sink.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.root.store(zerolog.Nop())
	f := s.file
	s.file = nil
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i interface{}) string {
			s, _ := i.(string)
			return s
		},
	}
}

// ---- Levels ----

// parseLevel maps a config level to zerolog. Empty means info.
func parseLevel(s string) (zerolog.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel, true
	case "warning":
		return zerolog.WarnLevel, true
	case "trace", "debug", "info", "warn", "error":
		lvl, _ := zerolog.ParseLevel(s)
		return lvl, true
	}
	return zerolog.InfoLevel, false
}

// ValidLevel reports whether s names a supported level.
func ValidLevel(s string) bool {
	_, ok := parseLevel(s)
	return ok
}

// Stdout is where task output goes unless a pool is given another writer.
func Stdout() io.Writer { return os.Stdout }
