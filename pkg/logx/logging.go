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

type Config struct {
	Level   string
	Console bool
	// Format selects the console encoding: "pretty" (default) or "json".
	Format string
	File   FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./greetd.log"
)

func init() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}

// Field adds one key to a log line. Later fields with the same key win.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

var nopRoot = zerolog.Nop()

// Logger carries fixed fields over a root that is either static or owned by
// a Service, in which case it follows Service.Apply. The zero value drops
// everything.
type Logger struct {
	svc    *Service
	static *zerolog.Logger
	fields []Field
}

func Nop() Logger { return Logger{static: &nopRoot} }

// NewWriter returns a JSON logger on w, detached from any Service.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	return Logger{static: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.static == nil && len(l.fields) == 0 }

func (l Logger) root() *zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.root.Load()
	case l.static != nil:
		return l.static
	default:
		return &nopRoot
	}
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	e := l.root().WithLevel(level)
	if e == nil {
		return
	}
	// file:line of the call site; the package path is noise.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the sinks. Loggers derived from it pick up level and sink
// changes made by Apply without being rebuilt.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// Apply rebuilds the sinks. The previous log file is closed only after the
// new root is in place so no line goes to a closed file.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg.Format))
	}
	var file *os.File
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink(cfg.Format))
	}

	var out io.Writer = sinks[0]
	if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}
	zl := zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	s.root.Store(&zl)

	old := s.file
	s.file = file
	if old != nil {
		_ = old.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.root.Store(&nopRoot)
	return err
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleSink(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat, FormatCaller: plainCaller}
}

func plainCaller(i any) string {
	s, _ := i.(string)
	return s
}

// parseLevel falls back to info for empty or unknown names.
func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
