package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Logger.
type Options struct {
	Level  string
	Format string
	// Dir, when set, receives a session log file named cyt_log_<MMDDYY_HHMMSS>.
	Dir    string
	Output io.Writer
}

type Logger struct {
	zl   zerolog.Logger
	mu   sync.Mutex
	file *os.File
	path string
}

// New returns a stdout logger at info level.
func New(format string) *Logger {
	l, _ := NewWithOptions(Options{Format: format})
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func NewWithOptions(opts Options) (*Logger, error) {
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	writers := []io.Writer{formatWriter(opts.Format, opts.Output, false)}

	l := &Logger{}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		path := filepath.Join(opts.Dir, "cyt_log_"+time.Now().Format("010206_150405"))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
		l.path = path
		writers = append(writers, formatWriter(opts.Format, file, true))
	}

	l.zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return l, nil
}

func formatWriter(format string, out io.Writer, noColor bool) io.Writer {
	if format != "text" {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05", NoColor: noColor}
}

func parseLevel(value string) (zerolog.Level, error) {
	switch strings.ToLower(value) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.write(zerolog.DebugLevel, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.write(zerolog.InfoLevel, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.write(zerolog.WarnLevel, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.write(zerolog.ErrorLevel, msg, fields...)
}

func (l *Logger) write(level zerolog.Level, msg string, fields ...Field) {
	ev := l.zl.WithLevel(level)
	if ev == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			ev = ev.AnErr(f.Key, v)
		case string:
			ev = ev.Str(f.Key, v)
		case time.Duration:
			ev = ev.Str(f.Key, v.String())
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

// Zerolog exposes the underlying logger for components that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// FilePath is the session log file path, empty when file logging is off.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the session log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	err := l.file.Close()
	l.file = nil
	return err
}

type Field struct {
	Key   string
	Value interface{}
}

func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
