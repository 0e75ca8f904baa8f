// Package logrecorder builds the application logger: a console core for the
// operator and a JSON file core in a dated directory, rotated by size.
package logrecorder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxMB      = 100
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 30
)

// NowString formats now as 20060102_1504 for file names.
func NowString(now time.Time) string {
	return now.Format("20060102_1504")
}

// MakeDir creates base/2006_01_02 for now and returns its path.
func MakeDir(base string, now time.Time) (string, error) {
	if base == "" {
		base = "."
	}
	dir := filepath.Join(base, now.Format("2006_01_02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	return dir, nil
}

// Options configure New. A zero Options logs info and up to stderr only.
type Options struct {
	// Dir is the base directory for log files; empty disables the file core.
	Dir   string
	Name  string
	Level zapcore.Level
	// Console defaults to os.Stderr.
	Console io.Writer

	MaxMB      int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel reads a level name, falling back to info.
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid level string %s", s)
	}
	return lvl, nil
}

// Recorder is a built logger and the file it writes to.
type Recorder struct {
	Logger *zap.Logger
	Path   string
	file   *lumberjack.Logger
}

// New builds the logger. The file is named <Name><NowString>.log.
func New(opts Options, now time.Time) (*Recorder, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	level := zap.NewAtomicLevelAt(opts.Level)

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(console), level),
	}

	r := &Recorder{}
	if opts.Dir != "" {
		dir, err := MakeDir(opts.Dir, now)
		if err != nil {
			return nil, err
		}
		name := opts.Name
		if name == "" {
			name = "vxlcan"
		}
		r.Path = filepath.Join(dir, name+NowString(now)+".log")
		r.file = &lumberjack.Logger{
			Filename:   r.Path,
			MaxSize:    orDefault(opts.MaxMB, DefaultMaxMB),
			MaxBackups: orDefault(opts.MaxBackups, DefaultMaxBackups),
			MaxAge:     orDefault(opts.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   true,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(r.file), level))
	}

	r.Logger = zap.New(zapcore.NewTee(cores...))
	return r, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Sugar is shorthand for r.Logger.Sugar().
func (r *Recorder) Sugar() *zap.SugaredLogger { return r.Logger.Sugar() }

// Close flushes the logger and closes the log file.
func (r *Recorder) Close() error {
	_ = r.Logger.Sync()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
