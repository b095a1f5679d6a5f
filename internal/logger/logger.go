// Package logger configures the structured logger shared by all components.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger.
type Options struct {
	Level      string // debug, info, warn, error; defaults to LOG_LEVEL or info
	File       string // optional log file, rotated by size
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	rootMu sync.RWMutex
	root   = New(Options{})
)

// New builds a logrus logger with the JSON layout used across the service.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetReportCaller(true)

	levelStr := opts.Level
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(levelStr)); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		},
	})

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    valueOr(opts.MaxSizeMB, 100),
			MaxBackups: valueOr(opts.MaxBackups, 5),
			MaxAge:     valueOr(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		l.SetOutput(io.MultiWriter(os.Stdout, rotator))
	} else {
		l.SetOutput(os.Stdout)
	}

	return l
}

// Init replaces the root logger.
func Init(opts Options) *logrus.Logger {
	l := New(opts)
	rootMu.Lock()
	root = l
	rootMu.Unlock()
	return l
}

// Root returns the root logger.
func Root() *logrus.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Root().WithField("component", name)
}

// Discard returns an entry that drops everything. Useful in tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
