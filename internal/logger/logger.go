// Package logger holds the process wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	setCallerFormatter()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	SetConsoleWriter()
}

func setCallerFormatter() {
	_, file, _, _ := runtime.Caller(0)
	prefix := path.Dir(path.Dir(file))
	if len(prefix) > 0 && prefix[len(prefix)-1] != os.PathSeparator {
		prefix += "/"
	}
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		if idx := strings.Index(file, prefix); prefix != "" && idx > -1 {
			file = file[idx+len(prefix):]
		}
		return fmt.Sprintf("%s:%d", file, line)
	}
}

func Log() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// With returns a child logger tagged with the component name.
func With(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", component).Logger()
}

func SetLogger(l zerolog.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

func SetWriter(w io.Writer) {
	SetLogger(zerolog.New(w).With().Timestamp().Logger())
}

func SetConsoleWriter() {
	SetLogger(zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
		w.TimeFormat = "15:04:05.000"
	})).With().Timestamp().Logger())
}

func SetJSONWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	SetWriter(w)
}

// SetLevel accepts zerolog level names; an empty string keeps the current level.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

// Configure applies a level and a format ("console" or "json").
func Configure(level, format string) error {
	switch strings.ToLower(format) {
	case "", "console":
		SetConsoleWriter()
	case "json":
		SetJSONWriter(os.Stderr)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return SetLevel(level)
}
