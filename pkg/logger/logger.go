package logger

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	once sync.Once
	le   *log.Entry
)

// AddLogger returns the process-wide logger entry, creating it on first
// use. Output goes to stderr so reports printed on stdout stay parseable.
func AddLogger() *log.Entry {
	once.Do(func() {
		logger := newLogger(strings.EqualFold(os.Getenv("CONVERGE_LOG_FORMAT"), "json"))
		le = log.NewEntry(logger)
	})

	return le
}

// SetLevel adjusts the logger level after configuration has been loaded.
func SetLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	AddLogger().Logger.SetLevel(lvl)

	return nil
}

// SetFormat switches between the text and json formatters.
func SetFormat(format string) {
	json := strings.EqualFold(format, "json")
	AddLogger().Logger.SetFormatter(formatter(json))
}

func newLogger(json bool) *log.Logger {
	logger := log.New()

	logger.SetFormatter(formatter(json))
	logger.SetReportCaller(true)
	logger.SetLevel(log.InfoLevel)
	logger.Out = os.Stderr

	return logger
}

func formatter(json bool) log.Formatter {
	if json {
		return &log.JSONFormatter{
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				link := fmt.Sprintf("file://%s:%d", f.File, f.Line)
				return f.Function, link
			},
		}
	}

	return &log.TextFormatter{
		ForceColors:   true,
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			link := fmt.Sprintf("%s:%d", f.File, f.Line)
			return f.Function, link
		},
		QuoteEmptyFields: true,
	}
}
