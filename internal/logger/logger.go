package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// log is the process-wide console logger. Components attach a tag via the
// package helpers; per-run state never lives here.
var log = newConsole(os.Stdout)

func newConsole(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("SIGNAL_LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

// SetOutput redirects the logger, used by tests to silence output.
func SetOutput(w io.Writer) {
	log = newConsole(w)
}

// Info logs an informational message under a component tag.
func Info(tag, msg string) {
	log.Info().Str("tag", tag).Msg(msg)
}

// Infof logs a formatted informational message under a component tag.
func Infof(tag, format string, args ...any) {
	log.Info().Str("tag", tag).Msgf(format, args...)
}

// Warn logs a recoverable problem (e.g. a dropped signal).
func Warn(tag, msg string) {
	log.Warn().Str("tag", tag).Msg(msg)
}

// Warnf logs a formatted recoverable problem.
func Warnf(tag, format string, args ...any) {
	log.Warn().Str("tag", tag).Msgf(format, args...)
}

// Error logs a failure that ends a run.
func Error(tag string, err error, msg string) {
	log.Error().Str("tag", tag).Err(err).Msg(msg)
}

// Debug logs detail useful when tracing a single replay.
func Debug(tag, msg string) {
	log.Debug().Str("tag", tag).Msg(msg)
}

// Debugf logs formatted trace detail.
func Debugf(tag, format string, args ...any) {
	log.Debug().Str("tag", tag).Msgf(format, args...)
}

// Banner prints the startup banner. Kept plain so it renders the same with
// colors disabled.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Println("signal " + version + " - intraday backtesting engine")
	fmt.Println(time.Now().UTC().Format(time.RFC3339))
}
