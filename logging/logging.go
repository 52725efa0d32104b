// Package logging builds the zerolog-backed client.Logger used by the CLI:
// console output plus an optional rotating log file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cookielab/pgclient/client"
	"github.com/cookielab/pgclient/config"
)

const timeFormat = "2006-01-02 15:04:05"

// Setup returns a logger writing to console and, when cfg.File is set, to a
// file rotated by size. The returned closer releases the file.
func Setup(cfg config.LogConfig, console io.Writer) (client.Logger, io.Closer) {
	if console == nil {
		console = os.Stderr
	}
	consoleOutput := zerolog.ConsoleWriter{Out: console, TimeFormat: timeFormat}
	level := parseLevel(cfg.Level)

	if cfg.File == "" {
		zl := zerolog.New(consoleOutput).Level(level).With().Timestamp().Logger()
		return client.NewZerologLogger(zl), nopCloser{}
	}

	if err := ensureLogDir(cfg.File); err != nil {
		zl := zerolog.New(consoleOutput).Level(level).With().Timestamp().Logger()
		zl.Error().Err(err).Str("path", cfg.File).Msg("failed to prepare log directory; logging to console only")
		return client.NewZerologLogger(zl), nopCloser{}
	}

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	multi := zerolog.MultiLevelWriter(consoleOutput, fileWriter)
	zl := zerolog.New(multi).Level(level).With().Timestamp().Logger()
	return client.NewZerologLogger(zl), fileWriter
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
