package infra

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger constructs a zerolog.Logger with sane defaults for the service.
func NewLogger(appEnv string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, appEnv, "", "")
}

// NewServiceLogger honours LOG_LEVEL and LOG_FILE on top of NewLogger.
func NewServiceLogger(cfg *Config) zerolog.Logger {
	return NewLoggerTo(os.Stdout, cfg.AppEnv, cfg.LogLevel, cfg.LogFile)
}

// NewLoggerTo writes to out and, when file is set, to a rotated JSON log
// file. An empty or unknown level falls back to debug in development and
// info elsewhere.
func NewLoggerTo(out io.Writer, appEnv, level, file string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		lvl = parsed
	}

	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err == nil {
			out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    100, // megabytes
				MaxBackups: 5,
				MaxAge:     14, // days
				Compress:   true,
			})
		}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// Logger aliases the zerolog.Logger so callers outside the infra package can
// depend on the logging contract without importing the third-party module
// directly.
type Logger = zerolog.Logger
