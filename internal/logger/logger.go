package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the engine's own log file.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where the engine writes its own structured log.
// This is the engine log only; captured child stdout/stderr streams are
// plain append-only files owned by the store and are never rotated.
type Config struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	File       string `json:"file" mapstructure:"file"`               // optional rotating log file
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"` // lumberjack rotation knobs
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	NoColor    bool   `json:"no_color" mapstructure:"no_color"`
}

// Setup installs the slog default logger according to c and returns a
// closer for the file writer, if any.
func Setup(c Config) (func() error, error) {
	level := parseLevel(c.Level)
	closer := func() error { return nil }

	var w io.Writer = os.Stderr
	if c.File != "" {
		rot := &lj.Logger{
			Filename:   c.File,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
		w = io.MultiWriter(os.Stderr, rot)
		closer = rot.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.NoColor || c.File != "" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = NewColorTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
