// Package logging provides structured logging for the bot.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	File       bool   `yaml:"file"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join("data", "logs", "bot.log"),
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// New creates a logger from cfg. Zero-value fields fall back to defaults
// so a partially filled config section still yields a usable logger.
func New(cfg Config) zerolog.Logger {
	def := DefaultConfig()
	if cfg.Level == "" {
		cfg.Level = def.Level
	}
	if cfg.FilePath == "" {
		cfg.FilePath = def.FilePath
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = def.MaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = def.MaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = def.MaxAgeDays
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	if cfg.File {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   true,
			})
		}
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = os.Stdout
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
