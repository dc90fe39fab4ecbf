// Package logger wires the process-wide stdlib log.Logger to a rotating
// file via lumberjack.v2, optionally fanning out to stdout as well.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors lumberjack.Logger's tuning knobs field for field, plus
// the console fan-out toggle lumberjack has no opinion on.
type Config struct {
	LogDir     string
	LogFile    string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	Console    bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		LogDir:     "logs",
		LogFile:    "app.log",
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
		Console:    true,
	}
}

// Setup points the standard library logger at a lumberjack-managed
// rotating file, returning the lumberjack.Logger so callers can Close it
// on shutdown.
func Setup(cfg *Config) (*lumberjack.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("logger: creating log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, cfg.LogFile),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var writer io.Writer = rotator
	if cfg.Console {
		writer = io.MultiWriter(os.Stdout, rotator)
	}

	log.SetOutput(writer)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("logging initialized: %s (max %dMB, %d backups, %d days)",
		rotator.Filename, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)

	return rotator, nil
}
