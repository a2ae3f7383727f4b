package log

import (
	"errors"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig controls size-based rotation of protocol capture files.
type RotationConfig struct {
	// Path of the active file. Rotated files get a timestamp suffix.
	Path string

	// MaxSizeMB is the size at which the file is rotated. Default 100.
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep. Zero keeps all.
	MaxBackups int

	// MaxAgeDays removes rotated files older than this. Zero keeps all.
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool
}

// RotatingFileLogger is a FileLogger whose file rolls over by size.
type RotatingFileLogger struct {
	*FileLogger
	lj *lumberjack.Logger
}

// NewRotatingFileLogger creates a logger writing to cfg.Path. The file is
// opened lazily on the first event.
func NewRotatingFileLogger(cfg RotationConfig) (*RotatingFileLogger, error) {
	if cfg.Path == "" {
		return nil, errors.New("log: rotation path required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &RotatingFileLogger{FileLogger: NewWriterLogger(lj), lj: lj}, nil
}

// Rotate forces a rollover to a fresh file.
func (r *RotatingFileLogger) Rotate() error {
	r.FileLogger.mu.Lock()
	defer r.FileLogger.mu.Unlock()
	return r.lj.Rotate()
}

var _ Logger = (*RotatingFileLogger)(nil)
