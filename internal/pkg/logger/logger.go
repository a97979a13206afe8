// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package logger wraps zap with level reconfiguration and optional
// size-rotated file output.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileConfig configures file output with size-based rotation.
type FileConfig struct {
	Path       string
	MaxSize    int64 // bytes before rotation, default 50MB
	MaxBackups int   // rotated files to keep, default 3
}

// OutputConfig selects the log destination: "stdout", "stderr" or "file".
type OutputConfig struct {
	Output string
	File   FileConfig
}

// Logger wraps zap.SugaredLogger.
type Logger struct {
	*zap.SugaredLogger
	base  *zap.Logger
	level zap.AtomicLevel
}

// New creates a logger writing to stdout.
func New(level, format string) (*Logger, error) {
	return NewWithOutput(level, format, os.Stdout)
}

// NewFromConfig creates a logger from the output configuration.
func NewFromConfig(level, format string, cfg OutputConfig) (*Logger, error) {
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.File.Path == "" {
			return nil, fmt.Errorf("logging.file.path is required when output is 'file'")
		}
		w, err := NewRotatingWriter(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return NewWithOutput(level, format, w)
	case "stderr":
		return NewWithOutput(level, format, os.Stderr)
	default:
		return NewWithOutput(level, format, os.Stdout)
	}
}

// NewWithOutput creates a logger writing to the given destination.
// format is "json" (default) or "console".
func NewWithOutput(level, format string, output io.Writer) (*Logger, error) {
	atomicLevel := zap.NewAtomicLevel()
	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		atomicLevel.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch format {
	case "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	base := zap.New(
		zapcore.NewCore(encoder, zapcore.AddSync(output), atomicLevel),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return &Logger{SugaredLogger: base.Sugar(), base: base, level: atomicLevel}, nil
}

// With returns a logger with additional key/value fields.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), base: l.base, level: l.level}
}

// Named returns a named child logger.
func (l *Logger) Named(name string) *Logger {
	named := l.base.Named(name)
	return &Logger{SugaredLogger: named.Sugar(), base: named, level: l.level}
}

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) error {
	return l.level.UnmarshalText([]byte(level))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.base.Sync() }

func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{
		SugaredLogger: zap.NewNop().Sugar(),
		base:          zap.NewNop(),
		level:         zap.NewAtomicLevel(),
	}
}

// RotatingWriter is an io.Writer with size-based rotation. When the file
// exceeds MaxSize it is renamed with a timestamp suffix and a fresh file is
// opened; rotated files beyond MaxBackups are removed.
type RotatingWriter struct {
	mu   sync.Mutex
	cfg  FileConfig
	file *os.File
	size int64
}

// NewRotatingWriter opens (or creates) the log file at cfg.Path.
func NewRotatingWriter(cfg FileConfig) (*RotatingWriter, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50 * 1024 * 1024
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{cfg: cfg}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.cfg.MaxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync satisfies zapcore.WriteSyncer.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file %s: %w", w.cfg.Path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file for rotation: %w", err)
	}
	backup := w.cfg.Path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(w.cfg.Path, backup); err != nil {
		_ = w.open()
		return fmt.Errorf("rotate log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}
	w.prune()
	return nil
}

// prune removes rotated files beyond MaxBackups, oldest first. The
// timestamp suffix makes lexical order chronological.
func (w *RotatingWriter) prune() {
	dir := filepath.Dir(w.cfg.Path)
	base := filepath.Base(w.cfg.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if name != base && strings.HasPrefix(name, base+".") {
			backups = append(backups, name)
		}
	}
	sort.Strings(backups)
	for len(backups) > w.cfg.MaxBackups {
		_ = os.Remove(filepath.Join(dir, backups[0]))
		backups = backups[1:]
	}
}
