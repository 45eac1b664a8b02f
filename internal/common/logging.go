// Package common provides shared utilities for ibmi-mcp
package common

import (
	"os"

	phuslog "github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"
)

// Logger wraps arbor.ILogger. Tool handlers derive per-request loggers
// with WithCorrelationId so one call can be traced through the binder,
// the pool manager, and the gateway client.
type Logger struct {
	arbor.ILogger
}

// LogOptions is the resolved logging setup. The config layer maps its
// TOML/env representation onto this before the server starts.
type LogOptions struct {
	Level string

	// Console writes to stderr. It must never target stdout: on the
	// stdio transport stdout carries the MCP framing and a single stray
	// log line corrupts the stream.
	Console bool

	// File enables the rotating log file.
	File        bool
	FilePath    string
	FileSizeMB  int
	FileBackups int
}

const (
	defaultLogPath     = "logs/ibmi-mcp.log"
	defaultFileSizeMB  = 50
	defaultFileBackups = 10
	logTimeFormat      = "2006-01-02T15:04:05Z07:00"
)

// NewLogger builds the process logger from resolved options. A memory
// writer is always attached so recent entries stay queryable for
// diagnostics regardless of the configured outputs.
func NewLogger(opts LogOptions) *Logger {
	level := opts.Level
	if level == "" {
		level = "info"
	}

	l := arbor.NewLogger()
	if opts.Console {
		l = l.WithConsoleWriter(stderrWriterConfig())
	}
	if opts.File {
		l = l.WithFileWriter(fileWriterConfig(opts))
	}
	l = l.WithMemoryWriter(models.WriterConfiguration{
		Type: models.LogWriterTypeMemory,
	}).WithLevelFromString(level)

	return &Logger{ILogger: l}
}

func stderrWriterConfig() models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeConsole,
		Writer:     os.Stderr,
		TimeFormat: logTimeFormat,
	}
}

func fileWriterConfig(opts LogOptions) models.WriterConfiguration {
	path := opts.FilePath
	if path == "" {
		path = defaultLogPath
	}
	sizeMB := opts.FileSizeMB
	if sizeMB <= 0 {
		sizeMB = defaultFileSizeMB
	}
	backups := opts.FileBackups
	if backups <= 0 {
		backups = defaultFileBackups
	}
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeFile,
		FileName:   path,
		MaxSize:    int64(sizeMB) * 1024 * 1024,
		MaxBackups: backups,
		TimeFormat: logTimeFormat,
	}
}

// NewSilentLogger creates a logger that discards everything. Tests use
// it so assertions never depend on log output.
//
// The explicit nop writer matters: arbor falls through to its global
// writer registry when a logger has no writers of its own.
func NewSilentLogger() *Logger {
	return &Logger{ILogger: arbor.NewLogger().WithWriters([]writers.IWriter{nopWriter{}})}
}

// nopWriter satisfies arbor's writers.IWriter and drops all output.
type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error)               { return len(p), nil }
func (nopWriter) WithLevel(_ phuslog.Level) writers.IWriter { return nopWriter{} }
func (nopWriter) GetFilePath() string                       { return "" }
func (nopWriter) Close() error                              { return nil }

// WithCorrelationId returns a Logger scoped to one request id.
func (l *Logger) WithCorrelationId(id string) *Logger {
	return &Logger{ILogger: l.ILogger.WithCorrelationId(id)}
}
