/*
Package logger wraps zap with the small surface the engine needs.

PURPOSE:
  Resolution is deliberately forgiving: malformed line-item JSON, failed
  enrichment lookups, and skipped visual elements all degrade instead of
  failing. Those degradations still need to be visible somewhere, and that
  somewhere is this logger.

USAGE:
  log, err := logger.New()
  log.Warnw("line items unparsable, synthesizing fallback",
      "invoice", num, "error", err)

  Tests and callers that want silence use logger.NewNop().
*/
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.SugaredLogger to provide logging functionality.
type Logger struct {
	*zap.SugaredLogger
}

// New creates a production JSON logger with ISO8601 timestamps.
func New() (*Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLogger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// Named returns a child logger with the given name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.Named(name)}
}
