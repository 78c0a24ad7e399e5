// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and encoding.
type Options struct {
	// Level is debug, info, warn or error. Unknown values fall back to info.
	Level string
	// Format is json or console.
	Format string
	// Output defaults to stdout, where the Lambda runtime collects logs.
	Output io.Writer
}

// New returns a logger writing JSON lines with an ISO8601 timestamp,
// caller information and stack traces on errors.
func New(opts Options) (*zap.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	switch opts.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Invocation returns l annotated with the identifiers every invocation log
// line carries.
func Invocation(l *zap.Logger, invocationID, eventID, objectID string) *zap.Logger {
	return l.With(
		zap.String("invocation_id", invocationID),
		zap.String("event_id", eventID),
		zap.String("object_id", objectID),
	)
}
