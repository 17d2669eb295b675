package log

import (
	"context"
	"os"

	"go.uber.org/zap"
)

type ctxKey string

const (
	sessionIDKey ctxKey = "session_id"
	requestIDKey ctxKey = "request_id"
	personaKey   ctxKey = "persona"
)

var logger *zap.Logger

func init() {
	SetDebug(os.Getenv("DEBUG") == "true")
}

// SetDebug swaps the package logger between development and production
// presets.
func SetDebug(debug bool) {
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger = zap.NewNop()
	}
}

// WithSession annotates ctx so WithCtx loggers carry the session fields.
func WithSession(ctx context.Context, sessionID, persona string) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, personaKey, persona)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	if v := ctx.Value(sessionIDKey); v != nil {
		fields = append(fields, zap.Any("session_id", v))
	}
	if v := ctx.Value(personaKey); v != nil {
		fields = append(fields, zap.Any("persona", v))
	}
	if v := ctx.Value(requestIDKey); v != nil {
		fields = append(fields, zap.Any("request_id", v))
	}

	return logger.With(fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// Sync flushes buffered entries; call it before the process exits.
func Sync() {
	_ = logger.Sync()
}
