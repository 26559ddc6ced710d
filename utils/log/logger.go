package log

import (
	"context"
	"os"

	"go.uber.org/zap"
)

type ctxKey string

const (
	SessionIDKey ctxKey = "session_id"
	UserIDKey    ctxKey = "user_id"
	DeviceIDKey  ctxKey = "device_id"
)

var logger *zap.Logger

func init() {
	logger = build(os.Getenv("DEBUG") == "true")
}

// Configure replaces the logger once the configuration is known; variables
// from a .env file are not visible yet when init runs.
func Configure(debug bool) {
	logger = build(debug)
}

func build(debug bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// WithSessionID returns a context whose logger output carries the session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	if v := ctx.Value(SessionIDKey); v != nil {
		fields = append(fields, zap.Any("session_id", v))
	}
	if v := ctx.Value(DeviceIDKey); v != nil {
		fields = append(fields, zap.Any("device_id", v))
	}
	if v := ctx.Value(UserIDKey); v != nil {
		fields = append(fields, zap.Any("user_id", v))
	}

	return logger.With(fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// Sync flushes buffered log entries. Call it before the process exits.
func Sync() {
	_ = logger.Sync()
}
