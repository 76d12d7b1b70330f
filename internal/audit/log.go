// Package audit writes security-relevant events as structured log entries.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"authhub.org/internal/auth"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes an audit entry for event, enriched with the request id and
// the authenticated caller found in ctx. Fields are emitted in key order.
func LogEvent(ctx context.Context, logger *zap.Logger, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if logger == nil {
		return nil
	}
	zf := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := requestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if ac, ok := auth.AuthFromContext(ctx); ok {
		zf = append(zf, zap.String("auth_method", string(ac.Method)))
		if ac.User != nil {
			zf = append(zf, zap.String("user_id", ac.User.ID))
		}
		if ac.Service != nil {
			zf = append(zf, zap.String("service", ac.Service.Name))
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	extra := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		extra = append(extra, zap.Any(k, fields[k]))
	}
	zf = append(zf, zap.Dict("fields", extra...))
	logger.Info("audit", zf...)
	return nil
}
