package logger

import (
	"context"
	"log/slog"
)

type sessionKey struct{}

type sessionValue struct {
	sessionID string
	userID    string
}

// ContextWithSession tags ctx with the engine session it belongs to.
func ContextWithSession(ctx context.Context, sessionID, userID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionValue{sessionID: sessionID, userID: userID})
}

// SessionFromContext returns the session and user identifiers stored by ContextWithSession.
func SessionFromContext(ctx context.Context) (sessionID, userID string, ok bool) {
	v, ok := ctx.Value(sessionKey{}).(sessionValue)
	if !ok {
		return "", "", false
	}
	return v.sessionID, v.userID, true
}

func sessionIDExtractor(ctx context.Context) (slog.Attr, bool) {
	id, _, ok := SessionFromContext(ctx)
	if !ok || id == "" {
		return slog.Attr{}, false
	}
	return slog.String("session_id", id), true
}

func sessionUserExtractor(ctx context.Context) (slog.Attr, bool) {
	_, userID, ok := SessionFromContext(ctx)
	if !ok || userID == "" {
		return slog.Attr{}, false
	}
	return UserID(userID), true
}
