package requestid

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
)

const maxIDLength = 128

var validID = regexp.MustCompile("^[a-zA-Z0-9_-]+$")

type contextKey struct{}

func WithContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, ok := ctx.Value(contextKey{}).(string)
	if !ok {
		return ""
	}
	return requestID
}

// Ensure returns ctx unchanged when it already carries a valid request ID,
// otherwise a child context with a new UUID.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); IsValid(id) {
		return ctx, id
	}
	id := uuid.NewString()
	return WithContext(ctx, id), id
}

// IsValid reports whether id is a non-empty token of at most 128 letters,
// digits, dashes or underscores.
func IsValid(id string) bool {
	if len(id) == 0 || len(id) > maxIDLength {
		return false
	}
	return validID.MatchString(id)
}

// LoggerExtractor adds request_id to log records.
func LoggerExtractor() func(ctx context.Context) (slog.Attr, bool) {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id := FromContext(ctx); id != "" {
			return slog.String("request_id", id), true
		}
		return slog.Attr{}, false
	}
}
