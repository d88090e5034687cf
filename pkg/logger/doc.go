// Package logger builds the *slog.Logger instances used by the entitlements
// engine and its components.
//
// New returns a logger configured by functional options (format, level,
// static attributes) whose handler is wrapped by LogHandlerDecorator. The
// decorator runs registered ContextExtractor callbacks on every record, which
// is how session-scoped values reach log lines without threading loggers
// through every call:
//
//	log := logger.New(
//	    logger.WithDevelopment("entitlements"),
//	    logger.WithSessionContext(),
//	)
//	ctx = logger.ContextWithSession(ctx, sessionID, userID)
//	log.InfoContext(ctx, "subscription synced", logger.PlanID("pro"))
//
// Attribute helpers in attr.go (UserID, PlanID, CacheKey, GroupKey, Attempt and
// friends) keep key names consistent across packages. Error and Errors return
// an empty attribute for nil errors, so they can be passed unconditionally.
//
// Components default to Nop when no logger is supplied.
package logger
