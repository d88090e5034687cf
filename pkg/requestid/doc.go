// Package requestid correlates the log records and analytics events produced
// by a single engine operation.
//
// Callers may tag a context with their own identifier using WithContext; the
// engine calls Ensure on every explicit write so an identifier is always
// present. Identifiers must match ^[a-zA-Z0-9_-]+$ and be at most 128 bytes;
// anything else is replaced with a fresh UUID.
//
// LoggerExtractor plugs into the logger package:
//
//	log := logger.New(
//		logger.WithSessionContext(),
//		logger.WithContextExtractors(requestid.LoggerExtractor()),
//	)
package requestid
