// Package logging provides the structured Logger used by
// the collectives and the orchestrator, with slog, no-op
// and testing.T backed implementations.
package logging

// Logger defines methods for structured logging.
//
// All methods accept alternating key-value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// OrNop returns l, or a no-op Logger if l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
}
