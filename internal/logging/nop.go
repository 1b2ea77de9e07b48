package logging

// NopLogger discards every message.
type NopLogger struct{}

var _ Logger = NopLogger{}

// NewNop creates a logger that discards all messages.
func NewNop() NopLogger {
	return NopLogger{}
}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
