package types

// Logger defines methods for structured logging.
//
// All methods accept alternating key-value pairs for structured fields, the
// calling convention shared by log/slog and zap.SugaredLogger. Every component
// logs through this interface so the host application chooses the backend.
type Logger interface {
	// Debug logs a message at DebugLevel.
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at InfoLevel.
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at WarnLevel.
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at ErrorLevel.
	Error(msg string, keysAndValues ...any)

	// Fatal logs a message at FatalLevel and terminates the process.
	// Test implementations fail the running test instead.
	Fatal(msg string, keysAndValues ...any)
}
