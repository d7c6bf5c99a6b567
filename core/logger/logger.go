package logger

// Logger is the logging contract shared by every component of the worker core.
type Logger interface {
	Debugf(format string, args ...any)
	// Debugw logs a message with structured fields.
	Debugw(msg string, fields map[string]any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// Errorw logs an error with structured fields attached.
	Errorw(msg string, err error, fields map[string]any)
}
