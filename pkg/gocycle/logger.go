package gocycle

// Field is one key/value pair attached to a billing log line, such as
// subscription_id or invoice_id.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives the Manager's structured events: subscriptions created
// or cancelled, slot changes, invoices issued and settled, and billing runs.
// Failures that do not abort an operation, like a payment link or customer
// notification error, are logged at Warn or Error.
type Logger interface {
	// Debug logs retries of writes that lost a concurrent update.
	Debug(msg string, fields ...Field)

	// Info logs billing state changes.
	Info(msg string, fields ...Field)

	// Warn logs degraded paths where the operation still succeeded.
	Warn(msg string, fields ...Field)

	// Error logs failures the caller does not see, such as a lost notification.
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. NewManager uses it when Config.Logger is nil.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
