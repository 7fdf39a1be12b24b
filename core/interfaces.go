package core

// Logger is the logging interface accepted by every component in this
// repository. Implementations must be safe for concurrent use. Components
// tolerate a nil Logger and fall back to NoOpLogger.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can derive a child logger scoped to a component name.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Metrics is the counter/observer interface used by the data-plane clients
// and the sync engine. Implementations must be safe for concurrent use.
type Metrics interface {
	IncrCounter(name string, labels map[string]string)
	ObserveLatency(name string, millis float64, labels map[string]string)
}

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpMetrics discards all measurements.
type NoOpMetrics struct{}

func (n *NoOpMetrics) IncrCounter(name string, labels map[string]string)                   {}
func (n *NoOpMetrics) ObserveLatency(name string, millis float64, labels map[string]string) {}
