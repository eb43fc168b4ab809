package logger

// Operational event names. These are stable identifiers: monitoring setups
// match on them, so the literals must not change.
const (
	EventConnectionOpen      = "CONNECTION.OPEN"
	EventConnectionClose     = "CONNECTION.CLOSE"
	EventConnectionDropped   = "CONNECTION.DROPPED"
	EventConnectionIdleClose = "CONNECTION.IDLE_CLOSE"

	EventPortConnectionCountWarn       = "PORT.CONNECTION_COUNT_WARN"
	EventPortConnectionRejectedClosed  = "PORT.CONNECTION_REJECTED_CLOSED"
	EventPortConnectionRejectedTooMany = "PORT.CONNECTION_REJECTED_TOO_MANY"

	EventBrokerListening    = "BROKER.LISTENING"
	EventBrokerShuttingDown = "BROKER.SHUTTING_DOWN"
)

// EventLogger emits the operational event log through a Logger, prefixed
// with the symbolic event name.
type EventLogger struct {
	l Logger
}

// NewEventLogger wraps l as an EventLogger.
func NewEventLogger(l Logger) *EventLogger {
	return &EventLogger{l: l}
}

// Message logs an operational event with its semantic payload.
func (e *EventLogger) Message(event string, format string, a ...any) {
	if e == nil || e.l == nil {
		return
	}
	e.l.Info("[%s] "+format, append([]any{event}, a...)...)
}
