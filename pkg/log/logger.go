package log

import "time"

// Logger receives protocol log events. Implementations must be safe for
// concurrent use and should return quickly: Log is called on the frame
// processing path.
type Logger interface {
	Log(event Event)
}

// LoggerFunc adapts a plain function to the Logger interface.
type LoggerFunc func(Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// NoopLogger discards all events. The zero value is ready to use.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Emit stamps the event with the current time when it has none and hands it
// to l. A nil logger discards the event.
func Emit(l Logger, event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.Log(event)
}

var (
	_ Logger = NoopLogger{}
	_ Logger = LoggerFunc(nil)
)
