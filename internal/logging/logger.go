package logging

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Logger writes one JSON object per line. All core components share one
// instance; failures while logging are ignored so logging can never take a
// call down with it.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

type Event struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func New(out io.Writer) *Logger {
	return &Logger{out: out}
}

// Nop returns a logger that discards everything. Used by tests and as the
// fallback when no sink is configured.
func Nop() *Logger {
	return &Logger{out: io.Discard}
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.write("info", message, fields)
}

func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.write("warn", message, fields)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]interface{}) {
	if l == nil || l.out == nil {
		return
	}
	evt := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload = append(payload, '\n')
	l.mu.Lock()
	_, _ = l.out.Write(payload)
	l.mu.Unlock()
}
