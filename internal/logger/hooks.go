package logger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/bus"
)

// EventBusHook republishes log entries as routerLog events so that
// WebSocket subscribers can follow router activity.
type EventBusHook struct {
	eventBus *bus.EventBus
	source   string
	levels   []logrus.Level
}

// NewEventBusHook creates a hook that forwards entries at minLevel or more
// severe.
func NewEventBusHook(eventBus *bus.EventBus, source string, minLevel logrus.Level) *EventBusHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &EventBusHook{
		eventBus: eventBus,
		source:   source,
		levels:   levels,
	}
}

// Levels returns the log levels this hook is interested in
func (h *EventBusHook) Levels() []logrus.Level {
	return h.levels
}

// Fire is called when a log event occurs
func (h *EventBusHook) Fire(entry *logrus.Entry) error {
	if h.eventBus == nil {
		return nil
	}

	messageID, _ := entry.Data["messageId"].(string)
	correlationID, _ := entry.Data["correlationId"].(string)

	message := entry.Message
	var fieldParts []string
	for key, value := range entry.Data {
		if key != "messageId" && key != "correlationId" {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", key, value))
		}
	}
	if len(fieldParts) > 0 {
		sort.Strings(fieldParts)
		message = fmt.Sprintf("%s [%s]", message, strings.Join(fieldParts, ", "))
	}

	h.eventBus.Emit(bus.EventRouterLog, map[string]interface{}{
		"level":         entry.Level.String(),
		"message":       message,
		"source":        h.source,
		"messageId":     messageID,
		"correlationId": correlationID,
		"timestamp":     entry.Time.Format(time.RFC3339),
	})
	return nil
}

// ContextualLogger wraps a logger with message context
type ContextualLogger struct {
	*logrus.Logger
	messageID     string
	correlationID string
}

// NewContextualLogger creates a new contextual logger
func NewContextualLogger(logger *logrus.Logger) *ContextualLogger {
	return &ContextualLogger{Logger: logger}
}

// WithMessage adds the message id to log entries
func (l *ContextualLogger) WithMessage(messageID string) *ContextualLogger {
	return &ContextualLogger{
		Logger:        l.Logger,
		messageID:     messageID,
		correlationID: l.correlationID,
	}
}

// WithCorrelation adds the conversation id to log entries
func (l *ContextualLogger) WithCorrelation(correlationID string) *ContextualLogger {
	return &ContextualLogger{
		Logger:        l.Logger,
		messageID:     l.messageID,
		correlationID: correlationID,
	}
}

func (l *ContextualLogger) entry() *logrus.Entry {
	fields := logrus.Fields{}
	if l.messageID != "" {
		fields["messageId"] = l.messageID
	}
	if l.correlationID != "" {
		fields["correlationId"] = l.correlationID
	}
	return l.WithFields(fields)
}

func (l *ContextualLogger) Info(args ...interface{}) {
	l.entry().Info(args...)
}

func (l *ContextualLogger) Infof(format string, args ...interface{}) {
	l.entry().Infof(format, args...)
}

func (l *ContextualLogger) Debugf(format string, args ...interface{}) {
	l.entry().Debugf(format, args...)
}

func (l *ContextualLogger) Warnf(format string, args ...interface{}) {
	l.entry().Warnf(format, args...)
}

func (l *ContextualLogger) Errorf(format string, args ...interface{}) {
	l.entry().Errorf(format, args...)
}
