package events

import (
	"context"

	"github.com/alexisbeaulieu97/stagehand/internal/logger"
)

// LoggingHandler writes every event it receives as a debug entry carrying
// the event type, the source and the payload keys as fields. Register it
// under Wildcard to trace the whole bus.
func LoggingHandler(log *logger.Logger) Handler {
	return func(_ context.Context, event Event) error {
		if log == nil {
			return nil
		}
		fields := make(map[string]any, len(event.Payload)+2)
		for key, value := range event.Payload {
			fields[key] = value
		}
		fields["event_type"] = event.Type
		fields["event_source"] = event.Source
		log.WithFields(fields).Debug("event")
		return nil
	}
}
