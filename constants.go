package main

import "chatsync/internal/services"

// Result events published after each sync invocation.
const (
	EventSyncProgress = "SyncProgress"
	EventSyncComplete = "SyncComplete"
	EventSyncFailed   = "SyncFailed"
)

// List of supported event types
var supportedEventTypes = []string{
	EventSyncProgress,
	EventSyncComplete,
	EventSyncFailed,

	// Special - receives all events
	"All",
}

// Map for quick validation
var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

func isValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}

// eventTypeFor classifies a run result.
func eventTypeFor(res *services.Result) string {
	switch {
	case res == nil || !res.Success:
		return EventSyncFailed
	case res.Completed:
		return EventSyncComplete
	default:
		return EventSyncProgress
	}
}
