package types

import "time"

// WorkerEventType defines the type of event emitted while operating workers.
type WorkerEventType string

const (
	EventTypeLogLine       WorkerEventType = "log_line"       // EventTypeLogLine indicates a line was appended to a log stream.
	EventTypeStateChanged  WorkerEventType = "state_changed"  // EventTypeStateChanged indicates the supervisor moved a worker to a new state.
	EventTypeQueueUpdated  WorkerEventType = "queue_updated"  // EventTypeQueueUpdated indicates a queue row was classified or the queue was replaced.
	EventTypeConfigUpdated WorkerEventType = "config_updated" // EventTypeConfigUpdated indicates the worker config was rewritten.
	EventTypeLinkUpdated   WorkerEventType = "link_updated"   // EventTypeLinkUpdated indicates a fresh QR snapshot or an observed login.
	EventTypeRunFinished   WorkerEventType = "run_finished"   // EventTypeRunFinished indicates a run loop exited.
)

// WorkerEvent represents an event pushed to status subscribers.
type WorkerEvent struct {
	// Type indicates the kind of event.
	Type WorkerEventType

	// WorkerID is the worker the event concerns. Zero for aggregate-only lines.
	WorkerID WorkerID

	// Time is when the event was produced.
	Time time.Time

	// State is the canonical supervisor state (for state and run events).
	State string

	// Status is the log-derived status word at the time the event was pushed.
	// It is filled in by the bus.
	Status string

	// Line is the appended log line (for log line events).
	Line *LogLine

	// Message carries a human readable summary.
	Message string

	// Done reports whether a finished run drained its queue (for run events).
	Done bool

	// Pending is the number of pending queue rows (for queue and config events).
	Pending int

	// Metadata holds optional additional information about the event.
	Metadata map[string]interface{}
}

// Publisher accepts events for delivery to subscribers.
type Publisher interface {
	Publish(event *WorkerEvent)
}

// NewLogLineEvent creates a log line event.
func NewLogLineEvent(line LogLine) *WorkerEvent {
	return &WorkerEvent{
		Type:     EventTypeLogLine,
		WorkerID: line.WorkerID,
		Time:     line.Time,
		Line:     &line,
		Message:  line.Message,
		Metadata: make(map[string]interface{}),
	}
}

// NewStateChangedEvent creates a state change event.
func NewStateChangedEvent(id WorkerID, state string) *WorkerEvent {
	return &WorkerEvent{
		Type:     EventTypeStateChanged,
		WorkerID: id,
		Time:     time.Now(),
		State:    state,
		Metadata: make(map[string]interface{}),
	}
}

// NewQueueUpdatedEvent creates a queue update event.
func NewQueueUpdatedEvent(id WorkerID, member string, status Status, pending int) *WorkerEvent {
	return &WorkerEvent{
		Type:     EventTypeQueueUpdated,
		WorkerID: id,
		Time:     time.Now(),
		Message:  member,
		Pending:  pending,
		Metadata: map[string]interface{}{
			"member": member,
			"status": string(status),
		},
	}
}

// NewConfigUpdatedEvent creates a config update event.
func NewConfigUpdatedEvent(id WorkerID, queueSize int) *WorkerEvent {
	return &WorkerEvent{
		Type:     EventTypeConfigUpdated,
		WorkerID: id,
		Time:     time.Now(),
		Pending:  queueSize,
		Metadata: make(map[string]interface{}),
	}
}

// NewLinkUpdatedEvent creates a link update event.
func NewLinkUpdatedEvent(id WorkerID, loggedIn bool) *WorkerEvent {
	return &WorkerEvent{
		Type:     EventTypeLinkUpdated,
		WorkerID: id,
		Time:     time.Now(),
		Metadata: map[string]interface{}{
			"logged_in": loggedIn,
		},
	}
}

// NewRunFinishedEvent creates a run finished event.
func NewRunFinishedEvent(id WorkerID, state string, done bool, message string) *WorkerEvent {
	return &WorkerEvent{
		Type:     EventTypeRunFinished,
		WorkerID: id,
		Time:     time.Now(),
		State:    state,
		Done:     done,
		Message:  message,
		Metadata: make(map[string]interface{}),
	}
}
