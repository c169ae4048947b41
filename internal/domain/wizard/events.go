package wizard

import "time"

// EventKind classifies wizard progress events.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventCheckpoint EventKind = "checkpoint"
	EventError      EventKind = "error"
	EventCancelled  EventKind = "cancelled"
	EventCompleted  EventKind = "completed"
)

// ProgressEvent is pushed to the owner's connected clients after every
// durable session change.
type ProgressEvent struct {
	Kind       EventKind `json:"kind"`
	ProfileKey string    `json:"profileKey"`
	Status     Status    `json:"status"`
	Step       Step      `json:"step,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// EventSink receives progress events for an owner. Implemented by the SSE hub.
type EventSink interface {
	Publish(owner string, ev ProgressEvent)
}
