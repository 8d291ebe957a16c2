package wipe

import (
	"time"

	"dropdrive/internal/model"
	"dropdrive/internal/worker"
)

type EventType string

const (
	EventStatus    EventType = "status"
	EventLog       EventType = "log"
	EventHeartbeat EventType = "heartbeat"
	EventResult    EventType = "result"
)

// Event is published for every state change, log line, heartbeat and the
// final result of an operation, in order.
type Event struct {
	OperationID string            `json:"operation_id"`
	Time        time.Time         `json:"time"`
	Type        EventType         `json:"type"`
	Status      model.Status      `json:"status,omitempty"`
	Level       string            `json:"level,omitempty"`
	Message     string            `json:"message,omitempty"`
	Heartbeat   *worker.Heartbeat `json:"heartbeat,omitempty"`
	Result      *model.WipeResult `json:"result,omitempty"`
}
