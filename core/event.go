package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is a named occurrence published on the event bus.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent creates an unprocessed event stamped with the current UTC time.
func NewEvent(name string, payload any) Event {
	return Event{
		ID:        NewID(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// NewID generates a new unique identifier for executions, events and messages.
func NewID() string {
	return uuid.NewString()
}
