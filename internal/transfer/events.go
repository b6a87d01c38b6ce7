package transfer

// EventType names a queue notification.
type EventType string

const (
	// EventAdded carries the new item's id and queued status.
	EventAdded EventType = "added"
	// EventProgress is a coalesced numeric update (>= 0.1% progress change).
	EventProgress EventType = "progress"
	// EventStateChange is emitted on every status transition; Error is set for failed items.
	EventStateChange EventType = "state-change"
	// EventRemoved is emitted once the record is deleted.
	EventRemoved EventType = "removed"
)

// Event is the payload published to queue subscribers.
type Event struct {
	Type          EventType `json:"type"`
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Status        Status    `json:"status"`
	Progress      float64   `json:"progress"`
	Speed         float64   `json:"speed"`
	TimeRemaining int64     `json:"timeRemaining"`
	Error         string    `json:"error,omitempty"`
}
