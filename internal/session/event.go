package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventCreated   EventType = iota // session registered in the store
	EventDestroyed                  // session removed from the store
)

// Event carries a lifecycle change to observers.
type Event struct {
	Type    EventType
	Kind    Kind
	ID      string
	Studios int // studio sessions in the store after the change
	Syncs   int // sync sessions in the store after the change
}
