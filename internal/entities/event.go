package entities

import (
	"time"

	"github.com/google/uuid"
)

type EventKind int

const (
	UndefinedEvent EventKind = iota
	Created
	Updated
	Deleted
	Restarted
	Stopped
)

func (k EventKind) String() string {
	switch k {
	case UndefinedEvent:
		return "undefined"
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Restarted:
		return "restarted"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Event is an audit record of something that happened to an entity's worker.
type Event struct {
	ID          int64
	EntityID    int
	Kind        EventKind
	Incarnation uuid.UUID
	Name        string
	Price       float64
	Msg         string
	CreatedAt   time.Time
}

func ParseEventKind(s string) EventKind {
	for k := Created; k <= Stopped; k++ {
		if k.String() == s {
			return k
		}
	}
	return UndefinedEvent
}
