package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/gosom/entityhub/internal/entities"
)

type Event struct {
	bun.BaseModel `bun:"table:entity_events"`

	ID          int64     `bun:"id,pk,autoincrement"`
	EntityID    int       `bun:"entity_id,notnull"`
	Kind        string    `bun:"kind,notnull"`
	Incarnation uuid.UUID `bun:"incarnation,type:uuid"`
	Name        string    `bun:"name"`
	Price       float64   `bun:"price"`
	Msg         string    `bun:"msg"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func FromEntitiesEvent(e entities.Event) Event {
	ans := Event{
		ID:          e.ID,
		EntityID:    e.EntityID,
		Kind:        e.Kind.String(),
		Incarnation: e.Incarnation,
		Name:        e.Name,
		Price:       e.Price,
		Msg:         e.Msg,
		CreatedAt:   e.CreatedAt,
	}
	return ans
}

func ToEntitiesEvent(e Event) entities.Event {
	ans := entities.Event{
		ID:          e.ID,
		EntityID:    e.EntityID,
		Kind:        entities.ParseEventKind(e.Kind),
		Incarnation: e.Incarnation,
		Name:        e.Name,
		Price:       e.Price,
		Msg:         e.Msg,
		CreatedAt:   e.CreatedAt,
	}
	return ans
}
