package registry

import (
	"fmt"

	"github.com/gosom/entityhub/internal/entities"
)

// CreateEntity asks for a new entity. It reaches a worker only when no
// worker exists for the entity's id.
type CreateEntity struct {
	Entity entities.Entity
}

// UpdateEntity replaces the price of an existing entity. Only Entity.ID and
// Entity.Price are read.
type UpdateEntity struct {
	Entity entities.Entity
}

// GetEntity asks for the current state of a single entity. The reply is a
// *entities.Entity which is nil when the entity does not exist.
type GetEntity struct {
	ID int
}

type DeleteEntity struct {
	ID int
}

// GetAllEntities asks for every live entity. The reply is entities.Entities.
type GetAllEntities struct{}

type Outcome int

const (
	OutcomeUndefined Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeDeleted
	OutcomeAlreadyExists
	OutcomeNotFound
	OutcomeNothingToUpdate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUndefined:
		return "undefined"
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeAlreadyExists:
		return "already exists"
	case OutcomeNotFound:
		return "not found"
	case OutcomeNothingToUpdate:
		return "nothing to update"
	}
	return "unknown"
}

// ActionPerformed is the reply to create, update and delete requests.
type ActionPerformed struct {
	Description string  `json:"description"`
	Outcome     Outcome `json:"-"`
}

func created(id int) ActionPerformed {
	return ActionPerformed{fmt.Sprintf("Entity %d created.", id), OutcomeCreated}
}

func updated(id int) ActionPerformed {
	return ActionPerformed{fmt.Sprintf("Entity %d updated.", id), OutcomeUpdated}
}

func deleted(id int) ActionPerformed {
	return ActionPerformed{fmt.Sprintf("Entity %d deleted.", id), OutcomeDeleted}
}

func alreadyExists(id int) ActionPerformed {
	return ActionPerformed{fmt.Sprintf("Entity %d already exists.", id), OutcomeAlreadyExists}
}

func notFound(id int) ActionPerformed {
	return ActionPerformed{fmt.Sprintf("Entity %d not found.", id), OutcomeNotFound}
}

func nothingToUpdate() ActionPerformed {
	return ActionPerformed{"Nothing to update.", OutcomeNothingToUpdate}
}

// envelope carries a request together with the channel of the original
// caller. Forwarding an envelope to a worker lets the worker answer the
// caller directly.
type envelope struct {
	msg   any
	reply chan<- any
}

// respond never blocks: reply channels are buffered and read at most once.
func (e envelope) respond(v any) {
	if e.reply == nil {
		return
	}
	select {
	case e.reply <- v:
	default:
	}
}

// messages exchanged between workers and the registry loop

type terminated struct {
	id int
	w  *worker
}

type directive int

const (
	directiveRestart directive = iota
	directiveStop
)

type failed struct {
	id       int
	w        *worker
	cause    error
	decision chan<- directive
}

func kindOf(msg any) string {
	switch msg.(type) {
	case CreateEntity:
		return "create"
	case UpdateEntity:
		return "update"
	case GetEntity:
		return "get"
	case DeleteEntity:
		return "delete"
	case GetAllEntities:
		return "getAll"
	}
	return "unknown"
}
