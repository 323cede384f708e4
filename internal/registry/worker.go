package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gosom/entityhub/internal/entities"
)

// worker owns the state of a single entity. All messages are handled by the
// goroutine started in run, one at a time, so state needs no locking.
type worker struct {
	id          int
	incarnation uuid.UUID
	log         zerolog.Logger
	baseLog     zerolog.Logger
	mailbox     *mailbox[envelope]
	parent      *mailbox[any]
	journal     Journal
	intercept   func(id int, msg any)

	state *entities.Entity
}

func (w *worker) reset() {
	w.state = nil
	w.incarnation = uuid.New()
	w.log = w.baseLog.With().Str("incarnation", w.incarnation.String()).Logger()
}

func (w *worker) run(ctx context.Context) {
	w.log.Debug().Msg("worker started")
	for {
		for {
			env, ok := w.mailbox.pop()
			if !ok {
				break
			}
			reply, stop, err := w.receive(env)
			if err != nil {
				w.log.Error().Err(err).Str("kind", kindOf(env.msg)).Msg("worker fault")
				if w.escalate(ctx, err) == directiveStop {
					w.record(entities.Stopped, err.Error())
					w.terminate(nil)
					return
				}
				w.reset()
				w.record(entities.Restarted, err.Error())
				w.log.Info().Msg("worker restarted")
				continue
			}
			if stop {
				w.terminate(func() { env.respond(reply) })
				return
			}
			if reply != nil {
				env.respond(reply)
			}
		}
		select {
		case <-w.mailbox.ready():
		case <-ctx.Done():
			w.log.Debug().Msg("worker exiting")
			return
		}
	}
}

// receive handles a single message. A panic while handling is recovered and
// returned as an error wrapping ErrWorkerFault.
func (w *worker) receive(env envelope) (reply any, stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, stop = nil, false
			err = fmt.Errorf("%w: %v", ErrWorkerFault, r)
		}
	}()
	if w.intercept != nil {
		w.intercept(w.id, env.msg)
	}
	switch msg := env.msg.(type) {
	case CreateEntity:
		e := msg.Entity
		if e.LastUpdate.IsZero() {
			e.LastUpdate = time.Now().UTC()
		}
		w.state = &e
		w.record(entities.Created, "")
		return created(e.ID), false, nil
	case UpdateEntity:
		if w.state == nil {
			w.log.Info().Msg("update without prior create, stopping")
			return nothingToUpdate(), true, nil
		}
		w.state = &entities.Entity{
			ID:         w.state.ID,
			Name:       w.state.Name,
			Price:      msg.Entity.Price,
			LastUpdate: time.Now().UTC(),
		}
		w.record(entities.Updated, "")
		return updated(msg.Entity.ID), false, nil
	case GetEntity:
		if w.state == nil {
			return (*entities.Entity)(nil), false, nil
		}
		e := *w.state
		return &e, false, nil
	case DeleteEntity:
		w.record(entities.Deleted, "")
		return deleted(msg.ID), true, nil
	default:
		w.log.Warn().Str("type", fmt.Sprintf("%T", env.msg)).Msg("unknown message received")
		return nil, false, nil
	}
}

// escalate reports a fault to the registry and waits for its decision.
func (w *worker) escalate(ctx context.Context, cause error) directive {
	decision := make(chan directive, 1)
	if !w.parent.push(failed{id: w.id, w: w, cause: cause, decision: decision}) {
		return directiveStop
	}
	select {
	case d := <-decision:
		return d
	case <-ctx.Done():
		return directiveStop
	}
}

// terminate closes the mailbox before the last reply is sent, so a caller
// that saw the reply can never reach this worker again. Requests that were
// still queued are answered as if the entity did not exist.
func (w *worker) terminate(lastReply func()) {
	leftovers := w.mailbox.close()
	if lastReply != nil {
		lastReply()
	}
	for _, env := range leftovers {
		if ans := deadLetter(env.msg); ans != nil {
			env.respond(ans)
		}
	}
	w.parent.push(terminated{id: w.id, w: w})
	w.log.Debug().Int("leftovers", len(leftovers)).Msg("worker stopped")
}

func (w *worker) record(kind entities.EventKind, msg string) {
	ev := entities.Event{
		EntityID:    w.id,
		Kind:        kind,
		Incarnation: w.incarnation,
		Msg:         msg,
		CreatedAt:   time.Now().UTC(),
	}
	if w.state != nil {
		ev.Name = w.state.Name
		ev.Price = w.state.Price
	}
	w.journal.Record(ev)
}

// deadLetter is the reply for a request addressed to an entity without a
// live worker.
func deadLetter(msg any) any {
	switch m := msg.(type) {
	case CreateEntity:
		return alreadyExists(m.Entity.ID)
	case UpdateEntity:
		return notFound(m.Entity.ID)
	case GetEntity:
		return (*entities.Entity)(nil)
	case DeleteEntity:
		return notFound(m.ID)
	}
	return nil
}
