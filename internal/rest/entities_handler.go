package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bunrouter"

	"github.com/gosom/entityhub/internal/entities"
	"github.com/gosom/entityhub/internal/registry"
)

type EntityService interface {
	Create(ctx context.Context, e entities.Entity) (registry.ActionPerformed, error)
	Update(ctx context.Context, e entities.Entity) (registry.ActionPerformed, error)
	Delete(ctx context.Context, id int) (registry.ActionPerformed, error)
	Get(ctx context.Context, id int) (*entities.Entity, error)
	GetAll(ctx context.Context) ([]entities.Entity, error)
}

type EventStore interface {
	EntityEvents(ctx context.Context, entityID int, limit int) ([]entities.Event, error)
}

type EntityPayload struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Price      float64   `json:"currentPrice"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type EventResponse struct {
	Kind        string    `json:"kind"`
	Incarnation string    `json:"incarnation"`
	Name        string    `json:"name"`
	Price       float64   `json:"currentPrice"`
	Msg         string    `json:"msg,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type EntityHandler struct {
	log    zerolog.Logger
	srv    EntityService
	events EventStore
}

func (h *EntityHandler) List(w http.ResponseWriter, r bunrouter.Request) error {
	items, err := h.srv.GetAll(r.Context())
	if err != nil {
		return err
	}
	return JSON(w, http.StatusOK, entities.Entities{Entities: items})
}

func (h *EntityHandler) Create(w http.ResponseWriter, r bunrouter.Request) error {
	var p EntityPayload
	if err := Bind(r, &p); err != nil {
		return err
	}
	e := entities.Entity{
		ID:         p.ID,
		Name:       p.Name,
		Price:      p.Price,
		LastUpdate: p.LastUpdate,
	}
	action, err := h.srv.Create(r.Context(), e)
	if err != nil {
		return err
	}
	h.log.Info().Str("entity", e.String()).Msg(action.Description)
	return JSON(w, actionStatus(action, http.StatusCreated), action)
}

func (h *EntityHandler) Get(w http.ResponseWriter, r bunrouter.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	e, err := h.srv.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if e == nil {
		return NotFoundError{fmt.Sprintf("Entity %d not found.", id)}
	}
	return JSON(w, http.StatusOK, e)
}

func (h *EntityHandler) Update(w http.ResponseWriter, r bunrouter.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var p EntityPayload
	if err := Bind(r, &p); err != nil {
		return err
	}
	action, err := h.srv.Update(r.Context(), entities.Entity{ID: id, Name: p.Name, Price: p.Price})
	if err != nil {
		return err
	}
	h.log.Info().Int("entityId", id).Msg(action.Description)
	return JSON(w, actionStatus(action, http.StatusOK), action)
}

func (h *EntityHandler) Delete(w http.ResponseWriter, r bunrouter.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	action, err := h.srv.Delete(r.Context(), id)
	if err != nil {
		return err
	}
	h.log.Info().Int("entityId", id).Msg(action.Description)
	return JSON(w, actionStatus(action, http.StatusOK), action)
}

func (h *EntityHandler) Events(w http.ResponseWriter, r bunrouter.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); len(v) > 0 {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return ValidationError{"limit must be a positive integer"}
		}
	}
	items, err := h.events.EntityEvents(r.Context(), id, limit)
	if err != nil {
		return err
	}
	ans := make([]EventResponse, len(items))
	for i := range items {
		ans[i] = EventResponse{
			Kind:        items[i].Kind.String(),
			Incarnation: items[i].Incarnation.String(),
			Name:        items[i].Name,
			Price:       items[i].Price,
			Msg:         items[i].Msg,
			CreatedAt:   items[i].CreatedAt,
		}
	}
	return JSON(w, http.StatusOK, ans)
}

func parseID(r bunrouter.Request) (int, error) {
	id, err := strconv.Atoi(r.Param("id"))
	if err != nil {
		return 0, ValidationError{"id must be an integer"}
	}
	return id, nil
}

func actionStatus(action registry.ActionPerformed, ok int) int {
	switch action.Outcome {
	case registry.OutcomeAlreadyExists:
		return http.StatusConflict
	case registry.OutcomeNotFound:
		return http.StatusNotFound
	}
	return ok
}
