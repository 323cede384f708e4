package rest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bunrouter"
)

type StatusService interface {
	Len() int
	UpSince() time.Time
}

type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

type HealthHandler struct {
	status       StatusService
	journal      HealthChecker
	log          zerolog.Logger
	cacheFor     time.Duration
	lock         sync.RWMutex
	lastCache    time.Time
	lastResponse HealthResponse
}

type HealthResponse struct {
	ServerUpSince  time.Time `json:"serverUpSince"`
	LiveWorkers    int       `json:"liveWorkers"`
	JournalEnabled bool      `json:"journalEnabled"`
	JournalHealthy bool      `json:"journalHealthy"`
}

func (h *HealthHandler) Get(w http.ResponseWriter, r bunrouter.Request) error {
	h.lock.RLock()
	elapsed := time.Now().UTC().Sub(h.lastCache)
	if elapsed <= h.cacheFor {
		ans := h.lastResponse
		h.lock.RUnlock()
		return JSON(w, http.StatusOK, ans)
	}
	h.lock.RUnlock()
	ans := HealthResponse{
		ServerUpSince: h.status.UpSince(),
		LiveWorkers:   h.status.Len(),
	}
	if h.journal != nil {
		ans.JournalEnabled = true
		ans.JournalHealthy = h.journal.Healthy(r.Context())
	}
	h.lock.Lock()
	h.lastResponse = ans
	h.lastCache = time.Now().UTC()
	h.lock.Unlock()
	return JSON(w, http.StatusOK, ans)
}
