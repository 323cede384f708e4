package rest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/uptrace/bunrouter"

	"github.com/gosom/entityhub/internal/metrics"
)

type JournalStore interface {
	EventStore
	HealthChecker
}

type RouterConfig struct {
	Log       zerolog.Logger
	EntitySrv EntityService
	StatusSrv StatusService
	// Journal is optional. Without it the events route is not registered.
	Journal        JournalStore
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	HealthCacheFor time.Duration
}

func NewRouter(cfg RouterConfig) *bunrouter.Router {
	router := bunrouter.New()

	if cfg.Gatherer != nil {
		router.GET("/metrics", bunrouter.HTTPHandler(
			promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		))
	}

	router.WithGroup("/api/v1", func(g *bunrouter.Group) {
		g = g.Use(logHandler(cfg.Log, cfg.Metrics), errorHandler)

		g.WithGroup("/entities", func(group *bunrouter.Group) {
			entityHandler := EntityHandler{
				log:    cfg.Log,
				srv:    cfg.EntitySrv,
				events: cfg.Journal,
			}
			jsonOnly := group.Use(acceptedContentType("application/json"))
			group.GET("", entityHandler.List)
			jsonOnly.POST("", entityHandler.Create)
			group.GET("/:id", entityHandler.Get)
			jsonOnly.PUT("/:id", entityHandler.Update)
			group.DELETE("/:id", entityHandler.Delete)
			if cfg.Journal != nil {
				group.GET("/:id/events", entityHandler.Events)
			}
		})

		g.WithGroup("/health", func(group *bunrouter.Group) {
			healthHandler := HealthHandler{
				log:      cfg.Log,
				status:   cfg.StatusSrv,
				cacheFor: cfg.HealthCacheFor,
			}
			if cfg.Journal != nil {
				healthHandler.journal = cfg.Journal
			}
			group.GET("", healthHandler.Get)
		})
	})
	return router
}
