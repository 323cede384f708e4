package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gosom/entityhub/client"
	"github.com/gosom/entityhub/internal/common"
	"github.com/gosom/entityhub/internal/metrics"
	"github.com/gosom/entityhub/internal/registry"
	"github.com/gosom/entityhub/internal/rest"
	"github.com/gosom/entityhub/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &cli.App{
		Name:     "entityhub",
		HelpName: "in-memory entity registry",
		Commands: []*cli.Command{
			serverTask(ctx),
			fixturesTask(ctx),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ============================================================================

type serverConfig struct {
	Addr  string `envconfig:"ADDR" default:"localhost:8000"`
	Debug bool   `envconfig:"DEBUG" default:"false"`
	// DSN enables the event journal. Empty keeps everything in memory.
	DSN              string        `envconfig:"DSN" default:""`
	PgDriver         bool          `envconfig:"PG_DRIVER" default:"false"`
	AskTimeout       time.Duration `envconfig:"ASK_TIMEOUT" default:"5s"`
	AggregateTimeout time.Duration `envconfig:"AGGREGATE_TIMEOUT" default:"5s"`
	MaxRestarts      int           `envconfig:"MAX_RESTARTS" default:"10"`
	RestartWindow    time.Duration `envconfig:"RESTART_WINDOW" default:"1m"`
	StatsEvery       time.Duration `envconfig:"STATS_EVERY" default:"1m"`
}

func serverTask(ctx context.Context) *cli.Command {
	cmd := cli.Command{
		Name:  "server",
		Usage: "starts the registry and its http api",
		Action: func(c *cli.Context) error {
			var cfg serverConfig
			if err := envconfig.Process("", &cfg); err != nil {
				return err
			}
			logger := common.NewLogger(cfg.Debug)
			return runServer(ctx, logger, cfg)
		},
	}
	return &cmd
}

func runServer(ctx context.Context, logger zerolog.Logger, cfg serverConfig) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	g, ctx := errgroup.WithContext(ctx)

	regCfg := registry.Config{
		Log:              logger,
		AskTimeout:       cfg.AskTimeout,
		AggregateTimeout: cfg.AggregateTimeout,
		MaxRestarts:      cfg.MaxRestarts,
		RestartWindow:    cfg.RestartWindow,
		Metrics:          m,
	}
	routerCfg := rest.RouterConfig{
		Log:            logger,
		Metrics:        m,
		Gatherer:       promReg,
		HealthCacheFor: time.Second,
	}

	// ----------------- journal ---------------------------------------
	if len(cfg.DSN) > 0 {
		db, err := storage.New(storage.DbConfig{
			DSN:          cfg.DSN,
			MaxOpenConns: 4 * runtime.GOMAXPROCS(0),
			Debug:        cfg.Debug,
			PgDriver:     cfg.PgDriver,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		journal, err := storage.NewJournal(storage.JournalConfig{
			Log:     logger.With().Str("component", "journal").Logger(),
			Writer:  db,
			Metrics: m,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return journal.Start(ctx)
		})
		regCfg.Journal = journal
		routerCfg.Journal = db
	} else {
		logger.Info().Msg("no DSN provided, journal disabled")
	}

	// ----------------- registry --------------------------------------
	r := registry.New(regCfg)
	g.Go(func() error {
		return r.Start(ctx)
	})
	go r.StatsPrinter(ctx, cfg.StatsEvery)

	// -----------------------------------------------------------------
	routerCfg.EntitySrv = r
	routerCfg.StatusSrv = r
	srv, err := rest.New(rest.ServerConfig{
		Addr:    cfg.Addr,
		Log:     logger,
		Handler: rest.NewRouter(routerCfg),
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}

// ============================================================================

type fixturesConfig struct {
	Num   int    `envconfig:"NUM" default:"1000"`
	Debug bool   `envconfig:"DEBUG" default:"false"`
	Node  string `envconfig:"NODE" default:"http://localhost:8000"`
}

func fixturesTask(ctx context.Context) *cli.Command {
	cmd := cli.Command{
		Name:  "fixtures",
		Usage: "creates random entities through the http api",
		Action: func(c *cli.Context) error {
			var cfg fixturesConfig
			if err := envconfig.Process("", &cfg); err != nil {
				return err
			}
			logger := common.NewLogger(cfg.Debug)
			return runFixtures(ctx, logger, cfg)
		},
	}
	return &cmd
}

func runFixtures(ctx context.Context, logger zerolog.Logger, cfg fixturesConfig) error {
	api, err := client.New(client.Config{
		BaseUrl: cfg.Node + "/api/v1",
		Logf: func(format string, a ...any) {
			logger.Debug().Msgf(format, a...)
		},
	})
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0) * 4)
	for i := 1; i <= cfg.Num; i++ {
		e := client.Entity{
			ID:         i,
			Name:       common.RandomString(5),
			Price:      float64(rand.Intn(10000)) / 100,
			LastUpdate: time.Now().UTC(),
		}
		g.Go(func() error {
			action, err := api.CreateEntity(ctx, e)
			if err != nil {
				logger.Error().Err(err).Int("entityId", e.ID).Msg("cannot create entity")
				return nil
			}
			logger.Debug().Msg(action.Description)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	items, err := api.ListEntities(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("entities", len(items)).Msg("fixtures done")
	return nil
}
