package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/gosom/entityhub/internal/entities"
)

type IDB = bun.IDB

type DbConfig struct {
	DSN          string
	MaxOpenConns int
	Debug        bool
	PgDriver     bool
}

type DB struct {
	*bun.DB
	sqldb *sql.DB
}

func New(cfg DbConfig) (*DB, error) {
	var sqldb *sql.DB
	if cfg.PgDriver {
		sqldb = sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	} else {
		config, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, err
		}
		config.PreferSimpleProtocol = true
		sqldb = stdlib.OpenDB(*config)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxOpenConns)

	db := bun.NewDB(sqldb, pgdialect.New())
	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.FromEnv("BUNDEBUG"),
		))
	}
	ans := DB{
		DB:    db,
		sqldb: sqldb,
	}
	return &ans, nil
}

func (o *DB) Close() error {
	return o.DB.Close()
}

// Migrate creates the journal table when it does not exist.
func (o *DB) Migrate(ctx context.Context) error {
	_, err := o.NewCreateTable().
		Model((*Event)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return err
	}
	_, err = o.NewCreateIndex().
		Model((*Event)(nil)).
		Index("entity_events_entity_id_idx").
		IfNotExists().
		Column("entity_id", "created_at").
		Exec(ctx)
	return err
}

func (o *DB) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return o.sqldb.PingContext(ctx) == nil
}

func (o *DB) InsertEvents(ctx context.Context, events []entities.Event) error {
	return InsertEvents(ctx, o.DB, events)
}

func (o *DB) EntityEvents(ctx context.Context, entityID int, limit int) ([]entities.Event, error) {
	return SelectEntityEvents(ctx, o.DB, entityID, limit)
}

func InsertEvents(ctx context.Context, db IDB, events []entities.Event) error {
	if len(events) == 0 {
		return nil
	}
	items := make([]Event, len(events))
	for i := range events {
		items[i] = FromEntitiesEvent(events[i])
	}
	_, err := db.NewInsert().
		Model(&items).
		ExcludeColumn("id").
		Exec(ctx)
	return err
}

// SelectEntityEvents returns the journal of a single entity, oldest first.
func SelectEntityEvents(ctx context.Context, db IDB, entityID int, limit int) ([]entities.Event, error) {
	var items []Event
	q := db.NewSelect().
		Model(&items).
		Where("entity_id = ?", entityID).
		Order("created_at", "id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	ans := make([]entities.Event, len(items))
	for i := range items {
		ans[i] = ToEntitiesEvent(items[i])
	}
	return ans, nil
}
