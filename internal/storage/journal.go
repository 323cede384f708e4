package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosom/entityhub/internal/entities"
	"github.com/gosom/entityhub/internal/metrics"
)

type EventWriter interface {
	InsertEvents(ctx context.Context, events []entities.Event) error
}

type JournalConfig struct {
	Log           zerolog.Logger
	Writer        EventWriter
	Metrics       *metrics.Metrics
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Journal writes entity events to the database in batches from a single
// goroutine. Record never blocks: when the queue is full the event is dropped.
type Journal struct {
	log           zerolog.Logger
	writer        EventWriter
	metrics       *metrics.Metrics
	ch            chan entities.Event
	batchSize     int
	flushInterval time.Duration
}

func NewJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Writer == nil {
		return nil, errors.New("please provide a Writer")
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	ans := Journal{
		log:           cfg.Log,
		writer:        cfg.Writer,
		metrics:       cfg.Metrics,
		ch:            make(chan entities.Event, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
	return &ans, nil
}

func (j *Journal) Record(ev entities.Event) {
	select {
	case j.ch <- ev:
	default:
		j.metrics.JournalDrop()
		j.log.Warn().Int("entityId", ev.EntityID).Str("kind", ev.Kind.String()).Msg("journal full, dropping event")
	}
}

// Start consumes recorded events until ctx is done, then flushes what is
// still queued.
func (j *Journal) Start(ctx context.Context) error {
	j.log.Info().Msg("starting journal")
	defer j.log.Warn().Msg("exiting journal")
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()
	batch := make([]entities.Event, 0, j.batchSize)
	for {
		select {
		case ev := <-j.ch:
			batch = append(batch, ev)
			if len(batch) >= j.batchSize {
				batch = j.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = j.flush(ctx, batch)
		case <-ctx.Done():
			batch = append(batch, j.drain()...)
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			j.flush(fctx, batch)
			return nil
		}
	}
}

func (j *Journal) drain() []entities.Event {
	var ans []entities.Event
	for {
		select {
		case ev := <-j.ch:
			ans = append(ans, ev)
		default:
			return ans
		}
	}
}

// flush writes batch and returns it emptied for reuse. A failed batch is
// logged and discarded.
func (j *Journal) flush(ctx context.Context, batch []entities.Event) []entities.Event {
	if len(batch) == 0 {
		return batch
	}
	if err := j.writer.InsertEvents(ctx, batch); err != nil {
		j.log.Error().Err(err).Int("events", len(batch)).Msg("cannot write journal batch")
	} else {
		j.metrics.JournalWrite(len(batch))
	}
	return batch[:0]
}
