package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gosom/entityhub/internal/entities"
	"github.com/gosom/entityhub/internal/metrics"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrStopped     = errors.New("registry is stopped")
	ErrWorkerFault = errors.New("worker fault")
)

// Journal receives audit events from workers. Record must not block.
type Journal interface {
	Record(ev entities.Event)
}

type nopJournal struct{}

func (nopJournal) Record(entities.Event) {}

type Config struct {
	Log              zerolog.Logger
	AskTimeout       time.Duration
	AggregateTimeout time.Duration
	// MaxRestarts within RestartWindow before a faulty worker is stopped.
	// A negative value stops a worker on its first fault.
	MaxRestarts   int
	RestartWindow time.Duration
	Journal       Journal
	Metrics       *metrics.Metrics
}

type child struct {
	w      *worker
	budget *restartBudget
}

// Registry routes requests to the worker owning each entity. The children
// map is touched only by the goroutine running Start.
type Registry struct {
	log              zerolog.Logger
	askTimeout       time.Duration
	aggregateTimeout time.Duration
	maxRestarts      int
	restartWindow    time.Duration
	journal          Journal
	metrics          *metrics.Metrics
	// intercept is called by the worker goroutine before each message is
	// handled. A panic inside it counts as a worker fault.
	intercept func(id int, msg any)

	inbox    *mailbox[any]
	children map[int]*child
	live     atomic.Int64
	upSince  time.Time
	started  atomic.Bool
	done     chan struct{}
}

func New(cfg Config) *Registry {
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 5 * time.Second
	}
	if cfg.AggregateTimeout == 0 {
		cfg.AggregateTimeout = 5 * time.Second
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 10
	}
	if cfg.RestartWindow == 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.Journal == nil {
		cfg.Journal = nopJournal{}
	}
	ans := Registry{
		log:              cfg.Log,
		askTimeout:       cfg.AskTimeout,
		aggregateTimeout: cfg.AggregateTimeout,
		maxRestarts:      cfg.MaxRestarts,
		restartWindow:    cfg.RestartWindow,
		journal:          cfg.Journal,
		metrics:          cfg.Metrics,
		inbox:            newMailbox[any](),
		children:         make(map[int]*child),
		upSince:          time.Now().UTC(),
		done:             make(chan struct{}),
	}
	return &ans
}

// Start runs the registry loop until ctx is done. Every worker is stopped
// together with the registry.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("registry already started")
	}
	r.log.Info().Msg("starting registry")
	defer func() {
		for _, item := range r.inbox.close() {
			if env, ok := item.(envelope); ok {
				env.respond(ErrStopped)
			}
		}
		close(r.done)
		r.log.Warn().Msg("registry stopped")
	}()
	for {
		for {
			item, ok := r.inbox.pop()
			if !ok {
				break
			}
			r.receive(ctx, item)
		}
		select {
		case <-r.inbox.ready():
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Registry) Len() int {
	return int(r.live.Load())
}

func (r *Registry) UpSince() time.Time {
	return r.upSince
}

// StatsPrinter logs the number of live workers every interval until ctx is
// done. A non-positive interval falls back to one minute.
func (r *Registry) StatsPrinter(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.log.Info().Int("workersNum", r.Len()).Msg("registry stats")
		}
	}
}

// Create starts a worker for e.ID unless one already exists.
func (r *Registry) Create(ctx context.Context, e entities.Entity) (ActionPerformed, error) {
	return askAction(ctx, r, CreateEntity{Entity: e})
}

// Update changes the price of an existing entity.
func (r *Registry) Update(ctx context.Context, e entities.Entity) (ActionPerformed, error) {
	return askAction(ctx, r, UpdateEntity{Entity: e})
}

func (r *Registry) Delete(ctx context.Context, id int) (ActionPerformed, error) {
	return askAction(ctx, r, DeleteEntity{ID: id})
}

// Get returns the entity with the given id or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, id int) (*entities.Entity, error) {
	ans, err := r.Ask(ctx, GetEntity{ID: id})
	if err != nil {
		return nil, err
	}
	e, ok := ans.(*entities.Entity)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T to get", ans)
	}
	return e, nil
}

// GetAll gathers every live entity, ordered by id. It fails with ErrTimeout
// when any worker does not answer within the aggregation timeout.
func (r *Registry) GetAll(ctx context.Context) ([]entities.Entity, error) {
	ans, err := r.ask(ctx, GetAllEntities{}, r.aggregateTimeout)
	if err != nil {
		return nil, err
	}
	items, ok := ans.(entities.Entities)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T to getAll", ans)
	}
	return items.Entities, nil
}

// Ask sends msg to the registry and waits for the reply. Messages of an
// unknown kind are dropped and the call ends with ErrTimeout.
func (r *Registry) Ask(ctx context.Context, msg any) (any, error) {
	return r.ask(ctx, msg, r.askTimeout)
}

func (r *Registry) ask(ctx context.Context, msg any, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply := make(chan any, 1)
	if !r.inbox.push(envelope{msg: msg, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case ans := <-reply:
		if err, ok := ans.(error); ok {
			return nil, err
		}
		return ans, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, kindOf(msg), timeout)
		}
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrStopped
	}
}

func askAction(ctx context.Context, r *Registry, msg any) (ActionPerformed, error) {
	ans, err := r.Ask(ctx, msg)
	if err != nil {
		return ActionPerformed{}, err
	}
	action, ok := ans.(ActionPerformed)
	if !ok {
		return ActionPerformed{}, fmt.Errorf("unexpected reply %T to %s", ans, kindOf(msg))
	}
	return action, nil
}

func (r *Registry) receive(ctx context.Context, item any) {
	switch m := item.(type) {
	case envelope:
		r.route(ctx, m)
	case terminated:
		if c, ok := r.children[m.id]; ok && c.w == m.w {
			r.remove(m.id)
		}
	case failed:
		r.supervise(m)
	}
}

func (r *Registry) route(ctx context.Context, env envelope) {
	r.metrics.Message(kindOf(env.msg))
	switch msg := env.msg.(type) {
	case CreateEntity:
		id := msg.Entity.ID
		if _, ok := r.lookup(id); ok {
			env.respond(alreadyExists(id))
			return
		}
		w := r.spawn(ctx, id)
		w.mailbox.push(env)
	case UpdateEntity:
		if !r.forward(msg.Entity.ID, env) {
			env.respond(notFound(msg.Entity.ID))
		}
	case GetEntity:
		if !r.forward(msg.ID, env) {
			env.respond((*entities.Entity)(nil))
		}
	case DeleteEntity:
		if !r.forward(msg.ID, env) {
			env.respond(notFound(msg.ID))
		}
	case GetAllEntities:
		r.scatter(ctx, env)
	default:
		r.log.Warn().Str("type", fmt.Sprintf("%T", env.msg)).Msg("unknown message received")
	}
}

// lookup returns the live worker for id. A worker whose mailbox is closed is
// on its way out and is treated as absent.
func (r *Registry) lookup(id int) (*worker, bool) {
	c, ok := r.children[id]
	if !ok {
		return nil, false
	}
	if c.w.mailbox.isClosed() {
		r.remove(id)
		return nil, false
	}
	return c.w, true
}

func (r *Registry) forward(id int, env envelope) bool {
	w, ok := r.lookup(id)
	if !ok {
		return false
	}
	if !w.mailbox.push(env) {
		r.remove(id)
		return false
	}
	return true
}

func (r *Registry) spawn(ctx context.Context, id int) *worker {
	w := &worker{
		id:        id,
		baseLog:   r.log.With().Int("entityId", id).Logger(),
		mailbox:   newMailbox[envelope](),
		parent:    r.inbox,
		journal:   r.journal,
		intercept: r.intercept,
	}
	w.reset()
	r.children[id] = &child{
		w:      w,
		budget: newRestartBudget(r.maxRestarts, r.restartWindow),
	}
	r.childrenChanged()
	go w.run(ctx)
	return w
}

func (r *Registry) remove(id int) {
	delete(r.children, id)
	r.childrenChanged()
}

func (r *Registry) childrenChanged() {
	r.live.Store(int64(len(r.children)))
	r.metrics.SetWorkersLive(len(r.children))
}

// supervise restarts a faulted worker with empty state while its restart
// budget allows it, and stops it otherwise.
func (r *Registry) supervise(m failed) {
	c, ok := r.children[m.id]
	if !ok || c.w != m.w {
		m.decision <- directiveStop
		return
	}
	if c.budget.allow(time.Now()) {
		r.log.Warn().Int("entityId", m.id).Err(m.cause).Msg("restarting worker")
		r.metrics.WorkerRestarted()
		m.decision <- directiveRestart
		return
	}
	r.log.Error().Int("entityId", m.id).Err(m.cause).
		Int("maxRestarts", r.maxRestarts).
		Dur("window", r.restartWindow).
		Msg("restart budget exhausted, stopping worker")
	r.metrics.WorkerStopped()
	r.remove(m.id)
	m.decision <- directiveStop
}

// scatter asks every live worker for its entity without blocking the
// registry loop. The caller receives either all answers or ErrTimeout.
func (r *Registry) scatter(ctx context.Context, env envelope) {
	ids := make([]int, 0, len(r.children))
	for id, c := range r.children {
		if c.w.mailbox.isClosed() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	targets := make([]*worker, len(ids))
	for i, id := range ids {
		targets[i] = r.children[id].w
	}
	go func() {
		t0 := time.Now()
		items, err := gather(ctx, targets, r.aggregateTimeout)
		r.metrics.ObserveAggregate(time.Since(t0), errors.Is(err, ErrTimeout))
		if err != nil {
			r.log.Warn().Err(err).Int("workers", len(targets)).Msg("aggregation failed")
			env.respond(err)
			return
		}
		env.respond(entities.Entities{Entities: items})
	}()
}

func gather(ctx context.Context, targets []*worker, timeout time.Duration) ([]entities.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	results := make([]*entities.Entity, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		i, w := i, targets[i]
		g.Go(func() error {
			reply := make(chan any, 1)
			if !w.mailbox.push(envelope{msg: GetEntity{ID: w.id}, reply: reply}) {
				return nil
			}
			select {
			case ans := <-reply:
				results[i], _ = ans.(*entities.Entity)
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: gathering %d entities after %s", ErrTimeout, len(targets), timeout)
		}
		return nil, ErrStopped
	}
	items := make([]entities.Entity, 0, len(results))
	for _, e := range results {
		if e != nil {
			items = append(items, *e)
		}
	}
	return items, nil
}
