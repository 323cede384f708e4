package registry

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosom/entityhub/internal/entities"
	"github.com/gosom/entityhub/internal/metrics"
)

func startRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	return startIntercepted(t, cfg, nil)
}

// startIntercepted runs a registry whose workers call intercept before
// handling each message.
func startIntercepted(t *testing.T, cfg Config, intercept func(id int, msg any)) *Registry {
	t.Helper()
	cfg.Log = zerolog.Nop()
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 2 * time.Second
	}
	if cfg.AggregateTimeout == 0 {
		cfg.AggregateTimeout = 2 * time.Second
	}
	r := New(cfg)
	r.intercept = intercept
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRegistryScenario(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	action, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	assert.Equal(t, "Entity 1 created.", action.Description)

	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.ID)
	assert.Equal(t, "ABC", got.Name)
	assert.Equal(t, 2.0, got.Price)
	createdAt := got.LastUpdate

	beforeUpdate := time.Now().Truncate(time.Microsecond)
	action, err = r.Update(ctx, entities.Entity{ID: 1, Price: 3})
	require.NoError(t, err)
	assert.Equal(t, "Entity 1 updated.", action.Description)

	got, err = r.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ABC", got.Name)
	assert.Equal(t, 3.0, got.Price)
	assert.False(t, got.LastUpdate.Before(beforeUpdate))
	assert.False(t, got.LastUpdate.Before(createdAt))

	action, err = r.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Entity 1 deleted.", action.Description)

	got, err = r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRegistryCreateTwice(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	_, err := r.Create(ctx, entities.Entity{ID: 5, Name: "first", Price: 1})
	require.NoError(t, err)

	action, err := r.Create(ctx, entities.Entity{ID: 5, Name: "second", Price: 99})
	require.NoError(t, err)
	assert.Equal(t, "Entity 5 already exists.", action.Description)
	assert.Equal(t, OutcomeAlreadyExists, action.Outcome)

	got, err := r.Get(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, 1.0, got.Price)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryMissingEntity(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	action, err := r.Update(ctx, entities.Entity{ID: 42, Price: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, action.Outcome)
	assert.Equal(t, "Entity 42 not found.", action.Description)

	action, err = r.Delete(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, action.Outcome)
	assert.Equal(t, "Entity 42 not found.", action.Description)

	got, err := r.Get(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDeleteTwice(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	_, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	_, err = r.Delete(ctx, 1)
	require.NoError(t, err)

	action, err := r.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, action.Outcome)

	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRegistryCreateAfterDelete(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	_, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	_, err = r.Delete(ctx, 1)
	require.NoError(t, err)

	action, err := r.Create(ctx, entities.Entity{ID: 1, Name: "NEW", Price: 5})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, action.Outcome)

	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "NEW", got.Name)
}

func TestRegistryGetAll(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	all, err := r.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	want := []entities.Entity{
		{ID: 3, Name: "C", Price: 3},
		{ID: 1, Name: "A", Price: 1},
		{ID: 2, Name: "B", Price: 2},
	}
	for _, e := range want {
		_, err := r.Create(ctx, e)
		require.NoError(t, err)
	}
	_, err = r.Update(ctx, entities.Entity{ID: 2, Price: 20})
	require.NoError(t, err)
	want[2].Price = 20

	all, err = r.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(want))
	sameValue := cmp.Comparer(func(a, b entities.Entity) bool {
		return a.ID == b.ID && a.Name == b.Name && a.Price == b.Price
	})
	sort.Slice(want, func(i, j int) bool { return want[i].ID < want[j].ID })
	if diff := cmp.Diff(want, all, sameValue); diff != "" {
		t.Errorf("GetAll mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	const n = 50
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action, err := r.Create(ctx, entities.Entity{ID: 1, Name: "racer", Price: float64(i)})
			if assert.NoError(t, err) {
				outcomes <- action.Outcome
			}
		}(i)
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeCreated])
	assert.Equal(t, n-1, counts[OutcomeAlreadyExists])
	assert.Equal(t, 1, r.Len())
}

func TestRegistryConcurrentEntities(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{})

	const n = 100
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := r.Create(ctx, entities.Entity{ID: id, Name: "e", Price: 1})
			assert.NoError(t, err)
			for p := 2; p <= 5; p++ {
				_, err := r.Update(ctx, entities.Entity{ID: id, Price: float64(p)})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	all, err := r.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, n)
	for i, e := range all {
		assert.Equal(t, i+1, e.ID, "aggregate is ordered by id")
		assert.Equal(t, 5.0, e.Price, "per entity updates are applied in order")
	}
}

func TestRegistryGetAllTimeout(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var stall sync.Once
	r := startIntercepted(t, Config{
		AggregateTimeout: 200 * time.Millisecond,
	}, func(id int, msg any) {
		if _, ok := msg.(GetEntity); ok && id == 2 {
			stall.Do(func() { <-release })
		}
	})
	for id := 1; id <= 3; id++ {
		_, err := r.Create(ctx, entities.Entity{ID: id, Name: "x", Price: 1})
		require.NoError(t, err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.GetAll(ctx)
		errc <- err
	}()

	// the registry keeps serving while the aggregation is outstanding
	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("GetAll hung past its timeout")
	}
}

func TestRegistryWorkerRestart(t *testing.T) {
	ctx := context.Background()
	r := startIntercepted(t, Config{
		AskTimeout: 200 * time.Millisecond,
	}, func(id int, msg any) {
		if m, ok := msg.(UpdateEntity); ok && m.Entity.Price < 0 {
			panic("negative price")
		}
	})
	_, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	_, err = r.Create(ctx, entities.Entity{ID: 2, Name: "DEF", Price: 4})
	require.NoError(t, err)

	_, err = r.Update(ctx, entities.Entity{ID: 1, Price: -1})
	assert.ErrorIs(t, err, ErrTimeout, "the failing request gets no reply")

	// restarted with fresh state, sibling untouched
	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
	sibling, err := r.Get(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, sibling)
	assert.Equal(t, "DEF", sibling.Name)

	action, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, action.Outcome, "the restarted worker is still registered")

	action, err = r.Update(ctx, entities.Entity{ID: 1, Price: 5})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingToUpdate, action.Outcome)

	action, err = r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, action.Outcome)
}

func TestRegistryRestartBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := startIntercepted(t, Config{
		AskTimeout:    100 * time.Millisecond,
		MaxRestarts:   2,
		RestartWindow: time.Minute,
		Metrics:       m,
	}, func(id int, msg any) {
		if _, ok := msg.(UpdateEntity); ok {
			panic("boom")
		}
	})
	_, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = r.Update(ctx, entities.Entity{ID: 1, Price: 3})
		assert.ErrorIs(t, err, ErrTimeout)
	}

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Restarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Stops))

	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	action, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, action.Outcome, "a stopped id behaves as removed")
}

func TestRegistryUnknownMessage(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, Config{AskTimeout: 100 * time.Millisecond})

	_, err := r.Ask(ctx, struct{ Foo string }{"bar"})
	assert.ErrorIs(t, err, ErrTimeout)

	action, err := r.Create(ctx, entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, action.Outcome)
}

func TestRegistryMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := startRegistry(t, Config{Metrics: m})

	for id := 1; id <= 3; id++ {
		_, err := r.Create(ctx, entities.Entity{ID: id, Name: "x", Price: 1})
		require.NoError(t, err)
	}
	_, err := r.Delete(ctx, 3)
	require.NoError(t, err)
	_, err = r.GetAll(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WorkersLive) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Messages.WithLabelValues("create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("getAll")))
}

func TestRegistryStopped(t *testing.T) {
	r := New(Config{Log: zerolog.Nop(), AskTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()

	_, err := r.Create(context.Background(), entities.Entity{ID: 1, Name: "ABC", Price: 2})
	require.NoError(t, err)

	cancel()
	<-done

	_, err = r.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, r.Start(context.Background()), "a registry runs once")
}

func TestStatsPrinterNonPositiveInterval(t *testing.T) {
	r := New(Config{Log: zerolog.Nop()})
	for _, every := range []time.Duration{0, -time.Second} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NotPanics(t, func() { r.StatsPrinter(ctx, every) })
	}
}
