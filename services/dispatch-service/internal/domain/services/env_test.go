package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/memory"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSigner struct{}

func (fakeSigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://photos.example.com/" + key + "?ttl=" + ttl.String(), nil
}

// testEnv собирает сервисы поверх хранилища в памяти
type testEnv struct {
	store      *memory.Store
	bus        *memory.Bus
	clock      *fakeClock
	router     *TenantRouter
	limiter    *RateLimiter
	queue      *TaskQueue
	reconciler *Reconciler
	dispatcher *Dispatcher
	sweeper    *Sweeper
}

type envOption func(*DispatcherDeps)

func withoutEvents() envOption {
	return func(d *DispatcherDeps) { d.Events = nil }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	log := logger.NewNopLogger()
	store := memory.NewStore()
	bus := memory.NewBus()
	clock := newFakeClock()
	validate := validator.New()

	router := NewTenantRouter(store.Tenants(), store.TxManager(), time.Minute, clock, log)
	limiter := NewRateLimiter(store, DefaultQuotaPolicy(), log)
	queue := NewTaskQueue(store, limiter, log)
	reconciler := NewReconciler(store, validate, clock, log)

	deps := DispatcherDeps{
		Router:     router,
		Queue:      queue,
		Limiter:    limiter,
		Reconciler: reconciler,
		Presence:   NewPresence(memory.NewCache(), time.Minute),
		Photos:     fakeSigner{},
		Events:     bus,
		Validate:   validate,
		Clock:      clock,
		Logger:     log,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	dispatcher := NewDispatcher(deps, DispatchConfig{
		WaitTimeout: 2 * time.Second,
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	})

	if deps.Events != nil {
		_, err := bus.Subscribe(context.Background(), models.TopicTaskEvents, dispatcher.HandleEvent)
		require.NoError(t, err)
	}

	sweeper := NewSweeper(router, queue, dispatcher, memory.NewLocker(), SweeperConfig{
		DeliveryGrace: time.Minute,
		Retention:     24 * time.Hour,
	}, clock, log)

	return &testEnv{
		store:      store,
		bus:        bus,
		clock:      clock,
		router:     router,
		limiter:    limiter,
		queue:      queue,
		reconciler: reconciler,
		dispatcher: dispatcher,
		sweeper:    sweeper,
	}
}

// tenant регистрирует нового арендатора и возвращает его сессию
func (e *testEnv) tenant(t *testing.T) *ScopedSession {
	t.Helper()
	ctx := context.Background()

	tenant, err := e.router.Provision(ctx, models.Tenant{ID: uuid.New().String()})
	require.NoError(t, err)

	sess, err := e.router.Resolve(ctx, tenant.ID)
	require.NoError(t, err)
	return sess
}

// enqueue ставит задачу в очередь с таймаутом по умолчанию для действия
func (e *testEnv) enqueue(t *testing.T, sess *ScopedSession, action models.Action, mp models.Marketplace, params string) *models.Task {
	t.Helper()

	spec, ok := SpecFor(action)
	require.True(t, ok)

	task := &models.Task{
		ID:             uuid.New().String(),
		Action:         action,
		Marketplace:    mp,
		Params:         []byte(params),
		Priority:       spec.DefaultPriority,
		TimeoutSeconds: int(spec.DefaultTimeout.Seconds()),
	}
	require.NoError(t, e.queue.Enqueue(context.Background(), sess, task, e.clock.Now()))
	return task
}
