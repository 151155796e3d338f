package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/metrics"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// errTaskInFlight задача еще не в конечном состоянии, ожидание продолжается
var errTaskInFlight = errors.New("task is still in flight")

// Пути передачи результата потребителю
const (
	deliveryWaiter  = "waiter"
	deliveryEvent   = "event"
	deliverySweeper = "sweeper"
)

// DispatchConfig настройки диспетчера
type DispatchConfig struct {
	// WaitTimeout граница синхронного ожидания результата
	WaitTimeout time.Duration
	PollInitial time.Duration
	PollMax     time.Duration
	// PhotoURLTTL срок действия ссылки на фото для upload_photo
	PhotoURLTTL time.Duration
	Timeouts    map[models.Action]time.Duration
	Priorities  map[models.Action]int
}

// DefaultDispatchConfig настройки по умолчанию
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		WaitTimeout: 20 * time.Second,
		PollInitial: 250 * time.Millisecond,
		PollMax:     2 * time.Second,
		PhotoURLTTL: 15 * time.Minute,
	}
}

// PhotoSigner выдает временные ссылки на фото во внешнем хранилище
type PhotoSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// DispatchRequest запрос на выполнение действия на площадке
type DispatchRequest struct {
	Action         models.Action      `json:"action" validate:"required"`
	Marketplace    models.Marketplace `json:"marketplace" validate:"required"`
	Params         json.RawMessage    `json:"params,omitempty" swaggertype:"object"`
	Priority       *int               `json:"priority,omitempty" validate:"omitempty,min=0,max=1000"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty" validate:"min=0,max=3600"`
	// Awaited результат заберет синхронный вызов
	Awaited bool `json:"-"`
}

// Outcome итог задачи для вызывающего
type Outcome struct {
	Task *models.Task `json:"task"`
	// Output результат обработчика действия, например отчет сверки
	Output interface{} `json:"output,omitempty"`
	// Delivered результат передан потребителем в этом вызове
	Delivered bool `json:"delivered"`
}

// resultHandler передает результат завершенной задачи потребителю
type resultHandler func(ctx context.Context, sess *ScopedSession, task *models.Task) (interface{}, error)

// DispatcherDeps зависимости диспетчера
type DispatcherDeps struct {
	Router     *TenantRouter
	Queue      *TaskQueue
	Limiter    *RateLimiter
	Reconciler *Reconciler
	Presence   *Presence
	// Photos может быть nil, тогда upload_photo получает только ключ фото
	Photos PhotoSigner
	// Events может быть nil, тогда результаты без ожидающего забирает Sweeper
	Events   interfaces.MessagingPort
	Validate *validator.Validate
	Clock    Clock
	Logger   interfaces.LoggerPort
}

// Dispatcher создает задачи, ждет их завершения и передает результаты потребителям
type Dispatcher struct {
	router     *TenantRouter
	queue      *TaskQueue
	limiter    *RateLimiter
	reconciler *Reconciler
	presence   *Presence
	photos     PhotoSigner
	events     interfaces.MessagingPort
	validate   *validator.Validate
	cfg        DispatchConfig
	clock      Clock
	logger     interfaces.LoggerPort
	handlers   map[models.Action]resultHandler
}

// NewDispatcher создает Dispatcher
func NewDispatcher(deps DispatcherDeps, cfg DispatchConfig) *Dispatcher {
	defaults := DefaultDispatchConfig()
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaults.WaitTimeout
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = defaults.PollInitial
	}
	if cfg.PollMax < cfg.PollInitial {
		cfg.PollMax = cfg.PollInitial
	}
	if cfg.PhotoURLTTL <= 0 {
		cfg.PhotoURLTTL = defaults.PhotoURLTTL
	}

	d := &Dispatcher{
		router:     deps.Router,
		queue:      deps.Queue,
		limiter:    deps.Limiter,
		reconciler: deps.Reconciler,
		presence:   deps.Presence,
		photos:     deps.Photos,
		events:     deps.Events,
		validate:   deps.Validate,
		cfg:        cfg,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}

	d.handlers = map[models.Action]resultHandler{
		models.ActionFetchListings: d.onListings,
		models.ActionFetchStats:    d.onStats,
		models.ActionCreateListing: d.onListing,
		models.ActionUpdateListing: d.onListing,
		models.ActionUpdatePrice:   d.onListing,
		models.ActionDeleteListing: d.onDeleted,
		models.ActionUploadPhoto:   d.onPhoto,
	}

	return d
}

// Dispatch проверяет запрос и квоту и ставит задачу в очередь.
// При нехватке квоты задача не создается, возвращается *utils.RateLimitedError.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, req DispatchRequest) (*models.Task, error) {
	sess, err := d.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, sess, req)
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *ScopedSession, req DispatchRequest) (*models.Task, error) {
	ctx, span := otel.Tracer("dispatch-service").Start(ctx, "Dispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", sess.TenantID()),
		attribute.String("action", string(req.Action)),
		attribute.String("marketplace", string(req.Marketplace)),
	)

	if err := d.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrInvalidParams, validationReason(err))
	}
	if !req.Marketplace.Valid() {
		return nil, fmt.Errorf("%w: %q", utils.ErrInvalidMarketplace, req.Marketplace)
	}
	spec, ok := SpecFor(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", utils.ErrInvalidAction, req.Action)
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage("{}")
	}
	if err := ValidateParams(d.validate, req.Action, req.Params); err != nil {
		return nil, err
	}

	now := d.clock.Now()

	if spec.Mutating {
		res, err := d.limiter.Check(ctx, sess, req.Marketplace, 1, now)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			d.logger.InfoWithContext(ctx, "Задача не создана: квота площадки исчерпана",
				interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
				interfaces.LogField{Key: "marketplace", Value: req.Marketplace},
				interfaces.LogField{Key: "action", Value: req.Action},
				interfaces.LogField{Key: "retry_after", Value: res.RetryAfter.String()},
			)
			return nil, DeniedError(req.Marketplace, res)
		}
	}

	task := &models.Task{
		ID:             uuid.New().String(),
		Action:         req.Action,
		Marketplace:    req.Marketplace,
		Params:         req.Params,
		Priority:       d.priorityFor(req, spec),
		TimeoutSeconds: int(d.timeoutFor(req, spec).Seconds()),
		Awaited:        req.Awaited,
	}

	if err := d.queue.Enqueue(ctx, sess, task, now); err != nil {
		span.RecordError(err)
		return nil, err
	}

	d.publish(ctx, models.TaskCreatedEvent, task)
	return task, nil
}

func (d *Dispatcher) priorityFor(req DispatchRequest, spec ActionSpec) int {
	if req.Priority != nil {
		return *req.Priority
	}
	if p, ok := d.cfg.Priorities[req.Action]; ok {
		return p
	}
	return spec.DefaultPriority
}

func (d *Dispatcher) timeoutFor(req DispatchRequest, spec ActionSpec) time.Duration {
	if req.TimeoutSeconds > 0 {
		return time.Duration(req.TimeoutSeconds) * time.Second
	}
	if t, ok := d.cfg.Timeouts[req.Action]; ok && t >= time.Second {
		return t
	}
	return spec.DefaultTimeout
}

// Await ждет конечного состояния задачи не дольше bound.
// По истечении bound возвращает utils.ErrExecutorUnavailable, задача при этом
// остается в очереди и ее результат будет обработан позже.
func (d *Dispatcher) Await(ctx context.Context, tenantID, taskID string, bound time.Duration) (*models.Task, error) {
	sess, err := d.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return d.await(ctx, sess, taskID, bound)
}

func (d *Dispatcher) await(ctx context.Context, sess *ScopedSession, taskID string, bound time.Duration) (*models.Task, error) {
	if bound <= 0 {
		bound = d.cfg.WaitTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.PollInitial
	b.MaxInterval = d.cfg.PollMax
	b.MaxElapsedTime = 0

	var (
		final     *models.Task
		lastState models.TaskState
	)

	operation := func() error {
		task, err := d.queue.Get(waitCtx, sess, taskID)
		if err != nil {
			if waitCtx.Err() != nil {
				return err
			}
			return backoff.Permanent(err)
		}
		lastState = task.State
		if !task.State.Terminal() {
			return errTaskInFlight
		}
		final = task
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(b, waitCtx))
	if final != nil {
		return final, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitCtx.Err() != nil {
		d.logger.WarnWithContext(ctx, "Исполнитель не ответил за отведенное время",
			interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
			interfaces.LogField{Key: "task_id", Value: taskID},
			interfaces.LogField{Key: "state", Value: lastState},
			interfaces.LogField{Key: "bound", Value: bound.String()},
		)
		return nil, fmt.Errorf("%w: task %s is still %s after %s", utils.ErrExecutorUnavailable, taskID, lastState, bound)
	}
	return nil, err
}

// DispatchAndWait создает задачу и ждет ее результата не дольше bound.
// Завершенная задача передается потребителю, ошибка исполнителя
// возвращается как *utils.TaskFailedError, просроченная как utils.ErrTaskExpired.
func (d *Dispatcher) DispatchAndWait(ctx context.Context, tenantID string, req DispatchRequest, bound time.Duration) (*Outcome, error) {
	sess, err := d.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	req.Awaited = true
	task, err := d.dispatch(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	final, err := d.await(ctx, sess, task.ID, bound)
	if err != nil {
		metrics.WaitDuration.WithLabelValues(string(task.Action), "unavailable").Observe(time.Since(started).Seconds())
		return &Outcome{Task: task}, err
	}
	metrics.WaitDuration.WithLabelValues(string(task.Action), string(final.State)).Observe(time.Since(started).Seconds())

	switch final.State {
	case models.TaskCompleted:
		return d.collect(ctx, sess, final.ID)
	case models.TaskFailed:
		taskErr := models.TaskError{}
		if final.Error != nil {
			taskErr = *final.Error
		}
		return &Outcome{Task: final}, &utils.TaskFailedError{TaskID: final.ID, Kind: taskErr.Kind, Reason: taskErr.Message}
	default:
		return &Outcome{Task: final}, fmt.Errorf("%w: %s", utils.ErrTaskExpired, final.ID)
	}
}

// collect передает результат ожидающему вызову. Если sweeper успел передать
// результат раньше, ответ восстанавливается из сохраненного отчета сверки
// или из сырого результата задачи.
func (d *Dispatcher) collect(ctx context.Context, sess *ScopedSession, taskID string) (*Outcome, error) {
	out, err := d.deliver(ctx, sess, taskID, deliveryWaiter)
	if err != nil {
		return nil, err
	}
	if out.Delivered || out.Task == nil || out.Task.State != models.TaskCompleted {
		return out, nil
	}

	out.Output = json.RawMessage(out.Task.Result)
	if out.Task.Action == models.ActionFetchListings {
		state, err := d.reconciler.SyncState(ctx, sess, out.Task.Marketplace)
		if err != nil {
			return nil, err
		}
		if state != nil && state.LastTaskID == out.Task.ID && state.LastReport != nil {
			out.Output = state.LastReport
		}
	}
	return out, nil
}

// Deliver передает результат завершенной задачи потребителю.
// Отметка о передаче и изменения потребителя фиксируются одной транзакцией,
// поэтому результат обрабатывается ровно один раз, каким бы путем он ни пришел.
func (d *Dispatcher) Deliver(ctx context.Context, tenantID, taskID string) (*Outcome, error) {
	sess, err := d.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, sess, taskID, deliveryEvent)
}

func (d *Dispatcher) deliver(ctx context.Context, sess *ScopedSession, taskID, path string) (*Outcome, error) {
	out := &Outcome{}
	now := d.clock.Now()

	err := sess.Do(ctx, func(ctx context.Context) error {
		task, err := d.queue.Get(ctx, sess, taskID)
		if err != nil {
			return err
		}
		out.Task = task
		if task.State != models.TaskCompleted {
			return nil
		}

		ok, err := d.queue.MarkDelivered(ctx, sess, taskID, now)
		if err != nil || !ok {
			return err
		}

		handler, found := d.handlers[task.Action]
		if !found {
			return fmt.Errorf("%w: no result handler for %q", utils.ErrInvalidAction, task.Action)
		}

		out.Output, err = handler(ctx, sess, task)
		if err != nil {
			return err
		}
		out.Delivered = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deliver task result: %w", err)
	}

	if out.Delivered {
		metrics.Deliveries.WithLabelValues(string(out.Task.Action), path).Inc()
		d.logger.InfoWithContext(ctx, "Результат задачи передан",
			interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
			interfaces.LogField{Key: "task_id", Value: taskID},
			interfaces.LogField{Key: "action", Value: out.Task.Action},
			interfaces.LogField{Key: "path", Value: path},
		)
	}

	return out, nil
}

// Poll выдает исполнителю следующую задачу арендатора, nil если задач нет.
// Арендатор берется только из проверенной личности исполнителя.
func (d *Dispatcher) Poll(ctx context.Context, tenantID, executorID string) (*models.Task, error) {
	ctx, span := otel.Tracer("dispatch-service").Start(ctx, "Dispatcher.Poll")
	defer span.End()

	sess, err := d.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()

	if d.presence != nil {
		if err := d.presence.Touch(ctx, sess.TenantID(), executorID, now); err != nil {
			d.logger.WarnWithContext(ctx, "Не удалось отметить опрос исполнителя",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}

	task, err := d.queue.ClaimNext(ctx, sess, executorID, now)
	if err != nil || task == nil {
		return nil, err
	}

	if err := d.prepare(ctx, task); err != nil {
		d.logger.ErrorWithContext(ctx, "Не удалось подготовить задачу к выдаче",
			interfaces.LogField{Key: "task_id", Value: task.ID},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
		failed, failErr := d.queue.Fail(ctx, sess, task.ID, executorID, models.TaskError{Kind: "prepare_error", Message: err.Error()}, now)
		if failErr != nil {
			return nil, failErr
		}
		d.publish(ctx, models.TaskFailedEvent, failed)
		return nil, nil
	}

	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("action", string(task.Action)))
	return task, nil
}

// prepare дополняет params данными, которые нельзя хранить в задаче
func (d *Dispatcher) prepare(ctx context.Context, task *models.Task) error {
	if task.Action != models.ActionUploadPhoto || d.photos == nil {
		return nil
	}

	var params models.UploadPhotoParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return fmt.Errorf("failed to decode upload_photo params: %w", err)
	}

	url, err := d.photos.PresignGet(ctx, params.PhotoKey, d.cfg.PhotoURLTTL)
	if err != nil {
		return err
	}
	params.PhotoURL = url

	task.Params, err = json.Marshal(params)
	return err
}

// SubmitResult принимает результат задачи от исполнителя.
// Возвращает utils.ErrInvalidTransition, если задача не выдана этому исполнителю
// или срок ее выполнения истек.
func (d *Dispatcher) SubmitResult(ctx context.Context, tenantID, executorID, taskID string, sub models.ResultSubmission) (*models.Task, error) {
	if err := d.validate.Struct(&sub); err != nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrInvalidParams, validationReason(err))
	}

	sess, err := d.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()

	var task *models.Task
	switch sub.Status {
	case models.TaskCompleted:
		task, err = d.queue.Complete(ctx, sess, taskID, executorID, sub.Result, now)
	default:
		task, err = d.queue.Fail(ctx, sess, taskID, executorID, *sub.Error, now)
	}
	if err != nil {
		return nil, err
	}

	eventType := models.TaskCompletedEvent
	if task.State == models.TaskFailed {
		eventType = models.TaskFailedEvent
	}
	d.publish(ctx, eventType, task)

	return task, nil
}

// HandleEvent обрабатывает событие задачи из брокера: передает результат
// завершенной задачи, которую никто не ждет синхронно
func (d *Dispatcher) HandleEvent(ctx context.Context, msg *interfaces.Message) error {
	var event models.TaskEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to decode task event: %w", err)
	}

	if event.Type != models.TaskCompletedEvent || event.Awaited {
		return nil
	}
	if msg.TenantID != "" && msg.TenantID != event.TenantID {
		return fmt.Errorf("%w: event tenant %s, message tenant %s", utils.ErrTenantMismatch, event.TenantID, msg.TenantID)
	}

	sess, err := d.router.Resolve(ctx, event.TenantID)
	if err != nil {
		return err
	}

	_, err = d.deliver(ctx, sess, event.TaskID, deliveryEvent)
	return err
}

// ExecutorStatus сообщает, опрашивает ли расширение арендатора очередь
func (d *Dispatcher) ExecutorStatus(ctx context.Context, tenantID string) (models.ExecutorPresence, error) {
	sess, err := d.router.Resolve(ctx, tenantID)
	if err != nil {
		return models.ExecutorPresence{}, err
	}
	if d.presence == nil {
		return models.ExecutorPresence{}, nil
	}
	return d.presence.Status(ctx, sess.TenantID(), d.clock.Now())
}

// CheckConnection синхронно проверяет, что расширение отвечает и сессия площадки жива
func (d *Dispatcher) CheckConnection(ctx context.Context, tenantID string, marketplace models.Marketplace, bound time.Duration) (*Outcome, error) {
	priority := 1000
	return d.DispatchAndWait(ctx, tenantID, DispatchRequest{
		Action:      models.ActionFetchStats,
		Marketplace: marketplace,
		Priority:    &priority,
	}, bound)
}

func (d *Dispatcher) publish(ctx context.Context, eventType models.TaskEventType, task *models.Task) {
	if d.events == nil {
		return
	}

	data, err := json.Marshal(models.NewTaskEvent(eventType, task, d.clock.Now()))
	if err != nil {
		d.logger.ErrorWithContext(ctx, "Ошибка сериализации события задачи",
			interfaces.LogField{Key: "error", Value: err.Error()})
		return
	}

	if err := d.events.PublishForTenant(ctx, models.TopicTaskEvents, data, task.TenantID); err != nil {
		// потерянное событие подберет Sweeper по delivered_at
		d.logger.WarnWithContext(ctx, "Ошибка публикации события задачи",
			interfaces.LogField{Key: "task_id", Value: task.ID},
			interfaces.LogField{Key: "event", Value: eventType},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
	}
}

func (d *Dispatcher) onListings(ctx context.Context, sess *ScopedSession, task *models.Task) (interface{}, error) {
	var snapshot models.ListingSnapshot
	if err := json.Unmarshal(task.Result, &snapshot); err != nil {
		return malformedResult(task, err), nil
	}

	var params models.FetchListingsParams
	if err := json.Unmarshal(task.Params, &params); err == nil && params.MaxPages > 0 {
		snapshot.Complete = false
	}

	return d.reconciler.Reconcile(ctx, sess, task.Marketplace, snapshot, ChangeOrigin{TaskID: task.ID})
}

func (d *Dispatcher) onStats(ctx context.Context, sess *ScopedSession, task *models.Task) (interface{}, error) {
	var stats models.StatsSnapshot
	if err := json.Unmarshal(task.Result, &stats); err != nil {
		return malformedResult(task, err), nil
	}
	return d.reconciler.ApplyStats(ctx, sess, task.Marketplace, stats, ChangeOrigin{TaskID: task.ID})
}

func (d *Dispatcher) onListing(ctx context.Context, sess *ScopedSession, task *models.Task) (interface{}, error) {
	if len(task.Result) == 0 || string(task.Result) == "null" {
		return &models.ReconcileReport{Marketplace: task.Marketplace, Errors: []utils.ReconcileError{}}, nil
	}
	return d.reconciler.UpsertListing(ctx, sess, task.Marketplace, task.Result, ChangeOrigin{TaskID: task.ID})
}

func (d *Dispatcher) onDeleted(ctx context.Context, sess *ScopedSession, task *models.Task) (interface{}, error) {
	var params models.DeleteListingParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return malformedResult(task, err), nil
	}
	return d.reconciler.MarkRemoved(ctx, sess, task.Marketplace, params.ExternalID, ChangeOrigin{TaskID: task.ID})
}

func (d *Dispatcher) onPhoto(ctx context.Context, sess *ScopedSession, task *models.Task) (interface{}, error) {
	return task.Result, nil
}

func malformedResult(task *models.Task, err error) *models.ReconcileReport {
	report := &models.ReconcileReport{Marketplace: task.Marketplace, Errors: []utils.ReconcileError{}}
	report.AddError("result", "malformed task result: "+err.Error())
	return report
}
