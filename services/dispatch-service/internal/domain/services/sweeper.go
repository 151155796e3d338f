package services

import (
	"context"
	"errors"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// SweeperConfig настройки фонового прохода по очередям
type SweeperConfig struct {
	Interval time.Duration
	// LockTTL время жизни блокировки арендатора, чтобы два воркера не мели одну очередь
	LockTTL time.Duration
	// DeliveryGrace сколько ждать передачи результата штатным путем
	DeliveryGrace time.Duration
	// Retention сколько хранить завершенные задачи
	Retention      time.Duration
	Concurrency    int
	RedeliverBatch int
}

// DefaultSweeperConfig настройки по умолчанию
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:       15 * time.Second,
		LockTTL:        time.Minute,
		DeliveryGrace:  time.Minute,
		Retention:      7 * 24 * time.Hour,
		Concurrency:    4,
		RedeliverBatch: 50,
	}
}

// Sweeper закрывает просроченные задачи, дожимает непереданные результаты
// и чистит старые задачи во всех арендаторах
type Sweeper struct {
	router     *TenantRouter
	queue      *TaskQueue
	dispatcher *Dispatcher
	locker     interfaces.LockerPort
	cfg        SweeperConfig
	clock      Clock
	logger     interfaces.LoggerPort
}

// NewSweeper создает Sweeper. locker может быть nil, если воркер один.
func NewSweeper(router *TenantRouter, queue *TaskQueue, dispatcher *Dispatcher, locker interfaces.LockerPort, cfg SweeperConfig, clock Clock, logger interfaces.LoggerPort) *Sweeper {
	defaults := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.DeliveryGrace <= 0 {
		cfg.DeliveryGrace = defaults.DeliveryGrace
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.RedeliverBatch <= 0 {
		cfg.RedeliverBatch = defaults.RedeliverBatch
	}

	return &Sweeper{
		router:     router,
		queue:      queue,
		dispatcher: dispatcher,
		locker:     locker,
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
	}
}

// Run запускает проходы с интервалом до отмены контекста
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper запущен", interfaces.LogField{Key: "interval", Value: s.cfg.Interval.String()})

	for {
		if err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Ошибка прохода sweeper", interfaces.LogField{Key: "error", Value: err.Error()})
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper остановлен")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce один проход по всем арендаторам. Ошибка одного арендатора
// не останавливает обработку остальных.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	sessions, err := s.router.ListProvisioned(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			if _, err := s.sweepTenant(gctx, sess); err != nil {
				s.logger.Error("Ошибка обработки очереди арендатора",
					interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
					interfaces.LogField{Key: "error", Value: err.Error()},
				)
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Sweeper) sweepTenant(ctx context.Context, sess *ScopedSession) (models.SweepResult, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, "sweeper:"+sess.TenantID(), s.cfg.LockTTL)
		if errors.Is(err, interfaces.ErrLockNotObtained) {
			return models.SweepResult{}, nil
		}
		if err != nil {
			return models.SweepResult{}, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Не удалось снять блокировку sweeper",
					interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
					interfaces.LogField{Key: "error", Value: err.Error()},
				)
			}
		}()
	}

	now := s.clock.Now()

	res, err := s.queue.Sweep(ctx, sess, now)
	if err != nil {
		return res, err
	}

	undelivered, err := s.queue.Undelivered(ctx, sess, now.Add(-s.cfg.DeliveryGrace), s.cfg.RedeliverBatch)
	if err != nil {
		return res, err
	}
	for _, task := range undelivered {
		out, err := s.dispatcher.deliver(ctx, sess, task.ID, deliverySweeper)
		if err != nil {
			// задача остается непереданной до следующего прохода
			s.logger.Warn("Не удалось передать результат задачи",
				interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
				interfaces.LogField{Key: "task_id", Value: task.ID},
				interfaces.LogField{Key: "error", Value: err.Error()},
			)
			continue
		}
		if out.Delivered {
			res.Redelivered++
		}
	}

	if res.Purged, err = s.queue.Purge(ctx, sess, now.Add(-s.cfg.Retention)); err != nil {
		return res, err
	}

	return res, nil
}
