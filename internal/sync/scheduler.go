package sync

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/store"
)

// StoreTrigger starts a locked store sync.
type StoreTrigger interface {
	TriggerStoreSync(ctx context.Context, integrationID, kind string) (*TaskHandle, error)
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	store   store.Store
	trigger StoreTrigger
	cron    *cron.Cron
	now     func() time.Time
}

func NewScheduler(cfg config.SchedulerConfig, st store.Store, trigger StoreTrigger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		trigger: trigger,
		cron:    cron.New(),
		now:     time.Now,
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting scheduler",
		zap.String("interval", s.cfg.Interval),
		zap.String("retention", s.cfg.RetentionSchedule),
	)

	if _, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.DispatchDue(context.Background())
	}); err != nil {
		return err
	}
	if s.cfg.RetentionSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.RetentionSchedule, func() {
			if _, _, err := s.Prune(context.Background()); err != nil {
				logger.Log.Error("Retention pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

// CadencePeriod maps a cadence to its period and run kind. Cadences without a
// period are never dispatched by the scheduler.
func CadencePeriod(cadence string) (time.Duration, string, bool) {
	switch cadence {
	case store.CadenceHourly:
		return time.Hour, store.RunIncremental, true
	case store.CadenceDaily:
		return 24 * time.Hour, store.RunFull, true
	case store.CadenceWeekly:
		return 7 * 24 * time.Hour, store.RunFull, true
	}
	return 0, "", false
}

// IsDue reports whether an integration whose latest run started at last
// (nil if it never ran) should run now, and with which kind.
func IsDue(cadence string, last *time.Time, now time.Time) (bool, string) {
	period, kind, ok := CadencePeriod(cadence)
	if !ok {
		return false, ""
	}
	if last == nil {
		return true, kind
	}
	return !now.Before(last.Add(period)), kind
}

// DispatchDue triggers every active integration whose cadence has elapsed
// and returns how many runs were started.
func (s *Scheduler) DispatchDue(ctx context.Context) int {
	integrations, err := s.store.ListIntegrations(ctx, true)
	if err != nil {
		logger.Log.Error("Failed to list integrations", zap.Error(err))
		return 0
	}

	now := s.now()
	started := 0
	for _, ic := range integrations {
		var last *time.Time
		// Price-only checks do not reset the cadence.
		run, err := s.store.LatestRunOfKind(ctx, ic.ID, store.RunFull, store.RunIncremental)
		if err != nil {
			logger.Log.Error("Failed to load latest run", zap.String("integration_id", ic.ID), zap.Error(err))
			continue
		}
		if run != nil {
			last = &run.StartedAt
		}

		due, kind := IsDue(ic.Cadence, last, now)
		if !due {
			continue
		}

		if _, err := s.trigger.TriggerStoreSync(ctx, ic.ID, kind); err != nil {
			if errors.Is(err, ErrSyncInProgress) {
				logger.Log.Info("Sync already running, skipping scheduled run", zap.String("integration_id", ic.ID))
				continue
			}
			logger.Log.Error("Failed to start scheduled sync", zap.String("integration_id", ic.ID), zap.Error(err))
			continue
		}
		logger.Log.Info("Triggered scheduled sync", zap.String("integration_id", ic.ID), zap.String("kind", kind))
		started++
	}
	return started
}

// Prune applies the retention policy to price history and run records.
func (s *Scheduler) Prune(ctx context.Context) (observations, runs int64, err error) {
	now := s.now()
	if s.cfg.ObservationRetentionDays > 0 {
		observations, err = s.store.PruneObservations(ctx, now.AddDate(0, 0, -s.cfg.ObservationRetentionDays))
		if err != nil {
			return 0, 0, err
		}
	}
	if s.cfg.RunRetentionDays > 0 {
		runs, err = s.store.PruneRuns(ctx, now.AddDate(0, 0, -s.cfg.RunRetentionDays))
		if err != nil {
			return observations, 0, err
		}
	}
	logger.Log.Info("Pruned history", zap.Int64("observations", observations), zap.Int64("runs", runs))
	return observations, runs, nil
}
