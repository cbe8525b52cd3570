package sync

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"store-sync-service/internal/config"
	"store-sync-service/internal/logger"
	"store-sync-service/internal/metrics"
)

// Scheduler drives the periodic work: queue processing on a short interval,
// cache refreshes on a long one, auto-sync checks and connectivity probes in
// between. Stop waits for the in-flight job to finish so no operation is
// left in_progress by a shutdown.
type Scheduler struct {
	cfg       config.SchedulerConfig
	manager   *Manager
	cron      *cron.Cron
	batchSize int

	processMu sync.Mutex     // skips a tick when the previous pass still runs
	wg        sync.WaitGroup // goroutines spawned outside cron's tracking
}

func NewScheduler(cfg config.SchedulerConfig, cacheBatch int, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		manager:   manager,
		cron:      cron.New(),
		batchSize: cacheBatch,
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler disabled")
		return nil
	}

	jobs := []struct {
		every time.Duration
		name  string
		fn    func()
	}{
		{s.cfg.GetProcessInterval(), "process_queue", s.processQueue},
		{s.cfg.GetCacheInterval(), "refresh_cache", s.refreshCache},
		{s.cfg.GetAutoSyncInterval(), "auto_sync_check", s.checkAutoSync},
		{s.cfg.GetConnectivityEvery(), "connectivity_probe", s.probeConnectivity},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc("@every "+job.every.String(), job.fn); err != nil {
			return err
		}
		logger.Log.Info("Scheduled job",
			zap.String("job", job.name),
			zap.Duration("every", job.every),
		)
	}

	s.manager.Start()
	s.cron.Start()

	// Establish connectivity and warm the cache before the first tick.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.probeConnectivity()
		s.refreshCache()
	}()
	return nil
}

// Stop halts scheduling and blocks until running jobs return, including the
// warm-up and reconnect passes that run outside cron.
func (s *Scheduler) Stop() {
	s.manager.Stop()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	logger.Log.Info("Scheduler stopped")
}

func (s *Scheduler) processQueue() {
	if !s.manager.Online() {
		return
	}
	if !s.processMu.TryLock() {
		logger.Log.Debug("Previous processing pass still running, skipping tick")
		return
	}
	defer s.processMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetProcessInterval()*4)
	defer cancel()

	result, err := s.manager.ProcessBatch(ctx)
	if err != nil {
		logger.Log.Error("Scheduled processing pass failed", zap.Error(err))
		return
	}
	if result.Succeeded+result.Failed+result.Conflicted > 0 {
		logger.Log.Info("Scheduled processing pass complete",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Int("conflicted", result.Conflicted),
		)
	}
}

func (s *Scheduler) refreshCache() {
	if !s.manager.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	count, err := s.manager.Cache().RefreshFull(ctx, s.batchSize)
	if err != nil {
		logger.Log.Error("Scheduled cache refresh failed", zap.Error(err))
		return
	}
	metrics.CacheRecords.Set(float64(count))
}

func (s *Scheduler) checkAutoSync() {
	if !s.manager.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	s.manager.CheckAutoSync(ctx)
}

func (s *Scheduler) probeConnectivity() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wasOnline := s.manager.Online()
	online := s.manager.Cache().DetectConnectivity(ctx)
	s.manager.SetOnline(online)

	switch {
	case online && !wasOnline:
		logger.Log.Info("Connectivity restored, refreshing cache and resuming sync")
		if _, err := s.manager.Cache().RefreshIncremental(ctx); err != nil {
			logger.Log.Warn("Post-reconnect cache refresh incomplete", zap.Error(err))
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.processQueue()
		}()
	case !online && wasOnline:
		logger.Log.Warn("Connectivity lost, operating from offline cache")
	}
}
