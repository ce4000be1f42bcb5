package analytics

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"evidence-ledger/config"
	"evidence-ledger/core/utils"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Scheduler struct {
	cfg    config.AnalyticsConfig
	agg    *Aggregator
	logger *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(cfg config.AnalyticsConfig, agg *Aggregator, logger *utils.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, agg: agg, logger: logger}
}

func (s *Scheduler) StartWithContext(ctx context.Context) error {
	if s == nil || s.agg == nil || !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	schedule := strings.TrimSpace(s.cfg.Schedule)
	if schedule == "" {
		schedule = "@every 15m"
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))))
	if _, err := c.AddFunc(schedule, func() { _ = s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("analytics schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Info("analytics scheduler started", zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	wasRunning := s.running
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce refreshes the configured window. Failures are logged and left for the next tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.agg == nil {
		return nil
	}
	window := s.cfg.WindowDays
	if window <= 0 {
		window = DefaultWindowDays
	}
	if _, err := s.agg.Refresh(ctx, window); err != nil {
		s.logger.Warn("analytics refresh failed", zap.Error(err))
		return err
	}
	return nil
}
