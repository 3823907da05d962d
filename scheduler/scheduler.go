// Package scheduler triggers collection runs on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	appconfig "jobflow/config"
	"jobflow/logger"
	"jobflow/models"
)

// RunFunc executes one collection run.
type RunFunc func(ctx context.Context, req models.CollectionRequest)

// Scheduler fires the configured collection request immediately on
// start and then every interval. Overlapping runs are skipped, not
// queued: a slow run must never stack a second one behind it.
type Scheduler struct {
	config *appconfig.Config
	runFn  RunFunc
	cron   *cron.Cron
	ctx    context.Context
	mu     sync.Mutex
	active bool
	log    *logger.Log
}

func New(cfg *appconfig.Config, runFn RunFunc) *Scheduler {
	return &Scheduler{
		config: cfg,
		runFn:  runFn,
		cron:   cron.New(),
		log:    logger.GetLogger(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	interval := s.config.Schedule.IntervalHours
	if interval <= 0 {
		interval = 24
	}

	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"interval_hours": interval,
	})

	spec := fmt.Sprintf("@every %dh", interval)
	if _, err := s.cron.AddFunc(spec, s.trigger); err != nil {
		return fmt.Errorf("failed to schedule collection: %w", err)
	}

	s.cron.Start()
	log.Info("scheduler started, triggering initial run")

	go s.trigger()

	return nil
}

func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

func (s *Scheduler) trigger() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		s.log.WithComponent("scheduler").Warn("previous run still in progress, skipping trigger")
		return
	}
	s.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	if s.ctx.Err() != nil {
		return
	}

	req := models.CollectionRequest{
		QueryTerms:     s.config.Request.QueryTerms,
		LocationFilter: s.config.Request.LocationFilter,
		MaxResults:     s.config.Request.MaxResultsPerSource,
	}

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"terms": req.QueryTerms,
	}).Info("triggering scheduled collection run")

	s.runFn(s.ctx, req)
}
