/**
 * @description
 * Cron scheduler for the rewards maintenance jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const reconcileTimeout = 5 * time.Minute

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron              *cron.Cron
	service           *Service
	logger            *slog.Logger
	reconcileSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, logger *slog.Logger, reconcileSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:              c,
		service:           service,
		logger:            logger,
		reconcileSchedule: reconcileSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.reconcileSchedule, s.ReconcilePendingPoints); err != nil {
		s.logger.Error("failed to schedule pending points reconciliation", "schedule", s.reconcileSchedule, "error", err)
		return err
	}
	s.logger.Info("scheduled pending points reconciliation", "schedule", s.reconcileSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ReconcilePendingPoints is the cron job body.
func (s *Scheduler) ReconcilePendingPoints() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	started := time.Now()
	corrected, err := s.service.ReconcilePendingPoints(ctx)
	if err != nil {
		s.logger.Error("pending points reconciliation failed", "corrected", corrected, "error", err)
		return
	}
	s.logger.Info("pending points reconciliation finished", "corrected", corrected, "duration", time.Since(started))
}
