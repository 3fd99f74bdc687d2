// Package scheduler manages scheduled export operations.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/backup"
	"github.com/supporttools/SettingsGuard/pkg/config"
)

// Job names
const (
	JobExport    = "export"
	JobRetention = "retention"
)

// historyPurgeAge is how long records of deleted local-only exports are kept
const historyPurgeAge = 30 * 24 * time.Hour

// Exporter is the part of backup.Manager the scheduler drives
type Exporter interface {
	ExportNow(ctx context.Context, password string) (backup.ExportResult, error)
	EnforceRetention() (int, error)
}

// HistoryPurger drops stale history records after retention ran
type HistoryPurger interface {
	PurgeDeleted(olderThan time.Duration) int
}

// Scheduler handles cron scheduling for exports and retention
type Scheduler struct {
	cronScheduler *cron.Cron
	exporter      Exporter
	history       HistoryPurger
	cfg           *config.AppConfig
	logger        *logrus.Logger
	timeout       time.Duration

	mu     sync.Mutex
	jobIDs map[string]cron.EntryID
}

// NewScheduler creates a new scheduler. history may be nil.
func NewScheduler(cfg *config.AppConfig, exporter Exporter, history HistoryPurger, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cronScheduler: cron.New(),
		exporter:      exporter,
		history:       history,
		cfg:           cfg,
		logger:        logger,
		timeout:       10 * time.Minute,
		jobIDs:        make(map[string]cron.EntryID),
	}
}

// SetupJobs configures all scheduled jobs
func (s *Scheduler) SetupJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Schedule.Export == "" {
		s.logger.Info("No export schedule configured, skipping")
	} else {
		if s.cfg.Password.MasterPassword == "" {
			return fmt.Errorf("scheduled exports require a master password")
		}
		jobID, err := s.cronScheduler.AddFunc(s.cfg.Schedule.Export, func() {
			if err := s.RunExportOnce(); err != nil {
				s.logger.Errorf("Scheduled export failed: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule export with cron expression '%s': %w", s.cfg.Schedule.Export, err)
		}
		s.jobIDs[JobExport] = jobID
		s.logger.Infof("Scheduled settings export with cron expression: %s", s.cfg.Schedule.Export)
	}

	if s.cfg.Schedule.Retention != "" {
		jobID, err := s.cronScheduler.AddFunc(s.cfg.Schedule.Retention, s.RunRetentionOnce)
		if err != nil {
			return fmt.Errorf("failed to schedule retention policy enforcement: %w", err)
		}
		s.jobIDs[JobRetention] = jobID
		s.logger.Infof("Scheduled retention policy enforcement with cron expression: %s", s.cfg.Schedule.Retention)
	}

	return nil
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cronScheduler.Start()
	s.logger.Info("Export scheduler started successfully")
}

// Stop halts all scheduled jobs and waits for running ones
func (s *Scheduler) Stop() {
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()
	s.logger.Info("Export scheduler stopped")
}

// ReloadSchedules removes all existing jobs and re-creates them based on current configuration
func (s *Scheduler) ReloadSchedules() error {
	s.logger.Info("Reloading export schedules...")

	s.mu.Lock()
	for name, jobID := range s.jobIDs {
		s.cronScheduler.Remove(jobID)
		delete(s.jobIDs, name)
		s.logger.Debugf("Removed schedule for %s job", name)
	}
	s.mu.Unlock()

	if err := s.SetupJobs(); err != nil {
		return fmt.Errorf("failed to reload schedules: %w", err)
	}

	s.logger.Info("Successfully reloaded export schedules")
	return nil
}

// RunExportOnce runs a single settings export with the master password
func (s *Scheduler) RunExportOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.logger.Info("Starting scheduled settings export...")
	result, err := s.exporter.ExportNow(ctx, s.cfg.Password.MasterPassword)
	if err != nil {
		return err
	}
	if result.Failed() {
		return fmt.Errorf("export %s failed at every destination: %s", result.FileName, backup.UserMessage(firstErr(result)))
	}
	if result.Partial() {
		s.logger.Warnf("Scheduled export %s: %s", result.FileName, backup.UserMessage(firstErr(result)))
	}
	return nil
}

func firstErr(r backup.ExportResult) error {
	if r.Local.Err != nil {
		return r.Local.Err
	}
	return r.Cloud.Err
}

// RunRetentionOnce runs retention policy enforcement once
func (s *Scheduler) RunRetentionOnce() {
	s.logger.Info("Running retention policy enforcement")
	removed, err := s.exporter.EnforceRetention()
	if err != nil {
		s.logger.Errorf("Retention policy enforcement failed: %v", err)
	}
	if removed > 0 {
		s.logger.Infof("Removed %d expired local exports", removed)
	}
	if s.history != nil {
		if purged := s.history.PurgeDeleted(historyPurgeAge); purged > 0 {
			s.logger.Infof("Purged %d stale export history records", purged)
		}
	}
}

// GetNextRunTime returns the next scheduled run time of a job
func (s *Scheduler) GetNextRunTime(job string) (time.Time, error) {
	s.mu.Lock()
	id, ok := s.jobIDs[job]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("no scheduled job found: %s", job)
	}
	entry := s.cronScheduler.Entry(id)
	if !entry.Valid() {
		return time.Time{}, fmt.Errorf("no scheduled job found: %s", job)
	}
	return entry.Next, nil
}
