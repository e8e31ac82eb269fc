// Package scheduler is the trigger source for recurring tasks (spec.md
// §1): it only decides when a task template is due and hands the clone
// off to taskrunner.Runner, never running pipeline logic itself.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapecore/engine/internal/catalog"
	"github.com/tapecore/engine/internal/catalogmodel"
	"github.com/tapecore/engine/internal/logging"
	"github.com/tapecore/engine/internal/taskrunner"

	"github.com/robfig/cron/v3"
)

// Service manages recurring task-template schedules, firing each due
// template through the task runner.
type Service struct {
	store   *catalog.Store
	runner  *taskrunner.Runner
	logger  *logging.FieldLogger
	cron    *cron.Cron
	mu      sync.RWMutex
	entries map[int64]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new scheduler service. runner drives each fired
// template's cloned execution end to end.
func NewService(store *catalog.Store, runner *taskrunner.Runner, logger *logging.FieldLogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		store:   store,
		runner:  runner,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[int64]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start loads every scheduled template and begins firing them.
func (s *Service) Start() error {
	s.logger.Info("starting scheduler", nil)

	if err := s.loadTemplates(); err != nil {
		return err
	}

	s.cron.Start()
	go s.updateNextRuns()

	return nil
}

// Stop halts the scheduler, waiting for any in-flight cron jobs to
// return before releasing the caller.
func (s *Service) Stop() {
	s.logger.Info("stopping scheduler", nil)
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// loadTemplates loads every template with a non-empty schedule_cron.
func (s *Service) loadTemplates() error {
	templates, err := s.store.ListScheduledTemplates(s.ctx)
	if err != nil {
		return fmt.Errorf("list scheduled templates: %w", err)
	}

	for _, tmpl := range templates {
		if err := s.scheduleTemplate(tmpl); err != nil {
			s.logger.Warn("failed to schedule template", map[string]interface{}{
				"template_id": tmpl.ID,
				"error":       err.Error(),
			})
		}
	}

	return nil
}

// scheduleTemplate adds or replaces a template's cron entry.
func (s *Service) scheduleTemplate(tmpl *catalogmodel.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[tmpl.ID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, tmpl.ID)
	}

	if tmpl.ScheduleCron == "" {
		return nil
	}

	templateID := tmpl.ID
	entryID, err := s.cron.AddFunc(tmpl.ScheduleCron, func() {
		s.runTemplate(templateID)
	})
	if err != nil {
		return err
	}

	s.entries[templateID] = entryID

	s.logger.Info("scheduled task template", map[string]interface{}{
		"template_id": templateID,
		"schedule":    tmpl.ScheduleCron,
	})

	return nil
}

// runTemplate clones a template into an execution and runs it through
// to a terminal status. A 24-hour ceiling bounds a single firing so a
// stuck drive can't wedge the scheduler's context forever.
func (s *Service) runTemplate(templateID int64) {
	s.logger.Info("running scheduled template", map[string]interface{}{"template_id": templateID})

	ctx, cancel := context.WithTimeout(s.ctx, 24*time.Hour)
	defer cancel()

	exec, err := s.store.CloneTemplateToExecution(ctx, templateID)
	if err != nil {
		s.logger.Error("failed to clone scheduled template", map[string]interface{}{
			"template_id": templateID, "error": err.Error(),
		})
		return
	}

	if err := s.runner.RunTask(ctx, exec.ID); err != nil {
		s.logger.Error("scheduled task failed", map[string]interface{}{
			"template_id": templateID, "execution_id": exec.ID, "error": err.Error(),
		})
	}

	if err := s.store.SetLastRun(context.Background(), templateID, time.Now()); err != nil {
		s.logger.Warn("failed to record last_run_at", map[string]interface{}{
			"template_id": templateID, "error": err.Error(),
		})
	}
}

// AddJob adds or updates a template's schedule.
func (s *Service) AddJob(tmpl *catalogmodel.Task) error {
	return s.scheduleTemplate(tmpl)
}

// RemoveJob removes a template from the scheduler.
func (s *Service) RemoveJob(templateID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[templateID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, templateID)
		s.logger.Info("removed template from scheduler", map[string]interface{}{"template_id": templateID})
	}
}

// GetNextRun returns the next scheduled fire time for a template.
func (s *Service) GetNextRun(templateID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, exists := s.entries[templateID]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

// updateNextRuns periodically persists each entry's next fire time so
// it survives a restart between scans.
func (s *Service) updateNextRuns() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			for templateID, entryID := range s.entries {
				entry := s.cron.Entry(entryID)
				if !entry.Next.IsZero() {
					if err := s.store.SetNextRun(s.ctx, templateID, entry.Next); err != nil {
						s.logger.Warn("failed to record next_run_at", map[string]interface{}{
							"template_id": templateID, "error": err.Error(),
						})
					}
				}
			}
			s.mu.RUnlock()
		}
	}
}

// ReloadJobs clears every entry and reloads from the catalog.
func (s *Service) ReloadJobs() error {
	s.mu.Lock()
	for templateID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, templateID)
	}
	s.mu.Unlock()

	return s.loadTemplates()
}

// ListScheduledJobs returns info about every scheduled template.
func (s *Service) ListScheduledJobs() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []map[string]interface{}
	for templateID, entryID := range s.entries {
		entry := s.cron.Entry(entryID)
		jobs = append(jobs, map[string]interface{}{
			"template_id": templateID,
			"next_run":    entry.Next,
			"prev_run":    entry.Prev,
		})
	}

	return jobs
}

// ParseCron validates a cron expression against the six-field
// second-resolution parser the scheduler runs with.
func ParseCron(expr string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err
}
