// Package scheduler provides cron-based scheduling for automated
// folder sync.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/apertura-studio/studiomail/internal/config"
	"github.com/apertura-studio/studiomail/internal/mail"
)

// SyncFunc is the callback invoked when a scheduled sync should run.
// It receives the account and the folders configured for it.
type SyncFunc func(ctx context.Context, accountID string, folders []mail.Folder) error

// AccountStatus represents the sync status of a scheduled account.
type AccountStatus struct {
	AccountID string    `json:"account_id"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler manages cron-based folder sync scheduling.
type Scheduler struct {
	cron     *cron.Cron
	syncFunc SyncFunc
	logger   *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID // accountID -> cron entry ID
	schedules map[string]string       // accountID -> cron expression
	folders   map[string][]mail.Folder
	running   map[string]bool      // accountID -> currently syncing
	lastRun   map[string]time.Time // accountID -> last successful run
	lastErr   map[string]error     // accountID -> last error

	ctx     context.Context    // cancelled on Stop
	cancel  context.CancelFunc // cancels ctx
	wg      sync.WaitGroup     // tracks running sync goroutines
	started bool               // true after Start(), false after Stop()
	stopped bool               // true after Stop()
}

// New creates a new Scheduler with the given sync callback.
func New(syncFunc SyncFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		syncFunc:  syncFunc,
		logger:    slog.Default(),
		jobs:      make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		folders:   make(map[string][]mail.Folder),
		running:   make(map[string]bool),
		lastRun:   make(map[string]time.Time),
		lastErr:   make(map[string]error),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddAccount schedules sync for an account using the given cron
// expression. An empty folder list means every physical folder.
// Returns an error if the cron expression is invalid.
func (s *Scheduler) AddAccount(accountID, cronExpr string, folders []mail.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove existing schedule if present
	if entryID, exists := s.jobs[accountID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, accountID)
		delete(s.schedules, accountID)
		delete(s.folders, accountID)
	}

	if len(folders) == 0 {
		folders = append([]mail.Folder(nil), mail.PhysicalFolders...)
	}

	// Validate and add the cron job
	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.mu.Lock()
		if s.stopped || s.running[accountID] {
			s.mu.Unlock()
			return
		}
		s.running[accountID] = true
		s.wg.Add(1)
		s.mu.Unlock()
		s.runSync(accountID)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.jobs[accountID] = entryID
	s.schedules[accountID] = cronExpr
	s.folders[accountID] = folders
	s.logger.Info("scheduled sync",
		"account", accountID,
		"schedule", cronExpr,
		"folders", len(folders),
		"next_run", s.cron.Entry(entryID).Next)

	return nil
}

// AddAccountsFromConfig adds all enabled accounts from the config.
// Returns the number of accounts scheduled and any errors encountered.
func (s *Scheduler) AddAccountsFromConfig(cfg *config.Config) (int, []error) {
	var errors []error
	scheduled := 0

	for _, acc := range cfg.ScheduledAccounts() {
		if err := s.AddAccount(acc.AccountID, acc.Schedule, acc.SyncFolders()); err != nil {
			errors = append(errors, fmt.Errorf("%s: %w", acc.AccountID, err))
		} else {
			scheduled++
		}
	}

	return scheduled, errors
}

// RemoveAccount removes the schedule for an account.
func (s *Scheduler) RemoveAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[accountID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, accountID)
		delete(s.schedules, accountID)
		delete(s.folders, accountID)
		s.logger.Info("removed schedule", "account", accountID)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop gracefully stops the scheduler, cancels running sync jobs, and waits
// for them to finish. Returns a context that is done when all work completes.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel() // signal running syncs to stop

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// runSync executes sync for an account (called by cron or TriggerSync).
// The caller must have already called wg.Add(1) and set running = true.
func (s *Scheduler) runSync(accountID string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[accountID] = false
		s.mu.Unlock()
	}()

	s.mu.RLock()
	folders := s.folders[accountID]
	s.mu.RUnlock()

	s.logger.Info("starting scheduled sync", "account", accountID)
	start := time.Now()

	err := s.syncFunc(s.ctx, accountID, folders)

	s.mu.Lock()
	if err != nil {
		s.lastErr[accountID] = err
		s.logger.Error("scheduled sync failed",
			"account", accountID,
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun[accountID] = time.Now()
		s.lastErr[accountID] = nil
		s.logger.Info("scheduled sync completed",
			"account", accountID,
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// IsScheduled returns true if the account has been added to the scheduler.
func (s *Scheduler) IsScheduled(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.jobs[accountID]
	return exists
}

// TriggerSync manually triggers a sync for an account (outside of schedule).
// Returns an error if a sync is already running, the account is not scheduled,
// or the scheduler has been stopped.
func (s *Scheduler) TriggerSync(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}

	if _, exists := s.jobs[accountID]; !exists {
		return fmt.Errorf("account %s is not scheduled", accountID)
	}
	if s.running[accountID] {
		return fmt.Errorf("sync already running for %s", accountID)
	}

	s.running[accountID] = true
	s.wg.Add(1)
	go s.runSync(accountID)
	return nil
}

// Status returns the current status of all scheduled accounts.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var statuses []AccountStatus
	for accountID, entryID := range s.jobs {
		entry := s.cron.Entry(entryID)
		status := AccountStatus{
			AccountID: accountID,
			Running:   s.running[accountID],
			LastRun:   s.lastRun[accountID],
			NextRun:   entry.Next,
			Schedule:  s.schedules[accountID],
		}
		if err := s.lastErr[accountID]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
