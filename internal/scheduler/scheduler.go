// Package scheduler runs reconciliation for calendar links, periodically and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/semaphore"

	"github.com/beekhof/appointment-sync/internal/lock"
	"github.com/beekhof/appointment-sync/internal/store"
	appsync "github.com/beekhof/appointment-sync/internal/sync"
)

var (
	// ErrRunInFlight is returned by TriggerSync when the link is already syncing.
	ErrRunInFlight = errors.New("a sync run for this link is already in progress")
	// ErrDirectionNotAllowed is returned when a requested direction would widen the link's direction.
	ErrDirectionNotAllowed = errors.New("sync direction not allowed for this link")
	// ErrStopped is returned by TriggerSync once Stop has been called.
	ErrStopped = errors.New("scheduler is stopped")
)

const (
	DefaultPoolSize        = 4
	defaultIntervalMinutes = 15
	refreshTag             = "refresh-links"
)

// Link states reported by GetSyncStatus besides the run statuses.
const (
	StateDisabled    = "disabled"
	StateConflict    = "conflict"
	StateNeverSynced = "never_synced"
)

// Store is the persistence the Scheduler reads. *store.Store satisfies it.
type Store interface {
	GetCalendarLink(ctx context.Context, id uint) (*store.CalendarLink, error)
	ListSchedulableLinks(ctx context.Context) ([]store.CalendarLink, error)
	LatestSyncRun(ctx context.Context, linkID uint) (*store.SyncRun, error)
	CountAppointmentsBySyncStatus(ctx context.Context, linkID uint, status store.SyncStatus) (int64, error)
	UpdateSyncConfiguration(ctx context.Context, id uint, cfg store.SyncConfiguration) (*store.CalendarLink, error)
}

// Runner reconciles one link. *sync.Reconciler satisfies it.
type Runner interface {
	Run(ctx context.Context, linkID uint, direction store.SyncDirection) (*appsync.Result, error)
}

// Tracker records runs. *sync.SyncLogger satisfies it.
type Tracker interface {
	Track(ctx context.Context, linkID uint, op store.Operation, trigger store.Trigger,
		fn func(context.Context) (*appsync.Result, error)) (*store.SyncRun, error)
}

// Status is the aggregated sync state of one link.
type Status struct {
	LinkID           uint           `json:"link_id"`
	State            string         `json:"state"`
	SyncEnabled      bool           `json:"sync_enabled"`
	DisabledReason   string         `json:"disabled_reason,omitempty"`
	Running          bool           `json:"running"`
	PendingConflicts int64          `json:"pending_conflicts"`
	LastSyncAt       *time.Time     `json:"last_sync_at,omitempty"`
	LastRun          *store.SyncRun `json:"last_run,omitempty"`
}

// Scheduler owns one gocron job per auto-synced link and serializes runs per link.
type Scheduler struct {
	store   Store
	runner  Runner
	tracker Tracker
	cron    *gocron.Scheduler
	pool    *semaphore.Weighted
	locks   lock.Keyed
	logger  *slog.Logger

	mu        sync.Mutex
	intervals map[uint]int
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Scheduler running at most poolSize links at once.
func New(st Store, runner Runner, tracker Tracker, poolSize int, logger *slog.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     st,
		runner:    runner,
		tracker:   tracker,
		cron:      gocron.NewScheduler(time.UTC),
		pool:      semaphore.NewWeighted(int64(poolSize)),
		logger:    logger,
		intervals: make(map[uint]int),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules every auto-synced link and keeps the jobs in step with the
// store once a minute. Runs stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.started, s.stopped = true, false
	s.mu.Unlock()

	if err := s.refresh(runCtx); err != nil {
		return err
	}
	s.mu.Lock()
	_, err := s.cron.Every(1).Minute().Tag(refreshTag).WaitForSchedule().Do(func() {
		if err := s.refresh(runCtx); err != nil {
			s.logger.Error("Failed to refresh scheduled links", "error", err)
		}
	})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to schedule link refresh: %w", err)
	}

	s.cron.StartAsync()
	s.logger.Info("Scheduler started", "links", len(s.intervals))
	return nil
}

// Stop cancels running syncs and waits for them to finish. No run starts
// after Stop returns.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.cron.Stop()
	cancel()
	s.wg.Wait()
}

// begin registers a run with Stop's wait group and returns the scheduler's
// context. It fails once Stop has been called.
func (s *Scheduler) begin() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	s.wg.Add(1)
	return s.ctx, true
}

// refresh brings the job set in line with the links that want automatic syncing.
func (s *Scheduler) refresh(ctx context.Context) error {
	links, err := s.store.ListSchedulableLinks(ctx)
	if err != nil {
		return err
	}
	want := make(map[uint]int, len(links))
	for _, l := range links {
		want[l.ID] = interval(&l)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.intervals {
		if _, ok := want[id]; !ok {
			s.unscheduleLocked(id)
		}
	}
	for id, minutes := range want {
		if s.intervals[id] == minutes {
			continue
		}
		if err := s.scheduleLocked(id, minutes); err != nil {
			return err
		}
	}
	return nil
}

func interval(l *store.CalendarLink) int {
	if l.SyncIntervalMinutes <= 0 {
		return defaultIntervalMinutes
	}
	return l.SyncIntervalMinutes
}

func jobTag(linkID uint) string {
	return "link-" + strconv.FormatUint(uint64(linkID), 10)
}

func (s *Scheduler) scheduleLocked(linkID uint, minutes int) error {
	if _, ok := s.intervals[linkID]; ok {
		s.cron.RemoveByTag(jobTag(linkID))
	}
	_, err := s.cron.Every(minutes).Minutes().Tag(jobTag(linkID)).WaitForSchedule().Do(func() {
		s.scheduledRun(linkID)
	})
	if err != nil {
		delete(s.intervals, linkID)
		return fmt.Errorf("failed to schedule link %d: %w", linkID, err)
	}
	s.intervals[linkID] = minutes
	s.logger.Info("Scheduled link", "link", linkID, "interval_minutes", minutes)
	return nil
}

func (s *Scheduler) unscheduleLocked(linkID uint) {
	if err := s.cron.RemoveByTag(jobTag(linkID)); err != nil {
		s.logger.Debug("No job to remove", "link", linkID, "error", err)
	}
	delete(s.intervals, linkID)
	s.logger.Info("Unscheduled link", "link", linkID)
}

// reschedule applies a link's current settings to its job.
func (s *Scheduler) reschedule(link *store.CalendarLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if !link.SyncEnabled || !link.AutoSyncEnabled {
		if _, ok := s.intervals[link.ID]; ok {
			s.unscheduleLocked(link.ID)
		}
		return nil
	}
	if s.intervals[link.ID] == interval(link) {
		return nil
	}
	return s.scheduleLocked(link.ID, interval(link))
}

// scheduledRun is the job body. A run still in flight from the previous tick,
// or a manual trigger, makes it skip this tick.
func (s *Scheduler) scheduledRun(linkID uint) {
	ctx, ok := s.begin()
	if !ok {
		s.logger.Debug("Skipping scheduled sync, scheduler stopped", "link", linkID)
		return
	}
	defer s.wg.Done()

	unlock, ok := s.locks.TryLock(linkID)
	if !ok {
		s.logger.Debug("Skipping scheduled sync, run in flight", "link", linkID)
		return
	}
	defer unlock()

	link, err := s.store.GetCalendarLink(ctx, linkID)
	if err != nil {
		s.logger.Error("Failed to load link for scheduled sync", "link", linkID, "error", err)
		return
	}
	if !link.SyncEnabled {
		s.logger.Debug("Skipping scheduled sync of disabled link", "link", linkID)
		return
	}
	if _, err := s.execute(ctx, link, "", store.TriggerScheduled); err != nil {
		s.logger.Warn("Scheduled sync failed", "link", linkID, "error", err)
	}
}

// TriggerSync runs a link now and waits for the result. direction may only
// narrow the link's configured direction; empty keeps it.
func (s *Scheduler) TriggerSync(ctx context.Context, linkID uint, direction store.SyncDirection) (*store.SyncRun, error) {
	link, err := s.store.GetCalendarLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if !link.SyncEnabled {
		return nil, fmt.Errorf("link %d: %w", linkID, appsync.ErrLinkDisabled)
	}
	effective, err := narrow(link.SyncDirection, direction)
	if err != nil {
		return nil, err
	}

	unlock, ok := s.locks.TryLock(linkID)
	if !ok {
		return nil, fmt.Errorf("link %d: %w", linkID, ErrRunInFlight)
	}
	defer unlock()

	if _, ok := s.begin(); !ok {
		return nil, ErrStopped
	}
	defer s.wg.Done()
	return s.execute(ctx, link, effective, store.TriggerManual)
}

func narrow(configured, requested store.SyncDirection) (store.SyncDirection, error) {
	if configured == "" {
		configured = store.DirectionBidirectional
	}
	if requested == "" {
		return configured, nil
	}
	if !requested.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", ErrDirectionNotAllowed, requested)
	}
	if requested != configured && configured != store.DirectionBidirectional {
		return "", fmt.Errorf("%w: link is %s, requested %s", ErrDirectionNotAllowed, configured, requested)
	}
	return requested, nil
}

// execute runs one link inside the worker pool. The caller holds the link lock.
func (s *Scheduler) execute(ctx context.Context, link *store.CalendarLink, direction store.SyncDirection, trigger store.Trigger) (*store.SyncRun, error) {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.pool.Release(1)

	op := direction
	if op == "" {
		op = link.SyncDirection
	}
	s.logger.Debug("Starting sync", "link", link.ID, "trigger", trigger, "direction", op)
	return s.tracker.Track(ctx, link.ID, op.Operation(), trigger, func(ctx context.Context) (*appsync.Result, error) {
		return s.runner.Run(ctx, link.ID, direction)
	})
}

// GetSyncStatus reports the latest run and outstanding conflicts of a link.
func (s *Scheduler) GetSyncStatus(ctx context.Context, linkID uint) (*Status, error) {
	link, err := s.store.GetCalendarLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	run, err := s.store.LatestSyncRun(ctx, linkID)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.store.CountAppointmentsBySyncStatus(ctx, linkID, store.SyncConflict)
	if err != nil {
		return nil, err
	}

	st := &Status{
		LinkID:           linkID,
		SyncEnabled:      link.SyncEnabled,
		DisabledReason:   link.DisabledReason,
		Running:          s.locks.Held(linkID),
		PendingConflicts: conflicts,
		LastSyncAt:       link.LastSyncAt,
		LastRun:          run,
	}
	switch {
	case !link.SyncEnabled:
		st.State = StateDisabled
	case conflicts > 0:
		st.State = StateConflict
	case run != nil:
		st.State = string(run.Status)
	default:
		st.State = StateNeverSynced
	}
	return st, nil
}

// UpdateSyncConfiguration validates and stores new settings, then reschedules the link.
func (s *Scheduler) UpdateSyncConfiguration(ctx context.Context, linkID uint, cfg store.SyncConfiguration) (*store.CalendarLink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	link, err := s.store.UpdateSyncConfiguration(ctx, linkID, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.reschedule(link); err != nil {
		return link, err
	}
	s.logger.Info("Updated sync configuration", "link", linkID)
	return link, nil
}
