package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrRunFinalized is returned when a finished SyncRun is written again.
var ErrRunFinalized = errors.New("sync run already finalized")

// CreateSyncRun inserts a run row in the running state.
func (s *Store) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	run.StartedAt = run.StartedAt.UTC()
	if run.Status == "" {
		run.Status = RunRunning
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// FinishSyncRun writes the final state of a run. Rows whose ended_at is set
// are never modified again.
func (s *Store) FinishSyncRun(ctx context.Context, run *SyncRun) error {
	if run.EndedAt == nil {
		return fmt.Errorf("sync run %s has no end time", run.RunID)
	}
	res := s.db.WithContext(ctx).Model(&SyncRun{}).
		Where("id = ? AND ended_at IS NULL", run.ID).
		UpdateColumns(map[string]interface{}{
			"status":           run.Status,
			"ended_at":         run.EndedAt.UTC(),
			"events_processed": run.EventsProcessed,
			"events_succeeded": run.EventsSucceeded,
			"events_failed":    run.EventsFailed,
			"created":          run.Created,
			"updated":          run.Updated,
			"deleted":          run.Deleted,
			"conflicts":        run.Conflicts,
			"error_message":    run.ErrorMessage,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish sync run %s: %w", run.RunID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sync run %s: %w", run.RunID, ErrRunFinalized)
	}
	return nil
}

// LatestSyncRun returns the most recent run of a link, or nil when it never ran.
func (s *Store) LatestSyncRun(ctx context.Context, linkID uint) (*SyncRun, error) {
	var run SyncRun
	err := s.db.WithContext(ctx).Where("calendar_link_id = ?", linkID).Order("started_at DESC, id DESC").Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest sync run of link %d: %w", linkID, err)
	}
	return &run, nil
}

// ListSyncRuns returns up to limit runs of a link, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, linkID uint, limit int) ([]SyncRun, error) {
	var runs []SyncRun
	err := s.db.WithContext(ctx).Where("calendar_link_id = ?", linkID).
		Order("started_at DESC, id DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs of link %d: %w", linkID, err)
	}
	return runs, nil
}
