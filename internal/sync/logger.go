package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/beekhof/appointment-sync/internal/store"
)

const maxErrorMessage = 2000

// RunStore persists SyncRun rows. *store.Store satisfies it.
type RunStore interface {
	CreateSyncRun(ctx context.Context, run *store.SyncRun) error
	FinishSyncRun(ctx context.Context, run *store.SyncRun) error
}

// SyncLogger writes one audit row per run.
type SyncLogger struct {
	store  RunStore
	logger *slog.Logger
	now    func() time.Time
}

func NewSyncLogger(st RunStore, logger *slog.Logger) *SyncLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncLogger{store: st, logger: logger, now: time.Now}
}

// Track records a run of fn. The row is created before fn starts and finished
// afterwards, even if fn fails or panics; a panic is re-raised once the row
// is written.
func (l *SyncLogger) Track(ctx context.Context, linkID uint, op store.Operation, trigger store.Trigger,
	fn func(context.Context) (*Result, error)) (run *store.SyncRun, err error) {
	run = &store.SyncRun{
		CalendarLinkID: linkID,
		OperationType:  op,
		Trigger:        trigger,
		Status:         store.RunRunning,
		StartedAt:      l.now().UTC(),
	}
	if err := l.store.CreateSyncRun(ctx, run); err != nil {
		return nil, err
	}

	var res *Result
	defer func() {
		if p := recover(); p != nil {
			l.finish(ctx, run, res, fmt.Errorf("panic: %v", p))
			panic(p)
		}
		if ferr := l.finish(ctx, run, res, err); ferr != nil && err == nil {
			err = ferr
		}
	}()

	res, err = fn(ctx)
	return run, err
}

func (l *SyncLogger) finish(ctx context.Context, run *store.SyncRun, res *Result, runErr error) error {
	if res == nil {
		res = &Result{}
	}
	ended := l.now().UTC()
	run.EndedAt = &ended
	run.EventsProcessed = res.Processed
	run.EventsSucceeded = res.Succeeded
	run.EventsFailed = res.Failed
	run.Created, run.Updated, run.Deleted, run.Conflicts = res.Created, res.Updated, res.Deleted, res.Conflicts

	msgs := res.Errors
	switch {
	case runErr != nil && res.Succeeded > 0:
		run.Status = store.RunPartial
		msgs = append([]string{runErr.Error()}, msgs...)
	case runErr != nil:
		run.Status = store.RunError
		msgs = append([]string{runErr.Error()}, msgs...)
	default:
		run.Status = res.Status()
	}
	run.ErrorMessage = truncate(strings.Join(msgs, "; "), maxErrorMessage)

	// The row is finished even when the run was cancelled.
	if err := l.store.FinishSyncRun(context.WithoutCancel(ctx), run); err != nil {
		l.logger.Error("Failed to record sync run", "link", run.CalendarLinkID, "run", run.RunID, "error", err)
		return err
	}
	l.logger.Info("Recorded sync run",
		"link", run.CalendarLinkID, "run", run.RunID, "status", run.Status,
		"processed", run.EventsProcessed, "failed", run.EventsFailed)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
