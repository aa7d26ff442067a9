package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Snapshot is the complete set of external events of one window, read once.
type Snapshot struct {
	Events   []*Event
	Rejected []*ValidationError
	// SyncToken is the provider's incremental cursor after this fetch, if offered.
	SyncToken string
}

// Fetcher retrieves windowed event snapshots through a Provider.
type Fetcher struct {
	provider Provider
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher over provider.
func NewFetcher(provider Provider, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{provider: provider, logger: logger}
}

// ListEvents returns every event intersecting [start, end), following pagination.
// Cancelled tombstones without times are kept so deletions can be applied.
func (f *Fetcher) ListEvents(ctx context.Context, s Session, start, end time.Time) (*Snapshot, error) {
	snap := &Snapshot{}
	seen := make(map[string]int)
	q := ListQuery{TimeMin: start, TimeMax: end}
	for {
		page, err := f.provider.ListEvents(ctx, s, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list events of %s: %w", s.CalendarID, err)
		}
		for _, ev := range page.Events {
			if !inWindow(ev, start, end) {
				continue
			}
			if i, ok := seen[ev.ID]; ok {
				snap.Events[i] = ev
				continue
			}
			seen[ev.ID] = len(snap.Events)
			snap.Events = append(snap.Events, ev)
		}
		snap.Rejected = append(snap.Rejected, page.Rejected...)
		if page.NextSyncToken != "" {
			snap.SyncToken = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		if page.NextPageToken == q.PageToken {
			return nil, fmt.Errorf("provider repeated page token %q", q.PageToken)
		}
		q.PageToken = page.NextPageToken
	}

	f.logger.Debug("Fetched external events",
		"calendar", s.CalendarID, "events", len(snap.Events), "rejected", len(snap.Rejected))
	return snap, nil
}

// Changed reports whether anything changed since cursor and, if not, the cursor
// to keep. An empty or expired cursor always reports a change.
func (f *Fetcher) Changed(ctx context.Context, s Session, cursor string) (bool, string, error) {
	if cursor == "" {
		return true, "", nil
	}
	q := ListQuery{SyncToken: cursor}
	for {
		page, err := f.provider.ListEvents(ctx, s, q)
		if errors.Is(err, ErrCursorExpired) {
			f.logger.Info("Sync cursor expired, full fetch required", "calendar", s.CalendarID)
			return true, "", nil
		}
		if err != nil {
			return false, "", fmt.Errorf("failed to check changes of %s: %w", s.CalendarID, err)
		}
		if len(page.Events) > 0 || len(page.Rejected) > 0 {
			return true, "", nil
		}
		if page.NextPageToken == "" || page.NextPageToken == q.PageToken {
			next := page.NextSyncToken
			if next == "" {
				next = cursor
			}
			return false, next, nil
		}
		q.PageToken = page.NextPageToken
	}
}

func inWindow(ev *Event, start, end time.Time) bool {
	if ev.Start.IsZero() {
		return ev.Status == StatusCancelled
	}
	if ev.End.Equal(ev.Start) {
		return !ev.Start.Before(start) && ev.Start.Before(end)
	}
	return ev.Start.Before(end) && ev.End.After(start)
}
