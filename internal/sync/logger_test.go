package sync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/beekhof/appointment-sync/internal/store"
)

// mockRunStore is a mock implementation of RunStore for testing.
type mockRunStore struct {
	created  []*store.SyncRun
	finished []store.SyncRun
}

func (m *mockRunStore) CreateSyncRun(ctx context.Context, run *store.SyncRun) error {
	run.ID = uint(len(m.created) + 1)
	run.RunID = "run-" + string(rune('a'+len(m.created)))
	m.created = append(m.created, run)
	return nil
}

func (m *mockRunStore) FinishSyncRun(ctx context.Context, run *store.SyncRun) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.finished = append(m.finished, *run)
	return nil
}

func TestTrack_Success(t *testing.T) {
	rs := &mockRunStore{}
	l := NewSyncLogger(rs, discardLogger())

	run, err := l.Track(context.Background(), 7, store.OperationExport, store.TriggerScheduled,
		func(ctx context.Context) (*Result, error) {
			return &Result{Processed: 3, Succeeded: 3, Created: 2, Updated: 1}, nil
		})
	if err != nil {
		t.Fatalf("Track() returned an error: %v", err)
	}
	if len(rs.created) != 1 || len(rs.finished) != 1 {
		t.Fatalf("Expected one created and one finished row, got %d and %d", len(rs.created), len(rs.finished))
	}
	got := rs.finished[0]
	if got.Status != store.RunSuccess || got.EventsSucceeded != 3 || got.Created != 2 || got.EndedAt == nil {
		t.Errorf("Unexpected finished row: %+v", got)
	}
	if run.CalendarLinkID != 7 || run.OperationType != store.OperationExport || run.Trigger != store.TriggerScheduled {
		t.Errorf("Unexpected run metadata: %+v", run)
	}
}

func TestTrack_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		want store.RunStatus
	}{
		{name: "before any work", res: nil, want: store.RunError},
		{name: "after some work", res: &Result{Processed: 2, Succeeded: 1, Failed: 1}, want: store.RunPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &mockRunStore{}
			boom := errors.New("store went away")

			_, err := NewSyncLogger(rs, discardLogger()).Track(context.Background(), 1,
				store.OperationBidirectional, store.TriggerManual,
				func(ctx context.Context) (*Result, error) { return tt.res, boom })

			if !errors.Is(err, boom) {
				t.Fatalf("Expected the run error, got %v", err)
			}
			got := rs.finished[0]
			if got.Status != tt.want {
				t.Errorf("Expected status %s, got %s", tt.want, got.Status)
			}
			if !strings.Contains(got.ErrorMessage, "store went away") {
				t.Errorf("Expected error message to be recorded, got %q", got.ErrorMessage)
			}
		})
	}
}

func TestTrack_PanicWritesRowAndRepanics(t *testing.T) {
	rs := &mockRunStore{}
	l := NewSyncLogger(rs, discardLogger())

	defer func() {
		if p := recover(); p != "boom" {
			t.Fatalf("Expected the panic to propagate, got %v", p)
		}
		if len(rs.finished) != 1 {
			t.Fatalf("Expected a finished row, got %d", len(rs.finished))
		}
		got := rs.finished[0]
		if got.Status != store.RunError || !strings.Contains(got.ErrorMessage, "panic: boom") {
			t.Errorf("Expected error row for the panic, got %+v", got)
		}
	}()

	l.Track(context.Background(), 1, store.OperationImport, store.TriggerManual,
		func(ctx context.Context) (*Result, error) { panic("boom") })
}

func TestTrack_CancelledRunStillFinished(t *testing.T) {
	rs := &mockRunStore{}
	ctx, cancel := context.WithCancel(context.Background())

	_, err := NewSyncLogger(rs, discardLogger()).Track(ctx, 1, store.OperationImport, store.TriggerManual,
		func(ctx context.Context) (*Result, error) {
			cancel()
			return &Result{Processed: 1, Succeeded: 1}, ctx.Err()
		})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(rs.finished) != 1 || rs.finished[0].Status != store.RunPartial {
		t.Errorf("Expected a partial row despite cancellation, got %+v", rs.finished)
	}
}
