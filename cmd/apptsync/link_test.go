package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/beekhof/appointment-sync/internal/calendar"
	"github.com/beekhof/appointment-sync/internal/scheduler"
	"github.com/beekhof/appointment-sync/internal/store"
)

var testCalendars = []calendar.CalendarInfo{
	{ID: "primary@example.com", Name: "Practice", TimeZone: "Europe/Berlin", Primary: true},
	{ID: "rooms@example.com", Name: "Rooms", TimeZone: "UTC"},
}

func TestChooseCalendar_ByID(t *testing.T) {
	got, err := chooseCalendar(testCalendars, "rooms@example.com", strings.NewReader(""), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("chooseCalendar() returned an error: %v", err)
	}
	if got.Name != "Rooms" {
		t.Errorf("Expected calendar 'Rooms', got '%s'", got.Name)
	}

	if _, err := chooseCalendar(testCalendars, "missing@example.com", strings.NewReader(""), &bytes.Buffer{}); err == nil {
		t.Error("Expected an error for an unknown calendar id")
	}
}

func TestChooseCalendar_Interactive(t *testing.T) {
	var out bytes.Buffer
	got, err := chooseCalendar(testCalendars, "", strings.NewReader("1\n"), &out)
	if err != nil {
		t.Fatalf("chooseCalendar() returned an error: %v", err)
	}
	if got.ID != "primary@example.com" {
		t.Errorf("Expected the first calendar, got '%s'", got.ID)
	}
	if !strings.Contains(out.String(), "Practice") || !strings.Contains(out.String(), "Rooms") {
		t.Errorf("Expected both calendars to be listed, got:\n%s", out.String())
	}

	for _, input := range []string{"3\n", "zero\n", ""} {
		if _, err := chooseCalendar(testCalendars, "", strings.NewReader(input), &bytes.Buffer{}); err == nil {
			t.Errorf("Expected an error for selection %q", input)
		}
	}
}

func TestChooseCalendar_NoCalendars(t *testing.T) {
	if _, err := chooseCalendar(nil, "", strings.NewReader("1\n"), &bytes.Buffer{}); err == nil {
		t.Error("Expected an error when the account has no calendars")
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		warn  bool
	}{
		{"debug", true, true},
		{"INFO", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		logger := setupLogger(tt.level)
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.debug {
			t.Errorf("setupLogger(%q) debug enabled = %v, want %v", tt.level, got, tt.debug)
		}
		if got := logger.Enabled(context.Background(), slog.LevelWarn); got != tt.warn {
			t.Errorf("setupLogger(%q) warn enabled = %v, want %v", tt.level, got, tt.warn)
		}
	}
}

func TestWriteLinks(t *testing.T) {
	synced := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	links := []store.CalendarLink{
		{Model: store.Model{ID: 1}, TenantID: "tenant-1", Provider: "google", DisplayName: "Practice",
			SyncDirection: store.DirectionBidirectional, SyncEnabled: true, LastSyncAt: &synced},
		{Model: store.Model{ID: 2}, TenantID: "tenant-2", Provider: "caldav", ExternalCalendarID: "/cal/rooms/",
			SyncDirection: store.DirectionImportOnly, DisabledReason: "token revoked"},
	}

	var out bytes.Buffer
	writeLinks(&out, links)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected a header and 2 rows, got:\n%s", out.String())
	}
	for _, want := range []string{"Practice", "bidirectional", "enabled", "2026-03-02T09:00:00Z"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("Expected %q in %q", want, lines[1])
		}
	}
	for _, want := range []string{"/cal/rooms/", "import_only", "disabled (token revoked)", "never"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("Expected %q in %q", want, lines[2])
		}
	}
}

func TestStatusReport_JSON(t *testing.T) {
	report := statusReport{
		Status:  &scheduler.Status{LinkID: 7, State: string(store.RunSuccess)},
		History: []store.SyncRun{{RunID: "run-1", Status: store.RunSuccess}},
	}

	var out bytes.Buffer
	if err := printJSON(&out, report); err != nil {
		t.Fatalf("printJSON() returned an error: %v", err)
	}
	for _, want := range []string{`"link_id": 7`, `"history"`, `"run-1"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %s in:\n%s", want, out.String())
		}
	}
}
