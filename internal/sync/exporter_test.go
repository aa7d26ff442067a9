package sync

import (
	"context"
	"strings"
	"testing"

	"github.com/beekhof/appointment-sync/internal/calendar"
	"github.com/beekhof/appointment-sync/internal/store"
)

func TestEventTitle(t *testing.T) {
	tests := []struct {
		service, client string
		want            string
	}{
		{"Haircut", "Jane Doe", "Haircut - Jane Doe"},
		{"Haircut", "", "Haircut"},
		{"", " Jane Doe ", "Jane Doe"},
		{"", "", "Appointment"},
	}
	for _, tt := range tests {
		a := &store.Appointment{ServiceName: tt.service, ClientName: tt.client}
		if got := EventTitle(a); got != tt.want {
			t.Errorf("EventTitle(%q, %q) = %q, want %q", tt.service, tt.client, got, tt.want)
		}
	}
}

func TestSplitTitle_RoundTrip(t *testing.T) {
	tests := []struct {
		title           string
		service, client string
		canonical       string
	}{
		{"Haircut - Jane Doe", "Haircut", "Jane Doe", "Haircut - Jane Doe"},
		{"Consult -  Jane", "Consult", "Jane", "Consult - Jane"},
		{"  Consult  -  Jane  ", "Consult", "Jane", "Consult - Jane"},
		{"Color - Jane - touch up", "Color", "Jane - touch up", "Color - Jane - touch up"},
		{"Haircut -", "Haircut -", "", "Haircut -"},
		{"", "", "", "Appointment"},
	}
	for _, tt := range tests {
		service, client := splitTitle(tt.title)
		if service != tt.service || client != tt.client {
			t.Errorf("splitTitle(%q) = %q, %q, want %q, %q", tt.title, service, client, tt.service, tt.client)
		}
		got := canonicalTitle(tt.title)
		if got != tt.canonical {
			t.Errorf("canonicalTitle(%q) = %q, want %q", tt.title, got, tt.canonical)
		}
		if again := canonicalTitle(got); again != got {
			t.Errorf("canonicalTitle(%q) = %q, want it unchanged", got, again)
		}
		a := &store.Appointment{ServiceName: service, ClientName: client}
		if EventTitle(a) != got {
			t.Errorf("EventTitle of split %q = %q, want %q", tt.title, EventTitle(a), got)
		}
	}
}

func TestStatusMapping(t *testing.T) {
	toProvider := map[store.AppointmentStatus]calendar.EventStatus{
		store.AppointmentScheduled:  calendar.StatusTentative,
		store.AppointmentInProgress: calendar.StatusTentative,
		store.AppointmentConfirmed:  calendar.StatusConfirmed,
		store.AppointmentCompleted:  calendar.StatusConfirmed,
		store.AppointmentCancelled:  calendar.StatusCancelled,
	}
	for in, want := range toProvider {
		if got := EventStatusFor(in); got != want {
			t.Errorf("EventStatusFor(%s) = %s, want %s", in, got, want)
		}
	}

	fromProvider := map[calendar.EventStatus]store.AppointmentStatus{
		calendar.StatusConfirmed: store.AppointmentConfirmed,
		calendar.StatusTentative: store.AppointmentScheduled,
		calendar.StatusCancelled: store.AppointmentCancelled,
	}
	for in, want := range fromProvider {
		if got := AppointmentStatusFor(in); got != want {
			t.Errorf("AppointmentStatusFor(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestExporter_BuildEvent(t *testing.T) {
	env := newTestEnv(t, store.DirectionBidirectional, store.PolicyNewestWins)
	env.link.Timezone = "Europe/Berlin"
	a := env.newAppointment(t, func(a *store.Appointment) {
		a.Notes = "Bring photos"
		a.Location = "Salon 2"
	})
	e := NewExporter(env.store, nil, []calendar.Reminder{{Method: "popup", Minutes: 5}}, discardLogger())

	ev := e.BuildEvent(env.link, a)

	for _, line := range []string{"Client: Jane Doe", "Service: Haircut", "Staff: Sam", "Notes: Bring photos"} {
		if !strings.Contains(ev.Description, line) {
			t.Errorf("Expected description to contain %q, got %q", line, ev.Description)
		}
	}
	if ev.Start.Location().String() != "Europe/Berlin" || ev.TimeZone != "Europe/Berlin" {
		t.Errorf("Expected times in the link time zone, got %v %q", ev.Start.Location(), ev.TimeZone)
	}
	if !ev.Start.Equal(a.StartTime) || ev.Location != "Salon 2" {
		t.Errorf("Expected start and location copied, got %v %q", ev.Start, ev.Location)
	}
	if len(ev.Reminders) != 1 || ev.Reminders[0].Minutes != 5 {
		t.Errorf("Expected configured reminders, got %v", ev.Reminders)
	}
}

func TestExporter_RecreatesMissingEvent(t *testing.T) {
	env := newTestEnv(t, store.DirectionBidirectional, store.PolicyNewestWins)
	ctx := context.Background()
	a := env.newAppointment(t)
	env.run(t)
	a = env.reload(t, a.ID)
	oldID := a.ExternalID()
	delete(env.provider.events, oldID)
	env.provider.reset()

	session := calendar.Session{CalendarID: env.link.ExternalCalendarID}
	ev, created, err := env.rec.exporter.CreateOrUpdateExternalEvent(ctx, session, env.link, a)
	if err != nil {
		t.Fatalf("CreateOrUpdateExternalEvent() returned an error: %v", err)
	}
	if !created || ev.ID == oldID {
		t.Errorf("Expected a new event, got %q (created=%v)", ev.ID, created)
	}
	if a.ExternalID() != ev.ID {
		t.Errorf("Expected appointment to point at %q, got %q", ev.ID, a.ExternalID())
	}
	rows := env.rows(t)
	if len(rows) != 1 || rows[0].ExternalEventID != ev.ID {
		t.Errorf("Expected only the new row, got %+v", rows)
	}
}

func TestExporter_FailureMarksError(t *testing.T) {
	env := newTestEnv(t, store.DirectionBidirectional, store.PolicyNewestWins)
	env.provider.failTitles["Haircut - Jane Doe"] = &calendar.TransientError{Op: "insert event", Err: context.DeadlineExceeded}
	a := env.newAppointment(t)

	session := calendar.Session{CalendarID: env.link.ExternalCalendarID}
	_, _, err := env.rec.exporter.CreateOrUpdateExternalEvent(context.Background(), session, env.link, a)
	if err == nil {
		t.Fatal("Expected an error")
	}
	got := env.reload(t, a.ID)
	if got.SyncStatus != store.SyncError || got.ExternalID() != "" {
		t.Errorf("Expected error status and no external id, got %s %q", got.SyncStatus, got.ExternalID())
	}
	if len(env.rows(t)) != 0 {
		t.Error("Expected no external event row")
	}
}
