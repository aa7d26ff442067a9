package sync

import (
	"testing"
	"time"

	"github.com/beekhof/appointment-sync/internal/calendar"
)

func TestIsAppointmentCandidate(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	timed := func(title string, d time.Duration) *calendar.Event {
		return &calendar.Event{ID: "e", Title: title, Start: start, End: start.Add(d)}
	}

	tests := []struct {
		name  string
		event *calendar.Event
		want  bool
	}{
		{"typical appointment", timed("Haircut", 45*time.Minute), true},
		{"duration lower bound", timed("Haircut", 15*time.Minute), true},
		{"duration upper bound", timed("Haircut", 240*time.Minute), true},
		{"just too short", timed("Haircut", 14*time.Minute+59*time.Second), false},
		{"just too long", timed("Haircut", 240*time.Minute+time.Second), false},
		{"fourteen minutes", timed("Haircut", 14*time.Minute), false},
		{"241 minutes", timed("Haircut", 241*time.Minute), false},
		{"zero length", timed("Haircut", 0), false},
		{"ends before it starts", timed("Haircut", -time.Hour), false},
		{"title of three runes", timed("Cut", time.Hour), false},
		{"title of four runes", timed("Cuts", time.Hour), true},
		{"title padded with spaces", timed("  Cut  ", time.Hour), false},
		{"multibyte title", timed("Café", time.Hour), true},
		{"all day", &calendar.Event{ID: "e", Title: "Conference", Start: start, End: start.Add(time.Hour), AllDay: true}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAppointmentCandidate(tt.event); got != tt.want {
				t.Errorf("IsAppointmentCandidate() = %v, want %v", got, tt.want)
			}
		})
	}
}
