package sync

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/beekhof/appointment-sync/internal/calendar"
)

const (
	MinAppointmentDuration = 15 * time.Minute
	MaxAppointmentDuration = 240 * time.Minute
	// minTitleRunes is exclusive: a title needs more runes than this.
	minTitleRunes = 3
)

// IsAppointmentCandidate decides whether an external event looks like an
// appointment worth importing:
// - all-day events are never appointments
// - the duration must lie within [15m, 240m]
// - the trimmed title must be longer than 3 characters
func IsAppointmentCandidate(event *calendar.Event) bool {
	if event == nil || event.AllDay {
		return false
	}
	d := event.Duration()
	if d < MinAppointmentDuration || d > MaxAppointmentDuration {
		return false
	}
	return utf8.RuneCountInString(strings.TrimSpace(event.Title)) > minTitleRunes
}
