package calendar

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// EventStatus is the provider-side status of an event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// AppointmentRefKey is the private event property carrying the internal appointment id.
const AppointmentRefKey = "appointmentId"

// Reminder is a notification override on an event.
type Reminder struct {
	Method  string `json:"method"` // "email" or "popup"
	Minutes int    `json:"minutes"`
}

// Event is the provider-independent, validated form of an external calendar event.
type Event struct {
	ID             string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	// OpenEnded is set when the provider gave a start but no end or duration.
	OpenEnded      bool
	AllDay         bool
	TimeZone       string
	Status         EventStatus
	Updated        time.Time
	Reminders      []Reminder
	AppointmentRef string
	Raw            []byte
}

// Duration returns the length of a timed event.
func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// CalendarInfo describes one calendar of the authorized account.
type CalendarInfo struct {
	ID       string
	Name     string
	TimeZone string
	Color    string
	Primary  bool
}

// Session carries what a provider call needs for one calendar link.
type Session struct {
	Token      *oauth2.Token
	Username   string
	CalendarID string
}

// ListQuery selects one page of events. When SyncToken is set the window is ignored
// and only changes since the token are returned.
type ListQuery struct {
	TimeMin   time.Time
	TimeMax   time.Time
	PageToken string
	SyncToken string
}

// Page is one page of a list call. Invalid items are reported in Rejected
// instead of being dropped.
type Page struct {
	Events        []*Event
	Rejected      []*ValidationError
	NextPageToken string
	NextSyncToken string
}

// Provider is the interface every external calendar implementation satisfies.
type Provider interface {
	ListCalendars(ctx context.Context, s Session) ([]CalendarInfo, error)
	ListEvents(ctx context.Context, s Session, q ListQuery) (*Page, error)
	// GetEvent returns ErrNotFound when the event no longer exists.
	GetEvent(ctx context.Context, s Session, eventID string) (*Event, error)
	InsertEvent(ctx context.Context, s Session, event *Event) (*Event, error)
	UpdateEvent(ctx context.Context, s Session, eventID string, event *Event) (*Event, error)
	DeleteEvent(ctx context.Context, s Session, eventID string) error
}

// Registry maps a link's provider kind ("google", "caldav") to its client.
type Registry map[string]Provider

// Lookup returns the provider registered for kind.
func (r Registry) Lookup(kind string) (Provider, error) {
	p, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no calendar provider registered for %q", kind)
	}
	return p, nil
}
