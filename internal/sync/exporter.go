package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/beekhof/appointment-sync/internal/calendar"
	"github.com/beekhof/appointment-sync/internal/store"
)

// DefaultReminders are attached to every exported event unless configured otherwise.
var DefaultReminders = []calendar.Reminder{
	{Method: "email", Minutes: 60},
	{Method: "popup", Minutes: 15},
}

const titleSeparator = " - "

// ExportStore records the outcome of an export.
type ExportStore interface {
	MarkExported(ctx context.Context, apptID uint, ev *store.ExternalEvent, at time.Time) error
	MarkSyncError(ctx context.Context, apptID uint, msg string) error
	DeleteExternalEvent(ctx context.Context, linkID uint, externalID string) error
}

// StoreError marks a persistence failure. Unlike provider failures it aborts a run.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// Exporter writes appointments to provider calendars.
type Exporter struct {
	store     ExportStore
	providers calendar.Registry
	reminders []calendar.Reminder
	logger    *slog.Logger
	now       func() time.Time
}

// NewExporter creates an Exporter. A nil reminders slice selects DefaultReminders.
func NewExporter(st ExportStore, providers calendar.Registry, reminders []calendar.Reminder, logger *slog.Logger) *Exporter {
	if reminders == nil {
		reminders = DefaultReminders
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: st, providers: providers, reminders: reminders, logger: logger, now: time.Now}
}

// EventTitle is the provider title of an appointment: service and client name.
func EventTitle(a *store.Appointment) string {
	var parts []string
	for _, p := range []string{a.ServiceName, a.ClientName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return defaultAppointmentTitle
	}
	return strings.Join(parts, titleSeparator)
}

// splitTitle is the inverse of EventTitle.
func splitTitle(title string) (service, client string) {
	service, client, _ = strings.Cut(strings.TrimSpace(title), titleSeparator)
	return strings.TrimSpace(service), strings.TrimSpace(client)
}

// canonicalTitle is the title EventTitle would write for whatever splitTitle
// reads out of title. Titles that differ only in spacing compare equal.
func canonicalTitle(title string) string {
	service, client := splitTitle(title)
	return EventTitle(&store.Appointment{ServiceName: service, ClientName: client})
}

func eventDescription(a *store.Appointment) string {
	var lines []string
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			lines = append(lines, label+": "+value)
		}
	}
	add("Client", a.ClientName)
	add("Service", a.ServiceName)
	add("Staff", a.StaffName)
	add("Notes", a.Notes)
	return strings.Join(lines, "\n")
}

// EventStatusFor maps an appointment status to the provider event status.
func EventStatusFor(s store.AppointmentStatus) calendar.EventStatus {
	switch s {
	case store.AppointmentConfirmed, store.AppointmentCompleted:
		return calendar.StatusConfirmed
	case store.AppointmentCancelled:
		return calendar.StatusCancelled
	default:
		return calendar.StatusTentative
	}
}

// AppointmentStatusFor maps a provider event status back to an appointment status.
func AppointmentStatusFor(s calendar.EventStatus) store.AppointmentStatus {
	switch s {
	case calendar.StatusConfirmed:
		return store.AppointmentConfirmed
	case calendar.StatusCancelled:
		return store.AppointmentCancelled
	default:
		return store.AppointmentScheduled
	}
}

// BuildEvent renders an appointment as a provider event for link.
func (e *Exporter) BuildEvent(link *store.CalendarLink, a *store.Appointment) *calendar.Event {
	loc := link.Location()
	reminders := make([]calendar.Reminder, len(e.reminders))
	copy(reminders, e.reminders)
	return &calendar.Event{
		Title:          EventTitle(a),
		Description:    eventDescription(a),
		Location:       a.Location,
		Start:          a.StartTime.In(loc),
		End:            a.EndTime.In(loc),
		TimeZone:       link.Timezone,
		Status:         EventStatusFor(a.Status),
		Reminders:      reminders,
		AppointmentRef: strconv.FormatUint(uint64(a.ID), 10),
	}
}

// CreateOrUpdateExternalEvent writes an appointment to the link's calendar: an
// update when it already has an event, a create otherwise or when that event is
// gone. On success the appointment is linked and marked synced; on a provider
// failure it is marked as errored and the failure is returned. created reports
// whether a new event was made.
func (e *Exporter) CreateOrUpdateExternalEvent(ctx context.Context, session calendar.Session, link *store.CalendarLink, a *store.Appointment) (event *calendar.Event, created bool, err error) {
	provider, err := e.providers.Lookup(link.Provider)
	if err != nil {
		return nil, false, err
	}

	ev := e.BuildEvent(link, a)
	replaced := ""
	if id := a.ExternalID(); id != "" {
		event, err = provider.UpdateEvent(ctx, session, id, ev)
		if errors.Is(err, calendar.ErrNotFound) {
			e.logger.Info("Provider event is gone, creating a new one",
				"link", link.ID, "appointment", a.ID, "event", id)
			event, err = provider.InsertEvent(ctx, session, ev)
			created, replaced = true, id
		}
	} else {
		event, err = provider.InsertEvent(ctx, session, ev)
		created = true
	}

	if err != nil {
		if ctx.Err() == nil {
			if merr := e.store.MarkSyncError(ctx, a.ID, err.Error()); merr != nil {
				return nil, false, &StoreError{Err: merr}
			}
			a.SyncStatus, a.SyncError = store.SyncError, err.Error()
		}
		return nil, false, fmt.Errorf("failed to export appointment %d: %w", a.ID, err)
	}

	now := e.now().UTC()
	if replaced != "" {
		if err := e.store.DeleteExternalEvent(ctx, link.ID, replaced); err != nil {
			return nil, false, &StoreError{Err: err}
		}
	}
	row := eventRow(link.ID, event, store.OriginExported)
	if err := e.store.MarkExported(ctx, a.ID, row, now); err != nil {
		return nil, false, &StoreError{Err: err}
	}
	a.ExternalEventID = &event.ID
	a.CalendarLinkID = &link.ID
	a.SyncStatus, a.SyncError, a.LastSyncAt = store.SyncSynced, "", &now
	return event, created, nil
}

// eventRow converts a provider event to its store row. An empty origin keeps
// the origin of an existing row.
func eventRow(linkID uint, ev *calendar.Event, origin store.EventOrigin) *store.ExternalEvent {
	return &store.ExternalEvent{
		CalendarLinkID:  linkID,
		ExternalEventID: ev.ID,
		Title:           ev.Title,
		Description:     ev.Description,
		StartTime:       ev.Start,
		EndTime:         ev.End,
		AllDay:          ev.AllDay,
		Timezone:        ev.TimeZone,
		Status:          string(ev.Status),
		LastModified:    ev.Updated,
		RawPayload:      ev.Raw,
		Origin:          origin,
	}
}
