package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googleDateLayout = "2006-01-02"

// GoogleClient is a Provider backed by the Google Calendar API.
type GoogleClient struct {
	base  *http.Client
	retry RetryPolicy
	opts  []option.ClientOption
}

// NewGoogleClient creates a Google Calendar provider. base supplies the transport
// the per-link OAuth transport is layered on; opts are passed to the API service
// (tests use option.WithEndpoint).
func NewGoogleClient(base *http.Client, retry RetryPolicy, opts ...option.ClientOption) *GoogleClient {
	if base == nil {
		base = http.DefaultClient
	}
	return &GoogleClient{base: base, retry: retry, opts: opts}
}

func (c *GoogleClient) service(ctx context.Context, s Session) (*gcal.Service, error) {
	if s.Token == nil || s.Token.AccessToken == "" {
		return nil, fmt.Errorf("google: %w", ErrUnauthorized)
	}
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(s.Token),
			Base:   c.base.Transport,
		},
		Timeout: c.base.Timeout,
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, c.opts...)
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return srv, nil
}

// ListCalendars returns every calendar on the account's calendar list.
func (c *GoogleClient) ListCalendars(ctx context.Context, s Session) ([]CalendarInfo, error) {
	srv, err := c.service(ctx, s)
	if err != nil {
		return nil, err
	}

	var out []CalendarInfo
	pageToken := ""
	for {
		var list *gcal.CalendarList
		err := c.retry.Do(ctx, "list calendars", func(ctx context.Context) error {
			call := srv.CalendarList.List().Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			list, err = call.Do()
			return err
		})
		if err != nil {
			return nil, classify("list calendars", "", err)
		}
		for _, entry := range list.Items {
			out = append(out, CalendarInfo{
				ID:       entry.Id,
				Name:     entry.Summary,
				TimeZone: entry.TimeZone,
				Color:    entry.BackgroundColor,
				Primary:  entry.Primary,
			})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// ListEvents returns one page of events. Recurring events are expanded and
// cancelled events are included so that deletions can be observed.
func (c *GoogleClient) ListEvents(ctx context.Context, s Session, q ListQuery) (*Page, error) {
	srv, err := c.service(ctx, s)
	if err != nil {
		return nil, err
	}

	var res *gcal.Events
	err = c.retry.Do(ctx, "list events", func(ctx context.Context) error {
		call := srv.Events.List(s.CalendarID).
			SingleEvents(true).
			ShowDeleted(true).
			MaxResults(250).
			Context(ctx)
		if q.SyncToken != "" {
			call = call.SyncToken(q.SyncToken)
		} else {
			call = call.TimeMin(q.TimeMin.Format(time.RFC3339)).TimeMax(q.TimeMax.Format(time.RFC3339))
		}
		if q.PageToken != "" {
			call = call.PageToken(q.PageToken)
		}
		var err error
		res, err = call.Do()
		return err
	})
	if err != nil {
		var gerr *googleapi.Error
		if q.SyncToken != "" && errors.As(err, &gerr) && gerr.Code == http.StatusGone {
			return nil, ErrCursorExpired
		}
		return nil, classify("list events", "", err)
	}

	page := &Page{NextPageToken: res.NextPageToken, NextSyncToken: res.NextSyncToken}
	for _, item := range res.Items {
		ev, verr := fromGoogleEvent(item)
		if verr != nil {
			page.Rejected = append(page.Rejected, verr)
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// GetEvent retrieves a single event by ID. Deleted events are returned as cancelled
// while Google still keeps them.
func (c *GoogleClient) GetEvent(ctx context.Context, s Session, eventID string) (*Event, error) {
	srv, err := c.service(ctx, s)
	if err != nil {
		return nil, err
	}

	var item *gcal.Event
	err = c.retry.Do(ctx, "get event", func(ctx context.Context) error {
		var err error
		item, err = srv.Events.Get(s.CalendarID, eventID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, classify("get event", eventID, err)
	}
	ev, verr := fromGoogleEvent(item)
	if verr != nil {
		return nil, verr
	}
	return ev, nil
}

// InsertEvent creates an event without notifying attendees.
func (c *GoogleClient) InsertEvent(ctx context.Context, s Session, event *Event) (*Event, error) {
	srv, err := c.service(ctx, s)
	if err != nil {
		return nil, err
	}

	var created *gcal.Event
	err = c.retry.Do(ctx, "insert event", func(ctx context.Context) error {
		var err error
		created, err = srv.Events.Insert(s.CalendarID, toGoogleEvent(event)).
			SendUpdates("none").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, classify("insert event", "", err)
	}
	out, verr := fromGoogleEvent(created)
	if verr != nil {
		return nil, verr
	}
	return out, nil
}

// UpdateEvent replaces an existing event without notifying attendees.
func (c *GoogleClient) UpdateEvent(ctx context.Context, s Session, eventID string, event *Event) (*Event, error) {
	srv, err := c.service(ctx, s)
	if err != nil {
		return nil, err
	}

	var updated *gcal.Event
	err = c.retry.Do(ctx, "update event", func(ctx context.Context) error {
		var err error
		updated, err = srv.Events.Update(s.CalendarID, eventID, toGoogleEvent(event)).
			SendUpdates("none").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, classify("update event", eventID, err)
	}
	out, verr := fromGoogleEvent(updated)
	if verr != nil {
		return nil, verr
	}
	return out, nil
}

// DeleteEvent deletes an event. An event that is already gone is not an error.
func (c *GoogleClient) DeleteEvent(ctx context.Context, s Session, eventID string) error {
	srv, err := c.service(ctx, s)
	if err != nil {
		return err
	}

	err = c.retry.Do(ctx, "delete event", func(ctx context.Context) error {
		return srv.Events.Delete(s.CalendarID, eventID).
			SendUpdates("none").
			Context(ctx).
			Do()
	})
	if err == nil {
		return nil
	}
	err = classify("delete event", eventID, err)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// fromGoogleEvent validates an API item and converts it. Cancelled items may be
// bare tombstones without times.
func fromGoogleEvent(item *gcal.Event) (*Event, *ValidationError) {
	if item == nil || item.Id == "" {
		return nil, &ValidationError{Reason: "missing event id"}
	}
	ev := &Event{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      EventStatus(item.Status),
	}
	switch ev.Status {
	case "":
		ev.Status = StatusConfirmed
	case StatusConfirmed, StatusTentative, StatusCancelled:
	default:
		return nil, &ValidationError{EventID: item.Id, Reason: fmt.Sprintf("unknown status %q", item.Status)}
	}
	if raw, err := item.MarshalJSON(); err == nil {
		ev.Raw = raw
	}
	if item.Updated != "" {
		updated, err := time.Parse(time.RFC3339, item.Updated)
		if err != nil {
			return nil, &ValidationError{EventID: item.Id, Reason: "unparseable updated time", Err: err}
		}
		ev.Updated = updated
	}
	if item.ExtendedProperties != nil && item.ExtendedProperties.Private != nil {
		ev.AppointmentRef = item.ExtendedProperties.Private[AppointmentRefKey]
	}
	if item.Reminders != nil {
		for _, r := range item.Reminders.Overrides {
			ev.Reminders = append(ev.Reminders, Reminder{Method: r.Method, Minutes: int(r.Minutes)})
		}
	}

	if ev.Status == StatusCancelled && item.Start == nil {
		return ev, nil
	}

	start, allDay, err := parseGoogleTime(item.Start)
	if err != nil {
		return nil, &ValidationError{EventID: item.Id, Reason: "invalid start", Err: err}
	}
	end, endAllDay, err := parseGoogleTime(item.End)
	if err != nil {
		return nil, &ValidationError{EventID: item.Id, Reason: "invalid end", Err: err}
	}
	if allDay != endAllDay {
		return nil, &ValidationError{EventID: item.Id, Reason: "start and end mix date and date-time"}
	}
	if end.Before(start) {
		return nil, &ValidationError{EventID: item.Id, Reason: "event ends before it starts"}
	}
	ev.Start, ev.End, ev.AllDay = start, end, allDay
	ev.TimeZone = item.Start.TimeZone
	return ev, nil
}

func parseGoogleTime(dt *gcal.EventDateTime) (time.Time, bool, error) {
	switch {
	case dt == nil:
		return time.Time{}, false, errors.New("missing")
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	case dt.Date != "":
		t, err := time.Parse(googleDateLayout, dt.Date)
		return t, true, err
	}
	return time.Time{}, false, errors.New("neither date nor dateTime set")
}

func toGoogleEvent(ev *Event) *gcal.Event {
	out := &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      string(ev.Status),
	}
	if ev.AllDay {
		out.Start = &gcal.EventDateTime{Date: ev.Start.Format(googleDateLayout)}
		out.End = &gcal.EventDateTime{Date: ev.End.Format(googleDateLayout)}
	} else {
		out.Start = &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone}
		out.End = &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone}
	}
	if ev.AppointmentRef != "" {
		out.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{AppointmentRefKey: ev.AppointmentRef},
		}
	}
	if len(ev.Reminders) > 0 {
		reminders := &gcal.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}
		for _, r := range ev.Reminders {
			reminders.Overrides = append(reminders.Overrides, &gcal.EventReminder{Method: r.Method, Minutes: int64(r.Minutes)})
		}
		out.Reminders = reminders
	}
	return out
}
