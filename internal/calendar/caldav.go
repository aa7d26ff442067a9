package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// PropAppointmentRef carries the internal appointment id on exported VEVENTs.
const PropAppointmentRef = "X-APPTSYNC-APPOINTMENT-ID"

// basicAuthTransport adds Basic Auth and a user agent to each request, and turns
// error responses into *HTTPError so callers can classify them.
type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "apptsync/1.0")
	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// CalDAVClient is a Provider for CalDAV servers (iCloud, Fastmail, Nextcloud).
// The session token's access token is used as the account's app password.
type CalDAVClient struct {
	endpoint  string
	transport http.RoundTripper
	retry     RetryPolicy
	now       func() time.Time
}

// NewCalDAVClient creates a CalDAV provider for the server at endpoint.
func NewCalDAVClient(endpoint string, transport http.RoundTripper, retry RetryPolicy) *CalDAVClient {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CalDAVClient{endpoint: endpoint, transport: transport, retry: retry, now: time.Now}
}

func (c *CalDAVClient) client(s Session) (*caldav.Client, error) {
	if s.Token == nil || s.Token.AccessToken == "" {
		return nil, fmt.Errorf("caldav: %w", ErrUnauthorized)
	}
	httpClient := &http.Client{Transport: &basicAuthTransport{
		username:  s.Username,
		password:  s.Token.AccessToken,
		transport: c.transport,
	}}
	cl, err := caldav.NewClient(httpClient, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return cl, nil
}

// ListCalendars discovers the calendars in the user's calendar home set.
func (c *CalDAVClient) ListCalendars(ctx context.Context, s Session) ([]CalendarInfo, error) {
	cl, err := c.client(s)
	if err != nil {
		return nil, err
	}

	var calendars []caldav.Calendar
	err = c.retry.Do(ctx, "find calendars", func(ctx context.Context) error {
		principal, err := cl.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return fmt.Errorf("failed to find principal path: %w", err)
		}
		homeSet, err := cl.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return fmt.Errorf("failed to find calendar home set: %w", err)
		}
		calendars, err = cl.FindCalendars(ctx, homeSet)
		return err
	})
	if err != nil {
		return nil, classify("find calendars", "", err)
	}

	out := make([]CalendarInfo, 0, len(calendars))
	for _, cal := range calendars {
		out = append(out, CalendarInfo{ID: cal.Path, Name: cal.Name})
	}
	return out, nil
}

// ListEvents queries the calendar collection for VEVENTs overlapping the window.
// CalDAV has no sync token here, so every query is a full window fetch.
func (c *CalDAVClient) ListEvents(ctx context.Context, s Session, q ListQuery) (*Page, error) {
	if q.SyncToken != "" {
		return nil, ErrCursorExpired
	}
	cl, err := c.client(s)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true, AllComps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: q.TimeMin, End: q.TimeMax}},
		},
	}

	var objects []caldav.CalendarObject
	err = c.retry.Do(ctx, "query calendar", func(ctx context.Context) error {
		var err error
		objects, err = cl.QueryCalendar(ctx, s.CalendarID, query)
		return err
	})
	if err != nil {
		return nil, classify("query calendar", "", err)
	}

	page := &Page{}
	for _, obj := range objects {
		ev, verr := fromCalendarObject(obj)
		if verr != nil {
			page.Rejected = append(page.Rejected, verr)
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// GetEvent fetches the calendar object of eventID.
func (c *CalDAVClient) GetEvent(ctx context.Context, s Session, eventID string) (*Event, error) {
	cl, err := c.client(s)
	if err != nil {
		return nil, err
	}

	var obj *caldav.CalendarObject
	err = c.retry.Do(ctx, "get event", func(ctx context.Context) error {
		var err error
		obj, err = cl.GetCalendarObject(ctx, objectPath(s.CalendarID, eventID))
		return err
	})
	if err != nil {
		return nil, classify("get event", eventID, err)
	}
	ev, verr := fromCalendarObject(*obj)
	if verr != nil {
		return nil, verr
	}
	return ev, nil
}

// InsertEvent stores a new calendar object named after a fresh UID.
func (c *CalDAVClient) InsertEvent(ctx context.Context, s Session, event *Event) (*Event, error) {
	return c.put(ctx, s, "insert event", uuid.NewString(), event)
}

// UpdateEvent overwrites the calendar object of eventID.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, s Session, eventID string, event *Event) (*Event, error) {
	return c.put(ctx, s, "update event", eventID, event)
}

func (c *CalDAVClient) put(ctx context.Context, s Session, op, id string, event *Event) (*Event, error) {
	cl, err := c.client(s)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC().Truncate(time.Second)
	cal := toICalendar(event, id, now)
	err = c.retry.Do(ctx, op, func(ctx context.Context) error {
		_, err := cl.PutCalendarObject(ctx, objectPath(s.CalendarID, id), cal)
		return err
	})
	if err != nil {
		return nil, classify(op, id, err)
	}

	out := *event
	out.ID = id
	out.Updated = now
	if out.Status == "" {
		out.Status = StatusConfirmed
	}
	return &out, nil
}

// DeleteEvent removes the calendar object. A missing object is not an error.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, s Session, eventID string) error {
	cl, err := c.client(s)
	if err != nil {
		return err
	}
	err = c.retry.Do(ctx, "delete event", func(ctx context.Context) error {
		return cl.RemoveAll(ctx, objectPath(s.CalendarID, eventID))
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

func objectPath(calendarPath, id string) string {
	return path.Join(calendarPath, id+".ics")
}

// fromCalendarObject validates a calendar object and converts its first VEVENT.
// The event id is the object's file name without extension.
func fromCalendarObject(obj caldav.CalendarObject) (*Event, *ValidationError) {
	id := strings.TrimSuffix(path.Base(obj.Path), ".ics")
	if id == "" || id == "." || id == "/" {
		return nil, &ValidationError{Reason: "missing object path"}
	}
	if obj.Data == nil {
		return nil, &ValidationError{EventID: id, Reason: "empty calendar object"}
	}
	events := obj.Data.Events()
	if len(events) == 0 {
		return nil, &ValidationError{EventID: id, Reason: "no VEVENT in calendar object"}
	}
	ve := events[0]

	ev := &Event{ID: id}
	ev.Title, _ = ve.Props.Text(ical.PropSummary)
	ev.Description, _ = ve.Props.Text(ical.PropDescription)
	ev.Location, _ = ve.Props.Text(ical.PropLocation)
	ev.AppointmentRef, _ = ve.Props.Text(PropAppointmentRef)

	status, _ := ve.Props.Text(ical.PropStatus)
	switch strings.ToUpper(status) {
	case "", "CONFIRMED":
		ev.Status = StatusConfirmed
	case "TENTATIVE":
		ev.Status = StatusTentative
	case "CANCELLED":
		ev.Status = StatusCancelled
	default:
		return nil, &ValidationError{EventID: id, Reason: fmt.Sprintf("unknown status %q", status)}
	}

	startProp := ve.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, &ValidationError{EventID: id, Reason: "missing DTSTART"}
	}
	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return nil, &ValidationError{EventID: id, Reason: "invalid DTSTART", Err: err}
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil {
		return nil, &ValidationError{EventID: id, Reason: "invalid DTEND", Err: err}
	}
	if end.IsZero() {
		end = start
	}
	if end.Before(start) {
		return nil, &ValidationError{EventID: id, Reason: "event ends before it starts"}
	}
	ev.Start, ev.End = start, end
	ev.AllDay = startProp.ValueType() == ical.ValueDate
	ev.OpenEnded = !ev.AllDay && ve.Props.Get(ical.PropDateTimeEnd) == nil && ve.Props.Get(ical.PropDuration) == nil
	ev.TimeZone = startProp.Params.Get("TZID")

	if modified, err := ve.Props.DateTime(ical.PropLastModified, time.UTC); err == nil && !modified.IsZero() {
		ev.Updated = modified
	} else {
		ev.Updated = obj.ModTime
	}

	for _, child := range ve.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		if r, ok := reminderFromAlarm(child); ok {
			ev.Reminders = append(ev.Reminders, r)
		}
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(obj.Data); err == nil {
		ev.Raw = buf.Bytes()
	}
	return ev, nil
}

func toICalendar(ev *Event, uid string, now time.Time) *ical.Calendar {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now)
	ve.Props.SetDateTime(ical.PropLastModified, now)
	if ev.AllDay {
		start := ical.NewProp(ical.PropDateTimeStart)
		start.SetDate(ev.Start)
		ve.Props.Set(start)
		end := ical.NewProp(ical.PropDateTimeEnd)
		end.SetDate(ev.End)
		ve.Props.Set(end)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	}
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Status != "" {
		ve.Props.SetText(ical.PropStatus, strings.ToUpper(string(ev.Status)))
	}
	if ev.AppointmentRef != "" {
		ve.Props.SetText(PropAppointmentRef, ev.AppointmentRef)
	}
	for _, r := range ev.Reminders {
		ve.Children = append(ve.Children, alarmFromReminder(r, ev.Title))
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//apptsync//EN")
	cal.Children = append(cal.Children, ve)
	return cal
}

func alarmFromReminder(r Reminder, title string) *ical.Component {
	alarm := ical.NewComponent(ical.CompAlarm)
	action := "DISPLAY"
	if r.Method == "email" {
		action = "EMAIL"
		alarm.Props.SetText(ical.PropSummary, title)
	}
	alarm.Props.SetText(ical.PropAction, action)
	alarm.Props.SetText(ical.PropDescription, title)
	trigger := ical.NewProp(ical.PropTrigger)
	trigger.Value = fmt.Sprintf("-PT%dM", r.Minutes)
	alarm.Props.Set(trigger)
	return alarm
}

func reminderFromAlarm(alarm *ical.Component) (Reminder, bool) {
	trigger := alarm.Props.Get(ical.PropTrigger)
	if trigger == nil {
		return Reminder{}, false
	}
	minutes, ok := parseTriggerMinutes(trigger.Value)
	if !ok {
		return Reminder{}, false
	}
	method := "popup"
	if action, _ := alarm.Props.Text(ical.PropAction); strings.EqualFold(action, "EMAIL") {
		method = "email"
	}
	return Reminder{Method: method, Minutes: minutes}, true
}

// parseTriggerMinutes reads the relative triggers this package writes and the
// common variants other clients use: -PT15M, -PT1H, -P1D, -P1DT2H.
func parseTriggerMinutes(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "-P") {
		return 0, false
	}
	v = strings.TrimPrefix(v, "-P")
	total, num := 0, ""
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
		case r == 'W', r == 'D', r == 'H', r == 'M', r == 'S':
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, false
			}
			num = ""
			switch r {
			case 'W':
				total += n * 7 * 24 * 60
			case 'D':
				total += n * 24 * 60
			case 'H':
				total += n * 60
			case 'M':
				total += n
			}
		default:
			return 0, false
		}
	}
	return total, num == ""
}
