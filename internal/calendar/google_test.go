package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

var fastRetry = RetryPolicy{
	Timeout:         2 * time.Second,
	MaxRetries:      2,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func testSession() Session {
	return Session{
		Token:      &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)},
		CalendarID: "primary",
	}
}

func newTestGoogleClient(t *testing.T, handler http.HandlerFunc) *GoogleClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGoogleClient(srv.Client(), fastRetry, option.WithEndpoint(srv.URL+"/"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestGoogleClient_ListEventsQuery(t *testing.T) {
	var query map[string]string
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		writeJSON(w, gcal.Events{
			Items: []*gcal.Event{
				{
					Id:      "evt-1",
					Summary: "Haircut",
					Status:  "confirmed",
					Updated: "2026-03-01T10:00:00Z",
					Start:   &gcal.EventDateTime{DateTime: "2026-03-10T09:00:00Z"},
					End:     &gcal.EventDateTime{DateTime: "2026-03-10T10:00:00Z"},
					ExtendedProperties: &gcal.EventExtendedProperties{
						Private: map[string]string{AppointmentRefKey: "42"},
					},
				},
				{Id: "evt-2", Status: "cancelled"},
				{Id: "evt-3", Summary: "Broken", Start: &gcal.EventDateTime{DateTime: "2026-03-10T09:00:00Z"}},
			},
			NextSyncToken: "sync-1",
		})
	})

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := client.ListEvents(context.Background(), testSession(), ListQuery{TimeMin: start, TimeMax: start.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}

	if query["singleEvents"] != "true" {
		t.Errorf("Expected singleEvents=true, got %q", query["singleEvents"])
	}
	if query["showDeleted"] != "true" {
		t.Errorf("Expected showDeleted=true, got %q", query["showDeleted"])
	}
	if query["timeMin"] != "2026-03-01T00:00:00Z" {
		t.Errorf("Expected timeMin to be set, got %q", query["timeMin"])
	}

	if len(page.Events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(page.Events))
	}
	if page.Events[0].AppointmentRef != "42" {
		t.Errorf("Expected appointment ref 42, got %q", page.Events[0].AppointmentRef)
	}
	if page.Events[0].Duration() != time.Hour {
		t.Errorf("Expected 1h duration, got %v", page.Events[0].Duration())
	}
	if page.Events[1].Status != StatusCancelled {
		t.Errorf("Expected tombstone to be kept as cancelled, got %q", page.Events[1].Status)
	}
	if len(page.Rejected) != 1 || page.Rejected[0].EventID != "evt-3" {
		t.Errorf("Expected evt-3 to be rejected, got %v", page.Rejected)
	}
	if page.NextSyncToken != "sync-1" {
		t.Errorf("Expected next sync token, got %q", page.NextSyncToken)
	}
}

func TestGoogleClient_RetriesRateLimit(t *testing.T) {
	var calls int32
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, `{"error":{"code":429,"message":"rate limited"}}`, http.StatusTooManyRequests)
			return
		}
		writeJSON(w, gcal.Events{})
	})

	if _, err := client.ListEvents(context.Background(), testSession(), ListQuery{}); err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestGoogleClient_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls int32
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":{"code":503,"message":"unavailable"}}`, http.StatusServiceUnavailable)
	})

	_, err := client.ListEvents(context.Background(), testSession(), ListQuery{})
	var terr *TransientError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TransientError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 1 attempt plus 2 retries, got %d calls", calls)
	}
}

func TestGoogleClient_BadRequestNotRetried(t *testing.T) {
	var calls int32
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":{"code":400,"message":"bad request"}}`, http.StatusBadRequest)
	})

	_, err := client.InsertEvent(context.Background(), testSession(), &Event{Title: "x", Start: time.Now(), End: time.Now().Add(time.Hour)})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single call, got %d", calls)
	}
}

func TestGoogleClient_ExpiredSyncToken(t *testing.T) {
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":410,"message":"gone"}}`, http.StatusGone)
	})

	_, err := client.ListEvents(context.Background(), testSession(), ListQuery{SyncToken: "old"})
	if !errors.Is(err, ErrCursorExpired) {
		t.Fatalf("Expected ErrCursorExpired, got %v", err)
	}
}

func TestGoogleClient_InsertEventPayload(t *testing.T) {
	var got gcal.Event
	var sendUpdates string
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		sendUpdates = r.URL.Query().Get("sendUpdates")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		got.Id = "new-id"
		got.Updated = "2026-03-01T10:00:00Z"
		writeJSON(w, got)
	})

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	created, err := client.InsertEvent(context.Background(), testSession(), &Event{
		Title:          "Haircut - Jane",
		Start:          start,
		End:            start.Add(time.Hour),
		Status:         StatusTentative,
		Reminders:      []Reminder{{Method: "email", Minutes: 60}, {Method: "popup", Minutes: 15}},
		AppointmentRef: "7",
	})
	if err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}
	if sendUpdates != "none" {
		t.Errorf("Expected sendUpdates=none, got %q", sendUpdates)
	}
	if created.ID != "new-id" {
		t.Errorf("Expected created id, got %q", created.ID)
	}
	if got.ExtendedProperties == nil || got.ExtendedProperties.Private[AppointmentRefKey] != "7" {
		t.Errorf("Expected appointment ref in private properties, got %+v", got.ExtendedProperties)
	}
	if got.Reminders == nil || got.Reminders.UseDefault || len(got.Reminders.Overrides) != 2 {
		t.Errorf("Expected 2 reminder overrides, got %+v", got.Reminders)
	}
	if got.Status != "tentative" {
		t.Errorf("Expected tentative status, got %q", got.Status)
	}
}

func TestGoogleClient_DeleteMissingEvent(t *testing.T) {
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
	})

	if err := client.DeleteEvent(context.Background(), testSession(), "gone"); err != nil {
		t.Errorf("Expected deleting a missing event to succeed, got %v", err)
	}
}

func TestGoogleClient_UpdateMissingEvent(t *testing.T) {
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
	})

	_, err := client.UpdateEvent(context.Background(), testSession(), "gone", &Event{Start: time.Now(), End: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFromGoogleEvent_Validation(t *testing.T) {
	tests := []struct {
		name  string
		event *gcal.Event
		valid bool
	}{
		{"timed", &gcal.Event{Id: "a", Start: &gcal.EventDateTime{DateTime: "2026-03-10T09:00:00Z"}, End: &gcal.EventDateTime{DateTime: "2026-03-10T10:00:00Z"}}, true},
		{"all day", &gcal.Event{Id: "a", Start: &gcal.EventDateTime{Date: "2026-03-10"}, End: &gcal.EventDateTime{Date: "2026-03-11"}}, true},
		{"missing id", &gcal.Event{Start: &gcal.EventDateTime{DateTime: "2026-03-10T09:00:00Z"}, End: &gcal.EventDateTime{DateTime: "2026-03-10T10:00:00Z"}}, false},
		{"missing end", &gcal.Event{Id: "a", Start: &gcal.EventDateTime{DateTime: "2026-03-10T09:00:00Z"}}, false},
		{"bad time", &gcal.Event{Id: "a", Start: &gcal.EventDateTime{DateTime: "tomorrow"}, End: &gcal.EventDateTime{DateTime: "2026-03-10T10:00:00Z"}}, false},
		{"reversed", &gcal.Event{Id: "a", Start: &gcal.EventDateTime{DateTime: "2026-03-10T11:00:00Z"}, End: &gcal.EventDateTime{DateTime: "2026-03-10T10:00:00Z"}}, false},
		{"mixed", &gcal.Event{Id: "a", Start: &gcal.EventDateTime{Date: "2026-03-10"}, End: &gcal.EventDateTime{DateTime: "2026-03-10T10:00:00Z"}}, false},
		{"unknown status", &gcal.Event{Id: "a", Status: "moved", Start: &gcal.EventDateTime{DateTime: "2026-03-10T09:00:00Z"}, End: &gcal.EventDateTime{DateTime: "2026-03-10T10:00:00Z"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verr := fromGoogleEvent(tt.event)
			if tt.valid && verr != nil {
				t.Errorf("Expected valid event, got %v", verr)
			}
			if !tt.valid && verr == nil {
				t.Error("Expected a validation error")
			}
		})
	}
}

func TestGoogleClient_GetEvent(t *testing.T) {
	client := newTestGoogleClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events/evt-1" {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		writeJSON(w, gcal.Event{Id: "evt-1", Status: "cancelled"})
	})

	ev, err := client.GetEvent(context.Background(), testSession(), "evt-1")
	if err != nil {
		t.Fatalf("GetEvent() returned an error: %v", err)
	}
	if ev.Status != StatusCancelled {
		t.Errorf("Expected cancelled event, got %q", ev.Status)
	}

	if _, err := client.GetEvent(context.Background(), testSession(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
