package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"github.com/beekhof/appointment-sync/internal/auth"
	"github.com/beekhof/appointment-sync/internal/calendar"
	"github.com/beekhof/appointment-sync/internal/store"
)

const defaultEventDurationMinutes = 60

func linkCommand() *cli.Command {
	return &cli.Command{
		Name:  "link",
		Usage: "Authorize a provider account and connect one of its calendars.",
		Description: `For Google, a browser authorization is started and the refresh token is stored.
For CalDAV, --username and an app-specific password are used instead.
Without --calendar the account's calendars are listed and one is chosen interactively.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Usage: "Tenant the link belongs to", Required: true},
			&cli.StringFlag{Name: "provider", Value: "google", Usage: "google or caldav"},
			&cli.StringFlag{Name: "username", Usage: "CalDAV account name"},
			&cli.StringFlag{Name: "password", Usage: "CalDAV app-specific password", EnvVars: []string{"CALDAV_PASSWORD"}},
			&cli.StringFlag{Name: "calendar", Usage: "Provider calendar id"},
			&cli.BoolFlag{Name: "primary", Usage: "Make this the tenant's primary link"},
			&cli.StringFlag{Name: "direction", Value: string(store.DirectionBidirectional), Usage: "import_only, export_only or bidirectional"},
			&cli.StringFlag{Name: "policy", Value: string(store.PolicyNewestWins), Usage: "provider_wins, internal_wins, newest_wins or manual"},
			&cli.IntFlag{Name: "interval", Value: 15, Usage: "Sync interval in minutes"},
		},
		Action: withEngine(func(c *cli.Context, e *engine) error {
			kind := c.String("provider")
			provider, err := e.providers.Lookup(kind)
			if err != nil {
				return err
			}

			token, err := e.authorize(c.Context, kind, c.String("password"), c.App.Writer)
			if err != nil {
				return err
			}
			session := calendar.Session{Token: token, Username: c.String("username")}
			calendars, err := provider.ListCalendars(c.Context, session)
			if err != nil {
				return fmt.Errorf("failed to list calendars: %w", err)
			}

			chosen, err := chooseCalendar(calendars, c.String("calendar"), c.App.Reader, c.App.Writer)
			if err != nil {
				return err
			}

			interval := c.Int("interval")
			direction := store.SyncDirection(c.String("direction"))
			policy := store.ConflictPolicy(c.String("policy"))
			timezone := chosen.TimeZone
			windowDays := e.cfg.DefaultSyncWindowDays
			duration := defaultEventDurationMinutes
			settings := store.SyncConfiguration{
				SyncIntervalMinutes:  &interval,
				ConflictPolicy:       &policy,
				SyncDirection:        &direction,
				SyncWindowDays:       &windowDays,
				DefaultEventDuration: &duration,
			}
			if timezone != "" {
				settings.Timezone = &timezone
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			link := &store.CalendarLink{
				TenantID:                    c.String("tenant"),
				Provider:                    kind,
				Username:                    c.String("username"),
				ExternalCalendarID:          chosen.ID,
				DisplayName:                 chosen.Name,
				Color:                       chosen.Color,
				Timezone:                    timezone,
				SyncEnabled:                 true,
				AutoSyncEnabled:             true,
				SyncIntervalMinutes:         interval,
				SyncWindowDays:              windowDays,
				DefaultEventDurationMinutes: duration,
				SyncDirection:               direction,
				ConflictPolicy:              policy,
				IsPrimary:                   c.Bool("primary"),
			}
			if err := e.store.CreateCalendarLink(c.Context, link, token); err != nil {
				return err
			}
			e.logger.Info("Calendar link created", "link", link.ID, "provider", kind, "calendar", chosen.Name)
			return printJSON(c.App.Writer, link)
		}),
	}
}

// authorize obtains the credential a new link is stored with.
func (e *engine) authorize(ctx context.Context, kind, password string, out io.Writer) (*oauth2.Token, error) {
	switch kind {
	case "google":
		if e.oauth == nil {
			return nil, fmt.Errorf("google_credentials_path is required to link a Google calendar")
		}
		return auth.Authorize(ctx, e.oauth, out)
	case "caldav":
		if password == "" {
			return nil, fmt.Errorf("--password (or CALDAV_PASSWORD) is required to link a CalDAV calendar")
		}
		return &oauth2.Token{AccessToken: password}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", kind)
}

// chooseCalendar picks id from calendars, or asks on in when id is empty.
func chooseCalendar(calendars []calendar.CalendarInfo, id string, in io.Reader, out io.Writer) (calendar.CalendarInfo, error) {
	if len(calendars) == 0 {
		return calendar.CalendarInfo{}, fmt.Errorf("the account has no calendars")
	}
	if id != "" {
		for _, cal := range calendars {
			if cal.ID == id {
				return cal, nil
			}
		}
		return calendar.CalendarInfo{}, fmt.Errorf("calendar %q not found on the account", id)
	}

	writeCalendars(out, calendars, true)
	fmt.Fprint(out, "Select a calendar: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return calendar.CalendarInfo{}, fmt.Errorf("failed to read selection: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(calendars) {
		return calendar.CalendarInfo{}, fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
	}
	return calendars[n-1], nil
}

func writeCalendars(out io.Writer, calendars []calendar.CalendarInfo, numbered bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for i, cal := range calendars {
		primary := ""
		if cal.Primary {
			primary = "primary"
		}
		if numbered {
			fmt.Fprintf(w, "%d)\t", i+1)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cal.Name, cal.ID, cal.TimeZone, primary)
	}
	w.Flush()
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars of a linked account.",
		Flags: []cli.Flag{linkFlag},
		Action: withEngine(func(c *cli.Context, e *engine) error {
			link, err := e.store.GetCalendarLink(c.Context, c.Uint("link"))
			if err != nil {
				return err
			}
			provider, err := e.providers.Lookup(link.Provider)
			if err != nil {
				return err
			}
			token, err := e.tokens.GetValidCredentials(c.Context, link.ID)
			if err != nil {
				return err
			}
			calendars, err := provider.ListCalendars(c.Context, calendar.Session{Token: token, Username: link.Username})
			if err != nil {
				return fmt.Errorf("failed to list calendars: %w", err)
			}
			writeCalendars(c.App.Writer, calendars, false)
			return nil
		}),
	}
}

func linksCommand() *cli.Command {
	return &cli.Command{
		Name:  "links",
		Usage: "List the configured calendar links.",
		Action: withEngine(func(c *cli.Context, e *engine) error {
			links, err := e.store.ListCalendarLinks(c.Context)
			if err != nil {
				return err
			}
			writeLinks(c.App.Writer, links)
			return nil
		}),
	}
}

func writeLinks(out io.Writer, links []store.CalendarLink) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tPROVIDER\tCALENDAR\tDIRECTION\tSTATE\tLAST SYNC")
	for _, l := range links {
		state := "enabled"
		if !l.SyncEnabled {
			state = "disabled"
			if l.DisabledReason != "" {
				state += " (" + l.DisabledReason + ")"
			}
		}
		last := "never"
		if l.LastSyncAt != nil {
			last = l.LastSyncAt.Format(time.RFC3339)
		}
		name := l.DisplayName
		if name == "" {
			name = l.ExternalCalendarID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.TenantID, l.Provider, name, l.SyncDirection, state, last)
	}
	w.Flush()
}
