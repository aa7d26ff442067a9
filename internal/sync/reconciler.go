package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/beekhof/appointment-sync/internal/calendar"
	"github.com/beekhof/appointment-sync/internal/store"
)

// ErrLinkDisabled is returned when a run is requested for a link with syncing turned off.
var ErrLinkDisabled = errors.New("calendar link is disabled")

const (
	DefaultPastWindowDays   = 30
	DefaultSyncWindowDays   = 30
	fallbackEventDuration   = 60 * time.Minute
	defaultAppointmentTitle = "Appointment"
)

// Store is the persistence a Reconciler needs. *store.Store satisfies it.
type Store interface {
	ExportStore
	GetCalendarLink(ctx context.Context, id uint) (*store.CalendarLink, error)
	GetAppointment(ctx context.Context, id uint) (*store.Appointment, error)
	AppointmentExists(ctx context.Context, id uint) (bool, error)
	ListAppointmentsForSync(ctx context.Context, link *store.CalendarLink, start, end time.Time) ([]store.Appointment, error)
	ListExternalEvents(ctx context.Context, linkID uint) ([]store.ExternalEvent, error)
	ImportAppointment(ctx context.Context, a *store.Appointment, ev *store.ExternalEvent) error
	ApplyProviderVersion(ctx context.Context, a *store.Appointment, ev *store.ExternalEvent, at time.Time) error
	MarkSynced(ctx context.Context, apptID uint, at time.Time) error
	MarkConflict(ctx context.Context, apptID uint) error
	UnlinkAppointment(ctx context.Context, apptID uint, status store.SyncStatus) error
	CancelFromProvider(ctx context.Context, apptID uint, ev *store.ExternalEvent, at time.Time) error
	SaveExternalEvent(ctx context.Context, ev *store.ExternalEvent) error
	DetachExternalEvent(ctx context.Context, linkID uint, externalID string) error
	RecordLinkSync(ctx context.Context, id uint, at time.Time, cursor string, through time.Time) error
}

// Credentials hands out a usable token for a link. *auth.TokenManager satisfies it.
type Credentials interface {
	GetValidCredentials(ctx context.Context, linkID uint) (*oauth2.Token, error)
}

// Options tune a Reconciler. Zero values select the defaults.
type Options struct {
	PastWindowDays    int
	DefaultWindowDays int
	Reminders         []calendar.Reminder
	Logger            *slog.Logger
}

// Result aggregates the outcome of one run.
type Result struct {
	Processed int
	Succeeded int
	Failed    int
	Created   int
	Updated   int
	Deleted   int
	Conflicts int
	Errors    []string
}

// Status is the run status implied by the counts.
func (r *Result) Status() store.RunStatus {
	switch {
	case r.Failed == 0:
		return store.RunSuccess
	case r.Succeeded == 0:
		return store.RunError
	default:
		return store.RunPartial
	}
}

// Reconciler brings one calendar link and its appointments into agreement.
type Reconciler struct {
	store     Store
	creds     Credentials
	providers calendar.Registry
	exporter  *Exporter
	past      int
	window    int
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(st Store, creds Credentials, providers calendar.Registry, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PastWindowDays <= 0 {
		opts.PastWindowDays = DefaultPastWindowDays
	}
	if opts.DefaultWindowDays <= 0 {
		opts.DefaultWindowDays = DefaultSyncWindowDays
	}
	return &Reconciler{
		store:     st,
		creds:     creds,
		providers: providers,
		exporter:  NewExporter(st, providers, opts.Reminders, opts.Logger),
		past:      opts.PastWindowDays,
		window:    opts.DefaultWindowDays,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// run holds the state of one reconciliation.
type run struct {
	*Reconciler
	ctx       context.Context
	link      *store.CalendarLink
	direction store.SyncDirection
	policy    store.ConflictPolicy
	session   calendar.Session
	provider  calendar.Provider
	res       *Result
	logger    *slog.Logger

	byID       map[uint]*store.Appointment
	byExternal map[string]*store.Appointment
	rows       map[string]*store.ExternalEvent
	handled    map[uint]bool
}

// Run reconciles one link. An empty direction selects the link's configured
// direction. Per-event failures are counted in the Result; an error is returned
// only when the run could not continue, together with what was done so far.
func (r *Reconciler) Run(ctx context.Context, linkID uint, direction store.SyncDirection) (*Result, error) {
	res := &Result{}
	link, err := r.store.GetCalendarLink(ctx, linkID)
	if err != nil {
		return res, err
	}
	if !link.SyncEnabled {
		return res, fmt.Errorf("link %d: %w", linkID, ErrLinkDisabled)
	}
	if direction == "" {
		direction = link.SyncDirection
	}
	if direction == "" {
		direction = store.DirectionBidirectional
	}
	if !direction.Valid() {
		return res, fmt.Errorf("unknown sync direction %q", direction)
	}
	policy := link.ConflictPolicy
	if policy == "" {
		policy = store.PolicyNewestWins
	}

	provider, err := r.providers.Lookup(link.Provider)
	if err != nil {
		return res, err
	}
	token, err := r.creds.GetValidCredentials(ctx, link.ID)
	if err != nil {
		return res, fmt.Errorf("failed to get credentials for link %d: %w", link.ID, err)
	}

	rn := &run{
		Reconciler: r,
		ctx:        ctx,
		link:       link,
		direction:  direction,
		policy:     policy,
		session:    calendar.Session{Token: token, Username: link.Username, CalendarID: link.ExternalCalendarID},
		provider:   provider,
		res:        res,
		logger:     r.logger.With("link", link.ID),
		byID:       make(map[uint]*store.Appointment),
		byExternal: make(map[string]*store.Appointment),
		rows:       make(map[string]*store.ExternalEvent),
		handled:    make(map[uint]bool),
	}
	if err := rn.reconcile(); err != nil {
		return res, err
	}
	rn.logger.Info("Sync run finished",
		"direction", direction, "processed", res.Processed, "succeeded", res.Succeeded,
		"failed", res.Failed, "created", res.Created, "updated", res.Updated,
		"deleted", res.Deleted, "conflicts", res.Conflicts)
	return res, nil
}

func (rn *run) reconcile() error {
	now := rn.now().UTC()
	windowDays := rn.link.SyncWindowDays
	if windowDays <= 0 {
		windowDays = rn.window
	}
	start := now.AddDate(0, 0, -rn.past)
	end := windowEnd(now, windowDays, rn.link.Location())

	appts, err := rn.store.ListAppointmentsForSync(rn.ctx, rn.link, start, end)
	if err != nil {
		return &StoreError{Err: err}
	}
	for i := range appts {
		a := &appts[i]
		rn.byID[a.ID] = a
		if id := a.ExternalID(); id != "" {
			rn.byExternal[id] = a
		}
	}
	rows, err := rn.store.ListExternalEvents(rn.ctx, rn.link.ID)
	if err != nil {
		return &StoreError{Err: err}
	}
	for i := range rows {
		rn.rows[rows[i].ExternalEventID] = &rows[i]
	}

	fetcher := calendar.NewFetcher(rn.provider, rn.logger)
	if rn.cursorCovers(end) && !rn.needsWork(start, end) {
		changed, cursor, err := fetcher.Changed(rn.ctx, rn.session, rn.link.SyncCursor)
		if err != nil {
			return err
		}
		if !changed {
			rn.logger.Debug("No provider changes since last run")
			return stored(rn.store.RecordLinkSync(rn.ctx, rn.link.ID, now, cursor, time.Time{}))
		}
	}

	snap, err := fetcher.ListEvents(rn.ctx, rn.session, start, end)
	if err != nil {
		return err
	}
	for _, rej := range snap.Rejected {
		rn.res.Processed++
		rn.res.Failed++
		rn.res.Errors = append(rn.res.Errors, rej.Error())
		rn.logger.Warn("Rejected provider event", "event", rej.EventID, "error", rej)
	}

	seen := make(map[string]bool, len(snap.Events))
	for _, ev := range snap.Events {
		seen[ev.ID] = true
		rn.normalize(ev)
		if a, ok := rn.byExternal[ev.ID]; ok {
			rn.handled[a.ID] = true
			if err := rn.unit(ev.ID, func() error { return rn.reconcilePair(a, ev, rn.rows[ev.ID], false) }); err != nil {
				return err
			}
			continue
		}
		if err := rn.reconcileUnlinked(ev); err != nil {
			return err
		}
	}

	for i := range appts {
		a := &appts[i]
		if rn.handled[a.ID] {
			continue
		}
		if id := a.ExternalID(); id != "" && !seen[id] {
			rn.handled[a.ID] = true
			if err := rn.unit(id, func() error { return rn.reconcileMissing(a) }); err != nil {
				return err
			}
		}
	}

	if rn.direction.CanExport() {
		for i := range appts {
			a := &appts[i]
			if rn.handled[a.ID] || a.ExternalID() != "" {
				continue
			}
			if err := rn.exportNew(a); err != nil {
				return err
			}
		}
	}

	for i := range rows {
		row := &rows[i]
		if seen[row.ExternalEventID] || !row.StartTime.Before(end) || !row.EndTime.After(start) {
			continue
		}
		if err := rn.reconcileVanishedRow(row); err != nil {
			return err
		}
	}

	return stored(rn.store.RecordLinkSync(rn.ctx, rn.link.ID, now, snap.SyncToken, end))
}

// windowEnd rounds the forward edge of the sync window up to the next midnight
// in loc, so runs on the same day share one horizon.
func windowEnd(now time.Time, days int, loc *time.Location) time.Time {
	y, m, d := now.In(loc).AddDate(0, 0, days).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc).UTC()
}

// cursorCovers reports whether the stored cursor was taken by a full fetch that
// reached at least end. Events that slid into a wider window are invisible to it.
func (rn *run) cursorCovers(end time.Time) bool {
	if rn.link.SyncCursor == "" || rn.link.SyncedThrough == nil {
		return false
	}
	return !end.After(*rn.link.SyncedThrough)
}

// needsWork reports whether the store side has changes a cursor check cannot see.
func (rn *run) needsWork(start, end time.Time) bool {
	for _, a := range rn.byID {
		if rn.direction.CanExport() && (a.SyncStatus == store.SyncPending || a.SyncStatus == store.SyncError) {
			return true
		}
	}
	for _, row := range rn.rows {
		if row.AppointmentID == nil || !row.StartTime.Before(end) || !row.EndTime.After(start) {
			continue
		}
		if _, ok := rn.byID[*row.AppointmentID]; !ok {
			return true
		}
	}
	return false
}

// unit runs one countable piece of work. Provider failures are recorded and
// the run continues; store failures and cancellation end it.
func (rn *run) unit(what string, fn func() error) error {
	rn.res.Processed++
	err := fn()
	if err == nil {
		rn.res.Succeeded++
		return nil
	}
	rn.res.Failed++
	rn.res.Errors = append(rn.res.Errors, err.Error())
	var serr *StoreError
	if errors.As(err, &serr) || rn.ctx.Err() != nil {
		return err
	}
	rn.logger.Warn("Failed to sync event", "event", what, "error", err)
	return nil
}

func stored(err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Err: err}
}

// normalize gives timed events the provider left without an end the link's
// default length. An explicit end, even one equal to the start, is kept.
func (rn *run) normalize(ev *calendar.Event) {
	if !ev.OpenEnded || ev.AllDay || ev.Start.IsZero() {
		return
	}
	d := time.Duration(rn.link.DefaultEventDurationMinutes) * time.Minute
	if d <= 0 {
		d = fallbackEventDuration
	}
	ev.End = ev.Start.Add(d)
}

func (rn *run) reconcileUnlinked(ev *calendar.Event) error {
	row := rn.rows[ev.ID]
	cancelled := ev.Status == calendar.StatusCancelled

	switch {
	case row != nil && row.AppointmentID == nil:
		if cancelled {
			return stored(rn.store.DeleteExternalEvent(rn.ctx, rn.link.ID, ev.ID))
		}
		return nil
	case cancelled:
		if row != nil {
			return stored(rn.store.DeleteExternalEvent(rn.ctx, rn.link.ID, ev.ID))
		}
		return nil
	case row != nil:
		return rn.reconcileOwnedRow(ev, row)
	}

	if ref, ok := appointmentRef(ev); ok {
		if a, loaded := rn.byID[ref]; loaded {
			switch a.ExternalID() {
			case "":
				rn.handled[a.ID] = true
				return rn.unit(ev.ID, func() error { return rn.reconcilePair(a, ev, nil, true) })
			case ev.ID:
				return nil
			}
			if !rn.direction.CanExport() {
				return nil
			}
			rn.logger.Info("Deleting duplicate provider event", "event", ev.ID, "appointment", a.ID)
			return rn.unit(ev.ID, func() error { return rn.deleteProviderEvent(ev.ID) })
		}
		exists, err := rn.store.AppointmentExists(rn.ctx, ref)
		if err != nil {
			return &StoreError{Err: err}
		}
		if !exists && rn.direction.CanExport() {
			rn.logger.Info("Deleting provider event of a deleted appointment", "event", ev.ID, "appointment", ref)
			return rn.unit(ev.ID, func() error { return rn.deleteProviderEvent(ev.ID) })
		}
		return nil
	}

	if !rn.direction.CanImport() || !IsAppointmentCandidate(ev) {
		return nil
	}
	return rn.unit(ev.ID, func() error { return rn.importEvent(ev) })
}

// reconcileOwnedRow handles an event whose row points at an appointment that
// was not loaded for this window.
func (rn *run) reconcileOwnedRow(ev *calendar.Event, row *store.ExternalEvent) error {
	a, err := rn.store.GetAppointment(rn.ctx, *row.AppointmentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return rn.unit(ev.ID, func() error { return rn.internalDeleted(ev.ID) })
	case err != nil:
		return &StoreError{Err: err}
	case a.ExternalID() != ev.ID:
		rn.logger.Debug("Event row belongs to an appointment linked elsewhere", "event", ev.ID, "appointment", a.ID)
		return nil
	}
	rn.byID[a.ID] = a
	rn.handled[a.ID] = true
	return rn.unit(ev.ID, func() error { return rn.reconcilePair(a, ev, row, false) })
}

// reconcileMissing handles a linked appointment whose event was not in the snapshot.
func (rn *run) reconcileMissing(a *store.Appointment) error {
	ev, err := rn.provider.GetEvent(rn.ctx, rn.session, a.ExternalID())
	if errors.Is(err, calendar.ErrNotFound) {
		return rn.providerDeleted(a, &calendar.Event{ID: a.ExternalID(), Status: calendar.StatusCancelled})
	}
	if err != nil {
		return err
	}
	rn.normalize(ev)
	return rn.reconcilePair(a, ev, rn.rows[ev.ID], false)
}

func (rn *run) reconcileVanishedRow(row *store.ExternalEvent) error {
	if row.AppointmentID == nil {
		return nil
	}
	if _, ok := rn.byID[*row.AppointmentID]; ok {
		return nil
	}
	exists, err := rn.store.AppointmentExists(rn.ctx, *row.AppointmentID)
	if err != nil {
		return &StoreError{Err: err}
	}
	if exists {
		return nil
	}
	return rn.unit(row.ExternalEventID, func() error { return rn.internalDeleted(row.ExternalEventID) })
}

func (rn *run) reconcilePair(a *store.Appointment, ev *calendar.Event, row *store.ExternalEvent, adopted bool) error {
	if adopted {
		id := ev.ID
		a.ExternalEventID = &id
	}
	if ev.Status == calendar.StatusCancelled {
		return rn.providerDeleted(a, ev)
	}

	if contentEqual(a, ev) {
		if adopted {
			return rn.markSynced(a, ev, store.OriginExported)
		}
		if a.SyncStatus != store.SyncSynced {
			return rn.markSynced(a, ev, "")
		}
		if rowStale(row, a, ev) {
			r := eventRow(rn.link.ID, ev, "")
			r.AppointmentID = &a.ID
			return stored(rn.store.SaveExternalEvent(rn.ctx, r))
		}
		return nil
	}

	if rn.policy == store.PolicyManual {
		if a.SyncStatus == store.SyncConflict {
			return nil
		}
		if err := rn.store.MarkConflict(rn.ctx, a.ID); err != nil {
			return &StoreError{Err: err}
		}
		a.SyncStatus = store.SyncConflict
		rn.res.Conflicts++
		rn.logger.Info("Appointment and provider event differ, left for resolution", "event", ev.ID, "appointment", a.ID)
		return nil
	}

	if rn.providerWins(a, ev) {
		return rn.applyProvider(a, ev)
	}
	return rn.export(a)
}

func (rn *run) providerWins(a *store.Appointment, ev *calendar.Event) bool {
	switch {
	case rn.direction == store.DirectionImportOnly:
		return true
	case rn.direction == store.DirectionExportOnly:
		return false
	}
	switch rn.policy {
	case store.PolicyProviderWins:
		return true
	case store.PolicyInternalWins:
		return false
	default:
		return ev.Updated.After(a.UpdatedAt)
	}
}

// providerDeleted applies a cancelled or vanished provider event to its appointment.
func (rn *run) providerDeleted(a *store.Appointment, ev *calendar.Event) error {
	row := eventRow(rn.link.ID, ev, "")
	now := rn.now().UTC()
	switch {
	case a.Status == store.AppointmentCancelled:
		return stored(rn.store.CancelFromProvider(rn.ctx, a.ID, row, now))
	case rn.direction.CanImport():
		if err := rn.store.CancelFromProvider(rn.ctx, a.ID, row, now); err != nil {
			return &StoreError{Err: err}
		}
		a.Status, a.ExternalEventID = store.AppointmentCancelled, nil
		rn.res.Deleted++
		rn.logger.Info("Cancelled appointment deleted in provider", "event", ev.ID, "appointment", a.ID)
		return nil
	}

	if err := rn.store.UnlinkAppointment(rn.ctx, a.ID, store.SyncPending); err != nil {
		return &StoreError{Err: err}
	}
	if err := rn.store.DeleteExternalEvent(rn.ctx, rn.link.ID, ev.ID); err != nil {
		return &StoreError{Err: err}
	}
	a.ExternalEventID, a.SyncStatus = nil, store.SyncPending
	return rn.export(a)
}

// internalDeleted removes the provider copy of an appointment that no longer exists.
func (rn *run) internalDeleted(externalID string) error {
	if !rn.direction.CanExport() {
		return stored(rn.store.DetachExternalEvent(rn.ctx, rn.link.ID, externalID))
	}
	if err := rn.deleteProviderEvent(externalID); err != nil {
		return err
	}
	return stored(rn.store.DeleteExternalEvent(rn.ctx, rn.link.ID, externalID))
}

func (rn *run) deleteProviderEvent(externalID string) error {
	if err := rn.provider.DeleteEvent(rn.ctx, rn.session, externalID); err != nil {
		return fmt.Errorf("failed to delete provider event %s: %w", externalID, err)
	}
	rn.res.Deleted++
	return nil
}

func (rn *run) markSynced(a *store.Appointment, ev *calendar.Event, origin store.EventOrigin) error {
	now := rn.now().UTC()
	if err := rn.store.MarkExported(rn.ctx, a.ID, eventRow(rn.link.ID, ev, origin), now); err != nil {
		return &StoreError{Err: err}
	}
	a.SyncStatus, a.SyncError, a.LastSyncAt = store.SyncSynced, "", &now
	return nil
}

func (rn *run) applyProvider(a *store.Appointment, ev *calendar.Event) error {
	upd := *a
	if canonicalTitle(ev.Title) != EventTitle(a) {
		upd.ServiceName, upd.ClientName = splitTitle(ev.Title)
	}
	upd.Location = ev.Location
	upd.StartTime, upd.EndTime = ev.Start, ev.End
	if EventStatusFor(a.Status) != ev.Status {
		upd.Status = AppointmentStatusFor(ev.Status)
	}
	upd.ExternalEventID = &ev.ID
	if err := rn.store.ApplyProviderVersion(rn.ctx, &upd, eventRow(rn.link.ID, ev, ""), rn.now()); err != nil {
		return &StoreError{Err: err}
	}
	*a = upd
	rn.res.Updated++
	rn.logger.Debug("Applied provider version", "event", ev.ID, "appointment", a.ID)
	return nil
}

func (rn *run) export(a *store.Appointment) error {
	_, created, err := rn.exporter.CreateOrUpdateExternalEvent(rn.ctx, rn.session, rn.link, a)
	if err != nil {
		return err
	}
	if created {
		rn.res.Created++
	} else {
		rn.res.Updated++
	}
	return nil
}

// exportNew pushes an appointment that has no provider event yet.
func (rn *run) exportNew(a *store.Appointment) error {
	if a.Status == store.AppointmentCancelled {
		return stored(rn.store.MarkSynced(rn.ctx, a.ID, rn.now()))
	}
	return rn.unit(strconv.FormatUint(uint64(a.ID), 10), func() error { return rn.export(a) })
}

func (rn *run) importEvent(ev *calendar.Event) error {
	now := rn.now().UTC()
	updated := ev.Updated
	if updated.IsZero() {
		updated = now
	}
	service, client := splitTitle(ev.Title)
	linkID, id := rn.link.ID, ev.ID
	a := &store.Appointment{
		TenantID:        rn.link.TenantID,
		CalendarLinkID:  &linkID,
		ServiceName:     service,
		ClientName:      client,
		Notes:           ev.Description,
		Location:        ev.Location,
		StartTime:       ev.Start,
		EndTime:         ev.End,
		Status:          AppointmentStatusFor(ev.Status),
		ExternalEventID: &id,
		SyncStatus:      store.SyncSynced,
		UpdatedAt:       updated,
		LastSyncAt:      &now,
	}
	if err := rn.store.ImportAppointment(rn.ctx, a, eventRow(rn.link.ID, ev, store.OriginImported)); err != nil {
		return &StoreError{Err: err}
	}
	rn.byID[a.ID] = a
	rn.byExternal[id] = a
	rn.handled[a.ID] = true
	rn.res.Created++
	rn.logger.Info("Imported provider event", "event", ev.ID, "appointment", a.ID)
	return nil
}

// contentEqual compares the fields both sides carry: title, times and status.
func contentEqual(a *store.Appointment, ev *calendar.Event) bool {
	if a.Status == store.AppointmentCancelled && ev.Status == calendar.StatusCancelled {
		return true
	}
	return canonicalTitle(ev.Title) == EventTitle(a) &&
		a.StartTime.Truncate(time.Second).Equal(ev.Start.Truncate(time.Second)) &&
		a.EndTime.Truncate(time.Second).Equal(ev.End.Truncate(time.Second)) &&
		EventStatusFor(a.Status) == ev.Status
}

// rowStale reports whether the stored row no longer describes ev for a.
func rowStale(row *store.ExternalEvent, a *store.Appointment, ev *calendar.Event) bool {
	return row == nil ||
		row.AppointmentID == nil || *row.AppointmentID != a.ID ||
		row.Status != string(ev.Status) ||
		!row.LastModified.Truncate(time.Second).Equal(ev.Updated.Truncate(time.Second))
}

func appointmentRef(ev *calendar.Event) (uint, bool) {
	if ev.AppointmentRef == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(ev.AppointmentRef, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
