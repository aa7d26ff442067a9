package store

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// SyncDirection restricts which side of a calendar link may be written.
type SyncDirection string

const (
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionImportOnly    SyncDirection = "import_only"
	DirectionExportOnly    SyncDirection = "export_only"
)

// Valid reports whether d is a known direction.
func (d SyncDirection) Valid() bool {
	switch d {
	case DirectionBidirectional, DirectionImportOnly, DirectionExportOnly:
		return true
	}
	return false
}

// CanImport reports whether provider changes may mutate appointments.
func (d SyncDirection) CanImport() bool { return d != DirectionExportOnly }

// CanExport reports whether the engine may write to the provider.
func (d SyncDirection) CanExport() bool { return d != DirectionImportOnly }

// Operation returns the run operation type recorded for this direction.
func (d SyncDirection) Operation() Operation {
	switch d {
	case DirectionImportOnly:
		return OperationImport
	case DirectionExportOnly:
		return OperationExport
	default:
		return OperationBidirectional
	}
}

// ConflictPolicy picks the winning side when both copies of an event differ.
type ConflictPolicy string

const (
	PolicyProviderWins ConflictPolicy = "provider_wins"
	PolicyInternalWins ConflictPolicy = "internal_wins"
	PolicyNewestWins   ConflictPolicy = "newest_wins"
	PolicyManual       ConflictPolicy = "manual"
)

// Valid reports whether p is a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyProviderWins, PolicyInternalWins, PolicyNewestWins, PolicyManual:
		return true
	}
	return false
}

type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "scheduled"
	AppointmentConfirmed  AppointmentStatus = "confirmed"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
)

type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncError    SyncStatus = "error"
	SyncConflict SyncStatus = "conflict"
)

// EventOrigin records which side created an external event.
type EventOrigin string

const (
	OriginImported EventOrigin = "imported"
	OriginExported EventOrigin = "exported"
)

type Operation string

const (
	OperationImport        Operation = "import"
	OperationExport        Operation = "export"
	OperationBidirectional Operation = "bidirectional"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Model is the common primary key and bookkeeping columns.
type Model struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CalendarLink is a configured connection between one tenant and one provider calendar.
type CalendarLink struct {
	Model
	TenantID                    string         `gorm:"index;not null" json:"tenant_id"`
	Provider                    string         `gorm:"not null" json:"provider"` // "google" or "caldav"
	Username                    string         `json:"username,omitempty"`       // CalDAV principal
	ExternalCalendarID          string         `gorm:"not null" json:"external_calendar_id"`
	DisplayName                 string         `json:"display_name"`
	Color                       string         `json:"color"`
	Timezone                    string         `json:"timezone"`
	SyncEnabled                 bool           `gorm:"index" json:"sync_enabled"`
	AutoSyncEnabled             bool           `json:"auto_sync_enabled"`
	SyncIntervalMinutes         int            `json:"sync_interval_minutes"`
	SyncWindowDays              int            `json:"sync_window_days"`
	DefaultEventDurationMinutes int            `json:"default_event_duration_minutes"`
	SyncDirection               SyncDirection  `json:"sync_direction"`
	ConflictPolicy              ConflictPolicy `json:"conflict_policy"`
	IsPrimary                   bool           `json:"is_primary"`
	LastSyncAt                  *time.Time     `json:"last_sync_at,omitempty"`
	CredentialID                uint           `gorm:"index" json:"-"`
	SyncCursor                  string         `json:"-"`
	SyncedThrough               *time.Time     `json:"synced_through,omitempty"` // window end of the last full fetch
	DisabledReason              string         `json:"disabled_reason,omitempty"`
}

// Location returns the link's time zone, falling back to UTC.
func (l *CalendarLink) Location() *time.Location {
	if l.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Credential holds the OAuth token of one calendar link.
type Credential struct {
	Model
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

// Token converts the row to an oauth2 token.
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

func (c *Credential) setToken(tok *oauth2.Token) {
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.TokenType = tok.TokenType
	c.Expiry = tok.Expiry.UTC()
}

// ExternalEvent mirrors one provider event known to the engine.
// A nil AppointmentID marks an event that must not be imported again.
type ExternalEvent struct {
	Model
	CalendarLinkID  uint        `gorm:"uniqueIndex:idx_link_external_event,priority:1;not null" json:"calendar_link_id"`
	ExternalEventID string      `gorm:"uniqueIndex:idx_link_external_event,priority:2;not null" json:"external_event_id"`
	AppointmentID   *uint       `gorm:"index" json:"appointment_id,omitempty"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         time.Time   `json:"end_time"`
	AllDay          bool        `json:"all_day"`
	Timezone        string      `json:"timezone"`
	Status          string      `json:"status"`
	LastModified    time.Time   `json:"last_modified"`
	RawPayload      []byte      `json:"-"`
	Origin          EventOrigin `json:"origin"`
}

func (e *ExternalEvent) BeforeSave(tx *gorm.DB) error {
	e.StartTime = e.StartTime.UTC()
	e.EndTime = e.EndTime.UTC()
	e.LastModified = e.LastModified.UTC()
	return nil
}

// Appointment is owned by the scheduling application; the sync columns are
// the only ones this engine maintains on its own.
type Appointment struct {
	ID              uint              `gorm:"primarykey" json:"id"`
	TenantID        string            `gorm:"index;not null" json:"tenant_id"`
	CalendarLinkID  *uint             `gorm:"index;uniqueIndex:idx_appointment_external,priority:1" json:"calendar_link_id,omitempty"`
	ServiceName     string            `json:"service_name"`
	ClientName      string            `json:"client_name"`
	ClientEmail     string            `json:"client_email"`
	StaffName       string            `json:"staff_name"`
	Notes           string            `json:"notes"`
	Location        string            `json:"location"`
	StartTime       time.Time         `gorm:"index" json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	Status          AppointmentStatus `json:"status"`
	ExternalEventID *string           `gorm:"uniqueIndex:idx_appointment_external,priority:2" json:"external_event_id,omitempty"`
	SyncStatus      SyncStatus        `gorm:"index" json:"sync_status"`
	SyncError       string            `json:"sync_error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime:false" json:"updated_at"`
	LastSyncAt      *time.Time        `json:"last_sync_at,omitempty"`
	DeletedAt       gorm.DeletedAt    `gorm:"index" json:"-"`
}

func (a *Appointment) BeforeSave(tx *gorm.DB) error {
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return nil
}

// ExternalID returns the linked provider event id, or "".
func (a *Appointment) ExternalID() string {
	if a.ExternalEventID == nil {
		return ""
	}
	return *a.ExternalEventID
}

// SyncRun is the audit row of one reconciliation run.
type SyncRun struct {
	Model
	RunID           string     `gorm:"uniqueIndex" json:"run_id"`
	CalendarLinkID  uint       `gorm:"index;not null" json:"calendar_link_id"`
	OperationType   Operation  `json:"operation_type"`
	Trigger         Trigger    `json:"trigger"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EventsProcessed int        `json:"events_processed"`
	EventsSucceeded int        `json:"events_succeeded"`
	EventsFailed    int        `json:"events_failed"`
	Created         int        `json:"created"`
	Updated         int        `json:"updated"`
	Deleted         int        `json:"deleted"`
	Conflicts       int        `json:"conflicts"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	return nil
}

// Tables lists every model migrated by Open.
var Tables = []interface{}{
	&Credential{},
	&CalendarLink{},
	&Appointment{},
	&ExternalEvent{},
	&SyncRun{},
}
