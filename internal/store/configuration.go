package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	MinSyncIntervalMinutes = 5
	MaxSyncIntervalMinutes = 1440
)

// ErrInvalidConfiguration wraps every validation failure of SyncConfiguration.
var ErrInvalidConfiguration = errors.New("invalid sync configuration")

// SyncConfiguration is a partial update of a link's sync settings.
// Nil fields are left unchanged.
type SyncConfiguration struct {
	AutoSyncEnabled      *bool           `json:"auto_sync_enabled,omitempty"`
	SyncIntervalMinutes  *int            `json:"sync_interval_minutes,omitempty"`
	ConflictPolicy       *ConflictPolicy `json:"conflict_policy,omitempty"`
	SyncWindowDays       *int            `json:"sync_window_days,omitempty"`
	DefaultEventDuration *int            `json:"default_event_duration,omitempty"` // minutes
	Timezone             *string         `json:"timezone,omitempty"`
	SyncDirection        *SyncDirection  `json:"sync_direction,omitempty"`
}

// Validate checks bounds and enumerations.
func (c SyncConfiguration) Validate() error {
	if c.SyncIntervalMinutes != nil {
		if v := *c.SyncIntervalMinutes; v < MinSyncIntervalMinutes || v > MaxSyncIntervalMinutes {
			return fmt.Errorf("%w: sync_interval_minutes must be between %d and %d, got %d",
				ErrInvalidConfiguration, MinSyncIntervalMinutes, MaxSyncIntervalMinutes, v)
		}
	}
	if c.ConflictPolicy != nil && !c.ConflictPolicy.Valid() {
		return fmt.Errorf("%w: unknown conflict_policy %q", ErrInvalidConfiguration, *c.ConflictPolicy)
	}
	if c.SyncDirection != nil && !c.SyncDirection.Valid() {
		return fmt.Errorf("%w: unknown sync_direction %q", ErrInvalidConfiguration, *c.SyncDirection)
	}
	if c.SyncWindowDays != nil && *c.SyncWindowDays <= 0 {
		return fmt.Errorf("%w: sync_window_days must be positive, got %d", ErrInvalidConfiguration, *c.SyncWindowDays)
	}
	if c.DefaultEventDuration != nil && *c.DefaultEventDuration <= 0 {
		return fmt.Errorf("%w: default_event_duration must be positive, got %d", ErrInvalidConfiguration, *c.DefaultEventDuration)
	}
	if c.Timezone != nil {
		if _, err := time.LoadLocation(*c.Timezone); err != nil {
			return fmt.Errorf("%w: invalid timezone %q: %v", ErrInvalidConfiguration, *c.Timezone, err)
		}
	}
	return nil
}

func (c SyncConfiguration) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if c.AutoSyncEnabled != nil {
		cols["auto_sync_enabled"] = *c.AutoSyncEnabled
	}
	if c.SyncIntervalMinutes != nil {
		cols["sync_interval_minutes"] = *c.SyncIntervalMinutes
	}
	if c.ConflictPolicy != nil {
		cols["conflict_policy"] = *c.ConflictPolicy
	}
	if c.SyncWindowDays != nil {
		cols["sync_window_days"] = *c.SyncWindowDays
	}
	if c.DefaultEventDuration != nil {
		cols["default_event_duration_minutes"] = *c.DefaultEventDuration
	}
	if c.Timezone != nil {
		cols["timezone"] = *c.Timezone
	}
	if c.SyncDirection != nil {
		cols["sync_direction"] = *c.SyncDirection
	}
	return cols
}

// UpdateSyncConfiguration validates and applies cfg to a link, returning the updated row.
func (s *Store) UpdateSyncConfiguration(ctx context.Context, id uint, cfg SyncConfiguration) (*CalendarLink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var link CalendarLink
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&link, id).Error; err != nil {
			return notFound(err, "calendar link", id)
		}
		cols := cfg.columns()
		if len(cols) == 0 {
			return nil
		}
		cols["updated_at"] = time.Now().UTC()
		if err := tx.Model(&link).UpdateColumns(cols).Error; err != nil {
			return fmt.Errorf("failed to update sync configuration of link %d: %w", id, err)
		}
		return tx.First(&link, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}
