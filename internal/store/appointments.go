package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateAppointment inserts an appointment. Used by the scheduling application and tests.
func (s *Store) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	if a.SyncStatus == "" {
		a.SyncStatus = SyncPending
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

// UpdateAppointment saves an edited appointment as is. Used by the scheduling
// application and tests; editors are expected to set sync_status to pending.
func (s *Store) UpdateAppointment(ctx context.Context, a *Appointment) error {
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("failed to update appointment %d: %w", a.ID, err)
	}
	return nil
}

// DeleteAppointment soft-deletes an appointment.
func (s *Store) DeleteAppointment(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&Appointment{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete appointment %d: %w", id, err)
	}
	return nil
}

// GetAppointment loads one non-deleted appointment.
func (s *Store) GetAppointment(ctx context.Context, id uint) (*Appointment, error) {
	var a Appointment
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err, "appointment", id)
	}
	return &a, nil
}

// AppointmentExists reports whether a non-deleted appointment with id exists.
func (s *Store) AppointmentExists(ctx context.Context, id uint) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Appointment{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to look up appointment %d: %w", id, err)
	}
	return n > 0, nil
}

// ListAppointmentsForSync loads the appointments of a link that overlap [start, end)
// and still need work (pending or error) or are already linked to a provider event.
// Appointments without a link belong to the tenant's primary link.
func (s *Store) ListAppointmentsForSync(ctx context.Context, link *CalendarLink, start, end time.Time) ([]Appointment, error) {
	q := s.db.WithContext(ctx).
		Where("tenant_id = ?", link.TenantID).
		Where("start_time < ? AND end_time > ?", end.UTC(), start.UTC()).
		Where("(sync_status IN ? OR external_event_id IS NOT NULL)", []SyncStatus{SyncPending, SyncError})
	if link.IsPrimary {
		q = q.Where("(calendar_link_id = ? OR calendar_link_id IS NULL)", link.ID)
	} else {
		q = q.Where("calendar_link_id = ?", link.ID)
	}

	var appts []Appointment
	if err := q.Order("start_time, id").Find(&appts).Error; err != nil {
		return nil, fmt.Errorf("failed to list appointments for link %d: %w", link.ID, err)
	}
	return appts, nil
}

// CountAppointmentsBySyncStatus counts a link's appointments in one sync status.
func (s *Store) CountAppointmentsBySyncStatus(ctx context.Context, linkID uint, status SyncStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Appointment{}).
		Where("calendar_link_id = ? AND sync_status = ?", linkID, status).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count %s appointments of link %d: %w", status, linkID, err)
	}
	return n, nil
}

// ImportAppointment creates an appointment from a provider event and records the event row.
func (s *Store) ImportAppointment(ctx context.Context, a *Appointment, ev *ExternalEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("failed to create imported appointment: %w", err)
		}
		ev.AppointmentID = &a.ID
		return saveExternalEvent(tx, ev)
	})
}

// ApplyProviderVersion overwrites the appointment's content columns from a and
// records the event row, marking the appointment synced.
func (s *Store) ApplyProviderVersion(ctx context.Context, a *Appointment, ev *ExternalEvent, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := at.UTC()
		err := tx.Model(&Appointment{}).Where("id = ?", a.ID).UpdateColumns(map[string]interface{}{
			"service_name":      a.ServiceName,
			"client_name":       a.ClientName,
			"notes":             a.Notes,
			"location":          a.Location,
			"start_time":        a.StartTime.UTC(),
			"end_time":          a.EndTime.UTC(),
			"status":            a.Status,
			"external_event_id": ev.ExternalEventID,
			"calendar_link_id":  ev.CalendarLinkID,
			"sync_status":       SyncSynced,
			"sync_error":        "",
			"last_sync_at":      at,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to apply provider version to appointment %d: %w", a.ID, err)
		}
		a.SyncStatus, a.SyncError, a.LastSyncAt = SyncSynced, "", &at
		ev.AppointmentID = &a.ID
		return saveExternalEvent(tx, ev)
	})
}

// MarkExported links an appointment to the provider event it was written to.
func (s *Store) MarkExported(ctx context.Context, apptID uint, ev *ExternalEvent, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Appointment{}).Where("id = ?", apptID).UpdateColumns(map[string]interface{}{
			"external_event_id": ev.ExternalEventID,
			"calendar_link_id":  ev.CalendarLinkID,
			"sync_status":       SyncSynced,
			"sync_error":        "",
			"last_sync_at":      at.UTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to mark appointment %d exported: %w", apptID, err)
		}
		ev.AppointmentID = &apptID
		return saveExternalEvent(tx, ev)
	})
}

// MarkSynced records that an appointment already matches its provider event.
func (s *Store) MarkSynced(ctx context.Context, apptID uint, at time.Time) error {
	return s.setSyncStatus(ctx, apptID, map[string]interface{}{
		"sync_status":  SyncSynced,
		"sync_error":   "",
		"last_sync_at": at.UTC(),
	})
}

// MarkSyncError records a failed write for an appointment.
func (s *Store) MarkSyncError(ctx context.Context, apptID uint, msg string) error {
	return s.setSyncStatus(ctx, apptID, map[string]interface{}{
		"sync_status": SyncError,
		"sync_error":  msg,
	})
}

// MarkConflict leaves an appointment for operator resolution.
func (s *Store) MarkConflict(ctx context.Context, apptID uint) error {
	return s.setSyncStatus(ctx, apptID, map[string]interface{}{
		"sync_status": SyncConflict,
		"sync_error":  "appointment and provider event differ",
	})
}

// UnlinkAppointment clears the provider event of an appointment and sets its sync status.
func (s *Store) UnlinkAppointment(ctx context.Context, apptID uint, status SyncStatus) error {
	return s.setSyncStatus(ctx, apptID, map[string]interface{}{
		"external_event_id": nil,
		"sync_status":       status,
	})
}

// CancelFromProvider cancels an appointment whose provider event was deleted and
// removes the event row.
func (s *Store) CancelFromProvider(ctx context.Context, apptID uint, ev *ExternalEvent, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Appointment{}).Where("id = ?", apptID).UpdateColumns(map[string]interface{}{
			"status":            AppointmentCancelled,
			"external_event_id": nil,
			"sync_status":       SyncSynced,
			"sync_error":        "",
			"last_sync_at":      at.UTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to cancel appointment %d: %w", apptID, err)
		}
		return deleteExternalEvent(tx, ev.CalendarLinkID, ev.ExternalEventID)
	})
}

func (s *Store) setSyncStatus(ctx context.Context, apptID uint, cols map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&Appointment{}).Where("id = ?", apptID).UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update sync status of appointment %d: %w", apptID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("appointment %d: %w", apptID, ErrNotFound)
	}
	return nil
}

// ListExternalEvents returns every event row of a link.
func (s *Store) ListExternalEvents(ctx context.Context, linkID uint) ([]ExternalEvent, error) {
	var events []ExternalEvent
	if err := s.db.WithContext(ctx).Where("calendar_link_id = ?", linkID).Order("id").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list external events of link %d: %w", linkID, err)
	}
	return events, nil
}

// SaveExternalEvent inserts or updates an event row keyed by link and external id.
func (s *Store) SaveExternalEvent(ctx context.Context, ev *ExternalEvent) error {
	return saveExternalEvent(s.db.WithContext(ctx), ev)
}

// DeleteExternalEvent removes an event row.
func (s *Store) DeleteExternalEvent(ctx context.Context, linkID uint, externalID string) error {
	return deleteExternalEvent(s.db.WithContext(ctx), linkID, externalID)
}

// DetachExternalEvent keeps an event row but drops its appointment, so the
// event is known and never imported again.
func (s *Store) DetachExternalEvent(ctx context.Context, linkID uint, externalID string) error {
	err := s.db.WithContext(ctx).Model(&ExternalEvent{}).
		Where("calendar_link_id = ? AND external_event_id = ?", linkID, externalID).
		UpdateColumn("appointment_id", nil).Error
	if err != nil {
		return fmt.Errorf("failed to detach external event %s: %w", externalID, err)
	}
	return nil
}

func saveExternalEvent(tx *gorm.DB, ev *ExternalEvent) error {
	var existing ExternalEvent
	err := tx.Where("calendar_link_id = ? AND external_event_id = ?", ev.CalendarLinkID, ev.ExternalEventID).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := tx.Create(ev).Error; err != nil {
			return fmt.Errorf("failed to create external event %s: %w", ev.ExternalEventID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up external event %s: %w", ev.ExternalEventID, err)
	}

	ev.ID = existing.ID
	ev.CreatedAt = existing.CreatedAt
	if ev.Origin == "" {
		ev.Origin = existing.Origin
	}
	if err := tx.Save(ev).Error; err != nil {
		return fmt.Errorf("failed to update external event %s: %w", ev.ExternalEventID, err)
	}
	return nil
}

func deleteExternalEvent(tx *gorm.DB, linkID uint, externalID string) error {
	err := tx.Where("calendar_link_id = ? AND external_event_id = ?", linkID, externalID).
		Delete(&ExternalEvent{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete external event %s: %w", externalID, err)
	}
	return nil
}
