package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists calendar links, credentials, appointments, external events and sync runs.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dsn and migrates all tables. A
// postgres:// or postgresql:// URL selects PostgreSQL; anything else is the
// path of a SQLite file, created if missing.
func Open(dsn string) (*Store, error) {
	dialector := Dialector(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// SQLite allows a single writer; concurrent runs share one connection.
		sqlDB.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Dialector picks the gorm driver for dsn.
func Dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table in Tables.
func (s *Store) Migrate() error {
	for _, table := range Tables {
		if err := s.db.AutoMigrate(table); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", table, err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %d: %w", what, id, err)
}

// CreateCalendarLink stores a new link together with its credential.
func (s *Store) CreateCalendarLink(ctx context.Context, link *CalendarLink, tok *oauth2.Token) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cred := &Credential{}
		cred.setToken(tok)
		if err := tx.Create(cred).Error; err != nil {
			return fmt.Errorf("failed to create credential: %w", err)
		}
		link.CredentialID = cred.ID
		if link.IsPrimary {
			// Only one primary link per tenant.
			if err := tx.Model(&CalendarLink{}).
				Where("tenant_id = ?", link.TenantID).
				Update("is_primary", false).Error; err != nil {
				return fmt.Errorf("failed to reset primary link: %w", err)
			}
		}
		if err := tx.Create(link).Error; err != nil {
			return fmt.Errorf("failed to create calendar link: %w", err)
		}
		return nil
	})
}

// GetCalendarLink loads one link by id.
func (s *Store) GetCalendarLink(ctx context.Context, id uint) (*CalendarLink, error) {
	var link CalendarLink
	if err := s.db.WithContext(ctx).First(&link, id).Error; err != nil {
		return nil, notFound(err, "calendar link", id)
	}
	return &link, nil
}

// ListCalendarLinks returns every link ordered by id.
func (s *Store) ListCalendarLinks(ctx context.Context) ([]CalendarLink, error) {
	var links []CalendarLink
	if err := s.db.WithContext(ctx).Order("id").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to list calendar links: %w", err)
	}
	return links, nil
}

// ListSchedulableLinks returns the links that take part in automatic syncing.
func (s *Store) ListSchedulableLinks(ctx context.Context) ([]CalendarLink, error) {
	var links []CalendarLink
	err := s.db.WithContext(ctx).
		Where("sync_enabled = ? AND auto_sync_enabled = ?", true, true).
		Order("id").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulable links: %w", err)
	}
	return links, nil
}

// DisableCalendarLink stops a link from being synced until it is re-authorized.
func (s *Store) DisableCalendarLink(ctx context.Context, id uint, reason string) error {
	res := s.db.WithContext(ctx).Model(&CalendarLink{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"sync_enabled":    false,
			"disabled_reason": reason,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to disable calendar link %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("calendar link %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordLinkSync stores the time of the last completed run and the provider cursor.
// A non-zero through records the window end covered by a full fetch.
func (s *Store) RecordLinkSync(ctx context.Context, id uint, at time.Time, cursor string, through time.Time) error {
	cols := map[string]interface{}{
		"last_sync_at": at.UTC(),
		"sync_cursor":  cursor,
	}
	if !through.IsZero() {
		cols["synced_through"] = through.UTC()
	}
	err := s.db.WithContext(ctx).Model(&CalendarLink{}).Where("id = ?", id).UpdateColumns(cols).Error
	if err != nil {
		return fmt.Errorf("failed to record sync time for link %d: %w", id, err)
	}
	return nil
}

// LoadToken returns the stored token of a link.
func (s *Store) LoadToken(ctx context.Context, linkID uint) (*oauth2.Token, error) {
	cred, err := s.credential(ctx, s.db, linkID)
	if err != nil {
		return nil, err
	}
	return cred.Token(), nil
}

// SaveToken replaces the stored token of a link. An empty refresh token keeps the old one.
func (s *Store) SaveToken(ctx context.Context, linkID uint, tok *oauth2.Token) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cred, err := s.credential(ctx, tx, linkID)
		if err != nil {
			return err
		}
		cred.setToken(tok)
		if err := tx.Save(cred).Error; err != nil {
			return fmt.Errorf("failed to save token for link %d: %w", linkID, err)
		}
		return nil
	})
}

func (s *Store) credential(ctx context.Context, db *gorm.DB, linkID uint) (*Credential, error) {
	var link CalendarLink
	if err := db.WithContext(ctx).Select("id", "credential_id").First(&link, linkID).Error; err != nil {
		return nil, notFound(err, "calendar link", linkID)
	}
	var cred Credential
	if err := db.WithContext(ctx).First(&cred, link.CredentialID).Error; err != nil {
		return nil, notFound(err, "credential", link.CredentialID)
	}
	return &cred, nil
}
