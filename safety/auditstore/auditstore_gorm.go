package auditstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditRow is the database representation of an Event.
type AuditRow struct {
	ID                 string         `gorm:"primaryKey;size:36"`
	Timestamp          time.Time      `gorm:"not null;index"`
	EventType          string         `gorm:"size:64;not null;index"`
	UserID             *string        `gorm:"size:36;index"`
	Severity           string         `gorm:"size:16;not null"`
	Message            string         `gorm:"type:text"`
	Data               map[string]any `gorm:"type:text;serializer:json"`
	IsChildSafetyEvent bool           `gorm:"not null;index"`
}

func (AuditRow) TableName() string {
	return "audit_events"
}

// GormAuditStore persists events with gorm (sqlite or postgres).
type GormAuditStore struct {
	DB        *gorm.DB
	Retention time.Duration
}

var _ AuditStore = (*GormAuditStore)(nil)

func NewGormAuditStore(db *gorm.DB, retention time.Duration) (*GormAuditStore, error) {
	if err := db.AutoMigrate(&AuditRow{}); err != nil {
		return nil, fmt.Errorf("migrating audit tables: %w", err)
	}
	return &GormAuditStore{
		DB:        db,
		Retention: retention,
	}, nil
}

func (s *GormAuditStore) Append(ctx context.Context, ev Event) error {
	prepare(&ev)
	row := AuditRow{
		ID:                 ev.ID.String(),
		Timestamp:          ev.Timestamp,
		EventType:          ev.Type,
		Severity:           string(ev.Severity),
		Message:            ev.Message,
		Data:               ev.Data,
		IsChildSafetyEvent: ev.IsChildSafetyEvent,
	}
	if ev.UserID != uuid.Nil {
		uid := ev.UserID.String()
		row.UserID = &uid
	}
	err := s.DB.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEvent
	}
	return err
}

func (s *GormAuditStore) Query(ctx context.Context, q Query) ([]Event, error) {
	tx := s.DB.WithContext(ctx).Model(&AuditRow{}).
		Where("timestamp >= ? AND timestamp < ?", q.From.UTC(), q.upper().UTC())
	if q.UserID != uuid.Nil {
		tx = tx.Where("user_id = ?", q.UserID.String())
	}
	if q.ChildSafetyOnly {
		tx = tx.Where("is_child_safety_event = ?", true)
	}
	if q.Order == OrderOldest {
		tx = tx.Order("timestamp asc")
	} else {
		tx = tx.Order("timestamp desc")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []AuditRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *GormAuditStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := checkRetention(olderThan, s.Retention); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan).UTC()
	res := s.DB.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&AuditRow{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (row *AuditRow) event() (Event, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return Event{}, fmt.Errorf("invalid audit event id %q: %w", row.ID, err)
	}
	ev := Event{
		ID:                 id,
		Timestamp:          row.Timestamp.UTC(),
		Type:               row.EventType,
		Severity:           Severity(row.Severity),
		Message:            row.Message,
		Data:               row.Data,
		IsChildSafetyEvent: row.IsChildSafetyEvent,
	}
	if row.UserID != nil {
		uid, err := uuid.Parse(*row.UserID)
		if err != nil {
			return Event{}, fmt.Errorf("invalid audit user id %q: %w", *row.UserID, err)
		}
		ev.UserID = uid
	}
	return ev, nil
}
