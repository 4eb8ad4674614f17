package auditstore

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	EventContentFlagged        = "ContentFlagged"
	EventValidationFailure     = "ValidationServiceFailure"
	EventRegistrationValidated = "ChildSafety_RegistrationValidated"
	EventRegistrationRejected  = "ChildSafety_RegistrationRejected"
	EventResponseFallback      = "ResponseFallback"
	EventBudgetAlert           = "BudgetAlert"
	EventQuotaExceeded         = "QuotaExceeded"
	EventRetentionPurge        = "RetentionPurge"
)

const childSafetyEventPrefix = "ChildSafety_"

const DefaultRetention = 365 * 24 * time.Hour

var (
	ErrInsideRetention = errors.New("purge would remove events inside the retention window")
	ErrDuplicateEvent  = errors.New("audit event already exists")
)

// Event is a single append-only audit record. Identity is ID; events are never updated after they are appended.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"eventType"`
	// uuid.Nil when there is no subject user (eg, pre-registration checks)
	UserID             uuid.UUID      `json:"userId"`
	Severity           Severity       `json:"severity"`
	Message            string         `json:"message"`
	Data               map[string]any `json:"data,omitempty"`
	IsChildSafetyEvent bool           `json:"isChildSafetyEvent"`
}

// IsChildSafetyType reports whether events of this type belong in compliance reporting, as opposed to general operational logs.
func IsChildSafetyType(eventType string) bool {
	switch eventType {
	case EventContentFlagged, EventValidationFailure:
		return true
	}
	return strings.HasPrefix(eventType, childSafetyEventPrefix)
}

// NewEvent fills in identity, timestamp, and the child-safety flag for an event type.
func NewEvent(eventType string, severity Severity, userID uuid.UUID, msg string, data map[string]any) Event {
	return Event{
		ID:                 uuid.New(),
		Timestamp:          time.Now().UTC(),
		Type:               eventType,
		UserID:             userID,
		Severity:           severity,
		Message:            msg,
		Data:               data,
		IsChildSafetyEvent: IsChildSafetyType(eventType),
	}
}

type Order string

const (
	OrderNewest Order = "newest"
	OrderOldest Order = "oldest"
)

type Query struct {
	// inclusive
	From time.Time
	// exclusive; zero means "now"
	To              time.Time
	UserID          uuid.UUID
	ChildSafetyOnly bool
	Order           Order
	// zero means no limit
	Limit int
}

func (q Query) upper() time.Time {
	if q.To.IsZero() {
		// include anything appended up to this instant
		return time.Now().Add(time.Nanosecond)
	}
	return q.To
}

func (q Query) matches(ev *Event) bool {
	if ev.Timestamp.Before(q.From) || !ev.Timestamp.Before(q.upper()) {
		return false
	}
	if q.UserID != uuid.Nil && ev.UserID != q.UserID {
		return false
	}
	if q.ChildSafetyOnly && !ev.IsChildSafetyEvent {
		return false
	}
	return true
}

type AuditStore interface {
	// Append records an event. Missing ID and Timestamp are filled in.
	Append(ctx context.Context, ev Event) error
	Query(ctx context.Context, q Query) ([]Event, error)
	// Purge deletes events older than the given age, returning how many were removed. Ages shorter than the store's retention window fail with ErrInsideRetention.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

func prepare(ev *Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
}

func checkRetention(olderThan, retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if olderThan < retention {
		return ErrInsideRetention
	}
	return nil
}

// cloneData deep-copies an event payload so stored events share no maps or slices with callers.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	return cloneValue(reflect.ValueOf(data)).Interface().(map[string]any)
}

func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(cloneValue(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneValue(v.Index(i)))
		}
		return out
	}
	return v
}
