package security

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/pkg/logger"
	"github.com/clavis-auth/clavis/pkg/metrics"
)

// Well-known event types recorded by the core. Handlers and services may add
// their own; these are the ones the core itself emits.
const (
	EventLoginFailed       = "LOGIN_FAILED"
	EventLoginSucceeded    = "LOGIN_SUCCEEDED"
	EventSessionRejected   = "SESSION_REJECTED"
	EventAccessDenied      = "ACCESS_DENIED"
	EventRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	EventAccountLocked     = "ACCOUNT_LOCKED"
	EventMFAEnrollStarted  = "MFA_ENROLL_STARTED"
	EventMFAEnabled        = "MFA_ENABLED"
	EventMFADisabled       = "MFA_DISABLED"
	EventMFAFailed         = "MFA_FAILED"
	EventRoleAssigned      = "ROLE_ASSIGNED"
	EventRoleRemoved       = "ROLE_REMOVED"
)

// Event captures a single security-relevant outcome to append.
type Event struct {
	Type        string
	Severity    models.Severity
	Description string
	ActorID     *string
	IPAddress   string
	UserAgent   string
	Metadata    map[string]any
}

// Recorder appends security events. Record never returns an error: audit-sink
// unavailability must not take down the primary operation, so failures are
// reported on the diagnostic log only.
type Recorder struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewRecorder constructs a security event recorder backed by the provided database.
func NewRecorder(db *gorm.DB, opts ...RecorderOption) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("security recorder: db is required")
	}

	recorder := &Recorder{
		db:  db,
		log: logger.WithModule("security"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(recorder)
	}
	return recorder, nil
}

// Record appends the event. Invalid or unpersistable events are dropped with
// a diagnostic log entry.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if ctx == nil {
		ctx = context.Background()
	}

	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		r.log.Warn("dropping security event without type")
		return
	}

	severity := event.Severity
	if severity == "" {
		severity = models.SeverityInfo
	}

	var payload []byte
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			r.log.Warn("dropping security event metadata",
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		} else {
			payload = encoded
		}
	}

	record := models.SecurityEvent{
		EventType:   eventType,
		Severity:    severity,
		Description: strings.TrimSpace(event.Description),
		IPAddress:   strings.TrimSpace(event.IPAddress),
		UserAgent:   strings.TrimSpace(event.UserAgent),
		Metadata:    payload,
		CreatedAt:   r.now().UTC(),
	}

	if event.ActorID != nil && strings.TrimSpace(*event.ActorID) != "" {
		id := strings.TrimSpace(*event.ActorID)
		record.ActorID = &id
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.log.Error("security event append failed",
			zap.String("event_type", eventType),
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
		return
	}

	metrics.SecurityEvents.WithLabelValues(string(severity)).Inc()
}

// Filters encapsulates optional filters when querying security events.
type Filters struct {
	ActorID   string
	EventType string
	Severity  string
	Since     *time.Time
	Until     *time.Time
}

// ListOptions controls pagination and filtering for event queries.
type ListOptions struct {
	Page     int
	PageSize int
	Filters  Filters
}

// List returns paginated security events ordered by creation time descending.
// Reads exist for incident reconstruction; nothing in the core mutates events.
func (r *Recorder) List(ctx context.Context, opts ListOptions) ([]models.SecurityEvent, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.SecurityEvent
		total   int64
	)

	query := applyFilters(r.db.WithContext(ctx).Model(&models.SecurityEvent{}), opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, err
	}

	return results, total, nil
}

// Export returns all events matching the filters without pagination.
func (r *Recorder) Export(ctx context.Context, filters Filters) ([]models.SecurityEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var events []models.SecurityEvent
	query := applyFilters(r.db.WithContext(ctx).Model(&models.SecurityEvent{}), filters)
	if err := query.Order("created_at DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CleanupOlderThan removes events past the retention window (in days). This
// is the external retention concern; request paths never call it.
func (r *Recorder) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if retentionDays <= 0 {
		return 0, errors.New("security recorder: retentionDays must be positive")
	}

	cutoff := r.now().AddDate(0, 0, -retentionDays)

	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.SecurityEvent{})
	return result.RowsAffected, result.Error
}

func applyFilters(query *gorm.DB, filters Filters) *gorm.DB {
	if filters.ActorID != "" {
		query = query.Where("actor_id = ?", filters.ActorID)
	}
	if filters.EventType != "" {
		query = query.Where("event_type = ?", filters.EventType)
	}
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}
