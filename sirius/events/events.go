// Package events records the audit trail of ingestion cycles.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServiceName is stored on every event this service records.
const ServiceName = "threat-intel"

// Event describes an event to record. Timestamp and EventID are assigned by
// the Recorder.
type Event struct {
	Subcomponent string
	EventType    string
	Severity     string
	Title        string
	Description  string
	Metadata     map[string]interface{}
	EntityType   string
	EntityID     string
}

// EventFilters represents filters for querying events
type EventFilters struct {
	Limit      int
	Offset     int
	Severity   string
	EventType  string
	StartTime  *time.Time
	EndTime    *time.Time
	EntityType string
	EntityID   string
}

// Recorder writes and queries events.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder creates a new Recorder instance
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record stores e and returns the stored row.
func (r *Recorder) Record(ctx context.Context, e Event) (*models.Event, error) {
	if !models.IsValidSeverity(e.Severity) {
		return nil, fmt.Errorf("invalid event severity %q", e.Severity)
	}
	now := r.now()
	row := &models.Event{
		EventID:      uuid.NewString(),
		Timestamp:    now,
		Service:      ServiceName,
		Subcomponent: e.Subcomponent,
		EventType:    e.EventType,
		Severity:     e.Severity,
		Title:        e.Title,
		Description:  e.Description,
		Metadata:     e.Metadata,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		CreatedAt:    now,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	return row, nil
}

// GetEvents retrieves events with filters, newest first, plus the total
// number matching before pagination.
func (r *Recorder) GetEvents(ctx context.Context, filters EventFilters) ([]models.Event, int, error) {
	query := r.db.WithContext(ctx).Model(&models.Event{})

	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if filters.EventType != "" {
		query = query.Where("event_type = ?", filters.EventType)
	}
	if filters.EntityType != "" {
		query = query.Where("entity_type = ?", filters.EntityType)
	}
	if filters.EntityID != "" {
		query = query.Where("entity_id = ?", filters.EntityID)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", filters.EndTime)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Limit > 500 {
		filters.Limit = 500
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	var events []models.Event
	err := query.
		Order("timestamp DESC").
		Order("id DESC").
		Limit(filters.Limit).
		Offset(filters.Offset).
		Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}

	return events, int(total), nil
}

// GetEvent retrieves a single event by event_id
func (r *Recorder) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var event models.Event
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("event not found: %s", eventID)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

// DeleteOlderThan deletes events recorded before cutoff.
func (r *Recorder) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
