// Package correlation matches the catalog against user inventories and
// persists one risk-scored record per (user, CVE) pair.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrWriteFailure wraps any storage error raised by Writer.Upsert.
var ErrWriteFailure = errors.New("correlation write failed")

// Fields are the recomputed values stored on every write.
type Fields struct {
	ImpactedEndpoints     []string
	ImpactedSoftware      []models.ImpactedSoftware
	RiskScore             int
	RiskFactors           models.RiskFactors
	ThreatDetails         models.ThreatDetails
	ActionRecommendations []string
}

// updatedColumns are overwritten when the (user_id, cve_id) row already exists.
var updatedColumns = []string{
	"impacted_endpoints",
	"impacted_software",
	"risk_score",
	"risk_factors",
	"last_checked",
	"threat_details",
	"action_recommendations",
	"updated_at",
}

// Writer performs the idempotent correlation upsert.
type Writer struct {
	db  *gorm.DB
	now func() time.Time
}

// NewWriter creates a new Writer instance
func NewWriter(db *gorm.DB) *Writer {
	return &Writer{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock used for LastChecked. Intended for tests.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Upsert inserts the correlation for (userID, cveID) or fully overwrites the
// existing one in a single statement.
func (w *Writer) Upsert(ctx context.Context, userID, cveID string, f Fields) (models.Correlation, error) {
	now := w.now()
	rec := models.Correlation{
		UserID:                userID,
		CVEID:                 cveID,
		ImpactedEndpoints:     f.ImpactedEndpoints,
		ImpactedSoftware:      f.ImpactedSoftware,
		RiskScore:             f.RiskScore,
		RiskFactors:           f.RiskFactors,
		LastChecked:           now,
		ThreatDetails:         f.ThreatDetails,
		ActionRecommendations: f.ActionRecommendations,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	db := w.db.WithContext(ctx).Session(&gorm.Session{NowFunc: w.now})
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "cve_id"}},
		DoUpdates: clause.AssignmentColumns(updatedColumns),
	}).Create(&rec).Error
	if err != nil {
		return models.Correlation{}, fmt.Errorf("%w: %s/%s: %v", ErrWriteFailure, userID, cveID, err)
	}

	stored, err := w.Get(ctx, userID, cveID)
	if err != nil {
		return models.Correlation{}, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return stored, nil
}

// Get returns the correlation for (userID, cveID).
func (w *Writer) Get(ctx context.Context, userID, cveID string) (models.Correlation, error) {
	var c models.Correlation
	err := w.db.WithContext(ctx).
		Where("user_id = ? AND cve_id = ?", userID, cveID).
		First(&c).Error
	if err != nil {
		return models.Correlation{}, fmt.Errorf("failed to get correlation %s/%s: %w", userID, cveID, err)
	}
	return c, nil
}

// ForUser lists a user's correlations, highest risk first.
func (w *Writer) ForUser(ctx context.Context, userID string) ([]models.Correlation, error) {
	var out []models.Correlation
	err := w.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("risk_score DESC").
		Order("cve_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	return out, nil
}

// Count returns the number of stored correlations.
func (w *Writer) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := w.db.WithContext(ctx).Model(&models.Correlation{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count correlations: %w", err)
	}
	return n, nil
}
