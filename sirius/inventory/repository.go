package inventory

import (
	"context"
	"fmt"

	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"gorm.io/gorm"
)

// Repository reads users and inventory scans from the shared database.
// It implements both Source and Directory.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new Repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// RecentScans implements Source.
func (r *Repository) RecentScans(ctx context.Context, userID string, limit int) ([]models.InventoryScan, error) {
	var scans []models.InventoryScan
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("scanned_at DESC").
		Limit(limit).
		Find(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("error querying inventory scans: %w", err)
	}
	return scans, nil
}

// Users implements Directory.
func (r *Repository) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("error querying users: %w", err)
	}
	return users, nil
}

// RecordScan stores a scan. The device analyzer owns this table in
// production; embedded deployments and tests seed it through here.
func (r *Repository) RecordScan(ctx context.Context, scan *models.InventoryScan) error {
	if err := r.db.WithContext(ctx).Create(scan).Error; err != nil {
		return fmt.Errorf("error recording inventory scan: %w", err)
	}
	return nil
}

// AddUser stores a user if it does not exist yet.
func (r *Repository) AddUser(ctx context.Context, user models.User) error {
	if err := r.db.WithContext(ctx).Where(models.User{ID: user.ID}).FirstOrCreate(&user).Error; err != nil {
		return fmt.Errorf("error adding user: %w", err)
	}
	return nil
}
