// Package catalog merges raw feed advisories into the deduplicated CVE catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"gorm.io/gorm"
)

// ErrInvalidIdentifier is returned for advisories whose id is not a CVE id.
var ErrInvalidIdentifier = errors.New("invalid CVE identifier")

var cveIDPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// NormalizeID uppercases and validates a CVE identifier.
func NormalizeID(id string) (string, error) {
	canonical := strings.ToUpper(strings.TrimSpace(id))
	if !cveIDPattern.MatchString(canonical) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return canonical, nil
}

// Repository provides catalog reads and the idempotent upsert.
type Repository struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// NewRepository creates a new Repository instance
func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:  db,
		log: logger.With("component", "catalog"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for timestamps. Intended for tests.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Upsert creates or merges the catalog entry for adv.
//
// An exploited-list write never replaces severity or score already present;
// a rich-feed write replaces every field it carries. Once an entry is marked
// exploited it stays exploited. UpdatedAt is refreshed on every write.
func (r *Repository) Upsert(ctx context.Context, adv feed.Advisory) (models.CatalogEntry, error) {
	id, err := NormalizeID(adv.ID)
	if err != nil {
		r.log.Warn("Rejected advisory", "id", adv.ID, "source", adv.Source, "error", err)
		return models.CatalogEntry{}, err
	}
	adv.ID = id

	var entry models.CatalogEntry
	db := r.db.WithContext(ctx).Session(&gorm.Session{NowFunc: r.now})
	err = db.Transaction(func(tx *gorm.DB) error {
		var existing models.CatalogEntry
		result := tx.Where("id = ?", id).Limit(1).Find(&existing)
		if result.Error != nil {
			return fmt.Errorf("failed to load catalog entry: %w", result.Error)
		}

		now := r.now()
		if result.RowsAffected == 0 {
			entry = newEntry(adv)
			entry.CreatedAt = now
			entry.UpdatedAt = now
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("failed to create catalog entry: %w", err)
			}
			return nil
		}

		entry = merge(existing, adv)
		entry.UpdatedAt = now
		if err := tx.Save(&entry).Error; err != nil {
			return fmt.Errorf("failed to update catalog entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.CatalogEntry{}, fmt.Errorf("upsert %s: %w", id, err)
	}
	return entry, nil
}

// BatchResult summarizes an UpsertBatch call.
type BatchResult struct {
	Stored   int `json:"stored"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

// UpsertBatch upserts every advisory, skipping those that fail. It never
// stops early.
func (r *Repository) UpsertBatch(ctx context.Context, advisories []feed.Advisory) BatchResult {
	var res BatchResult
	for _, adv := range advisories {
		_, err := r.Upsert(ctx, adv)
		switch {
		case err == nil:
			res.Stored++
		case errors.Is(err, ErrInvalidIdentifier):
			res.Rejected++
		default:
			res.Failed++
			r.log.Error("Failed to store advisory", "id", adv.ID, "source", adv.Source, "error", err)
		}
	}
	return res
}

// Get returns the entry for id.
func (r *Repository) Get(ctx context.Context, id string) (models.CatalogEntry, error) {
	canonical, err := NormalizeID(id)
	if err != nil {
		return models.CatalogEntry{}, err
	}
	var entry models.CatalogEntry
	if err := r.db.WithContext(ctx).Where("id = ?", canonical).First(&entry).Error; err != nil {
		return models.CatalogEntry{}, fmt.Errorf("failed to get catalog entry %s: %w", canonical, err)
	}
	return entry, nil
}

// PublishedSince returns every entry published at or after since, newest first.
// The returned slice is owned by the caller.
func (r *Repository) PublishedSince(ctx context.Context, since time.Time) ([]models.CatalogEntry, error) {
	var entries []models.CatalogEntry
	err := r.db.WithContext(ctx).
		Where("published_date >= ?", since).
		Order("published_date DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	return entries, nil
}

// Prune deletes entries that were published and last written before cutoff.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("published_date < ? AND updated_at < ?", cutoff, cutoff).
		Delete(&models.CatalogEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune catalog: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Count returns the number of catalog entries.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.CatalogEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count catalog: %w", err)
	}
	return n, nil
}

func newEntry(adv feed.Advisory) models.CatalogEntry {
	return models.CatalogEntry{
		ID:               adv.ID,
		Title:            adv.Title,
		Description:      adv.Description,
		Severity:         normalizeSeverity(adv.Severity, adv.CVSSScore),
		CVSSScore:        clampScore(adv.CVSSScore),
		Exploited:        adv.Exploited,
		AffectedProducts: union(nil, adv.AffectedProducts),
		PublishedDate:    adv.PublishedDate.UTC(),
		Source:           string(adv.Source),
		ExploitedDate:    utcPtr(adv.ExploitedDate),
		References:       union(nil, adv.References),
	}
}

func merge(cur models.CatalogEntry, adv feed.Advisory) models.CatalogEntry {
	cur.AffectedProducts = union(cur.AffectedProducts, adv.AffectedProducts)
	cur.References = union(cur.References, adv.References)
	if adv.Exploited {
		cur.Exploited = true
	}
	if adv.ExploitedDate != nil {
		cur.ExploitedDate = utcPtr(adv.ExploitedDate)
	}

	switch adv.Source {
	case feed.SourceExploitedList:
		if cur.Title == "" {
			cur.Title = adv.Title
		}
		if cur.Description == "" {
			cur.Description = adv.Description
		}
		if cur.Severity == "" {
			cur.Severity = normalizeSeverity(adv.Severity, adv.CVSSScore)
			cur.CVSSScore = clampScore(adv.CVSSScore)
		}
		if cur.PublishedDate.IsZero() {
			cur.PublishedDate = adv.PublishedDate.UTC()
		}
		if cur.Source == "" {
			cur.Source = string(adv.Source)
		}
	default:
		if adv.Title != "" {
			cur.Title = adv.Title
		}
		if adv.Description != "" {
			cur.Description = adv.Description
		}
		if adv.Severity != "" {
			cur.Severity = normalizeSeverity(adv.Severity, adv.CVSSScore)
			cur.CVSSScore = clampScore(adv.CVSSScore)
		}
		if !adv.PublishedDate.IsZero() {
			cur.PublishedDate = adv.PublishedDate.UTC()
		}
		cur.Source = string(adv.Source)
	}
	return cur
}

func normalizeSeverity(severity string, score float64) string {
	switch s := strings.ToLower(strings.TrimSpace(severity)); s {
	case feed.SeverityCritical, feed.SeverityHigh, feed.SeverityMedium, feed.SeverityLow:
		return s
	}
	return feed.SeverityForScore(score)
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(score, 10))
}

// union appends the values of add missing from base, preserving order and
// dropping empty strings.
func union(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
