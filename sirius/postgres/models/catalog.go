// File: catalog.go
package models

import (
	"time"
)

// CatalogEntry is one deduplicated CVE advisory.
type CatalogEntry struct {
	ID               string     `gorm:"primaryKey;size:32" json:"id"`
	Title            string     `gorm:"size:512" json:"title"`
	Description      string     `gorm:"type:text" json:"description"`
	Severity         string     `gorm:"size:16;index:idx_catalog_severity" json:"severity"`
	CVSSScore        float64    `gorm:"type:numeric(3,1);not null" json:"cvssScore"`
	Exploited        bool       `gorm:"not null;index:idx_catalog_exploited" json:"exploited"`
	AffectedProducts []string   `gorm:"serializer:json;type:text" json:"affectedProducts"`
	PublishedDate    time.Time  `gorm:"not null;index:idx_catalog_published,sort:desc" json:"publishedDate"`
	Source           string     `gorm:"size:32" json:"source"`
	ExploitedDate    *time.Time `json:"exploitedDate,omitempty"`
	References       []string   `gorm:"serializer:json;type:text" json:"references"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// TableName specifies the table name for the CatalogEntry model
func (CatalogEntry) TableName() string {
	return "catalog_entries"
}
