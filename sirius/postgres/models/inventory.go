// File: inventory.go
package models

import (
	"time"
)

// User is a tenant of the platform. Rows are owned by the account service.
type User struct {
	ID        string    `gorm:"primaryKey;size:255" json:"id"`
	Email     string    `gorm:"size:320" json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// InventoryScan is the software inventory the device analyzer produced for
// one endpoint of one user. Rows are written by the analyzer and only read here.
type InventoryScan struct {
	ID              uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          string        `gorm:"size:255;not null;index:idx_inventory_user_time,priority:1" json:"userId"`
	EndpointID      string        `gorm:"size:255;not null" json:"endpointId"`
	ScannedAt       time.Time     `gorm:"not null;index:idx_inventory_user_time,priority:2,sort:desc" json:"scannedAt"`
	Software        []SoftwareRow `gorm:"serializer:json;type:text" json:"software"`
	InternetExposed bool          `json:"internetExposed"`
	CriticalSystem  bool          `json:"criticalSystem"`
	SecureScore     float64       `json:"secureScore,omitempty"`
}

// TableName specifies the table name for the InventoryScan model
func (InventoryScan) TableName() string {
	return "inventory_scans"
}

// SoftwareRow is a single installed package as reported by a scan.
type SoftwareRow struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
