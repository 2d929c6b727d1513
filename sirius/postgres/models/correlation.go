// File: correlation.go
package models

import (
	"time"
)

// Correlation links one user's environment to one CVE. (UserID, CVEID) is unique.
type Correlation struct {
	ID                    uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID                string             `gorm:"size:255;not null;uniqueIndex:idx_correlations_user_cve,priority:1" json:"userId"`
	CVEID                 string             `gorm:"column:cve_id;size:32;not null;uniqueIndex:idx_correlations_user_cve,priority:2;index:idx_correlations_cve" json:"cveId"`
	ImpactedEndpoints     []string           `gorm:"serializer:json;type:text" json:"impactedEndpoints"`
	ImpactedSoftware      []ImpactedSoftware `gorm:"serializer:json;type:text" json:"impactedSoftware"`
	RiskScore             int                `gorm:"type:integer;not null;index:idx_correlations_risk,sort:desc" json:"riskScore"`
	RiskFactors           RiskFactors        `gorm:"serializer:json;type:text" json:"riskFactors"`
	LastChecked           time.Time          `gorm:"not null" json:"lastChecked"`
	ThreatDetails         ThreatDetails      `gorm:"serializer:json;type:text" json:"threatDetails"`
	ActionRecommendations []string           `gorm:"serializer:json;type:text" json:"actionRecommendations"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

// TableName specifies the table name for the Correlation model
func (Correlation) TableName() string {
	return "correlations"
}

// ImpactedSoftware is one installed (name, version) pair and where it runs.
type ImpactedSoftware struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// RiskFactors is the input tuple the risk score was computed from.
type RiskFactors struct {
	CVSSScore           float64 `json:"cvssScore"`
	ExploitedMultiplier float64 `json:"exploitedMultiplier"`
	EndpointCount       int     `json:"endpointCount"`
	InternetExposure    bool    `json:"internetExposure"`
	CriticalSystem      bool    `json:"criticalSystem"`
}

// ThreatDetails snapshots the catalog entry at the time of correlation.
type ThreatDetails struct {
	Severity         string `json:"severity"`
	Exploited        bool   `json:"exploited"`
	KEVListed        bool   `json:"kevListed"`
	ExploitAvailable bool   `json:"exploitAvailable"`
}
