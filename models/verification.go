package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailVerification represents one batch verification job over a list of
// addresses. Partial progress is persisted per address as it completes so
// an interrupted job loses nothing already computed.
type EmailVerification struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string     `json:"name"`
	Status      string     `gorm:"default:'pending'" json:"status"` // pending, processing, completed, failed
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Aggregated results
	TotalCount   int `gorm:"default:0" json:"total_count"`
	ValidCount   int `gorm:"default:0" json:"valid_count"`
	RiskyCount   int `gorm:"default:0" json:"risky_count"`
	InvalidCount int `gorm:"default:0" json:"invalid_count"`
	PendingCount int `gorm:"default:0" json:"pending_count"`

	// Relations
	Results []VerificationResult `gorm:"foreignKey:VerificationID" json:"results,omitempty"`
}

// VerificationResult stores the per-address outcome of the staged checks,
// retained for user-facing diagnostics
type VerificationResult struct {
	gorm.Model
	VerificationID uint `gorm:"not null;index" json:"verification_id"`
	LeadID         *uint `gorm:"index" json:"lead_id,omitempty"`

	Email  string `gorm:"not null" json:"email"`
	Status string `gorm:"not null" json:"status"` // valid, risky, invalid

	// Per-stage outcomes
	SyntaxOK bool `gorm:"default:false" json:"syntax_ok"`
	DNSOK    bool `gorm:"default:false" json:"dns_ok"`
	SMTPOK   bool `gorm:"default:false" json:"smtp_ok"`

	// Ordered mail-exchange list as JSON [{"priority":10,"host":"mx..."}]
	MXRecords string `gorm:"type:text" json:"mx_records"`
	ProbeHost string `json:"probe_host"`
	Details   string `json:"details"`
}
