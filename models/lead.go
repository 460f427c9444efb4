package models

import (
	"time"

	"gorm.io/gorm"
)

// Deliverability classifications, written by the verifier. An empty status
// means the address has never been checked.
const (
	DeliverabilityUnset   = ""
	DeliverabilityValid   = "valid"
	DeliverabilityRisky   = "risky"
	DeliverabilityInvalid = "invalid"
)

// LeadList represents an uploaded list of recipients
type LeadList struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // manual, csv, api

	// Statistics
	LeadCount    int `gorm:"default:0" json:"lead_count"`
	BouncedCount int `gorm:"default:0" json:"bounced_count"`

	// Relations
	Leads []Lead `gorm:"foreignKey:LeadListID" json:"leads,omitempty"`
}

// Lead represents a single recipient
type Lead struct {
	gorm.Model
	LeadListID uint `gorm:"not null;index" json:"lead_list_id"`
	UserID     uint `gorm:"index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Website   string `json:"website"`

	// Deliverability, write-once-per-check; only a new verifier run
	// overwrites it
	DeliverabilityStatus string     `gorm:"default:''" json:"deliverability_status"`
	VerifiedAt           *time.Time `json:"verified_at"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`

	LastContact *time.Time `json:"last_contact"`
}

// PersonalizationFields returns the lead attributes handed to the text
// generator
func (l *Lead) PersonalizationFields() map[string]string {
	return map[string]string{
		"email":      l.Email,
		"first_name": l.FirstName,
		"last_name":  l.LastName,
		"company":    l.Company,
		"position":   l.Position,
		"website":    l.Website,
	}
}
