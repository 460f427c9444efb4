package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a user account in the system
type User struct {
	gorm.Model

	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`
	Name         *string `json:"name,omitempty"`
	Company      *string `json:"company,omitempty"`
	Timezone     string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Plan information
	PlanID   *uint  `json:"plan_id,omitempty"`
	PlanName string `gorm:"default:'free'" json:"plan_name"` // free, starter, grow, enterprise

	// Relations
	Senders   []Sender        `gorm:"foreignKey:UserID" json:"senders,omitempty"`
	Campaigns []Campaign      `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
	LeadLists []LeadList      `gorm:"foreignKey:UserID" json:"lead_lists,omitempty"`
	Usage     []UsageTracking `gorm:"foreignKey:UserID" json:"usage,omitempty"`
	Plan      *Plan           `json:"plan,omitempty"`
}

// Plan represents the monthly allowances of a subscription tier
type Plan struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"`
	Description string `json:"description"`

	// Monthly allowances
	MonthlyEmailLimit     int `gorm:"not null" json:"monthly_email_limit"`
	MonthlyVerifyLimit    int `gorm:"not null" json:"monthly_verify_limit"`
	MonthlyRecipientLimit int `gorm:"not null" json:"monthly_recipient_limit"`
	MonthlyWarmupLimit    int `gorm:"not null" json:"monthly_warmup_limit"`

	// Features
	WarmupEnabled   bool `gorm:"default:true" json:"warmup_enabled"`
	TrackingEnabled bool `gorm:"default:true" json:"tracking_enabled"`
	MaxSenders      int  `gorm:"default:1" json:"max_senders"`
	DailySendLimit  int  `gorm:"default:500" json:"daily_send_limit"`
}

// UsageTracking is the per-user per-month consumption record, keyed uniquely
// by (user, month). Counters are never decremented except by explicit reset.
type UsageTracking struct {
	gorm.Model
	UserID uint   `gorm:"not null;index;uniqueIndex:idx_user_month" json:"user_id"`
	Month  string `gorm:"not null;uniqueIndex:idx_user_month" json:"month"` // "2006-01"

	EmailsSent         int `gorm:"default:0" json:"emails_sent"`
	RecipientsUploaded int `gorm:"default:0" json:"recipients_uploaded"`
	ChecksRun          int `gorm:"default:0" json:"checks_run"`
	PersonalizedEmails int `gorm:"default:0" json:"personalized_emails"`
	WarmupEmails       int `gorm:"default:0" json:"warmup_emails"`
}

// MonthKey formats t as the UsageTracking month key
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// CreateDefaultPlans seeds the plan table on first boot
func CreateDefaultPlans(db *gorm.DB) error {
	defaultPlans := []Plan{
		{
			Name:                  "free",
			Description:           "Starter allowance for new accounts",
			MonthlyEmailLimit:     5000,
			MonthlyVerifyLimit:    1000,
			MonthlyRecipientLimit: 2500,
			MonthlyWarmupLimit:    1500,
			MaxSenders:            1,
			DailySendLimit:        200,
		},
		{
			Name:                  "starter",
			Description:           "For small outbound teams",
			MonthlyEmailLimit:     20000,
			MonthlyVerifyLimit:    20000,
			MonthlyRecipientLimit: 10000,
			MonthlyWarmupLimit:    6000,
			MaxSenders:            3,
			DailySendLimit:        500,
		},
		{
			Name:                  "grow",
			Description:           "For scaling outbound programs",
			MonthlyEmailLimit:     100000,
			MonthlyVerifyLimit:    100000,
			MonthlyRecipientLimit: 50000,
			MonthlyWarmupLimit:    30000,
			MaxSenders:            10,
			DailySendLimit:        2000,
		},
	}

	for _, plan := range defaultPlans {
		if err := db.Where(Plan{Name: plan.Name}).FirstOrCreate(&plan).Error; err != nil {
			return err
		}
	}
	return nil
}
