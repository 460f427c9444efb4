package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses. A campaign moves draft -> scheduled -> sending and
// oscillates between sending and paused until every recipient has a terminal
// send record and no follow-up remains schedulable.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// CampaignEmail statuses. "sending" is the short-lived claim a worker takes
// on a row before invoking the transmitter, so overlapping ticks cannot
// transmit the same recipient twice. "skipped" is the bounced-equivalent
// terminal state for recipients the verifier classified invalid before any
// send attempt.
const (
	EmailStatusPending   = "pending"
	EmailStatusSending   = "sending"
	EmailStatusSent      = "sent"
	EmailStatusDelivered = "delivered"
	EmailStatusOpened    = "opened"
	EmailStatusClicked   = "clicked"
	EmailStatusBounced   = "bounced"
	EmailStatusSpam      = "spam"
	EmailStatusSkipped   = "skipped"
)

// Follow-up conditions
const (
	FollowUpNotOpened = "not_opened"
	FollowUpNoReply   = "no_reply"
)

// Campaign represents one outbound email blast against a lead list
type Campaign struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	LeadListID uint `gorm:"not null;index" json:"lead_list_id"`

	// Campaign details
	Name    string `gorm:"not null" json:"name"`
	Subject string `gorm:"not null" json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	// Optional AI personalization prompt; empty means Body is sent verbatim
	PersonalizationPrompt string `gorm:"type:text" json:"personalization_prompt"`

	// Scheduling
	Status      string     `gorm:"default:'draft';index" json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	PauseReason *string    `json:"pause_reason"`

	// Throttling
	DailyLimit      int    `gorm:"default:50" json:"daily_limit"`
	SendWindowStart string `json:"send_window_start"` // "HH:MM", empty = no window
	SendWindowEnd   string `json:"send_window_end"`
	SendIntervalSec int    `gorm:"default:0" json:"send_interval_sec"`

	// Sender rotation
	RotationEnabled  bool `gorm:"default:false" json:"rotation_enabled"`
	EmailsPerAccount int  `gorm:"default:30" json:"emails_per_account"`
	RotationCursor   int  `gorm:"default:0" json:"rotation_cursor"`
	RotationAssigned int  `gorm:"default:0" json:"rotation_assigned"` // sends attributed to the cursor's sender

	// Follow-up
	FollowUpEnabled bool `gorm:"default:false" json:"follow_up_enabled"`

	// Tracking settings
	TrackOpens  bool `gorm:"default:true" json:"track_opens"`
	TrackClicks bool `gorm:"default:true" json:"track_clicks"`

	// Statistics (denormalized for performance)
	TotalRecipients int `gorm:"default:0" json:"total_recipients"`
	SentCount       int `gorm:"default:0" json:"sent_count"`
	DeliveredCount  int `gorm:"default:0" json:"delivered_count"`
	OpenCount       int `gorm:"default:0" json:"open_count"`
	ClickCount      int `gorm:"default:0" json:"click_count"`
	BounceCount     int `gorm:"default:0" json:"bounce_count"`
	SpamCount       int `gorm:"default:0" json:"spam_count"`
	SkippedCount    int `gorm:"default:0" json:"skipped_count"`

	// Relations
	Senders  []CampaignSender `gorm:"foreignKey:CampaignID" json:"senders,omitempty"`
	Emails   []CampaignEmail  `gorm:"foreignKey:CampaignID" json:"emails,omitempty"`
	FollowUp *FollowUp        `gorm:"foreignKey:CampaignID" json:"follow_up,omitempty"`
}

// CampaignSender joins a campaign to its rotation list; Position fixes the
// rotation order
type CampaignSender struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	SenderID   uint `gorm:"not null;index" json:"sender_id"`
	Position   int  `gorm:"not null;default:0" json:"position"`
}

// CampaignEmail is one attempted send (original or follow-up) to one lead.
// The unique index on (campaign, lead, follow_up) is what guarantees
// at-most-once delivery per stage.
type CampaignEmail struct {
	gorm.Model
	CampaignID uint  `gorm:"not null;index;uniqueIndex:idx_campaign_lead_stage" json:"campaign_id"`
	LeadID     uint  `gorm:"not null;index;uniqueIndex:idx_campaign_lead_stage" json:"lead_id"`
	FollowUpID *uint `gorm:"uniqueIndex:idx_campaign_lead_stage" json:"follow_up_id,omitempty"`
	SenderID   *uint `gorm:"index" json:"sender_id,omitempty"`

	Status     string `gorm:"default:'pending';index" json:"status"`
	MessageID  string `gorm:"index" json:"message_id"`
	FailReason string `json:"fail_reason,omitempty"`

	SentAt      *time.Time `gorm:"index" json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	RepliedAt   *time.Time `json:"replied_at"`
	BouncedAt   *time.Time `json:"bounced_at"`
}

// IsTerminal reports whether the send record has reached a final state. A
// row under an in-flight claim is not terminal; it settles as sent or
// bounced, or is reclaimed as pending.
func (ce *CampaignEmail) IsTerminal() bool {
	return ce.Status != EmailStatusPending && ce.Status != EmailStatusSending
}

// WasSent reports whether the message actually left a mailbox, in any of the
// post-send states
func (ce *CampaignEmail) WasSent() bool {
	switch ce.Status {
	case EmailStatusSent, EmailStatusDelivered, EmailStatusOpened, EmailStatusClicked:
		return true
	}
	return false
}

// FollowUp is a campaign's single follow-up stage definition
type FollowUp struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex" json:"campaign_id"`

	Subject   string `gorm:"not null" json:"subject"`
	Body      string `gorm:"type:text" json:"body"`
	DelayDays int    `gorm:"not null;default:3" json:"delay_days"`
	Condition string `gorm:"not null;default:'not_opened'" json:"condition"`
}

// DueAt returns the earliest time the follow-up may fire for a send that
// left the mailbox at sentAt
func (f *FollowUp) DueAt(sentAt time.Time) time.Time {
	return sentAt.Add(time.Duration(f.DelayDays) * 24 * time.Hour)
}

// ConditionHolds evaluates the follow-up condition against the originating
// send record. Reply detection is an external signal recorded on the row;
// its absence defaults to "no reply".
func (f *FollowUp) ConditionHolds(email *CampaignEmail) bool {
	switch f.Condition {
	case FollowUpNotOpened:
		return email.OpenedAt == nil
	case FollowUpNoReply:
		return email.RepliedAt == nil
	}
	return false
}
