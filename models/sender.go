package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents one connected mailbox used as a sending identity
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration (reply detection) =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status & Verification =========
	// Unverified senders are never picked by the rotation allocator and
	// never enrolled in warm-up traffic.
	IsVerified   bool       `gorm:"default:false" json:"is_verified"`
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastError    *string    `json:"last_error"`
	LastSyncedAt *time.Time `json:"last_synced_at"` // inbox scan watermark

	// ========= Warmup =========
	WarmupEnabled     bool       `gorm:"default:false" json:"warmup_enabled"`
	WarmupStartedAt   *time.Time `json:"warmup_started_at"`
	WarmupCompletedAt *time.Time `json:"warmup_completed_at"`

	// ========= Usage Metrics =========
	DailyLimit int `gorm:"default:500" json:"daily_limit"`
	SentToday  int `gorm:"default:0" json:"sent_today"`
	TotalSent  int `gorm:"default:0" json:"total_sent"`

	// Relations
	WarmupProgress []WarmupProgress `gorm:"foreignKey:SenderID" json:"warmup_progress,omitempty"`
	WarmupStats    []WarmupStats    `gorm:"foreignKey:SenderID" json:"warmup_stats,omitempty"`
}

// Sanitize strips credentials before the sender is returned to a client
func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
}

// WarmupProgress is one day of a mailbox's warm-up ramp plan. Day numbers
// are strictly increasing per sender; a day completes only once the actual
// count reaches the target.
type WarmupProgress struct {
	gorm.Model
	SenderID uint `gorm:"not null;index;uniqueIndex:idx_sender_day" json:"sender_id"`

	DayNumber    int       `gorm:"not null;uniqueIndex:idx_sender_day" json:"day_number"`
	TargetEmails int       `gorm:"not null" json:"target_emails"`
	ActualSent   int       `gorm:"default:0" json:"actual_sent"`
	IsCompleted  bool      `gorm:"default:false" json:"is_completed"`
	Date         time.Time `gorm:"not null" json:"date"`
}

// WarmupStats is the daily aggregate reputation signal for one mailbox
type WarmupStats struct {
	gorm.Model
	SenderID uint      `gorm:"not null;index;uniqueIndex:idx_sender_date" json:"sender_id"`
	Date     time.Time `gorm:"not null;uniqueIndex:idx_sender_date" json:"date"`

	SentCount    int `gorm:"default:0" json:"sent_count"`
	OpenedCount  int `gorm:"default:0" json:"opened_count"`
	RepliedCount int `gorm:"default:0" json:"replied_count"`
	SpamCount    int `gorm:"default:0" json:"spam_count"`
	BouncedCount int `gorm:"default:0" json:"bounced_count"`

	OpenRate   float64 `gorm:"default:0" json:"open_rate"`
	ReplyRate  float64 `gorm:"default:0" json:"reply_rate"`
	SpamRate   float64 `gorm:"default:0" json:"spam_rate"`
	BounceRate float64 `gorm:"default:0" json:"bounce_rate"`

	Score int `gorm:"default:0" json:"score"` // 0-100, higher is better
}

// Weighting of the warm-up score. Policy constants, not a contract; only
// the [0,100] clamp and "higher is better" direction are guaranteed.
const (
	warmupSpamWeight   = 40.0
	warmupBounceWeight = 30.0
	warmupReplyWeight  = 20.0
	warmupOpenWeight   = 10.0
)

// RecalcRates recomputes the derived rates from the same-row counts.
// Rates are zero when nothing was sent.
func (ws *WarmupStats) RecalcRates() {
	if ws.SentCount == 0 {
		ws.OpenRate, ws.ReplyRate, ws.SpamRate, ws.BounceRate = 0, 0, 0, 0
		ws.Score = ws.ComputeScore()
		return
	}
	sent := float64(ws.SentCount)
	ws.OpenRate = float64(ws.OpenedCount) / sent
	ws.ReplyRate = float64(ws.RepliedCount) / sent
	ws.SpamRate = float64(ws.SpamCount) / sent
	ws.BounceRate = float64(ws.BouncedCount) / sent
	ws.Score = ws.ComputeScore()
}

// ComputeScore derives the warm-up score from the current rates, clamped
// to [0,100]
func (ws *WarmupStats) ComputeScore() int {
	score := 100.0 -
		(ws.SpamRate*warmupSpamWeight + ws.BounceRate*warmupBounceWeight) +
		(ws.ReplyRate*warmupReplyWeight + ws.OpenRate*warmupOpenWeight)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return int(score)
}
