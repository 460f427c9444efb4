package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

// Warm-up ramp parameters. The ramp starts tiny and grows linearly to the
// ceiling; a mailbox that finishes every day of the ramp graduates.
const (
	warmupStartVolume = 3
	warmupDailyStep   = 3
	warmupCeiling     = 45
	warmupRampDays    = 15
	// warmupBatchCap bounds how many warm-up sends one sender gets per tick
	// so the day's volume spreads out instead of bursting.
	warmupBatchCap = 5
)

// WarmupTargetForDay returns the planned volume for a 1-based ramp day
func WarmupTargetForDay(day int) int {
	if day < 1 {
		day = 1
	}
	target := warmupStartVolume + (day-1)*warmupDailyStep
	if target > warmupCeiling {
		target = warmupCeiling
	}
	return target
}

// WarmupOutcomePolicy holds the probabilities used to emulate recipient
// engagement on warm-up traffic. Real engagement signals are not available
// for peer-to-peer warm-up mail, so the aggregates are drawn from a fixed
// distribution instead.
type WarmupOutcomePolicy struct {
	OpenRate   float64
	ReplyRate  float64
	SpamRate   float64
	BounceRate float64
}

// DefaultWarmupPolicy mirrors healthy engagement on a warmed mailbox
var DefaultWarmupPolicy = WarmupOutcomePolicy{
	OpenRate:   0.80,
	ReplyRate:  0.35,
	SpamRate:   0.01,
	BounceRate: 0.01,
}

// WarmupOutcome is the emulated fate of a single warm-up send
type WarmupOutcome struct {
	Opened  bool
	Replied bool
	Spam    bool
	Bounced bool
}

// Simulate draws one outcome. A reply implies an open; bounced mail is
// never opened.
func (p WarmupOutcomePolicy) Simulate(r *rand.Rand) WarmupOutcome {
	var out WarmupOutcome
	if r.Float64() < p.BounceRate {
		out.Bounced = true
		return out
	}
	out.Spam = r.Float64() < p.SpamRate
	out.Replied = r.Float64() < p.ReplyRate
	out.Opened = out.Replied || r.Float64() < p.OpenRate
	return out
}

// WarmupWorker drives the warm-up progression for every enrolled mailbox:
// it plans a daily target, sends conversational traffic between the user's
// own mailboxes, and keeps the per-day reputation aggregates current.
type WarmupWorker struct {
	DB     *gorm.DB
	Mailer utils.Transmitter
	Quota  *utils.QuotaTracker
	Logger *logrus.Entry

	TickInterval time.Duration
	Policy       WarmupOutcomePolicy
	rng          *rand.Rand
}

func NewWarmupWorker(db *gorm.DB, mailer utils.Transmitter, quota *utils.QuotaTracker,
	tick time.Duration, logger *logrus.Entry) *WarmupWorker {
	return &WarmupWorker{
		DB:           db,
		Mailer:       mailer,
		Quota:        quota,
		Logger:       logger,
		TickInterval: tick,
		Policy:       DefaultWarmupPolicy,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (ww *WarmupWorker) Start(ctx context.Context) {
	ww.Logger.Info("warm-up controller started")

	ticker := time.NewTicker(ww.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ww.Logger.Info("warm-up controller shutting down")
			return
		case <-ticker.C:
			ww.tick(ctx)
		}
	}
}

func (ww *WarmupWorker) tick(ctx context.Context) {
	var senders []models.Sender
	if err := ww.DB.Where("warmup_enabled = ? AND is_verified = ?", true, true).
		Find(&senders).Error; err != nil {
		ww.Logger.WithError(err).Error("failed to list warm-up mailboxes")
		return
	}

	for i := range senders {
		if ctx.Err() != nil {
			return
		}
		if err := ww.processSender(ctx, &senders[i]); err != nil {
			ww.Logger.WithError(err).Errorf("warm-up failed for sender %d", senders[i].ID)
		}
	}
}

func (ww *WarmupWorker) processSender(ctx context.Context, sender *models.Sender) error {
	progress, err := ww.todayProgress(sender)
	if err != nil {
		return err
	}
	if progress == nil {
		// Ramp finished; graduation handled in todayProgress.
		return nil
	}

	remaining := progress.TargetEmails - progress.ActualSent
	if remaining <= 0 {
		if !progress.IsCompleted {
			return ww.DB.Model(progress).Update("is_completed", true).Error
		}
		return nil
	}
	if remaining > warmupBatchCap {
		remaining = warmupBatchCap
	}

	quotaLeft, err := ww.Quota.RemainingWarmupEmails(sender.UserID)
	if err != nil {
		return err
	}
	if quotaLeft <= 0 {
		ww.Logger.Warnf("user %d exhausted the warm-up quota; sender %d idles until next month", sender.UserID, sender.ID)
		return nil
	}
	if remaining > quotaLeft {
		remaining = quotaLeft
	}

	counterpart, err := ww.counterpart(sender)
	if err != nil {
		return err
	}
	if counterpart == nil {
		ww.Logger.Debugf("sender %d has no verified counterpart mailbox; warm-up idles", sender.ID)
		return nil
	}

	for i := 0; i < remaining; i++ {
		if err := ww.sendOne(ctx, sender, counterpart, progress); err != nil {
			ww.Logger.WithError(err).Warnf("warm-up send failed for sender %d", sender.ID)
			return nil
		}
	}

	// Re-read the day; the batch may have finished it.
	var fresh models.WarmupProgress
	if err := ww.DB.First(&fresh, progress.ID).Error; err != nil {
		return err
	}
	if fresh.ActualSent >= fresh.TargetEmails && !fresh.IsCompleted {
		return ww.DB.Model(&fresh).Update("is_completed", true).Error
	}
	return nil
}

// todayProgress returns the sender's ramp row for today, creating it on the
// first tick after midnight. Returns nil once the sender has graduated.
func (ww *WarmupWorker) todayProgress(sender *models.Sender) (*models.WarmupProgress, error) {
	today := utils.DayStart(time.Now())

	var progress models.WarmupProgress
	err := ww.DB.Where("sender_id = ? AND date = ?", sender.ID, today).First(&progress).Error
	if err == nil {
		return &progress, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var lastDay int
	row := ww.DB.Model(&models.WarmupProgress{}).
		Where("sender_id = ?", sender.ID).
		Select("COALESCE(MAX(day_number), 0)").Row()
	if err := row.Scan(&lastDay); err != nil {
		return nil, fmt.Errorf("failed to read ramp position: %w", err)
	}

	nextDay := lastDay + 1
	if nextDay > warmupRampDays {
		if err := ww.DB.Model(sender).Updates(map[string]interface{}{
			"warmup_enabled":      false,
			"warmup_completed_at": time.Now(),
		}).Error; err != nil {
			return nil, err
		}
		ww.Logger.Infof("sender %d graduated from warm-up after %d days", sender.ID, lastDay)
		return nil, nil
	}

	progress = models.WarmupProgress{
		SenderID:     sender.ID,
		DayNumber:    nextDay,
		TargetEmails: WarmupTargetForDay(nextDay),
		Date:         today,
	}
	if err := ww.DB.Create(&progress).Error; err != nil {
		// Unique (sender, day) index absorbs a concurrent creation.
		if isDuplicateKey(err) {
			if err := ww.DB.Where("sender_id = ? AND date = ?", sender.ID, today).
				First(&progress).Error; err != nil {
				return nil, err
			}
			return &progress, nil
		}
		return nil, err
	}
	if sender.WarmupStartedAt == nil {
		if err := ww.DB.Model(sender).Update("warmup_started_at", time.Now()).Error; err != nil {
			ww.Logger.WithError(err).Warn("failed to stamp warm-up start")
		}
	}
	return &progress, nil
}

// counterpart picks another verified mailbox of the same user to converse
// with
func (ww *WarmupWorker) counterpart(sender *models.Sender) (*models.Sender, error) {
	var peer models.Sender
	err := ww.DB.Where("user_id = ? AND id <> ? AND is_verified = ?",
		sender.UserID, sender.ID, true).First(&peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

var warmupSubjects = []string{
	"Quick question about the project",
	"Following up on our conversation",
	"Thoughts on the proposal?",
	"Checking in",
	"Re: next steps",
}

func (ww *WarmupWorker) sendOne(ctx context.Context, sender, counterpart *models.Sender, progress *models.WarmupProgress) error {
	subject := warmupSubjects[ww.rng.Intn(len(warmupSubjects))]
	body := fmt.Sprintf("<p>Hi %s,</p><p>Just keeping the thread alive. Talk soon.</p><p>%s</p>",
		counterpart.FromName, sender.FromName)

	if _, err := ww.Mailer.Transmit(ctx, sender, utils.OutboundMessage{
		To:       counterpart.FromEmail,
		Subject:  subject,
		HTMLBody: body,
	}); err != nil {
		return err
	}

	// The guard on actual_sent keeps the day from overshooting its target
	// even when two processes warm the same mailbox.
	res := ww.DB.Model(&models.WarmupProgress{}).
		Where("id = ? AND actual_sent < target_emails", progress.ID).
		Update("actual_sent", gorm.Expr("actual_sent + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	progress.ActualSent++

	if err := ww.DB.Model(&models.Sender{}).Where("id = ?", sender.ID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + ?", 1),
			"total_sent": gorm.Expr("total_sent + ?", 1),
		}).Error; err != nil {
		ww.Logger.WithError(err).Warn("failed to bump sender counters")
	}
	if err := ww.Quota.IncrementWarmupEmails(sender.UserID, 1); err != nil {
		ww.Logger.WithError(err).Warn("failed to record warm-up usage")
	}

	return ww.recordOutcome(sender.ID)
}

// recordOutcome folds one emulated engagement result into today's stats row
func (ww *WarmupWorker) recordOutcome(senderID uint) error {
	today := utils.DayStart(time.Now())

	stats := models.WarmupStats{SenderID: senderID, Date: today}
	if err := ww.DB.Where(models.WarmupStats{SenderID: senderID, Date: today}).
		FirstOrCreate(&stats).Error; err != nil {
		return err
	}

	outcome := ww.Policy.Simulate(ww.rng)
	stats.SentCount++
	if outcome.Opened {
		stats.OpenedCount++
	}
	if outcome.Replied {
		stats.RepliedCount++
	}
	if outcome.Spam {
		stats.SpamCount++
	}
	if outcome.Bounced {
		stats.BouncedCount++
	}
	stats.RecalcRates()

	return ww.DB.Save(&stats).Error
}
