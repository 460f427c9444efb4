package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

// errHaltCampaign stops the per-campaign loop for conditions that pause the
// whole campaign (quota exhausted, no eligible sender). Per-recipient
// failures never raise it.
var errHaltCampaign = errors.New("campaign halted")

// claimStaleAfter bounds how long a row may sit under an in-flight claim.
// A worker that crashed mid-send leaves its claim behind; the next tick
// returns such rows to the pending queue.
const claimStaleAfter = 10 * time.Minute

// CampaignWorker is the orchestrating scheduler. On each tick it walks all
// sending campaigns and, for each, dispatches the per-campaign loop to the
// shared bounded pool.
type CampaignWorker struct {
	DB           *gorm.DB
	Mailer       utils.Transmitter
	Verifier     *utils.Verifier
	Quota        *utils.QuotaTracker
	Personalizer utils.Personalizer
	Pool         *Pool
	Logger       *logrus.Entry

	TickInterval    time.Duration
	TrackingBaseURL string
	MaxAttempts     int
	// RetryBackoff maps the upcoming attempt number to the wait before it
	RetryBackoff func(attempt int) time.Duration

	// inFlight keeps at most one worker per campaign inside this process.
	// A campaign whose send loop outlives a tick interval must not be
	// handed to the pool a second time.
	inFlight struct {
		sync.Mutex
		ids map[uint]struct{}
	}
}

func NewCampaignWorker(db *gorm.DB, mailer utils.Transmitter, verifier *utils.Verifier,
	quota *utils.QuotaTracker, personalizer utils.Personalizer, pool *Pool,
	tick time.Duration, trackingBaseURL string, logger *logrus.Entry) *CampaignWorker {
	return &CampaignWorker{
		DB:              db,
		Mailer:          mailer,
		Verifier:        verifier,
		Quota:           quota,
		Personalizer:    personalizer,
		Pool:            pool,
		Logger:          logger,
		TickInterval:    tick,
		TrackingBaseURL: trackingBaseURL,
		MaxAttempts:     3,
		RetryBackoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}
}

func (cw *CampaignWorker) Start(ctx context.Context) {
	cw.Logger.Info("campaign scheduler started")

	ticker := time.NewTicker(cw.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.Logger.Info("campaign scheduler shutting down")
			return
		case <-ticker.C:
			cw.tick(ctx)
		}
	}
}

func (cw *CampaignWorker) tick(ctx context.Context) {
	cw.reclaimStale()

	var campaignIDs []uint
	if err := cw.DB.Model(&models.Campaign{}).
		Where("status = ?", models.CampaignStatusSending).
		Pluck("id", &campaignIDs).Error; err != nil {
		cw.Logger.WithError(err).Error("failed to list sending campaigns")
		return
	}

	for _, id := range campaignIDs {
		campaignID := id
		if !cw.beginCampaign(campaignID) {
			continue
		}
		cw.Pool.Submit(func() {
			defer cw.endCampaign(campaignID)
			cw.processCampaign(ctx, campaignID)
		})
	}
}

// beginCampaign records a campaign as in flight; it returns false when a
// previous tick's worker is still draining it.
func (cw *CampaignWorker) beginCampaign(campaignID uint) bool {
	cw.inFlight.Lock()
	defer cw.inFlight.Unlock()
	if cw.inFlight.ids == nil {
		cw.inFlight.ids = make(map[uint]struct{})
	}
	if _, busy := cw.inFlight.ids[campaignID]; busy {
		return false
	}
	cw.inFlight.ids[campaignID] = struct{}{}
	return true
}

func (cw *CampaignWorker) endCampaign(campaignID uint) {
	cw.inFlight.Lock()
	defer cw.inFlight.Unlock()
	delete(cw.inFlight.ids, campaignID)
}

// reclaimStale returns rows abandoned under a claim (a worker crash between
// claim and settle) to the pending queue.
func (cw *CampaignWorker) reclaimStale() {
	res := cw.DB.Model(&models.CampaignEmail{}).
		Where("status = ? AND updated_at < ?", models.EmailStatusSending,
			time.Now().Add(-claimStaleAfter)).
		Update("status", models.EmailStatusPending)
	if res.Error != nil {
		cw.Logger.WithError(res.Error).Error("failed to reclaim abandoned sends")
		return
	}
	if res.RowsAffected > 0 {
		cw.Logger.Warnf("requeued %d sends abandoned mid-claim", res.RowsAffected)
	}
}

// processCampaign drains as many sends as the governor allows for one
// campaign. The campaign status is re-read before every recipient so a
// pause request stops further sends promptly.
func (cw *CampaignWorker) processCampaign(ctx context.Context, campaignID uint) {
	for {
		if ctx.Err() != nil {
			return
		}

		var campaign models.Campaign
		if err := cw.DB.Preload("FollowUp").First(&campaign, campaignID).Error; err != nil {
			// Deleted campaigns simply drop out of the working set.
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				cw.Logger.WithError(err).Errorf("failed to load campaign %d", campaignID)
			}
			return
		}
		if campaign.Status != models.CampaignStatusSending {
			return
		}

		decision, err := cw.governorDecision(&campaign)
		if err != nil {
			cw.Logger.WithError(err).Errorf("governor inputs unavailable for campaign %d", campaignID)
			return
		}
		if !decision.Allowed {
			return
		}

		email, err := cw.nextPending(campaignID)
		if err != nil {
			cw.Logger.WithError(err).Errorf("failed to pop next recipient for campaign %d", campaignID)
			return
		}
		if email == nil {
			cw.maybeComplete(&campaign)
			return
		}

		if err := cw.processEmail(ctx, &campaign, email); err != nil {
			if errors.Is(err, errHaltCampaign) {
				return
			}
			// Per-recipient failures are recorded on the row; keep going.
			cw.Logger.WithError(err).Warnf("send failed for campaign %d email %d", campaignID, email.ID)
		}
	}
}

// governorDecision derives the rate/window inputs from stored send records.
// The day boundary and "time since last send" are computed from
// CampaignEmail timestamps every tick so they survive restarts and replay.
func (cw *CampaignWorker) governorDecision(campaign *models.Campaign) (utils.SendDecision, error) {
	now := time.Now()

	var sentToday int64
	if err := cw.DB.Model(&models.CampaignEmail{}).
		Where("campaign_id = ? AND sent_at >= ?", campaign.ID, utils.DayStart(now)).
		Count(&sentToday).Error; err != nil {
		return utils.SendDecision{}, err
	}

	var last models.CampaignEmail
	var lastSentAt *time.Time
	err := cw.DB.Where("campaign_id = ? AND sent_at IS NOT NULL", campaign.ID).
		Order("sent_at DESC").First(&last).Error
	if err == nil {
		lastSentAt = last.SentAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.SendDecision{}, err
	}

	return utils.MaySend(utils.GovernorInput{
		Now:             now,
		DailyLimit:      campaign.DailyLimit,
		SendWindowStart: campaign.SendWindowStart,
		SendWindowEnd:   campaign.SendWindowEnd,
		MinInterval:     time.Duration(campaign.SendIntervalSec) * time.Second,
		SentToday:       int(sentToday),
		LastSentAt:      lastSentAt,
	}), nil
}

// nextPending pops the next unprocessed recipient in stable list order so
// repeated ticks make forward progress without skipping or reordering
func (cw *CampaignWorker) nextPending(campaignID uint) (*models.CampaignEmail, error) {
	var email models.CampaignEmail
	err := cw.DB.Where("campaign_id = ? AND status = ?", campaignID, models.EmailStatusPending).
		Order("id ASC").First(&email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

func (cw *CampaignWorker) processEmail(ctx context.Context, campaign *models.Campaign, email *models.CampaignEmail) error {
	var lead models.Lead
	if err := cw.DB.First(&lead, email.LeadID).Error; err != nil {
		return fmt.Errorf("failed to load lead %d: %w", email.LeadID, err)
	}

	if lead.IsUnsubscribed || lead.IsBounced {
		return cw.skip(campaign, email, "recipient unsubscribed or bounced")
	}

	// Verify addresses that were never checked. Invalid recipients are
	// skipped without consuming quota; risky ones are sent but flagged.
	if lead.DeliverabilityStatus == models.DeliverabilityUnset {
		check := cw.Verifier.Verify(ctx, campaign.UserID, lead.Email)
		updates := map[string]interface{}{
			"deliverability_status": check.Status,
			"verified_at":           time.Now(),
		}
		if err := cw.DB.Model(&lead).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to store deliverability for lead %d: %w", lead.ID, err)
		}
		lead.DeliverabilityStatus = check.Status
	}
	if lead.DeliverabilityStatus == models.DeliverabilityInvalid {
		return cw.skip(campaign, email, "address classified invalid")
	}

	senders, err := cw.rotationSenders(campaign.ID)
	if err != nil {
		return err
	}
	selection, err := utils.SelectSender(campaign.RotationEnabled, campaign.EmailsPerAccount,
		campaign.RotationCursor, campaign.RotationAssigned, senders)
	if err != nil {
		cw.pauseCampaign(campaign, "no verified sending identity available")
		return errHaltCampaign
	}

	remaining, err := cw.Quota.RemainingEmails(campaign.UserID)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		cw.pauseCampaign(campaign, "monthly email quota exhausted")
		cw.Logger.Warnf("user %d hit the monthly send quota; campaign %d paused", campaign.UserID, campaign.ID)
		return errHaltCampaign
	}

	subject, body := cw.composeBody(ctx, campaign, email, &lead)

	messageID := utils.NewMessageID(selection.Sender.FromEmail)
	if campaign.TrackOpens || campaign.TrackClicks {
		body = utils.InjectTracking(body, cw.TrackingBaseURL, messageID, campaign.TrackOpens, campaign.TrackClicks)
	}

	// Claim the row before touching the transmitter. An overlapping tick
	// that popped the same recipient loses the conditional update and must
	// not invoke the transmitter at all.
	claimed, err := cw.claim(email)
	if err != nil {
		return err
	}
	if !claimed {
		cw.Logger.Debugf("email %d claimed by a concurrent tick", email.ID)
		return nil
	}

	sendErr := cw.transmitWithRetry(ctx, selection.Sender, utils.OutboundMessage{
		To:        lead.Email,
		Subject:   subject,
		HTMLBody:  body,
		MessageID: messageID,
	})
	if sendErr != nil {
		// A shutdown mid-send releases the claim so the next boot retries.
		if errors.Is(sendErr, context.Canceled) {
			cw.releaseClaim(email)
			return errHaltCampaign
		}
		return cw.markBounced(campaign, email, sendErr)
	}

	return cw.markSent(campaign, email, &lead, selection, messageID)
}

// transmitWithRetry retries transient failures with quadratic backoff.
// Permanent rejections fail immediately.
func (cw *CampaignWorker) transmitWithRetry(ctx context.Context, sender *models.Sender, msg utils.OutboundMessage) error {
	var lastErr error
	for attempt := 1; attempt <= cw.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := cw.RetryBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		_, err := cw.Mailer.Transmit(ctx, sender, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !utils.IsTransientSendError(err) {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", cw.MaxAttempts, lastErr)
}

// composeBody resolves the subject/body pair for the stage and applies AI
// personalization when configured, falling back to the default body on any
// generator failure.
func (cw *CampaignWorker) composeBody(ctx context.Context, campaign *models.Campaign, email *models.CampaignEmail, lead *models.Lead) (string, string) {
	subject, body := campaign.Subject, campaign.Body
	if email.FollowUpID != nil && campaign.FollowUp != nil {
		subject, body = campaign.FollowUp.Subject, campaign.FollowUp.Body
	}

	if campaign.PersonalizationPrompt == "" || cw.Personalizer == nil {
		return subject, body
	}

	generated, err := cw.Personalizer.Generate(ctx, campaign.PersonalizationPrompt, lead.PersonalizationFields())
	if err != nil {
		cw.Logger.WithError(err).Debugf("personalization failed for lead %d, using default body", lead.ID)
		return subject, body
	}

	if err := cw.Quota.IncrementPersonalizedEmails(campaign.UserID, 1); err != nil {
		cw.Logger.WithError(err).Warn("failed to record personalization usage")
	}
	return subject, generated
}

// rotationSenders loads the campaign's senders in rotation order
func (cw *CampaignWorker) rotationSenders(campaignID uint) ([]models.Sender, error) {
	var links []models.CampaignSender
	if err := cw.DB.Where("campaign_id = ?", campaignID).
		Order("position ASC").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to load rotation list: %w", err)
	}

	senders := make([]models.Sender, 0, len(links))
	for _, link := range links {
		var sender models.Sender
		if err := cw.DB.First(&sender, link.SenderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		senders = append(senders, sender)
	}
	return senders, nil
}

// claim flips the row pending -> sending with a single conditional update.
// A replayed or overlapping tick that finds the row already claimed or
// settled observes zero affected rows and skips without transmitting.
func (cw *CampaignWorker) claim(email *models.CampaignEmail) (bool, error) {
	res := cw.DB.Model(&models.CampaignEmail{}).
		Where("id = ? AND status = ?", email.ID, models.EmailStatusPending).
		Update("status", models.EmailStatusSending)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim email %d: %w", email.ID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// releaseClaim returns a claimed row to the pending queue without a send
// attempt recorded against it
func (cw *CampaignWorker) releaseClaim(email *models.CampaignEmail) {
	if err := cw.DB.Model(&models.CampaignEmail{}).
		Where("id = ? AND status = ?", email.ID, models.EmailStatusSending).
		Update("status", models.EmailStatusPending).Error; err != nil {
		cw.Logger.WithError(err).Errorf("failed to release claim on email %d", email.ID)
	}
}

// markSent settles a claimed row as sent. Counters move only when this
// worker held the claim.
func (cw *CampaignWorker) markSent(campaign *models.Campaign, email *models.CampaignEmail,
	lead *models.Lead, selection utils.RotationSelection, messageID string) error {
	now := time.Now()
	res := cw.DB.Model(&models.CampaignEmail{}).
		Where("id = ? AND status = ?", email.ID, models.EmailStatusSending).
		Updates(map[string]interface{}{
			"status":     models.EmailStatusSent,
			"sender_id":  selection.Sender.ID,
			"message_id": messageID,
			"sent_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark email %d sent: %w", email.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		cw.Logger.Debugf("email %d already settled by a concurrent tick", email.ID)
		return nil
	}

	if err := cw.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Update("sent_count", gorm.Expr("sent_count + ?", 1)).Error; err != nil {
		cw.Logger.WithError(err).Error("failed to bump campaign sent counter")
	}
	if err := cw.Quota.IncrementEmailsSent(campaign.UserID, 1); err != nil {
		cw.Logger.WithError(err).Error("failed to bump monthly send counter")
	}
	if err := cw.DB.Model(&models.Sender{}).Where("id = ?", selection.Sender.ID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + ?", 1),
			"total_sent": gorm.Expr("total_sent + ?", 1),
		}).Error; err != nil {
		cw.Logger.WithError(err).Error("failed to bump sender counters")
	}
	if err := cw.DB.Model(lead).Update("last_contact", now).Error; err != nil {
		cw.Logger.WithError(err).Warn("failed to stamp lead last contact")
	}

	// Advance the rotation cursor only if nobody else moved it; a losing
	// writer just leaves the state for the next tick.
	res = cw.DB.Model(&models.Campaign{}).
		Where("id = ? AND rotation_cursor = ? AND rotation_assigned = ?",
			campaign.ID, campaign.RotationCursor, campaign.RotationAssigned).
		Updates(map[string]interface{}{
			"rotation_cursor":   selection.Cursor,
			"rotation_assigned": selection.Assigned,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		cw.Logger.Debugf("rotation state for campaign %d advanced concurrently", campaign.ID)
	}
	campaign.RotationCursor = selection.Cursor
	campaign.RotationAssigned = selection.Assigned
	return nil
}

// markBounced settles a claimed row after retries are exhausted; the row
// leaves the claim exactly once.
func (cw *CampaignWorker) markBounced(campaign *models.Campaign, email *models.CampaignEmail, cause error) error {
	res := cw.DB.Model(&models.CampaignEmail{}).
		Where("id = ? AND status = ?", email.ID, models.EmailStatusSending).
		Updates(map[string]interface{}{
			"status":      models.EmailStatusBounced,
			"bounced_at":  time.Now(),
			"fail_reason": cause.Error(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := cw.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Update("bounce_count", gorm.Expr("bounce_count + ?", 1)).Error; err != nil {
		cw.Logger.WithError(err).Error("failed to bump campaign bounce counter")
	}
	return fmt.Errorf("recipient bounced: %w", cause)
}

// skip settles a recipient without a send attempt and without consuming
// quota
func (cw *CampaignWorker) skip(campaign *models.Campaign, email *models.CampaignEmail, reason string) error {
	res := cw.DB.Model(&models.CampaignEmail{}).
		Where("id = ? AND status = ?", email.ID, models.EmailStatusPending).
		Updates(map[string]interface{}{
			"status":      models.EmailStatusSkipped,
			"fail_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		if err := cw.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
			Update("skipped_count", gorm.Expr("skipped_count + ?", 1)).Error; err != nil {
			cw.Logger.WithError(err).Error("failed to bump campaign skipped counter")
		}
	}
	return nil
}

// pauseCampaign surfaces a campaign-level failure as an actionable state
// instead of silently retrying forever
func (cw *CampaignWorker) pauseCampaign(campaign *models.Campaign, reason string) {
	res := cw.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusSending).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusPaused,
			"pause_reason": reason,
		})
	if res.Error != nil {
		cw.Logger.WithError(res.Error).Errorf("failed to pause campaign %d", campaign.ID)
		return
	}
	cw.Logger.Warnf("campaign %d paused: %s", campaign.ID, reason)
}

// maybeComplete marks the campaign completed once every recipient holds a
// terminal send record and no follow-up remains schedulable
func (cw *CampaignWorker) maybeComplete(campaign *models.Campaign) {
	var open int64
	if err := cw.DB.Model(&models.CampaignEmail{}).
		Where("campaign_id = ? AND status IN ?", campaign.ID,
			[]string{models.EmailStatusPending, models.EmailStatusSending}).
		Count(&open).Error; err != nil || open > 0 {
		return
	}

	if cw.followUpSchedulable(campaign) {
		return
	}

	res := cw.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusSending).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusCompleted,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		cw.Logger.WithError(res.Error).Errorf("failed to complete campaign %d", campaign.ID)
		return
	}
	if res.RowsAffected > 0 {
		cw.Logger.Infof("campaign %d completed", campaign.ID)
	}
}

// followUpSchedulable reports whether any sent recipient could still grow a
// follow-up row. Once the condition goes false (opened / replied) it can
// never hold again, so those recipients are settled.
func (cw *CampaignWorker) followUpSchedulable(campaign *models.Campaign) bool {
	if !campaign.FollowUpEnabled || campaign.FollowUp == nil {
		return false
	}

	var candidates []models.CampaignEmail
	if err := cw.DB.Where("campaign_id = ? AND follow_up_id IS NULL AND status IN ?",
		campaign.ID, []string{models.EmailStatusSent, models.EmailStatusDelivered,
			models.EmailStatusOpened, models.EmailStatusClicked}).
		Find(&candidates).Error; err != nil {
		cw.Logger.WithError(err).Error("failed to scan follow-up candidates")
		return true // assume schedulable rather than completing early
	}

	for i := range candidates {
		if campaign.FollowUp.ConditionHolds(&candidates[i]) {
			return true
		}
	}
	return false
}
