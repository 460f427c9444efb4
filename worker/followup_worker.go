package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
)

// FollowUpWorker materializes follow-up send records. It never sends
// anything itself: a due recipient whose condition still holds grows a
// fresh pending row, and the campaign scheduler picks it up under the same
// governor and rotation rules as the original send.
type FollowUpWorker struct {
	DB           *gorm.DB
	Logger       *logrus.Entry
	TickInterval time.Duration
}

func NewFollowUpWorker(db *gorm.DB, tick time.Duration, logger *logrus.Entry) *FollowUpWorker {
	return &FollowUpWorker{DB: db, Logger: logger, TickInterval: tick}
}

func (fw *FollowUpWorker) Start(ctx context.Context) {
	fw.Logger.Info("follow-up sequencer started")

	ticker := time.NewTicker(fw.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fw.Logger.Info("follow-up sequencer shutting down")
			return
		case <-ticker.C:
			fw.tick()
		}
	}
}

func (fw *FollowUpWorker) tick() {
	var campaigns []models.Campaign
	if err := fw.DB.Preload("FollowUp").
		Where("status = ? AND follow_up_enabled = ?", models.CampaignStatusSending, true).
		Find(&campaigns).Error; err != nil {
		fw.Logger.WithError(err).Error("failed to list campaigns with follow-ups")
		return
	}

	for i := range campaigns {
		fw.enqueueDue(&campaigns[i])
	}
}

// enqueueDue creates pending follow-up rows for every original send that is
// past its delay and still satisfies the condition. The unique index over
// (campaign, lead, follow_up) makes the insert idempotent across ticks.
func (fw *FollowUpWorker) enqueueDue(campaign *models.Campaign) {
	fu := campaign.FollowUp
	if fu == nil {
		fw.Logger.Warnf("campaign %d has follow-ups enabled but no stage defined", campaign.ID)
		return
	}

	cutoff := time.Now().Add(-time.Duration(fu.DelayDays) * 24 * time.Hour)

	var originals []models.CampaignEmail
	if err := fw.DB.Where(
		"campaign_id = ? AND follow_up_id IS NULL AND sent_at <= ? AND status IN ?",
		campaign.ID, cutoff,
		[]string{models.EmailStatusSent, models.EmailStatusDelivered,
			models.EmailStatusOpened, models.EmailStatusClicked}).
		Find(&originals).Error; err != nil {
		fw.Logger.WithError(err).Errorf("failed to scan due follow-ups for campaign %d", campaign.ID)
		return
	}

	for i := range originals {
		original := &originals[i]
		if !fu.ConditionHolds(original) {
			continue
		}

		var existing int64
		if err := fw.DB.Model(&models.CampaignEmail{}).
			Where("campaign_id = ? AND lead_id = ? AND follow_up_id = ?",
				campaign.ID, original.LeadID, fu.ID).
			Count(&existing).Error; err != nil {
			fw.Logger.WithError(err).Error("failed to check existing follow-up record")
			continue
		}
		if existing > 0 {
			continue
		}

		row := models.CampaignEmail{
			CampaignID: campaign.ID,
			LeadID:     original.LeadID,
			FollowUpID: &fu.ID,
			Status:     models.EmailStatusPending,
		}
		if err := fw.DB.Create(&row).Error; err != nil {
			// A concurrent tick may have inserted the same stage; the
			// unique index turns that into a benign conflict.
			if isDuplicateKey(err) {
				continue
			}
			fw.Logger.WithError(err).Errorf("failed to enqueue follow-up for lead %d", original.LeadID)
			continue
		}
		fw.Logger.Debugf("follow-up enqueued for campaign %d lead %d", campaign.ID, original.LeadID)
	}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate key")
}
