package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailpulse/models"
	"mailpulse/utils"
)

// countingTransmitter counts invocations; Delay widens the race window for
// overlapping-tick tests.
type countingTransmitter struct {
	mu    sync.Mutex
	calls int
	Delay time.Duration
}

func (ct *countingTransmitter) Transmit(_ context.Context, _ *models.Sender, msg utils.OutboundMessage) (string, error) {
	ct.mu.Lock()
	ct.calls++
	ct.mu.Unlock()
	if ct.Delay > 0 {
		time.Sleep(ct.Delay)
	}
	return msg.MessageID, nil
}

func (ct *countingTransmitter) count() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.calls
}

func openSchedulerDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Plan{}, &models.UsageTracking{},
		&models.LeadList{}, &models.Lead{}, &models.Sender{},
		&models.Campaign{}, &models.CampaignSender{},
		&models.CampaignEmail{}, &models.FollowUp{},
	))
	return db
}

// seedSendingCampaign creates a sending campaign with one verified sender
// and one verified pending recipient.
func seedSendingCampaign(t *testing.T, db *gorm.DB) (*models.Campaign, *models.Lead) {
	t.Helper()

	require.NoError(t, db.Create(&models.Plan{
		Name:                  "free",
		MonthlyEmailLimit:     1000,
		MonthlyVerifyLimit:    1000,
		MonthlyRecipientLimit: 1000,
		MonthlyWarmupLimit:    1000,
	}).Error)
	user := models.User{Email: "owner@acme.io", PasswordHash: "x", PlanName: "free"}
	require.NoError(t, db.Create(&user).Error)

	list := models.LeadList{UserID: user.ID, Name: "launch"}
	require.NoError(t, db.Create(&list).Error)
	lead := models.Lead{
		LeadListID:           list.ID,
		UserID:               user.ID,
		Email:                "r@corp.example",
		DeliverabilityStatus: models.DeliverabilityValid,
	}
	require.NoError(t, db.Create(&lead).Error)

	sender := models.Sender{
		UserID:       user.ID,
		Name:         "primary",
		FromEmail:    "sales@acme.io",
		FromName:     "Sales",
		SMTPHost:     "smtp.acme.io",
		SMTPPort:     587,
		SMTPUsername: "sales@acme.io",
		SMTPPassword: "enc",
		Encryption:   "STARTTLS",
		IsVerified:   true,
	}
	require.NoError(t, db.Create(&sender).Error)

	campaign := models.Campaign{
		UserID:           user.ID,
		LeadListID:       list.ID,
		Name:             "launch blast",
		Subject:          "Hello",
		Body:             "<p>Hi</p>",
		Status:           models.CampaignStatusSending,
		DailyLimit:       0,
		EmailsPerAccount: 30,
		TrackOpens:       false,
		TrackClicks:      false,
	}
	require.NoError(t, db.Create(&campaign).Error)
	require.NoError(t, db.Create(&models.CampaignSender{
		CampaignID: campaign.ID, SenderID: sender.ID, Position: 0,
	}).Error)
	require.NoError(t, db.Create(&models.CampaignEmail{
		CampaignID: campaign.ID, LeadID: lead.ID, Status: models.EmailStatusPending,
	}).Error)

	return &campaign, &lead
}

func schedulerWorker(db *gorm.DB, mailer utils.Transmitter) *CampaignWorker {
	return NewCampaignWorker(db, mailer, nil, utils.NewQuotaTracker(db), nil, nil,
		time.Second, "http://track.test", logrus.NewEntry(logrus.New()))
}

func TestProcessCampaignOverlapTransmitsOnce(t *testing.T) {
	db := openSchedulerDB(t)
	campaign, _ := seedSendingCampaign(t, db)

	mailer := &countingTransmitter{Delay: 30 * time.Millisecond}
	cw := schedulerWorker(db, mailer)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cw.processCampaign(context.Background(), campaign.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mailer.count())

	var sent int64
	require.NoError(t, db.Model(&models.CampaignEmail{}).
		Where("campaign_id = ? AND status = ?", campaign.ID, models.EmailStatusSent).
		Count(&sent).Error)
	assert.EqualValues(t, 1, sent)

	var reloaded models.Campaign
	require.NoError(t, db.First(&reloaded, campaign.ID).Error)
	assert.Equal(t, 1, reloaded.SentCount)
}

func TestProcessEmailReplaySkipsSettledRecipient(t *testing.T) {
	db := openSchedulerDB(t)
	campaign, lead := seedSendingCampaign(t, db)

	mailer := &countingTransmitter{}
	cw := schedulerWorker(db, mailer)
	cw.processCampaign(context.Background(), campaign.ID)
	require.Equal(t, 1, mailer.count())

	var settled models.CampaignEmail
	require.NoError(t, db.Where("campaign_id = ?", campaign.ID).First(&settled).Error)
	require.Equal(t, models.EmailStatusSent, settled.Status)

	// A restarted tick may still hold a pre-crash snapshot of the row. The
	// conditional claim must fail and no counter may move again.
	stale := settled
	stale.Status = models.EmailStatusPending
	err := cw.processEmail(context.Background(), campaign, &stale)
	assert.NoError(t, err)
	assert.Equal(t, 1, mailer.count())

	var reloaded models.Campaign
	require.NoError(t, db.First(&reloaded, campaign.ID).Error)
	assert.Equal(t, 1, reloaded.SentCount)

	usage, err := utils.NewQuotaTracker(db).Usage(lead.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.EmailsSent)
}

func TestEnqueueDueDoesNotDuplicateFollowUps(t *testing.T) {
	db := openSchedulerDB(t)
	campaign, lead := seedSendingCampaign(t, db)

	fu := models.FollowUp{
		CampaignID: campaign.ID,
		Subject:    "Still interested?",
		Body:       "<p>Bump</p>",
		DelayDays:  1,
		Condition:  models.FollowUpNotOpened,
	}
	require.NoError(t, db.Create(&fu).Error)
	require.NoError(t, db.Model(campaign).Update("follow_up_enabled", true).Error)
	campaign.FollowUpEnabled = true
	campaign.FollowUp = &fu

	threeDaysAgo := time.Now().Add(-3 * 24 * time.Hour)
	require.NoError(t, db.Model(&models.CampaignEmail{}).
		Where("campaign_id = ? AND lead_id = ?", campaign.ID, lead.ID).
		Updates(map[string]interface{}{
			"status":  models.EmailStatusSent,
			"sent_at": threeDaysAgo,
		}).Error)

	// An opened original is past its delay too, but the condition no
	// longer holds for it.
	openedLead := models.Lead{LeadListID: campaign.LeadListID, UserID: lead.UserID,
		Email: "opened@corp.example", DeliverabilityStatus: models.DeliverabilityValid}
	require.NoError(t, db.Create(&openedLead).Error)
	openedAt := time.Now().Add(-24 * time.Hour)
	require.NoError(t, db.Create(&models.CampaignEmail{
		CampaignID: campaign.ID,
		LeadID:     openedLead.ID,
		Status:     models.EmailStatusOpened,
		SentAt:     &threeDaysAgo,
		OpenedAt:   &openedAt,
	}).Error)

	fw := NewFollowUpWorker(db, time.Second, logrus.NewEntry(logrus.New()))
	fw.enqueueDue(campaign)
	fw.enqueueDue(campaign)

	var followUps []models.CampaignEmail
	require.NoError(t, db.Where("campaign_id = ? AND follow_up_id IS NOT NULL", campaign.ID).
		Find(&followUps).Error)
	require.Len(t, followUps, 1)
	assert.Equal(t, lead.ID, followUps[0].LeadID)
	assert.Equal(t, models.EmailStatusPending, followUps[0].Status)
}

func TestGovernorDecisionCountsOnlyTodaysSends(t *testing.T) {
	db := openSchedulerDB(t)
	campaign, _ := seedSendingCampaign(t, db)
	require.NoError(t, db.Model(campaign).Update("daily_limit", 2).Error)
	campaign.DailyLimit = 2

	cw := schedulerWorker(db, &countingTransmitter{})

	// Yesterday's sends sit before the day boundary and must not count.
	yesterday := utils.DayStart(time.Now()).Add(-2 * time.Hour)
	for i := uint(100); i < 102; i++ {
		require.NoError(t, db.Create(&models.CampaignEmail{
			CampaignID: campaign.ID,
			LeadID:     i,
			Status:     models.EmailStatusSent,
			SentAt:     &yesterday,
		}).Error)
	}

	decision, err := cw.governorDecision(campaign)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	today := time.Now()
	for i := uint(200); i < 202; i++ {
		require.NoError(t, db.Create(&models.CampaignEmail{
			CampaignID: campaign.ID,
			LeadID:     i,
			Status:     models.EmailStatusSent,
			SentAt:     &today,
		}).Error)
	}

	decision, err = cw.governorDecision(campaign)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, utils.DeferDailyLimit, decision.Reason)
}
