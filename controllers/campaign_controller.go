package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

type CampaignController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewCampaignController(db *gorm.DB, logger *logrus.Entry) *CampaignController {
	return &CampaignController{DB: db, Logger: logger}
}

type followUpInput struct {
	Subject   string `json:"subject" validate:"required,max=255"`
	Body      string `json:"body" validate:"required"`
	DelayDays int    `json:"delay_days" validate:"min=1,max=30"`
	Condition string `json:"condition" validate:"oneof=not_opened no_reply"`
}

type campaignInput struct {
	Name                  string `json:"name" validate:"required,max=255"`
	Subject               string `json:"subject" validate:"required,max=255"`
	Body                  string `json:"body" validate:"required"`
	LeadListID            uint   `json:"lead_list_id" validate:"required"`
	PersonalizationPrompt string `json:"personalization_prompt"`

	DailyLimit      int    `json:"daily_limit" validate:"min=0,max=10000"`
	SendWindowStart string `json:"send_window_start"`
	SendWindowEnd   string `json:"send_window_end"`
	SendIntervalSec int    `json:"send_interval_sec" validate:"min=0,max=86400"`

	RotationEnabled  bool `json:"rotation_enabled"`
	EmailsPerAccount int  `json:"emails_per_account" validate:"min=0,max=1000"`
	SenderIDs        []uint `json:"sender_ids" validate:"required,min=1"`

	TrackOpens  *bool `json:"track_opens"`
	TrackClicks *bool `json:"track_clicks"`

	FollowUp *followUpInput `json:"follow_up"`
}

func (ci *campaignInput) validate() error {
	if err := utils.ValidateStruct(ci); err != nil {
		return err
	}
	if (ci.SendWindowStart == "") != (ci.SendWindowEnd == "") {
		return errors.New("send window requires both start and end")
	}
	if ci.SendWindowStart != "" {
		if !utils.ValidClock(ci.SendWindowStart) || !utils.ValidClock(ci.SendWindowEnd) {
			return errors.New("send window must use HH:MM values")
		}
	}
	if ci.FollowUp != nil {
		if err := utils.ValidateStruct(ci.FollowUp); err != nil {
			return err
		}
	}
	return nil
}

// CreateCampaign stores a draft campaign together with its rotation list
// and optional follow-up stage
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := input.validate(); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	var list models.LeadList
	if err := cc.DB.Where("id = ? AND user_id = ?", input.LeadListID, user.ID).
		First(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead list not found", nil)
	}

	var senders []models.Sender
	if err := cc.DB.Where("id IN ? AND user_id = ?", input.SenderIDs, user.ID).
		Find(&senders).Error; err != nil || len(senders) != len(input.SenderIDs) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "One or more senders not found", nil)
	}

	campaign := models.Campaign{
		UserID:                user.ID,
		LeadListID:            input.LeadListID,
		Name:                  input.Name,
		Subject:               input.Subject,
		Body:                  input.Body,
		PersonalizationPrompt: input.PersonalizationPrompt,
		Status:                models.CampaignStatusDraft,
		DailyLimit:            input.DailyLimit,
		SendWindowStart:       input.SendWindowStart,
		SendWindowEnd:         input.SendWindowEnd,
		SendIntervalSec:       input.SendIntervalSec,
		RotationEnabled:       input.RotationEnabled,
		EmailsPerAccount:      input.EmailsPerAccount,
		FollowUpEnabled:       input.FollowUp != nil,
		TrackOpens:            input.TrackOpens == nil || *input.TrackOpens,
		TrackClicks:           input.TrackClicks == nil || *input.TrackClicks,
	}

	tx := cc.DB.Begin()
	if err := tx.Create(&campaign).Error; err != nil {
		tx.Rollback()
		cc.Logger.WithError(err).Error("failed to create campaign")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}

	// The request's sender order is the rotation order.
	for i, senderID := range input.SenderIDs {
		link := models.CampaignSender{
			CampaignID: campaign.ID,
			SenderID:   senderID,
			Position:   i,
		}
		if err := tx.Create(&link).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to attach sender", err)
		}
	}

	if input.FollowUp != nil {
		fu := models.FollowUp{
			CampaignID: campaign.ID,
			Subject:    input.FollowUp.Subject,
			Body:       input.FollowUp.Body,
			DelayDays:  input.FollowUp.DelayDays,
			Condition:  input.FollowUp.Condition,
		}
		if err := tx.Create(&fu).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create follow-up", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

// GetCampaigns lists the user's campaigns, newest first
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaigns []models.Campaign
	if err := cc.DB.Where("user_id = ?", user.ID).
		Order("created_at DESC").Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}
	return c.JSON(utils.SuccessResponse(campaigns))
}

// GetCampaign returns one campaign with its rotation list and follow-up
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user)
	if err != nil {
		return err
	}
	if err := cc.DB.Preload("Senders").Preload("FollowUp").
		First(campaign, campaign.ID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// UpdateCampaign edits settings while the campaign is not actively sending
func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignStatusSending {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Pause the campaign before editing it", nil)
	}
	if campaign.Status == models.CampaignStatusCompleted {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Completed campaigns cannot be edited", nil)
	}

	var input struct {
		Name                  *string `json:"name"`
		Subject               *string `json:"subject"`
		Body                  *string `json:"body"`
		PersonalizationPrompt *string `json:"personalization_prompt"`
		DailyLimit            *int    `json:"daily_limit"`
		SendWindowStart       *string `json:"send_window_start"`
		SendWindowEnd         *string `json:"send_window_end"`
		SendIntervalSec       *int    `json:"send_interval_sec"`
		RotationEnabled       *bool   `json:"rotation_enabled"`
		EmailsPerAccount      *int    `json:"emails_per_account"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = *input.Name
	}
	if input.Subject != nil {
		updates["subject"] = *input.Subject
	}
	if input.Body != nil {
		updates["body"] = *input.Body
	}
	if input.PersonalizationPrompt != nil {
		updates["personalization_prompt"] = *input.PersonalizationPrompt
	}
	if input.DailyLimit != nil {
		updates["daily_limit"] = *input.DailyLimit
	}
	if input.SendWindowStart != nil {
		if *input.SendWindowStart != "" && !utils.ValidClock(*input.SendWindowStart) {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "send window must use HH:MM values", nil)
		}
		updates["send_window_start"] = *input.SendWindowStart
	}
	if input.SendWindowEnd != nil {
		if *input.SendWindowEnd != "" && !utils.ValidClock(*input.SendWindowEnd) {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "send window must use HH:MM values", nil)
		}
		updates["send_window_end"] = *input.SendWindowEnd
	}
	if input.SendIntervalSec != nil {
		updates["send_interval_sec"] = *input.SendIntervalSec
	}
	if input.RotationEnabled != nil {
		updates["rotation_enabled"] = *input.RotationEnabled
	}
	if input.EmailsPerAccount != nil {
		updates["emails_per_account"] = *input.EmailsPerAccount
	}
	if len(updates) == 0 {
		return c.JSON(utils.SuccessResponse(campaign))
	}

	if err := cc.DB.Model(campaign).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// DeleteCampaign removes a campaign and everything hanging off it
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignStatusSending {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Pause the campaign before deleting it", nil)
	}

	tx := cc.DB.Begin()
	for _, step := range []error{
		tx.Where("campaign_id = ?", campaign.ID).Delete(&models.CampaignEmail{}).Error,
		tx.Where("campaign_id = ?", campaign.ID).Delete(&models.CampaignSender{}).Error,
		tx.Where("campaign_id = ?", campaign.ID).Delete(&models.FollowUp{}).Error,
		tx.Delete(campaign).Error,
	} {
		if step != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete campaign", step)
		}
	}
	if err := tx.Commit().Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete campaign", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": campaign.ID}))
}

// StartCampaign materializes one pending send record per lead, in list
// order, and hands the campaign to the scheduler. Restarting after a pause
// resumes exactly where the pending queue left off; existing records are
// never duplicated.
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case models.CampaignStatusDraft, models.CampaignStatusScheduled, models.CampaignStatusPaused:
	default:
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign cannot be started from its current state", nil)
	}

	var senderCount int64
	if err := cc.DB.Model(&models.CampaignSender{}).
		Joins("JOIN senders ON senders.id = campaign_senders.sender_id AND senders.deleted_at IS NULL").
		Where("campaign_senders.campaign_id = ? AND senders.is_verified = ?", campaign.ID, true).
		Count(&senderCount).Error; err != nil || senderCount == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign has no verified senders attached", nil)
	}

	var leads []models.Lead
	if err := cc.DB.Where("lead_list_id = ?", campaign.LeadListID).
		Order("id ASC").Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load recipients", err)
	}
	if len(leads) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Lead list is empty", nil)
	}

	created := 0
	for _, lead := range leads {
		var existing int64
		if err := cc.DB.Model(&models.CampaignEmail{}).
			Where("campaign_id = ? AND lead_id = ? AND follow_up_id IS NULL", campaign.ID, lead.ID).
			Count(&existing).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enqueue recipients", err)
		}
		if existing > 0 {
			continue
		}
		row := models.CampaignEmail{
			CampaignID: campaign.ID,
			LeadID:     lead.ID,
			Status:     models.EmailStatusPending,
		}
		if err := cc.DB.Create(&row).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enqueue recipients", err)
		}
		created++
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":           models.CampaignStatusSending,
		"total_recipients": len(leads),
		"pause_reason":     nil,
	}
	if campaign.StartedAt == nil {
		updates["started_at"] = now
	}
	if err := cc.DB.Model(campaign).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start campaign", err)
	}

	cc.Logger.Infof("campaign %d started, %d recipients enqueued", campaign.ID, created)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"status":    models.CampaignStatusSending,
		"enqueued":  created,
		"remaining": len(leads),
	}))
}

// PauseCampaign stops new sends; in-flight deliveries finish
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user)
	if err != nil {
		return err
	}

	res := cc.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, models.CampaignStatusSending).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusPaused,
			"pause_reason": "paused by user",
		})
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause campaign", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign is not sending", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"status": models.CampaignStatusPaused}))
}

// GetCampaignStats reports the denormalized counters plus live queue depth
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user)
	if err != nil {
		return err
	}

	var pending, replied int64
	cc.DB.Model(&models.CampaignEmail{}).
		Where("campaign_id = ? AND status = ?", campaign.ID, models.EmailStatusPending).Count(&pending)
	cc.DB.Model(&models.CampaignEmail{}).
		Where("campaign_id = ? AND replied_at IS NOT NULL", campaign.ID).Count(&replied)

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"status":           campaign.Status,
		"pause_reason":     campaign.PauseReason,
		"total_recipients": campaign.TotalRecipients,
		"sent":             campaign.SentCount,
		"delivered":        campaign.DeliveredCount,
		"opened":           campaign.OpenCount,
		"clicked":          campaign.ClickCount,
		"bounced":          campaign.BounceCount,
		"spam":             campaign.SpamCount,
		"skipped":          campaign.SkippedCount,
		"replied":          replied,
		"pending":          pending,
	}))
}

// ownedCampaign loads the :id campaign and enforces ownership
func (cc *CampaignController) ownedCampaign(c *fiber.Ctx, user *models.User) (*models.Campaign, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", nil)
	}

	var campaign models.Campaign
	err := cc.DB.Where("id = ? AND user_id = ?", id, user.ID).First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaign", err)
	}
	return &campaign, nil
}
