package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

type WarmupController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewWarmupController(db *gorm.DB, logger *logrus.Entry) *WarmupController {
	return &WarmupController{DB: db, Logger: logger}
}

// StartWarmup enrolls a verified mailbox into the warm-up ramp. Re-enrolling
// a graduated mailbox starts a fresh ramp from day one.
func (wc *WarmupController) StartWarmup(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := wc.ownedSender(c, user)
	if err != nil {
		return err
	}
	if !sender.IsVerified {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Verify the sender before warming it up", nil)
	}
	if sender.WarmupEnabled {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Warm-up is already running", nil)
	}

	updates := map[string]interface{}{
		"warmup_enabled":      true,
		"warmup_completed_at": nil,
	}
	if sender.WarmupCompletedAt != nil {
		// Restarting after graduation: clear the old ramp so day numbering
		// begins again.
		if err := wc.DB.Where("sender_id = ?", sender.ID).
			Delete(&models.WarmupProgress{}).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reset warm-up plan", err)
		}
		updates["warmup_started_at"] = nil
	}
	if err := wc.DB.Model(sender).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start warm-up", err)
	}

	wc.Logger.Infof("warm-up enabled for sender %d", sender.ID)
	return c.JSON(utils.SuccessResponse(fiber.Map{"warmup_enabled": true}))
}

// StopWarmup halts the ramp; progress rows are kept so a later restart can
// be inspected against the old run
func (wc *WarmupController) StopWarmup(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := wc.ownedSender(c, user)
	if err != nil {
		return err
	}
	if !sender.WarmupEnabled {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Warm-up is not running", nil)
	}

	if err := wc.DB.Model(sender).Update("warmup_enabled", false).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to stop warm-up", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"warmup_enabled": false}))
}

// GetWarmupStatus reports the ramp plan and where today's sending stands
func (wc *WarmupController) GetWarmupStatus(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := wc.ownedSender(c, user)
	if err != nil {
		return err
	}

	var progress []models.WarmupProgress
	if err := wc.DB.Where("sender_id = ?", sender.ID).
		Order("day_number ASC").Find(&progress).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch warm-up plan", err)
	}

	var today *models.WarmupProgress
	dayStart := utils.DayStart(time.Now())
	for i := range progress {
		if progress[i].Date.Equal(dayStart) {
			today = &progress[i]
			break
		}
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"warmup_enabled":      sender.WarmupEnabled,
		"warmup_started_at":   sender.WarmupStartedAt,
		"warmup_completed_at": sender.WarmupCompletedAt,
		"today":               today,
		"plan":                progress,
	}))
}

// GetWarmupStats returns the daily reputation aggregates, oldest first
func (wc *WarmupController) GetWarmupStats(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := wc.ownedSender(c, user)
	if err != nil {
		return err
	}

	var stats []models.WarmupStats
	if err := wc.DB.Where("sender_id = ?", sender.ID).
		Order("date ASC").Find(&stats).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch warm-up stats", err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

func (wc *WarmupController) ownedSender(c *fiber.Ctx, user *models.User) (*models.Sender, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sender id", nil)
	}

	var sender models.Sender
	if err := wc.DB.Where("id = ? AND user_id = ?", id, user.ID).First(&sender).Error; err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}
	return &sender, nil
}
