package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

type UsageController struct {
	DB     *gorm.DB
	Quota  *utils.QuotaTracker
	Logger *logrus.Entry
}

func NewUsageController(db *gorm.DB, quota *utils.QuotaTracker, logger *logrus.Entry) *UsageController {
	return &UsageController{DB: db, Quota: quota, Logger: logger}
}

// GetUsage reports the current month's consumption against the plan limits
func (uc *UsageController) GetUsage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	usage, err := uc.Quota.Usage(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load usage", err)
	}

	var plan models.Plan
	if err := uc.DB.Where("name = ?", user.PlanName).First(&plan).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load plan", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"month": usage.Month,
		"plan":  plan.Name,
		"emails": fiber.Map{
			"used":      usage.EmailsSent,
			"limit":     plan.MonthlyEmailLimit,
			"remaining": utils.Remaining(plan.MonthlyEmailLimit, usage.EmailsSent),
		},
		"checks": fiber.Map{
			"used":      usage.ChecksRun,
			"limit":     plan.MonthlyVerifyLimit,
			"remaining": utils.Remaining(plan.MonthlyVerifyLimit, usage.ChecksRun),
		},
		"recipients": fiber.Map{
			"used":      usage.RecipientsUploaded,
			"limit":     plan.MonthlyRecipientLimit,
			"remaining": utils.Remaining(plan.MonthlyRecipientLimit, usage.RecipientsUploaded),
		},
		"warmup_emails": fiber.Map{
			"used":      usage.WarmupEmails,
			"limit":     plan.MonthlyWarmupLimit,
			"remaining": utils.Remaining(plan.MonthlyWarmupLimit, usage.WarmupEmails),
		},
		"personalized_emails": usage.PersonalizedEmails,
	}))
}
