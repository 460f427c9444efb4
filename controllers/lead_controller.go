package controller

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

type LeadController struct {
	DB     *gorm.DB
	Quota  *utils.QuotaTracker
	Logger *logrus.Entry
}

func NewLeadController(db *gorm.DB, quota *utils.QuotaTracker, logger *logrus.Entry) *LeadController {
	return &LeadController{DB: db, Quota: quota, Logger: logger}
}

// CreateLeadList creates an empty recipient list
func (lc *LeadController) CreateLeadList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name        string `json:"name" validate:"required,max=255"`
		Description string `json:"description" validate:"max=1000"`
		Source      string `json:"source" validate:"max=50"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	list := models.LeadList{
		UserID:      user.ID,
		Name:        input.Name,
		Description: input.Description,
		Source:      input.Source,
	}
	if err := lc.DB.Create(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create list", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(list))
}

// GetLeadLists returns the user's lists
func (lc *LeadController) GetLeadLists(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var lists []models.LeadList
	if err := lc.DB.Where("user_id = ?", user.ID).
		Order("created_at DESC").Find(&lists).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lists", err)
	}
	return c.JSON(utils.SuccessResponse(lists))
}

type leadInput struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	Company   string `json:"company" validate:"max=255"`
	Position  string `json:"position" validate:"max=255"`
	Website   string `json:"website" validate:"max=255"`
}

// AddLeads bulk-inserts recipients into a list. Addresses already in the
// list are skipped, and the upload counts against the monthly recipient
// allowance.
func (lc *LeadController) AddLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.ownedList(c, user)
	if err != nil {
		return err
	}

	var input struct {
		Leads []leadInput `json:"leads" validate:"required,min=1,dive"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	plan, err := lc.userPlan(user)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load plan", err)
	}
	usage, err := lc.Quota.Usage(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check quota", err)
	}
	if utils.Remaining(plan.MonthlyRecipientLimit, usage.RecipientsUploaded) < len(input.Leads) {
		return utils.ErrorResponse(c, fiber.StatusTooManyRequests, "Monthly recipient upload quota exceeded", nil)
	}

	added, skipped := 0, 0
	for _, in := range input.Leads {
		email := strings.ToLower(strings.TrimSpace(in.Email))

		var existing int64
		if err := lc.DB.Model(&models.Lead{}).
			Where("lead_list_id = ? AND email = ?", list.ID, email).
			Count(&existing).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add leads", err)
		}
		if existing > 0 {
			skipped++
			continue
		}

		lead := models.Lead{
			LeadListID: list.ID,
			UserID:     user.ID,
			Email:      email,
			FirstName:  in.FirstName,
			LastName:   in.LastName,
			Company:    in.Company,
			Position:   in.Position,
			Website:    in.Website,
		}
		if err := lc.DB.Create(&lead).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add leads", err)
		}
		added++
	}

	if added > 0 {
		if err := lc.DB.Model(list).
			Update("lead_count", gorm.Expr("lead_count + ?", added)).Error; err != nil {
			lc.Logger.WithError(err).Warn("failed to bump list count")
		}
		if err := lc.Quota.IncrementRecipientsUploaded(user.ID, added); err != nil {
			lc.Logger.WithError(err).Warn("failed to record upload usage")
		}
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"added":   added,
		"skipped": skipped,
	}))
}

// GetLeads returns the recipients of a list in list order
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.ownedList(c, user)
	if err != nil {
		return err
	}

	var leads []models.Lead
	if err := lc.DB.Where("lead_list_id = ?", list.ID).
		Order("id ASC").Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}
	return c.JSON(utils.SuccessResponse(leads))
}

// DeleteLeadList removes a list and its recipients
func (lc *LeadController) DeleteLeadList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.ownedList(c, user)
	if err != nil {
		return err
	}

	var inUse int64
	if err := lc.DB.Model(&models.Campaign{}).
		Where("lead_list_id = ? AND status IN ?", list.ID,
			[]string{models.CampaignStatusSending, models.CampaignStatusPaused}).
		Count(&inUse).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete list", err)
	}
	if inUse > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "List is used by an active campaign", nil)
	}

	tx := lc.DB.Begin()
	if err := tx.Where("lead_list_id = ?", list.ID).Delete(&models.Lead{}).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete list", err)
	}
	if err := tx.Delete(list).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete list", err)
	}
	if err := tx.Commit().Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete list", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": list.ID}))
}

// UnsubscribeLead flags a recipient; the scheduler skips flagged leads
func (lc *LeadController) UnsubscribeLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", nil)
	}

	res := lc.DB.Model(&models.Lead{}).
		Where("id = ? AND user_id = ?", id, user.ID).
		Update("is_unsubscribed", true)
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to unsubscribe lead", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"unsubscribed": id}))
}

func (lc *LeadController) userPlan(user *models.User) (*models.Plan, error) {
	var plan models.Plan
	if err := lc.DB.Where("name = ?", user.PlanName).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (lc *LeadController) ownedList(c *fiber.Ctx, user *models.User) (*models.LeadList, error) {
	id := utils.ParseUint(c.Params("listID"))
	if id == 0 {
		id = utils.ParseUint(c.Params("id"))
	}
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid list id", nil)
	}

	var list models.LeadList
	err := lc.DB.Where("id = ? AND user_id = ?", id, user.ID).First(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Lead list not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch list", err)
	}
	return &list, nil
}
