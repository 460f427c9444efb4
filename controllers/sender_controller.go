package controller

import (
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

type SenderController struct {
	DB     *gorm.DB
	Quota  *utils.QuotaTracker
	Logger *logrus.Entry
}

func NewSenderController(db *gorm.DB, quota *utils.QuotaTracker, logger *logrus.Entry) *SenderController {
	return &SenderController{DB: db, Quota: quota, Logger: logger}
}

type senderInput struct {
	Name      string `json:"name" validate:"required,max=100"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required,max=100"`

	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username" validate:"required"`
	SMTPPassword string `json:"smtp_password" validate:"required"`
	Encryption   string `json:"encryption" validate:"oneof=SSL TLS STARTTLS"`

	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption"`
	IMAPMailbox    string `json:"imap_mailbox"`

	DailyLimit    int  `json:"daily_limit"`
	WarmupEnabled bool `json:"warmup_enabled"`
}

// CreateSender connects a new mailbox. Credentials are encrypted before
// they touch the database; the mailbox starts unverified.
func (sc *SenderController) CreateSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input senderInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	plan, err := sc.userPlan(user)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load plan", err)
	}
	var count int64
	if err := sc.DB.Model(&models.Sender{}).Where("user_id = ?", user.ID).
		Count(&count).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count senders", err)
	}
	if int(count) >= plan.MaxSenders {
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Plan sender limit reached", nil)
	}

	smtpPassword, err := utils.Encrypt(input.SMTPPassword)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to secure credentials", err)
	}

	sender := models.Sender{
		UserID:        user.ID,
		Name:          input.Name,
		FromEmail:     input.FromEmail,
		FromName:      input.FromName,
		SMTPHost:      input.SMTPHost,
		SMTPPort:      input.SMTPPort,
		SMTPUsername:  input.SMTPUsername,
		SMTPPassword:  smtpPassword,
		Encryption:    input.Encryption,
		WarmupEnabled: input.WarmupEnabled,
	}
	if input.DailyLimit > 0 {
		sender.DailyLimit = input.DailyLimit
	}
	if input.IMAPHost != "" {
		imapPassword, err := utils.Encrypt(input.IMAPPassword)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to secure credentials", err)
		}
		sender.IMAPHost = input.IMAPHost
		sender.IMAPPort = input.IMAPPort
		sender.IMAPUsername = input.IMAPUsername
		sender.IMAPPassword = imapPassword
		if input.IMAPEncryption != "" {
			sender.IMAPEncryption = input.IMAPEncryption
		}
		if input.IMAPMailbox != "" {
			sender.IMAPMailbox = input.IMAPMailbox
		}
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to create sender")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sender", err)
	}

	sender.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sender))
}

// GetSenders lists the user's mailboxes without credentials
func (sc *SenderController) GetSenders(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var senders []models.Sender
	if err := sc.DB.Where("user_id = ?", user.ID).Find(&senders).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch senders", err)
	}
	for i := range senders {
		senders[i].Sanitize()
	}
	return c.JSON(utils.SuccessResponse(senders))
}

// GetSender returns one mailbox
func (sc *SenderController) GetSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user)
	if err != nil {
		return err
	}
	sender.Sanitize()
	return c.JSON(utils.SuccessResponse(sender))
}

// DeleteSender disconnects a mailbox. Campaign rotation lists referencing
// it are cleaned up so the allocator never picks a dangling identity.
func (sc *SenderController) DeleteSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user)
	if err != nil {
		return err
	}

	tx := sc.DB.Begin()
	if err := tx.Where("sender_id = ?", sender.ID).
		Delete(&models.CampaignSender{}).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sender", err)
	}
	if err := tx.Delete(sender).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sender", err)
	}
	if err := tx.Commit().Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sender", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": sender.ID}))
}

// TestSender dials the mailbox's SMTP endpoint with the stored credentials
// and records the outcome. A successful test marks the mailbox verified,
// making it eligible for rotation and warm-up.
func (sc *SenderController) TestSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sender, err := sc.ownedSender(c, user)
	if err != nil {
		return err
	}

	testErr := sc.dialSMTP(sender)

	now := time.Now()
	updates := map[string]interface{}{
		"last_tested_at": now,
	}
	if testErr != nil {
		updates["is_verified"] = false
		updates["last_error"] = testErr.Error()
	} else {
		updates["is_verified"] = true
		updates["last_error"] = nil
	}
	if err := sc.DB.Model(sender).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record test result", err)
	}

	if testErr != nil {
		return c.JSON(utils.SuccessResponse(fiber.Map{
			"verified": false,
			"error":    testErr.Error(),
		}))
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"verified": true}))
}

func (sc *SenderController) dialSMTP(sender *models.Sender) error {
	password, err := utils.Decrypt(sender.SMTPPassword)
	if err != nil {
		return errors.New("stored credentials could not be decrypted")
	}

	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	dialer.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	if strings.EqualFold(sender.Encryption, "SSL") {
		dialer.SSL = true
	}

	closer, err := dialer.Dial()
	if err != nil {
		return err
	}
	return closer.Close()
}

func (sc *SenderController) userPlan(user *models.User) (*models.Plan, error) {
	var plan models.Plan
	if err := sc.DB.Where("name = ?", user.PlanName).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (sc *SenderController) ownedSender(c *fiber.Ctx, user *models.User) (*models.Sender, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sender id", nil)
	}

	var sender models.Sender
	err := sc.DB.Where("id = ? AND user_id = ?", id, user.ID).First(&sender).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sender", err)
	}
	return &sender, nil
}
