package controller

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

// transparentPixel is a 1x1 transparent GIF served on open tracking hits
var transparentPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingController serves the unauthenticated pixel and click-redirect
// endpoints referenced from outgoing email bodies
type TrackingController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewTrackingController(db *gorm.DB, logger *logrus.Entry) *TrackingController {
	return &TrackingController{DB: db, Logger: logger}
}

// TrackOpen records the first open of a message and answers with the pixel.
// Repeat opens are no-ops; the endpoint always serves the image so broken
// lookups never surface to the recipient.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	messageID, err := unescapeMessageID(c.Params("messageID"))
	if err == nil {
		tc.recordOpen(messageID)
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store")
	return c.Send(transparentPixel)
}

func (tc *TrackingController) recordOpen(messageID string) {
	now := time.Now()

	res := tc.DB.Model(&models.CampaignEmail{}).
		Where("message_id = ? AND opened_at IS NULL", messageID).
		Update("opened_at", now)
	if res.Error != nil {
		tc.Logger.WithError(res.Error).Error("failed to record open")
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	// Promote the status, but never regress a click.
	tc.DB.Model(&models.CampaignEmail{}).
		Where("message_id = ? AND status IN ?", messageID,
			[]string{models.EmailStatusSent, models.EmailStatusDelivered}).
		Update("status", models.EmailStatusOpened)

	var email models.CampaignEmail
	if err := tc.DB.Where("message_id = ?", messageID).First(&email).Error; err == nil {
		tc.DB.Model(&models.Campaign{}).Where("id = ?", email.CampaignID).
			Update("open_count", gorm.Expr("open_count + ?", 1))
	}
}

// TrackClick records a link click and forwards the recipient to the
// original URL. A click implies an open.
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	target := c.Query("url")
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid redirect target", nil)
	}

	messageID, err := unescapeMessageID(c.Params("messageID"))
	if err == nil {
		tc.recordClick(messageID)
	}

	return c.Redirect(target, fiber.StatusFound)
}

func (tc *TrackingController) recordClick(messageID string) {
	now := time.Now()

	res := tc.DB.Model(&models.CampaignEmail{}).
		Where("message_id = ? AND clicked_at IS NULL", messageID).
		Updates(map[string]interface{}{
			"clicked_at": now,
			"status":     models.EmailStatusClicked,
		})
	if res.Error != nil {
		tc.Logger.WithError(res.Error).Error("failed to record click")
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	tc.DB.Model(&models.CampaignEmail{}).
		Where("message_id = ? AND opened_at IS NULL", messageID).
		Update("opened_at", now)

	var email models.CampaignEmail
	if err := tc.DB.Where("message_id = ?", messageID).First(&email).Error; err == nil {
		tc.DB.Model(&models.Campaign{}).Where("id = ?", email.CampaignID).
			Update("click_count", gorm.Expr("click_count + ?", 1))
	}
}

func unescapeMessageID(raw string) (string, error) {
	return url.PathUnescape(raw)
}
