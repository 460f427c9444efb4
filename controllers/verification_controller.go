package controller

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
	"mailpulse/worker"
)

type VerificationController struct {
	DB       *gorm.DB
	Verifier *utils.Verifier
	Quota    *utils.QuotaTracker
	Pool     *worker.Pool
	Logger   *logrus.Entry

	// JobCtx bounds background verification jobs to the process lifetime.
	// A job cut off mid-run keeps everything it already persisted.
	JobCtx context.Context
}

func NewVerificationController(db *gorm.DB, verifier *utils.Verifier, quota *utils.QuotaTracker,
	pool *worker.Pool, jobCtx context.Context, logger *logrus.Entry) *VerificationController {
	return &VerificationController{
		DB:       db,
		Verifier: verifier,
		Quota:    quota,
		Pool:     pool,
		Logger:   logger,
		JobCtx:   jobCtx,
	}
}

// VerifyEmail runs the staged checks for a single address
func (vc *VerificationController) VerifyEmail(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Email string `json:"email" validate:"required,email"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	remaining, err := vc.Quota.RemainingChecks(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check quota", err)
	}
	if remaining <= 0 {
		return utils.ErrorResponse(c, fiber.StatusTooManyRequests, "Monthly verification quota exhausted", nil)
	}

	result := vc.Verifier.Verify(c.Context(), user.ID, input.Email)
	return c.JSON(utils.SuccessResponse(result))
}

type verificationJobInput struct {
	Name       string   `json:"name" validate:"max=255"`
	LeadListID uint     `json:"lead_list_id"`
	Emails     []string `json:"emails"`
}

// CreateVerificationJob starts a background batch verification over a lead
// list or an ad-hoc address list. Results are persisted per address as they
// complete.
func (vc *VerificationController) CreateVerificationJob(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input verificationJobInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	if input.LeadListID == 0 && len(input.Emails) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Provide a lead list or a list of addresses", nil)
	}

	var targets []verifyTarget

	if input.LeadListID != 0 {
		var list models.LeadList
		if err := vc.DB.Where("id = ? AND user_id = ?", input.LeadListID, user.ID).
			First(&list).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead list not found", nil)
		}
		var leads []models.Lead
		if err := vc.DB.Where("lead_list_id = ?", list.ID).Order("id ASC").
			Find(&leads).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load leads", err)
		}
		for i := range leads {
			id := leads[i].ID
			targets = append(targets, verifyTarget{Email: leads[i].Email, LeadID: &id})
		}
	}
	for _, email := range input.Emails {
		targets = append(targets, verifyTarget{Email: email})
	}
	if len(targets) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Nothing to verify", nil)
	}

	job := models.EmailVerification{
		UserID:       user.ID,
		Name:         input.Name,
		Status:       "pending",
		TotalCount:   len(targets),
		PendingCount: len(targets),
	}
	if err := vc.DB.Create(&job).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create job", err)
	}

	jobID := job.ID
	userID := user.ID
	vc.Pool.Submit(func() {
		vc.runJob(vc.JobCtx, jobID, userID, targets)
	})

	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(job))
}

// verifyTarget is one address in a batch job, optionally tied to a lead
type verifyTarget struct {
	Email  string
	LeadID *uint
}

// runJob executes the batch. Every address settles independently: a crash,
// shutdown, or quota stop leaves already-verified addresses persisted and
// the aggregate counters consistent.
func (vc *VerificationController) runJob(ctx context.Context, jobID, userID uint, targets []verifyTarget) {
	now := time.Now()
	if err := vc.DB.Model(&models.EmailVerification{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{"status": "processing", "started_at": now}).Error; err != nil {
		vc.Logger.WithError(err).Errorf("failed to start verification job %d", jobID)
		return
	}

	interrupted := false
	for _, t := range targets {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		remaining, err := vc.Quota.RemainingChecks(userID)
		if err != nil || remaining <= 0 {
			interrupted = true
			break
		}

		check := vc.Verifier.Verify(ctx, userID, t.Email)
		vc.persistResult(jobID, t.LeadID, check)
	}

	status := "completed"
	if interrupted {
		status = "stopped"
	}
	if err := vc.DB.Model(&models.EmailVerification{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": time.Now(),
		}).Error; err != nil {
		vc.Logger.WithError(err).Errorf("failed to finish verification job %d", jobID)
	}
}

func (vc *VerificationController) persistResult(jobID uint, leadID *uint, check *utils.CheckResult) {
	result := models.VerificationResult{
		VerificationID: jobID,
		LeadID:         leadID,
		Email:          check.Email,
		Status:         check.Status,
		SyntaxOK:       check.SyntaxOK,
		DNSOK:          check.DNSOK,
		SMTPOK:         check.SMTPOK,
		MXRecords:      check.MXRecordsJSON(),
		ProbeHost:      check.ProbeHost,
		Details:        check.Details,
	}
	if err := vc.DB.Create(&result).Error; err != nil {
		vc.Logger.WithError(err).Error("failed to persist verification result")
		return
	}

	counter := map[string]string{
		models.DeliverabilityValid:   "valid_count",
		models.DeliverabilityRisky:   "risky_count",
		models.DeliverabilityInvalid: "invalid_count",
	}[check.Status]
	updates := map[string]interface{}{
		"pending_count": gorm.Expr("pending_count - 1"),
	}
	if counter != "" {
		updates[counter] = gorm.Expr(counter + " + 1")
	}
	if err := vc.DB.Model(&models.EmailVerification{}).Where("id = ?", jobID).
		Updates(updates).Error; err != nil {
		vc.Logger.WithError(err).Error("failed to update job counters")
	}

	if leadID != nil {
		if err := vc.DB.Model(&models.Lead{}).Where("id = ?", *leadID).
			Updates(map[string]interface{}{
				"deliverability_status": check.Status,
				"verified_at":           time.Now(),
			}).Error; err != nil {
			vc.Logger.WithError(err).Error("failed to update lead deliverability")
		}
	}
}

// GetVerificationJob returns the aggregate state of one job; pass
// ?include_results=true for the per-address breakdown
func (vc *VerificationController) GetVerificationJob(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid job id", nil)
	}

	query := vc.DB.Where("id = ? AND user_id = ?", id, user.ID)
	if c.Query("include_results") == "true" {
		query = query.Preload("Results")
	}

	var job models.EmailVerification
	err := query.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Job not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch job", err)
	}
	return c.JSON(utils.SuccessResponse(job))
}

// GetVerificationJobs lists the user's batch jobs, newest first
func (vc *VerificationController) GetVerificationJobs(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var jobs []models.EmailVerification
	if err := vc.DB.Where("user_id = ?", user.ID).
		Order("created_at DESC").Find(&jobs).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch jobs", err)
	}
	return c.JSON(utils.SuccessResponse(jobs))
}
