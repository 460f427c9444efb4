package utils

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mailpulse/models"
)

// ErrQuotaExhausted is a control-flow signal, not a send failure: the
// scheduler reacts by pausing the campaign and surfacing the reason.
var ErrQuotaExhausted = errors.New("monthly quota exhausted")

// QuotaTracker maintains the per-user per-month consumption counters and
// checks them against plan limits. All increments go through atomic
// expression updates so concurrent worker processes never undercount.
type QuotaTracker struct {
	DB *gorm.DB
}

func NewQuotaTracker(db *gorm.DB) *QuotaTracker {
	return &QuotaTracker{DB: db}
}

// usageRow finds or creates the (user, month) row for now
func (qt *QuotaTracker) usageRow(userID uint, now time.Time) (*models.UsageTracking, error) {
	usage := models.UsageTracking{UserID: userID, Month: models.MonthKey(now)}
	err := qt.DB.Where(models.UsageTracking{UserID: userID, Month: usage.Month}).
		FirstOrCreate(&usage).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load usage row: %w", err)
	}
	return &usage, nil
}

// Usage returns the current month's consumption for a user
func (qt *QuotaTracker) Usage(userID uint) (*models.UsageTracking, error) {
	return qt.usageRow(userID, time.Now())
}

// plan loads the user's plan, falling back to the free tier
func (qt *QuotaTracker) plan(userID uint) (*models.Plan, error) {
	var user models.User
	if err := qt.DB.First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	var plan models.Plan
	if err := qt.DB.Where("name = ?", user.PlanName).First(&plan).Error; err != nil {
		return nil, fmt.Errorf("failed to load plan %q: %w", user.PlanName, err)
	}
	return &plan, nil
}

// RemainingEmails returns how many campaign emails the user may still send
// this month
func (qt *QuotaTracker) RemainingEmails(userID uint) (int, error) {
	plan, err := qt.plan(userID)
	if err != nil {
		return 0, err
	}
	usage, err := qt.Usage(userID)
	if err != nil {
		return 0, err
	}
	return Remaining(plan.MonthlyEmailLimit, usage.EmailsSent), nil
}

// RemainingChecks returns how many verifier invocations the user may still
// run this month
func (qt *QuotaTracker) RemainingChecks(userID uint) (int, error) {
	plan, err := qt.plan(userID)
	if err != nil {
		return 0, err
	}
	usage, err := qt.Usage(userID)
	if err != nil {
		return 0, err
	}
	return Remaining(plan.MonthlyVerifyLimit, usage.ChecksRun), nil
}

// RemainingWarmupEmails returns how many warm-up sends the user may still
// make this month
func (qt *QuotaTracker) RemainingWarmupEmails(userID uint) (int, error) {
	plan, err := qt.plan(userID)
	if err != nil {
		return 0, err
	}
	usage, err := qt.Usage(userID)
	if err != nil {
		return 0, err
	}
	return Remaining(plan.MonthlyWarmupLimit, usage.WarmupEmails), nil
}

// Remaining clamps limit-used at zero
func Remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// IncrementEmailsSent bumps the monthly send counter. Called only after a
// confirmed delivery so a failed send never consumes quota.
func (qt *QuotaTracker) IncrementEmailsSent(userID uint, n int) error {
	return qt.increment(userID, "emails_sent", n)
}

// IncrementChecksRun bumps the verification counter, once per verifier
// invocation regardless of outcome
func (qt *QuotaTracker) IncrementChecksRun(userID uint, n int) error {
	return qt.increment(userID, "checks_run", n)
}

func (qt *QuotaTracker) IncrementRecipientsUploaded(userID uint, n int) error {
	return qt.increment(userID, "recipients_uploaded", n)
}

func (qt *QuotaTracker) IncrementPersonalizedEmails(userID uint, n int) error {
	return qt.increment(userID, "personalized_emails", n)
}

func (qt *QuotaTracker) IncrementWarmupEmails(userID uint, n int) error {
	return qt.increment(userID, "warmup_emails", n)
}

func (qt *QuotaTracker) increment(userID uint, column string, n int) error {
	usage, err := qt.usageRow(userID, time.Now())
	if err != nil {
		return err
	}
	return qt.DB.Model(&models.UsageTracking{}).
		Where("id = ?", usage.ID).
		Update(column, gorm.Expr(column+" + ?", n)).
		Error
}
