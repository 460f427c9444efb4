package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWasSent(t *testing.T) {
	for _, status := range []string{EmailStatusSent, EmailStatusDelivered, EmailStatusOpened, EmailStatusClicked} {
		ce := CampaignEmail{Status: status}
		assert.True(t, ce.WasSent(), status)
	}
	for _, status := range []string{EmailStatusPending, EmailStatusSending, EmailStatusBounced, EmailStatusSkipped, EmailStatusSpam} {
		ce := CampaignEmail{Status: status}
		assert.False(t, ce.WasSent(), status)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, (&CampaignEmail{Status: EmailStatusPending}).IsTerminal())
	assert.False(t, (&CampaignEmail{Status: EmailStatusSending}).IsTerminal())
	assert.True(t, (&CampaignEmail{Status: EmailStatusBounced}).IsTerminal())
}

func TestFollowUpDueAt(t *testing.T) {
	fu := FollowUp{DelayDays: 3}
	sentAt := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, sentAt.AddDate(0, 0, 3), fu.DueAt(sentAt))
}

func TestConditionHoldsNotOpened(t *testing.T) {
	fu := FollowUp{Condition: FollowUpNotOpened}
	now := time.Now()

	assert.True(t, fu.ConditionHolds(&CampaignEmail{Status: EmailStatusSent}))
	assert.False(t, fu.ConditionHolds(&CampaignEmail{Status: EmailStatusOpened, OpenedAt: &now}))
}

func TestConditionHoldsNoReply(t *testing.T) {
	fu := FollowUp{Condition: FollowUpNoReply}
	now := time.Now()

	// Opening without replying still warrants the follow-up.
	assert.True(t, fu.ConditionHolds(&CampaignEmail{Status: EmailStatusOpened, OpenedAt: &now}))
	assert.False(t, fu.ConditionHolds(&CampaignEmail{Status: EmailStatusOpened, RepliedAt: &now}))
}

func TestConditionHoldsUnknownCondition(t *testing.T) {
	fu := FollowUp{Condition: "someday"}
	assert.False(t, fu.ConditionHolds(&CampaignEmail{Status: EmailStatusSent}))
}
