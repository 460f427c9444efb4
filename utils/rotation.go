package utils

import (
	"errors"

	"mailpulse/models"
)

// ErrNoEligibleSender means every sender in the rotation is unverified or
// the campaign has none configured. The scheduler treats it as a permanent
// per-tick failure and pauses the campaign.
var ErrNoEligibleSender = errors.New("no verified sender available")

// RotationSelection is the allocator's pick together with the cursor state
// to persist once the send attributed to it succeeds
type RotationSelection struct {
	Sender *models.Sender
	// Cursor and Assigned are the values the campaign row should hold
	// after this send: Assigned already includes the send being made.
	Cursor   int
	Assigned int
}

// SelectSender chooses the sending identity for the next send. Senders must
// be passed in rotation order (campaign_senders.position). The cursor and
// assigned count come from the campaign row and are written back with a
// conditional update, so two concurrent ticks cannot double-assign a slot.
func SelectSender(rotationEnabled bool, emailsPerAccount, cursor, assigned int, senders []models.Sender) (RotationSelection, error) {
	if len(senders) == 0 {
		return RotationSelection{}, ErrNoEligibleSender
	}

	if !rotationEnabled {
		if !senders[0].IsVerified {
			return RotationSelection{}, ErrNoEligibleSender
		}
		return RotationSelection{Sender: &senders[0], Cursor: 0, Assigned: assigned + 1}, nil
	}

	if emailsPerAccount <= 0 {
		emailsPerAccount = 1
	}
	if cursor < 0 || cursor >= len(senders) {
		cursor = 0
	}

	// The cursor's identity is exhausted for this assignment: advance,
	// wrapping, and reset the count before selecting.
	if assigned >= emailsPerAccount {
		cursor = (cursor + 1) % len(senders)
		assigned = 0
	}

	// Skip unverified identities, at most one full lap.
	for i := 0; i < len(senders); i++ {
		idx := (cursor + i) % len(senders)
		if !senders[idx].IsVerified {
			continue
		}
		if idx != cursor {
			assigned = 0
		}
		return RotationSelection{Sender: &senders[idx], Cursor: idx, Assigned: assigned + 1}, nil
	}

	return RotationSelection{}, ErrNoEligibleSender
}
