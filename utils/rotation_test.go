package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpulse/models"
)

func verifiedSenders(n int) []models.Sender {
	senders := make([]models.Sender, n)
	for i := range senders {
		senders[i].ID = uint(i + 1)
		senders[i].IsVerified = true
	}
	return senders
}

func TestSelectSenderNoSenders(t *testing.T) {
	_, err := SelectSender(true, 10, 0, 0, nil)
	assert.ErrorIs(t, err, ErrNoEligibleSender)
}

func TestSelectSenderRotationDisabledUsesFirst(t *testing.T) {
	senders := verifiedSenders(3)
	sel, err := SelectSender(false, 10, 0, 0, senders)
	require.NoError(t, err)
	assert.Equal(t, uint(1), sel.Sender.ID)
	assert.Equal(t, 0, sel.Cursor)
}

func TestSelectSenderRotationDisabledUnverifiedFirst(t *testing.T) {
	senders := verifiedSenders(2)
	senders[0].IsVerified = false
	_, err := SelectSender(false, 10, 0, 0, senders)
	assert.ErrorIs(t, err, ErrNoEligibleSender)
}

func TestSelectSenderAdvancesWhenExhausted(t *testing.T) {
	senders := verifiedSenders(3)

	sel, err := SelectSender(true, 2, 0, 2, senders)
	require.NoError(t, err)
	assert.Equal(t, uint(2), sel.Sender.ID)
	assert.Equal(t, 1, sel.Cursor)
	assert.Equal(t, 1, sel.Assigned)
}

func TestSelectSenderWrapsAround(t *testing.T) {
	senders := verifiedSenders(3)

	sel, err := SelectSender(true, 2, 2, 2, senders)
	require.NoError(t, err)
	assert.Equal(t, uint(1), sel.Sender.ID)
	assert.Equal(t, 0, sel.Cursor)
}

func TestSelectSenderSkipsUnverified(t *testing.T) {
	senders := verifiedSenders(3)
	senders[1].IsVerified = false

	sel, err := SelectSender(true, 1, 0, 1, senders)
	require.NoError(t, err)
	assert.Equal(t, uint(3), sel.Sender.ID)
	assert.Equal(t, 2, sel.Cursor)
	assert.Equal(t, 1, sel.Assigned)
}

func TestSelectSenderAllUnverified(t *testing.T) {
	senders := verifiedSenders(2)
	senders[0].IsVerified = false
	senders[1].IsVerified = false

	_, err := SelectSender(true, 5, 0, 0, senders)
	assert.ErrorIs(t, err, ErrNoEligibleSender)
}

// Driving the allocator through 30 sends with 3 identities and a batch of
// 10 must attribute exactly 10 sends to each.
func TestSelectSenderEvenDistribution(t *testing.T) {
	senders := verifiedSenders(3)
	counts := map[uint]int{}

	cursor, assigned := 0, 0
	for i := 0; i < 30; i++ {
		sel, err := SelectSender(true, 10, cursor, assigned, senders)
		require.NoError(t, err)
		counts[sel.Sender.ID]++
		cursor, assigned = sel.Cursor, sel.Assigned
	}

	assert.Equal(t, map[uint]int{1: 10, 2: 10, 3: 10}, counts)
}
