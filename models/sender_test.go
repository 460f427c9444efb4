package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecalcRatesNothingSent(t *testing.T) {
	ws := WarmupStats{}
	ws.RecalcRates()
	assert.Zero(t, ws.OpenRate)
	assert.Zero(t, ws.BounceRate)
	assert.Equal(t, 100, ws.Score)
}

func TestRecalcRates(t *testing.T) {
	ws := WarmupStats{
		SentCount:    100,
		OpenedCount:  80,
		RepliedCount: 30,
		SpamCount:    1,
		BouncedCount: 2,
	}
	ws.RecalcRates()

	assert.InDelta(t, 0.80, ws.OpenRate, 1e-9)
	assert.InDelta(t, 0.30, ws.ReplyRate, 1e-9)
	assert.InDelta(t, 0.01, ws.SpamRate, 1e-9)
	assert.InDelta(t, 0.02, ws.BounceRate, 1e-9)
}

func TestComputeScoreClampsHigh(t *testing.T) {
	ws := WarmupStats{OpenRate: 1, ReplyRate: 1}
	assert.Equal(t, 100, ws.ComputeScore())
}

func TestComputeScoreClampsLow(t *testing.T) {
	ws := WarmupStats{SpamRate: 1, BounceRate: 1}
	assert.Equal(t, 0, ws.ComputeScore())
}

func TestComputeScorePenalizesSpam(t *testing.T) {
	clean := WarmupStats{OpenRate: 0.5}
	spammy := WarmupStats{OpenRate: 0.5, SpamRate: 0.2}
	assert.Greater(t, clean.ComputeScore(), spammy.ComputeScore())
}

func TestSanitizeStripsCredentials(t *testing.T) {
	s := Sender{SMTPPassword: "secret", IMAPPassword: "secret"}
	s.Sanitize()
	assert.Empty(t, s.SMTPPassword)
	assert.Empty(t, s.IMAPPassword)
}
