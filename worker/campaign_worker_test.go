package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"mailpulse/models"
	"mailpulse/utils"
)

type scriptedTransmitter struct {
	errs  []error
	calls int
}

func (t *scriptedTransmitter) Transmit(_ context.Context, _ *models.Sender, _ utils.OutboundMessage) (string, error) {
	err := t.errs[t.calls]
	t.calls++
	return "<id@test>", err
}

func retryWorker(mailer utils.Transmitter, maxAttempts int) *CampaignWorker {
	return &CampaignWorker{
		Mailer:       mailer,
		Logger:       logrus.NewEntry(logrus.New()),
		MaxAttempts:  maxAttempts,
		RetryBackoff: func(int) time.Duration { return time.Millisecond },
	}
}

func TestTransmitWithRetrySucceedsFirstTry(t *testing.T) {
	mailer := &scriptedTransmitter{errs: []error{nil}}
	cw := retryWorker(mailer, 3)

	err := cw.transmitWithRetry(context.Background(), &models.Sender{}, utils.OutboundMessage{})
	assert.NoError(t, err)
	assert.Equal(t, 1, mailer.calls)
}

func TestTransmitWithRetryPermanentFailureStopsImmediately(t *testing.T) {
	mailer := &scriptedTransmitter{errs: []error{errors.New("550 5.1.1 user unknown")}}
	cw := retryWorker(mailer, 3)

	err := cw.transmitWithRetry(context.Background(), &models.Sender{}, utils.OutboundMessage{})
	assert.Error(t, err)
	assert.Equal(t, 1, mailer.calls)
}

func TestTransmitWithRetryTransientThenSuccess(t *testing.T) {
	mailer := &scriptedTransmitter{errs: []error{errors.New("451 greylisted, try again"), nil}}
	cw := retryWorker(mailer, 2)

	err := cw.transmitWithRetry(context.Background(), &models.Sender{}, utils.OutboundMessage{})
	assert.NoError(t, err)
	assert.Equal(t, 2, mailer.calls)
}

func TestTransmitWithRetryRespectsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mailer := &scriptedTransmitter{errs: []error{errors.New("451 greylisted, try again"), nil}}
	cw := retryWorker(mailer, 2)

	err := cw.transmitWithRetry(ctx, &models.Sender{}, utils.OutboundMessage{})
	assert.ErrorIs(t, err, context.Canceled)
	// The first attempt runs; the backoff before the second observes the
	// cancelled context.
	assert.Equal(t, 1, mailer.calls)
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(errors.New(`ERROR: duplicate key value violates unique constraint "idx_campaign_lead_stage"`)))
	assert.False(t, isDuplicateKey(errors.New("connection refused")))
}
