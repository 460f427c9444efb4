package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"mailpulse/models"
)

// OutboundMessage is what the scheduler hands to the transmitter
type OutboundMessage struct {
	To       string
	Subject  string
	HTMLBody string
	Headers  map[string]string
	// MessageID is assigned by the caller so tracking markers can embed it
	// before transmission. Empty means the transmitter generates one.
	MessageID string
}

// NewMessageID builds an RFC 5322 Message-ID under the domain of the given
// address
func NewMessageID(fromEmail string) string {
	domain := "mailpulse.local"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// Transmitter is the external mail-sending capability. Implementations
// return the Message-ID on success; failures are classified with
// IsTransientSendError.
type Transmitter interface {
	Transmit(ctx context.Context, sender *models.Sender, msg OutboundMessage) (string, error)
}

// SMTPTransmitter sends through the sending identity's own SMTP account
// using gomail
type SMTPTransmitter struct {
	Timeout   time.Duration
	LocalName string
	// MessageIDDomain suffixes generated Message-IDs
	MessageIDDomain string
}

func NewSMTPTransmitter(localName, messageIDDomain string) *SMTPTransmitter {
	return &SMTPTransmitter{
		Timeout:         30 * time.Second,
		LocalName:       localName,
		MessageIDDomain: messageIDDomain,
	}
}

// Transmit delivers one message through the sender's mailbox. The gomail
// dial-and-send runs under a bounded timeout; hitting it reports a transient
// failure so the scheduler's retry policy applies.
func (t *SMTPTransmitter) Transmit(ctx context.Context, sender *models.Sender, msg OutboundMessage) (string, error) {
	password, err := Decrypt(sender.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	dialer.LocalName = t.LocalName
	dialer.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	if strings.EqualFold(sender.Encryption, "SSL") {
		dialer.SSL = true
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.New().String(), t.MessageIDDomain)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", sender.FromName, sender.FromEmail))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, val := range msg.Headers {
		m.SetHeader(k, val)
	}
	m.SetBody("text/html", msg.HTMLBody)

	// gomail carries no context; fence the dial-and-send with our own
	// timeout so one stuck connection cannot stall a worker.
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("send to %s failed: %w", msg.To, err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("send to %s timed out: %w", msg.To, ctx.Err())
	}
}

// smtpReplyCode matches a bare three-digit SMTP reply code at a token
// boundary. Anchoring it keeps dotted enhanced codes and IP literals in the
// error text (10.4.x, 5.1.1) from being mistaken for a reply code.
var smtpReplyCode = regexp.MustCompile(`(?:^|[\s:])([2-5]\d\d)(?:[ \-]|$)`)

// IsTransientSendError reports whether a transmission failure is worth
// retrying: network timeouts and 4xx SMTP answers, never 5xx rejections.
func IsTransientSendError(err error) bool {
	if err == nil {
		return false
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	if strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return true
	}

	// The remote's reply code is decisive when present.
	msg := strings.ToLower(err.Error())
	if m := smtpReplyCode.FindStringSubmatch(msg); m != nil {
		return m[1][0] == '4'
	}

	for _, hint := range []string{"try again", "temporary", "timeout"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}

	// Connection-level problems with no SMTP code are treated as transient.
	_, isNetErr := err.(net.Error)
	return isNetErr || strings.Contains(msg, "connection")
}
