package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpulse/models"
	"mailpulse/utils"
)

// ReplyWorker scans each connected mailbox over IMAP and stamps replied_at
// on the campaign send a reply refers to. Reply detection feeds the
// follow-up condition: a recipient who answered is never chased again.
type ReplyWorker struct {
	DB           *gorm.DB
	Logger       *logrus.Entry
	TickInterval time.Duration
}

func NewReplyWorker(db *gorm.DB, tick time.Duration, logger *logrus.Entry) *ReplyWorker {
	return &ReplyWorker{DB: db, Logger: logger, TickInterval: tick}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.Logger.Info("reply tracker started")

	ticker := time.NewTicker(rw.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Info("reply tracker shutting down")
			return
		case <-ticker.C:
			rw.tick()
		}
	}
}

func (rw *ReplyWorker) tick() {
	var senders []models.Sender
	if err := rw.DB.Where("is_verified = ? AND imap_host <> ''", true).
		Find(&senders).Error; err != nil {
		rw.Logger.WithError(err).Error("failed to list mailboxes for reply scanning")
		return
	}

	for i := range senders {
		sender := &senders[i]
		if err := rw.scanInbox(sender); err != nil {
			rw.Logger.WithError(err).Warnf("inbox scan failed for sender %d", sender.ID)
		}
	}
}

// scanInbox walks messages that arrived since the sender's watermark and
// matches their In-Reply-To header against stored Message-IDs
func (rw *ReplyWorker) scanInbox(sender *models.Sender) error {
	c, err := rw.connect(sender)
	if err != nil {
		return err
	}
	defer c.Logout()

	mailbox := sender.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, true); err != nil {
		return fmt.Errorf("failed to select mailbox %q: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	if sender.LastSyncedAt != nil {
		criteria.Since = *sender.LastSyncedAt
	} else {
		criteria.Since = time.Now().AddDate(0, 0, -7)
	}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search mailbox: %w", err)
	}

	scanStart := time.Now()

	if len(ids) > 0 {
		seqset := new(imap.SeqSet)
		seqset.AddNum(ids...)

		headerSection := &imap.BodySectionName{
			BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
			Peek:         true,
		}

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- c.Fetch(seqset,
				[]imap.FetchItem{imap.FetchEnvelope, headerSection.FetchItem()}, messages)
		}()

		for msg := range messages {
			rw.recordReply(msg, headerSection)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("error during fetch: %w", err)
		}
	}

	// Advance the watermark only after a clean pass so a failed scan gets
	// retried over the same range.
	return rw.DB.Model(&models.Sender{}).Where("id = ?", sender.ID).
		Update("last_synced_at", scanStart).Error
}

func (rw *ReplyWorker) connect(sender *models.Sender) (*client.Client, error) {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	tlsConfig := &tls.Config{ServerName: sender.IMAPHost}

	var c *client.Client
	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(sender.IMAPUsername, password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return c, nil
}

// recordReply stamps the originating send record if the message is a reply
// to something we sent. The first reply wins; later ones are no-ops.
func (rw *ReplyWorker) recordReply(msg *imap.Message, headerSection *imap.BodySectionName) {
	if msg.Envelope == nil {
		return
	}

	var repliedAt time.Time
	if msg.Envelope.Date.IsZero() {
		repliedAt = time.Now()
	} else {
		repliedAt = msg.Envelope.Date
	}

	for _, ref := range referencedMessageIDs(msg, headerSection) {
		res := rw.DB.Model(&models.CampaignEmail{}).
			Where("message_id = ? AND replied_at IS NULL", ref).
			Update("replied_at", repliedAt)
		if res.Error != nil {
			rw.Logger.WithError(res.Error).Error("failed to record reply")
			return
		}
		if res.RowsAffected > 0 {
			rw.Logger.Debugf("reply recorded for message %s", ref)
			return
		}
	}
}

// referencedMessageIDs collects the candidate parent Message-IDs, most
// specific first: the envelope's In-Reply-To, then the References header
// walked from the direct parent outward.
func referencedMessageIDs(msg *imap.Message, headerSection *imap.BodySectionName) []string {
	var ids []string
	if msg.Envelope.InReplyTo != "" {
		ids = append(ids, strings.TrimSpace(msg.Envelope.InReplyTo))
	}

	literal := msg.GetBody(headerSection)
	if literal == nil {
		return ids
	}
	entity, err := message.Read(literal)
	if err != nil {
		return ids
	}

	refs := strings.Fields(entity.Header.Get("References"))
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i] != "" && (len(ids) == 0 || refs[i] != ids[0]) {
			ids = append(ids, refs[i])
		}
	}
	return ids
}
