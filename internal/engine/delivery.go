package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/automail/engine/internal/database"
	"github.com/automail/engine/internal/models"
)

// DeliveryOptions configures the adapter's addressing and environment
// behavior.
type DeliveryOptions struct {
	From         string
	ReplyTo      string
	TestOverride string // non-production redirect address; empty disables
	Production   bool
}

// Deliverer sends one email per call through the configured transport,
// recording every attempt in the email_sends table. It never retries; a
// failed job can be requeued by the job store.
type Deliverer struct {
	db        *database.DB
	transport Transport
	opts      DeliveryOptions
}

// NewDeliverer builds the delivery adapter.
func NewDeliverer(db *database.DB, transport Transport, opts DeliveryOptions) *Deliverer {
	return &Deliverer{db: db, transport: transport, opts: opts}
}

// Send records a pending EmailSendRecord, calls the transport once, and
// updates the record to sent or failed. When idempotencyKey matches an
// already-sent record the transport is skipped and the prior message id is
// returned, which guards against duplicate delivery on job retry.
func (d *Deliverer) Send(ctx context.Context, sub *models.Subscriber, content EmailContent, automationID, idempotencyKey string) (string, error) {
	if idempotencyKey != "" {
		prior, err := d.db.FindEmailSendByIdempotencyKey(idempotencyKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("idempotency lookup: %w", err)
		}
		if err == nil && prior.Status == models.EmailSent {
			log.Printf("[DELIVER] duplicate send suppressed key=%s message_id=%s", idempotencyKey, prior.MessageID)
			return prior.MessageID, nil
		}
	}

	recipient := sub.Email
	original := ""
	if d.opts.TestOverride != "" && !d.opts.Production {
		original = sub.Email
		recipient = d.opts.TestOverride
	}

	// The pending row goes in before the transport call so a crash mid-send
	// still leaves an auditable trace.
	rec := &models.EmailSendRecord{
		SubscriberID:      sub.ID,
		AutomationID:      automationID,
		RecipientEmail:    recipient,
		OriginalRecipient: original,
		Subject:           content.Subject,
		Status:            models.EmailPending,
		IdempotencyKey:    idempotencyKey,
	}
	if err := d.db.InsertEmailSend(rec); err != nil {
		return "", fmt.Errorf("record pending send: %w", err)
	}

	msg := Message{
		To:      recipient,
		From:    d.opts.From,
		ReplyTo: d.opts.ReplyTo,
		Subject: content.Subject,
		HTML:    wrapAutomationBanner(content.HTML, automationID),
		Text:    content.Text,
	}

	result, err := d.transport.Send(ctx, msg)
	if err != nil {
		if updateErr := d.db.MarkEmailSendResult(rec.ID, models.EmailFailed, "", err.Error()); updateErr != nil {
			log.Printf("[DELIVER] failed to mark send %s failed: %v", rec.ID, updateErr)
		}
		return "", fmt.Errorf("transport send: %w", err)
	}

	if err := d.db.MarkEmailSendResult(rec.ID, models.EmailSent, result.MessageID, ""); err != nil {
		log.Printf("[DELIVER] failed to mark send %s sent: %v", rec.ID, err)
	}
	log.Printf("[DELIVER] sent to=%s automation=%s message_id=%s", recipient, automationID, result.MessageID)
	return result.MessageID, nil
}

func wrapAutomationBanner(html, automationID string) string {
	return fmt.Sprintf(
		"<div data-automation=%q>%s</div>\n<!-- automated message: automation %s -->",
		automationID, html, automationID)
}
