package engine

import (
	"context"
	"testing"

	"github.com/automail/engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverySendRecordsResult(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{}
	d := NewDeliverer(db, transport, DeliveryOptions{From: "from@x.com", Production: true})

	sub := &models.Subscriber{ID: "sub-1", Email: "to@x.com"}
	messageID, err := d.Send(context.Background(), sub, EmailContent{Subject: "s", HTML: "<p>h</p>"}, "auto-1", "key-1")
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	rec, err := db.FindEmailSendByIdempotencyKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, models.EmailSent, rec.Status)
	assert.Equal(t, messageID, rec.MessageID)
	assert.Equal(t, "to@x.com", rec.RecipientEmail)
	assert.Empty(t, rec.OriginalRecipient)
}

func TestDeliveryTestOverrideRedirects(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{}
	d := NewDeliverer(db, transport, DeliveryOptions{
		From:         "from@x.com",
		TestOverride: "qa@x.com",
		Production:   false,
	})

	sub := &models.Subscriber{ID: "sub-1", Email: "real@x.com"}
	_, err := d.Send(context.Background(), sub, EmailContent{Subject: "s"}, "auto-1", "key-redirect")
	require.NoError(t, err)

	require.Equal(t, 1, transport.count())
	assert.Equal(t, "qa@x.com", transport.sent[0].To)

	// The original recipient stays on the record for traceability.
	rec, err := db.FindEmailSendByIdempotencyKey("key-redirect")
	require.NoError(t, err)
	assert.Equal(t, "qa@x.com", rec.RecipientEmail)
	assert.Equal(t, "real@x.com", rec.OriginalRecipient)
}

func TestDeliveryNoRedirectInProduction(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{}
	d := NewDeliverer(db, transport, DeliveryOptions{
		From:         "from@x.com",
		TestOverride: "qa@x.com",
		Production:   true,
	})

	sub := &models.Subscriber{ID: "sub-1", Email: "real@x.com"}
	_, err := d.Send(context.Background(), sub, EmailContent{Subject: "s"}, "auto-1", "")
	require.NoError(t, err)

	require.Equal(t, 1, transport.count())
	assert.Equal(t, "real@x.com", transport.sent[0].To)
}

func TestDeliveryFailureMarksRecordFailed(t *testing.T) {
	db := newTestDB(t)
	d := NewDeliverer(db, &fakeTransport{fail: true}, DeliveryOptions{From: "from@x.com", Production: true})

	sub := &models.Subscriber{ID: "sub-1", Email: "to@x.com"}
	_, err := d.Send(context.Background(), sub, EmailContent{Subject: "s"}, "auto-1", "key-fail")
	require.Error(t, err)

	rec, err := db.FindEmailSendByIdempotencyKey("key-fail")
	require.NoError(t, err)
	assert.Equal(t, models.EmailFailed, rec.Status)
	assert.NotEmpty(t, rec.BounceReason)
}

func TestDeliveryWrapsAutomationBanner(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{}
	d := NewDeliverer(db, transport, DeliveryOptions{From: "from@x.com", Production: true})

	sub := &models.Subscriber{ID: "sub-1", Email: "to@x.com"}
	_, err := d.Send(context.Background(), sub, EmailContent{Subject: "s", HTML: "<p>body</p>"}, "auto-77", "")
	require.NoError(t, err)

	require.Equal(t, 1, transport.count())
	assert.Contains(t, transport.sent[0].HTML, "<p>body</p>")
	assert.Contains(t, transport.sent[0].HTML, "auto-77")
}
