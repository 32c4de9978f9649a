package engine

import (
	"testing"
	"time"

	"github.com/automail/engine/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestPersonalizeSubstitutesTokens(t *testing.T) {
	sub := &models.Subscriber{
		ID:        "sub-1",
		Email:     "a@x.com",
		FirstName: "Ava",
	}

	out := Personalize(EmailContent{Subject: "Hi {{firstName}}, {{email}}"}, sub, "https://mail.example.com")
	assert.Equal(t, "Hi Ava, a@x.com", out.Subject)
}

func TestPersonalizeDefaultsMissingFirstName(t *testing.T) {
	sub := &models.Subscriber{ID: "sub-1", Email: "a@x.com"}

	out := Personalize(EmailContent{Subject: "Hi {{firstName}}, {{email}}"}, sub, "")
	assert.Equal(t, "Hi there, a@x.com", out.Subject)
}

func TestPersonalizeUnsubscribeURL(t *testing.T) {
	sub := &models.Subscriber{ID: "sub-9", Email: "a@x.com"}

	out := Personalize(EmailContent{HTML: `<a href="{{unsubscribeUrl}}">bye</a>`}, sub, "https://mail.example.com/")
	assert.Equal(t, `<a href="https://mail.example.com/unsubscribe?sid=sub-9">bye</a>`, out.HTML)
}

func TestPersonalizeCurrentDate(t *testing.T) {
	sub := &models.Subscriber{ID: "sub-1", Email: "a@x.com"}
	now := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

	out := PersonalizeAt(EmailContent{Text: "Today is {{currentDate}}"}, sub, "", now)
	assert.Equal(t, "Today is March 5, 2024", out.Text)
}

func TestPersonalizeIsPure(t *testing.T) {
	sub := &models.Subscriber{ID: "sub-1", Email: "a@x.com", FirstName: "Ava"}
	in := EmailContent{Subject: "Hi {{firstName}}", HTML: "<p>{{email}}</p>", Text: "{{lastName}}"}
	now := time.Now()

	first := PersonalizeAt(in, sub, "http://x", now)
	second := PersonalizeAt(in, sub, "http://x", now)
	assert.Equal(t, first, second)
	assert.Equal(t, "Hi {{firstName}}", in.Subject, "input must not be mutated")
}
