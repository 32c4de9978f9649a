package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/automail/engine/internal/models"
)

// EmailContent is the subject/body triple that flows through
// personalization and delivery.
type EmailContent struct {
	Subject string
	HTML    string
	Text    string
}

// Personalize substitutes subscriber-derived tokens into the subject, HTML
// body and text body. It is a pure function: no side effects, same output
// for the same inputs (modulo {{currentDate}}, which callers can pin via
// PersonalizeAt in tests).
func Personalize(content EmailContent, sub *models.Subscriber, baseURL string) EmailContent {
	return PersonalizeAt(content, sub, baseURL, time.Now())
}

// PersonalizeAt is Personalize with an explicit clock for {{currentDate}}.
func PersonalizeAt(content EmailContent, sub *models.Subscriber, baseURL string, now time.Time) EmailContent {
	firstName := sub.FirstName
	if firstName == "" {
		firstName = "there"
	}
	lastName := sub.LastName

	replacer := strings.NewReplacer(
		"{{firstName}}", firstName,
		"{{lastName}}", lastName,
		"{{email}}", sub.Email,
		"{{unsubscribeUrl}}", unsubscribeURL(baseURL, sub.ID),
		"{{currentDate}}", now.Format("January 2, 2006"),
	)

	return EmailContent{
		Subject: replacer.Replace(content.Subject),
		HTML:    replacer.Replace(content.HTML),
		Text:    replacer.Replace(content.Text),
	}
}

func unsubscribeURL(baseURL, subscriberID string) string {
	return fmt.Sprintf("%s/unsubscribe?sid=%s", strings.TrimRight(baseURL, "/"), subscriberID)
}
