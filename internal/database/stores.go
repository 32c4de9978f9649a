package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/automail/engine/internal/models"
)

// Subscriber store

// GetSubscriber retrieves a subscriber by ID
func (db *DB) GetSubscriber(id string) (*models.Subscriber, error) {
	var sub models.Subscriber
	var firstName, lastName sql.NullString
	var tags string

	err := db.QueryRow(`
		SELECT id, email, first_name, last_name, status, tags, created_at, updated_at
		FROM subscribers WHERE id = ?
	`, id).Scan(&sub.ID, &sub.Email, &firstName, &lastName, &sub.Status, &tags,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sub.FirstName = firstName.String
	sub.LastName = lastName.String
	if err := json.Unmarshal([]byte(tags), &sub.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for subscriber %s: %w", id, err)
	}
	return &sub, nil
}

// InsertSubscriber inserts a new subscriber
func (db *DB) InsertSubscriber(sub *models.Subscriber) error {
	if sub.Tags == nil {
		sub.Tags = []string{}
	}
	tags, err := json.Marshal(sub.Tags)
	if err != nil {
		return err
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = "subscribed"
	}

	_, err = db.Exec(`
		INSERT INTO subscribers (id, email, first_name, last_name, status, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.Email, nullString(sub.FirstName), nullString(sub.LastName),
		sub.Status, string(tags), sub.CreatedAt, sub.UpdatedAt)
	return err
}

// UpdateSubscriberTags replaces a subscriber's tag set
func (db *DB) UpdateSubscriberTags(subscriberID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE subscribers SET tags = ?, updated_at = ? WHERE id = ?
	`, string(data), time.Now(), subscriberID)
	return err
}

// Audience store

// AddSubscriberToAudience adds a membership row; already-member is a no-op
func (db *DB) AddSubscriberToAudience(subscriberID, audienceID string) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO audience_members (audience_id, subscriber_id, added_at)
		VALUES (?, ?, ?)
	`, audienceID, subscriberID, time.Now())
	return err
}

// RemoveSubscriberFromAudience removes a membership row; absence is a no-op
func (db *DB) RemoveSubscriberFromAudience(subscriberID, audienceID string) error {
	_, err := db.Exec(`
		DELETE FROM audience_members WHERE audience_id = ? AND subscriber_id = ?
	`, audienceID, subscriberID)
	return err
}

// IsAudienceMember reports whether the subscriber belongs to the audience
func (db *DB) IsAudienceMember(subscriberID, audienceID string) (bool, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM audience_members WHERE audience_id = ? AND subscriber_id = ?
	`, audienceID, subscriberID).Scan(&count)
	return count > 0, err
}

// Automation store

// GetAutomation retrieves a workflow definition with its decoded steps
func (db *DB) GetAutomation(id string) (*models.Automation, error) {
	var a models.Automation
	var steps string

	err := db.QueryRow(`
		SELECT id, name, status, steps, created_at, updated_at
		FROM automations WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.Status, &steps, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(steps), &a.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for automation %s: %w", id, err)
	}
	return &a, nil
}

// InsertAutomation inserts a workflow definition
func (db *DB) InsertAutomation(a *models.Automation) error {
	steps, err := json.Marshal(a.Steps)
	if err != nil {
		return err
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = "active"
	}

	_, err = db.Exec(`
		INSERT INTO automations (id, name, status, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Status, string(steps), a.CreatedAt, a.UpdatedAt)
	return err
}

// Enrollment store

// GetEnrollment retrieves an enrollment by ID
func (db *DB) GetEnrollment(id string) (*models.Enrollment, error) {
	var e models.Enrollment
	var completedAt sql.NullTime

	err := db.QueryRow(`
		SELECT id, automation_id, subscriber_id, status, current_step,
		       next_action_at, emails_sent, completed_at, created_at, updated_at
		FROM enrollments WHERE id = ?
	`, id).Scan(&e.ID, &e.AutomationID, &e.SubscriberID, &e.Status, &e.CurrentStep,
		&e.NextActionAt, &e.EmailsSent, &completedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

// InsertEnrollment inserts a new enrollment
func (db *DB) InsertEnrollment(e *models.Enrollment) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.EnrollmentActive
	}
	if e.NextActionAt.IsZero() {
		e.NextActionAt = now
	}

	_, err := db.Exec(`
		INSERT INTO enrollments (id, automation_id, subscriber_id, status, current_step,
			next_action_at, emails_sent, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AutomationID, e.SubscriberID, e.Status, e.CurrentStep,
		e.NextActionAt, e.EmailsSent, nullTime(e.CompletedAt), e.CreatedAt, e.UpdatedAt)
	return err
}

// SetEnrollmentNextAction sets the timestamp gating when the enrollment's
// next job becomes due
func (db *DB) SetEnrollmentNextAction(enrollmentID string, nextActionAt time.Time) error {
	_, err := db.Exec(`
		UPDATE enrollments SET next_action_at = ?, updated_at = ? WHERE id = ?
	`, nextActionAt, time.Now(), enrollmentID)
	return err
}

// IncrementEmailsSent bumps the enrollment's sent counter
func (db *DB) IncrementEmailsSent(enrollmentID string) error {
	_, err := db.Exec(`
		UPDATE enrollments SET emails_sent = emails_sent + 1, updated_at = ? WHERE id = ?
	`, time.Now(), enrollmentID)
	return err
}

// AdvanceEnrollment moves the enrollment to the given step index
func (db *DB) AdvanceEnrollment(enrollmentID string, stepIndex int) error {
	_, err := db.Exec(`
		UPDATE enrollments SET current_step = ?, updated_at = ? WHERE id = ?
	`, stepIndex, time.Now(), enrollmentID)
	return err
}

// CompleteEnrollment marks the enrollment's terminal state
func (db *DB) CompleteEnrollment(enrollmentID string) error {
	now := time.Now()
	_, err := db.Exec(`
		UPDATE enrollments SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, models.EnrollmentCompleted, now, now, enrollmentID)
	return err
}

// Template store

// GetTemplate retrieves a stored template and bumps its usage count
func (db *DB) GetTemplate(id string) (*models.EmailTemplate, error) {
	var t models.EmailTemplate
	var textContent sql.NullString

	err := db.QueryRow(`
		SELECT id, name, subject, html_content, text_content, usage_count, created_at, updated_at
		FROM email_templates WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLContent, &textContent,
		&t.UsageCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.TextContent = textContent.String

	_, err = db.Exec(`
		UPDATE email_templates SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return nil, err
	}
	t.UsageCount++
	return &t, nil
}

// InsertTemplate inserts a stored template
func (db *DB) InsertTemplate(t *models.EmailTemplate) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := db.Exec(`
		INSERT INTO email_templates (id, name, subject, html_content, text_content, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Subject, t.HTMLContent, nullString(t.TextContent),
		t.UsageCount, t.CreatedAt, t.UpdatedAt)
	return err
}
