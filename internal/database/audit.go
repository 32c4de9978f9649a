package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/automail/engine/internal/models"
	"github.com/google/uuid"
)

// InsertStepExecution writes one immutable audit row for a step attempt
func (db *DB) InsertStepExecution(rec *models.StepExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	stepConfig, err := marshalStepConfig(rec.StepConfig)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO step_executions (id, enrollment_id, automation_id, subscriber_id,
			step_index, step_id, step_type, step_config, status, result, error_message, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.EnrollmentID, rec.AutomationID, nullString(rec.SubscriberID),
		rec.StepIndex, nullString(rec.StepID), string(rec.StepType), stepConfig,
		rec.Status, nullString(rec.Result), nullString(rec.ErrorMessage), rec.CompletedAt)
	return err
}

// ListStepExecutions returns audit rows for an enrollment in completion order
func (db *DB) ListStepExecutions(enrollmentID string, limit int) ([]models.StepExecutionRecord, error) {
	rows, err := db.Query(`
		SELECT id, enrollment_id, automation_id, subscriber_id, step_index, step_id,
		       step_type, step_config, status, result, error_message, completed_at
		FROM step_executions
		WHERE enrollment_id = ?
		ORDER BY completed_at ASC, step_index ASC
		LIMIT ?
	`, enrollmentID, limit)
	if err != nil {
		return nil, err
	}
	return scanStepExecutions(rows)
}

// RecentStepExecutions returns the newest audit rows across all enrollments
func (db *DB) RecentStepExecutions(limit int) ([]models.StepExecutionRecord, error) {
	rows, err := db.Query(`
		SELECT id, enrollment_id, automation_id, subscriber_id, step_index, step_id,
		       step_type, step_config, status, result, error_message, completed_at
		FROM step_executions
		ORDER BY completed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanStepExecutions(rows)
}

func scanStepExecutions(rows *sql.Rows) ([]models.StepExecutionRecord, error) {
	defer rows.Close()

	records := []models.StepExecutionRecord{}
	for rows.Next() {
		var rec models.StepExecutionRecord
		var stepType string
		var subscriberID, stepID, stepConfig, result, errorMsg sql.NullString

		err := rows.Scan(&rec.ID, &rec.EnrollmentID, &rec.AutomationID, &subscriberID,
			&rec.StepIndex, &stepID, &stepType, &stepConfig, &rec.Status,
			&result, &errorMsg, &rec.CompletedAt)
		if err != nil {
			return nil, err
		}

		rec.StepType = models.StepType(stepType)
		rec.SubscriberID = subscriberID.String
		rec.StepID = stepID.String
		rec.Result = result.String
		rec.ErrorMessage = errorMsg.String
		if stepConfig.Valid && stepConfig.String != "" {
			var sc models.StepConfig
			if err := json.Unmarshal([]byte(stepConfig.String), &sc); err != nil {
				return nil, fmt.Errorf("decode step config for execution %s: %w", rec.ID, err)
			}
			rec.StepConfig = &sc
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertEmailSend writes a new outbound-email record, normally in pending state
func (db *DB) InsertEmailSend(rec *models.EmailSendRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = models.EmailPending
	}

	_, err := db.Exec(`
		INSERT INTO email_sends (id, subscriber_id, automation_id, recipient_email,
			original_recipient, subject, status, message_id, bounce_reason,
			idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SubscriberID, rec.AutomationID, rec.RecipientEmail,
		nullString(rec.OriginalRecipient), nullString(rec.Subject), rec.Status,
		nullString(rec.MessageID), nullString(rec.BounceReason),
		nullString(rec.IdempotencyKey), rec.CreatedAt, rec.UpdatedAt)
	return err
}

// MarkEmailSendResult transitions an email record to sent or failed
func (db *DB) MarkEmailSendResult(id, status, messageID, bounceReason string) error {
	_, err := db.Exec(`
		UPDATE email_sends
		SET status = ?, message_id = ?, bounce_reason = ?, updated_at = ?
		WHERE id = ?
	`, status, nullString(messageID), nullString(bounceReason), time.Now(), id)
	return err
}

// FindEmailSendByIdempotencyKey returns the newest record for the key, or
// sql.ErrNoRows when none exists
func (db *DB) FindEmailSendByIdempotencyKey(key string) (*models.EmailSendRecord, error) {
	var rec models.EmailSendRecord
	var originalRecipient, subject, messageID, bounceReason, idempotencyKey sql.NullString

	err := db.QueryRow(`
		SELECT id, subscriber_id, automation_id, recipient_email, original_recipient,
		       subject, status, message_id, bounce_reason, idempotency_key,
		       created_at, updated_at
		FROM email_sends
		WHERE idempotency_key = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, key).Scan(&rec.ID, &rec.SubscriberID, &rec.AutomationID, &rec.RecipientEmail,
		&originalRecipient, &subject, &rec.Status, &messageID, &bounceReason,
		&idempotencyKey, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.OriginalRecipient = originalRecipient.String
	rec.Subject = subject.String
	rec.MessageID = messageID.String
	rec.BounceReason = bounceReason.String
	rec.IdempotencyKey = idempotencyKey.String
	return &rec, nil
}

// RecordEngineRun persists one dispatch run for the status endpoint
func (db *DB) RecordEngineRun(summary *models.RunSummary) error {
	_, err := db.Exec(`
		INSERT INTO engine_runs (id, processed_jobs, failed_jobs, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), summary.ProcessedJobs, summary.FailedJobs,
		summary.StartedAt, summary.FinishedAt)
	return err
}

// LastEngineRun returns the most recent run, or sql.ErrNoRows if the engine
// has never run
func (db *DB) LastEngineRun() (*models.RunSummary, error) {
	var s models.RunSummary
	err := db.QueryRow(`
		SELECT processed_jobs, failed_jobs, started_at, finished_at
		FROM engine_runs ORDER BY finished_at DESC LIMIT 1
	`).Scan(&s.ProcessedJobs, &s.FailedJobs, &s.StartedAt, &s.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
