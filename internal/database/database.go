package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/automail/engine/internal/models"
)

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// sqlite tolerates exactly one writer; the engine is a sequential batch
	// loop, so a single connection avoids SQLITE_BUSY under test load.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS automation_jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		automation_id TEXT NOT NULL,
		enrollment_id TEXT,
		subscriber_id TEXT,
		step_index INTEGER DEFAULT 0,
		step_config TEXT,
		status TEXT NOT NULL,
		priority INTEGER DEFAULT 0,
		scheduled_for DATETIME NOT NULL,
		leased_until DATETIME,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		steps TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		current_step INTEGER DEFAULT 0,
		next_action_at DATETIME NOT NULL,
		emails_sent INTEGER DEFAULT 0,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscribers (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		first_name TEXT,
		last_name TEXT,
		status TEXT NOT NULL DEFAULT 'subscribed',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audience_members (
		audience_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		added_at DATETIME NOT NULL,
		PRIMARY KEY (audience_id, subscriber_id)
	);

	CREATE TABLE IF NOT EXISTS email_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		subject TEXT NOT NULL,
		html_content TEXT NOT NULL,
		text_content TEXT,
		usage_count INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS step_executions (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL,
		automation_id TEXT NOT NULL,
		subscriber_id TEXT,
		step_index INTEGER NOT NULL,
		step_id TEXT,
		step_type TEXT NOT NULL,
		step_config TEXT,
		status TEXT NOT NULL,
		result TEXT,
		error_message TEXT,
		completed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS email_sends (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		automation_id TEXT NOT NULL,
		recipient_email TEXT NOT NULL,
		original_recipient TEXT,
		subject TEXT,
		status TEXT NOT NULL,
		message_id TEXT,
		bounce_reason TEXT,
		idempotency_key TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS engine_runs (
		id TEXT PRIMARY KEY,
		processed_jobs INTEGER NOT NULL,
		failed_jobs INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON automation_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON automation_jobs(status, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_jobs_enrollment ON automation_jobs(enrollment_id);
	CREATE INDEX IF NOT EXISTS idx_enrollments_status ON enrollments(status);
	CREATE INDEX IF NOT EXISTS idx_executions_enrollment ON step_executions(enrollment_id, step_index);
	CREATE INDEX IF NOT EXISTS idx_email_idempotency ON email_sends(idempotency_key) WHERE idempotency_key IS NOT NULL;
	`

	_, err := db.Exec(schema)
	return err
}

// ScheduleJob inserts a new job into the queue
func (db *DB) ScheduleJob(job *models.AutomationJob) error {
	stepConfig, err := marshalStepConfig(job.StepConfig)
	if err != nil {
		return err
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobPending
	}

	_, err = db.Exec(`
		INSERT INTO automation_jobs (id, job_type, automation_id, enrollment_id, subscriber_id,
			step_index, step_config, status, priority, scheduled_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.JobType), job.AutomationID, nullString(job.EnrollmentID),
		nullString(job.SubscriberID), job.StepIndex, stepConfig, job.Status,
		job.Priority, job.ScheduledFor, job.CreatedAt, job.UpdatedAt)
	return err
}

// ClaimDueJobs atomically leases up to limit due jobs for processing. A job
// is due when its scheduled_for has passed and, if it belongs to an
// enrollment, the enrollment's next_action_at has passed too. Jobs whose
// lease expired are claimable again, which resolves the crashed-dispatcher
// case via lease expiry.
func (db *DB) ClaimDueJobs(limit int, leaseUntil time.Time) ([]models.AutomationJob, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	rows, err := tx.Query(`
		SELECT j.id, j.job_type, j.automation_id, j.enrollment_id, j.subscriber_id,
		       j.step_index, j.step_config, j.status, j.priority, j.scheduled_for,
		       j.error_message, j.created_at, j.updated_at
		FROM automation_jobs j
		LEFT JOIN enrollments e ON e.id = j.enrollment_id
		WHERE (j.status = ? OR (j.status = ? AND j.leased_until < ?))
		  AND j.scheduled_for <= ?
		  AND (j.enrollment_id IS NULL OR e.next_action_at <= ?)
		ORDER BY j.priority DESC, j.scheduled_for ASC
		LIMIT ?
	`, models.JobPending, models.JobProcessing, now, now, now, limit)
	if err != nil {
		return nil, err
	}

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		if _, err := tx.Exec(`
			UPDATE automation_jobs
			SET status = ?, leased_until = ?, updated_at = ?
			WHERE id = ?
		`, models.JobProcessing, leaseUntil, now, jobs[i].ID); err != nil {
			return nil, err
		}
		jobs[i].Status = models.JobProcessing
		lease := leaseUntil
		jobs[i].LeasedUntil = &lease
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CompleteJob marks a claimed job completed or failed and clears its lease
func (db *DB) CompleteJob(jobID, status, errorMsg string) error {
	res, err := db.Exec(`
		UPDATE automation_jobs
		SET status = ?, leased_until = NULL, error_message = ?, updated_at = ?
		WHERE id = ?
	`, status, nullString(errorMsg), time.Now(), jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return err
}

// GetJobByID retrieves a job by its ID
func (db *DB) GetJobByID(id string) (*models.AutomationJob, error) {
	rows, err := db.Query(`
		SELECT id, job_type, automation_id, enrollment_id, subscriber_id,
		       step_index, step_config, status, priority, scheduled_for,
		       error_message, created_at, updated_at
		FROM automation_jobs WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &jobs[0], nil
}

// CountPendingForEnrollment returns how many unfinished jobs an enrollment has
func (db *DB) CountPendingForEnrollment(enrollmentID string) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM automation_jobs
		WHERE enrollment_id = ? AND status IN (?, ?)
	`, enrollmentID, models.JobPending, models.JobProcessing).Scan(&count)
	return count, err
}

// GetQueueMetrics retrieves queue-level counts
func (db *DB) GetQueueMetrics() (*models.QueueMetrics, error) {
	var m models.QueueMetrics
	now := time.Now()

	db.QueryRow("SELECT COUNT(*) FROM automation_jobs").Scan(&m.TotalJobs)
	db.QueryRow("SELECT COUNT(*) FROM automation_jobs WHERE status = ?", models.JobPending).Scan(&m.PendingJobs)
	db.QueryRow("SELECT COUNT(*) FROM automation_jobs WHERE status = ? AND scheduled_for <= ?", models.JobPending, now).Scan(&m.DueJobs)
	db.QueryRow("SELECT COUNT(*) FROM automation_jobs WHERE status = ?", models.JobProcessing).Scan(&m.ProcessingJobs)
	db.QueryRow("SELECT COUNT(*) FROM automation_jobs WHERE status = ?", models.JobCompleted).Scan(&m.CompletedJobs)
	db.QueryRow("SELECT COUNT(*) FROM automation_jobs WHERE status = ?", models.JobFailed).Scan(&m.FailedJobs)
	db.QueryRow("SELECT COUNT(*) FROM email_sends WHERE status = ?", models.EmailSent).Scan(&m.EmailsSent)

	return &m, nil
}

// Helper functions

func scanJobs(rows *sql.Rows) ([]models.AutomationJob, error) {
	defer rows.Close()

	jobs := []models.AutomationJob{}
	for rows.Next() {
		var job models.AutomationJob
		var jobType string
		var enrollmentID, subscriberID, stepConfig, errorMsg sql.NullString

		err := rows.Scan(&job.ID, &jobType, &job.AutomationID, &enrollmentID,
			&subscriberID, &job.StepIndex, &stepConfig, &job.Status, &job.Priority,
			&job.ScheduledFor, &errorMsg, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, err
		}

		job.JobType = models.JobType(jobType)
		job.EnrollmentID = enrollmentID.String
		job.SubscriberID = subscriberID.String
		job.ErrorMessage = errorMsg.String
		if stepConfig.Valid && stepConfig.String != "" {
			var sc models.StepConfig
			if err := json.Unmarshal([]byte(stepConfig.String), &sc); err != nil {
				return nil, fmt.Errorf("decode step config for job %s: %w", job.ID, err)
			}
			job.StepConfig = &sc
		}

		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func marshalStepConfig(sc *models.StepConfig) (sql.NullString, error) {
	if sc == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode step config: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
