package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies which pipeline a queued job runs through.
type JobType string

const (
	JobTypeStepExecution JobType = "step_execution"
	JobTypeEmailSend     JobType = "email_send"
)

// Job status constants
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// AutomationJob is one unit of work pulled from the queue.
type AutomationJob struct {
	ID           string      `json:"id"`
	JobType      JobType     `json:"job_type"`
	AutomationID string      `json:"automation_id"`
	EnrollmentID string      `json:"enrollment_id,omitempty"`
	SubscriberID string      `json:"subscriber_id,omitempty"`
	StepIndex    int         `json:"step_index"`
	StepConfig   *StepConfig `json:"step_config,omitempty"`
	Status       string      `json:"status"`
	Priority     int         `json:"priority"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	LeasedUntil  *time.Time  `json:"leased_until,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// StepType enumerates the supported workflow step kinds.
type StepType string

const (
	StepEmail          StepType = "email"
	StepDelay          StepType = "delay"
	StepAudienceAdd    StepType = "audience_add"
	StepAudienceRemove StepType = "audience_remove"
	StepTagAdd         StepType = "tag_add"
	StepTagRemove      StepType = "tag_remove"
	StepCondition      StepType = "condition"
)

// Delay units accepted by StepDelay.
const (
	DelayMinutes = "minutes"
	DelayHours   = "hours"
	DelayDays    = "days"
)

// StepConfig is the declarative description of one workflow step. Only the
// fields for its Type are meaningful; Validate enforces that.
type StepConfig struct {
	ID   string   `json:"id,omitempty"`
	Type StepType `json:"type"`

	// email
	TemplateID  string `json:"template_id,omitempty"`
	Subject     string `json:"subject,omitempty"`
	HTMLContent string `json:"html_content,omitempty"`
	TextContent string `json:"text_content,omitempty"`

	// delay
	DelayAmount int    `json:"delay_amount,omitempty"`
	DelayUnit   string `json:"delay_unit,omitempty"`

	// audience_add / audience_remove
	AudienceID string `json:"audience_id,omitempty"`

	// tag_add / tag_remove
	TagName string `json:"tag_name,omitempty"`

	// condition
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

// Validate checks that the fields required by the step type are present.
func (sc *StepConfig) Validate() error {
	switch sc.Type {
	case StepEmail:
		if sc.TemplateID == "" && sc.Subject == "" {
			return fmt.Errorf("email step requires template_id or inline subject")
		}
	case StepDelay:
		if sc.DelayAmount <= 0 {
			return fmt.Errorf("delay step requires a positive delay_amount")
		}
		switch sc.DelayUnit {
		case DelayMinutes, DelayHours, DelayDays:
		default:
			return fmt.Errorf("unknown delay_unit %q", sc.DelayUnit)
		}
	case StepAudienceAdd, StepAudienceRemove:
		if sc.AudienceID == "" {
			return fmt.Errorf("%s step requires audience_id", sc.Type)
		}
	case StepTagAdd, StepTagRemove:
		if sc.TagName == "" {
			return fmt.Errorf("%s step requires tag_name", sc.Type)
		}
	case StepCondition:
		if len(sc.Conditions) == 0 {
			return fmt.Errorf("condition step requires conditions")
		}
	default:
		return fmt.Errorf("unknown step type %q", sc.Type)
	}
	return nil
}

// Automation is a workflow definition: an ordered list of steps that
// subscribers can be enrolled into.
type Automation struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    string       `json:"status"` // draft, active, paused
	Steps     []StepConfig `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Enrollment status constants
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
)

// Enrollment is one subscriber's run through one automation.
type Enrollment struct {
	ID           string     `json:"id"`
	AutomationID string     `json:"automation_id"`
	SubscriberID string     `json:"subscriber_id"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"current_step"`
	NextActionAt time.Time  `json:"next_action_at"`
	EmailsSent   int        `json:"emails_sent"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Subscriber is an audience member emails are sent to.
type Subscriber struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Status    string    `json:"status"` // subscribed, unsubscribed
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the subscriber carries the tag.
func (s *Subscriber) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// StepExecutionRecord is an immutable audit row, one per step attempt.
type StepExecutionRecord struct {
	ID           string      `json:"id"`
	EnrollmentID string      `json:"enrollment_id"`
	AutomationID string      `json:"automation_id"`
	SubscriberID string      `json:"subscriber_id"`
	StepIndex    int         `json:"step_index"`
	StepID       string      `json:"step_id,omitempty"`
	StepType     StepType    `json:"step_type"`
	StepConfig   *StepConfig `json:"step_config,omitempty"`
	Status       string      `json:"status"` // completed, failed
	Result       string      `json:"result,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CompletedAt  time.Time   `json:"completed_at"`
}

// Email send status constants
const (
	EmailPending = "pending"
	EmailSent    = "sent"
	EmailFailed  = "failed"
)

// EmailSendRecord tracks one outbound email. OriginalRecipient keeps the
// real address when a test-override redirect is in effect.
type EmailSendRecord struct {
	ID                string    `json:"id"`
	SubscriberID      string    `json:"subscriber_id"`
	AutomationID      string    `json:"automation_id"`
	RecipientEmail    string    `json:"recipient_email"`
	OriginalRecipient string    `json:"original_recipient,omitempty"`
	Subject           string    `json:"subject"`
	Status            string    `json:"status"`
	MessageID         string    `json:"message_id,omitempty"`
	BounceReason      string    `json:"bounce_reason,omitempty"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EmailIdempotencyKey derives the duplicate-send guard for a workflow email.
func EmailIdempotencyKey(enrollmentID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d", enrollmentID, stepIndex)
}

// EmailTemplate is stored reusable email content.
type EmailTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"html_content"`
	TextContent string    `json:"text_content,omitempty"`
	UsageCount  int       `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunSummary is the caller-visible result of one dispatch run.
type RunSummary struct {
	ProcessedJobs int       `json:"processed_jobs"`
	FailedJobs    int       `json:"failed_jobs"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// QueueMetrics holds queue-level counts for the status endpoints.
type QueueMetrics struct {
	TotalJobs      int64 `json:"total_jobs"`
	PendingJobs    int64 `json:"pending_jobs"`
	DueJobs        int64 `json:"due_jobs"`
	ProcessingJobs int64 `json:"processing_jobs"`
	CompletedJobs  int64 `json:"completed_jobs"`
	FailedJobs     int64 `json:"failed_jobs"`
	EmailsSent     int64 `json:"emails_sent"`
}
