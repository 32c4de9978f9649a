package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/automail/engine/internal/models"
	"github.com/google/uuid"
)

// advance runs after a step_execution job's executor reports success. It
// enqueues the next step of the workflow, or marks the enrollment completed
// when the workflow is exhausted.
//
// A workflow-definition lookup failure leaves the enrollment stalled at its
// current step: stalling is recoverable, silent auto-completion is not.
func (e *Engine) advance(job *models.AutomationJob, enrollment *models.Enrollment) error {
	automation, err := e.db.GetAutomation(job.AutomationID)
	if err != nil {
		log.Printf("[SCHED] automation lookup failed automation=%s enrollment=%s err=%v",
			job.AutomationID, enrollment.ID, err)
		return fmt.Errorf("load automation %s: %w", job.AutomationID, err)
	}

	nextIndex := job.StepIndex + 1
	if nextIndex >= len(automation.Steps) {
		if err := e.db.CompleteEnrollment(enrollment.ID); err != nil {
			return fmt.Errorf("complete enrollment %s: %w", enrollment.ID, err)
		}
		log.Printf("[SCHED] enrollment completed enrollment=%s automation=%s steps=%d",
			enrollment.ID, automation.ID, len(automation.Steps))
		return nil
	}

	nextStep := automation.Steps[nextIndex]
	next := &models.AutomationJob{
		ID:           uuid.NewString(),
		JobType:      models.JobTypeStepExecution,
		AutomationID: automation.ID,
		EnrollmentID: enrollment.ID,
		SubscriberID: enrollment.SubscriberID,
		StepIndex:    nextIndex,
		StepConfig:   &nextStep,
		// Scheduled for immediate evaluation; a prior delay step gates the
		// actual due time through the enrollment's next_action_at.
		ScheduledFor: time.Now(),
	}
	if err := e.db.ScheduleJob(next); err != nil {
		return fmt.Errorf("schedule step %d for enrollment %s: %w", nextIndex, enrollment.ID, err)
	}
	if err := e.db.AdvanceEnrollment(enrollment.ID, nextIndex); err != nil {
		return fmt.Errorf("advance enrollment %s: %w", enrollment.ID, err)
	}

	log.Printf("[SCHED] next step queued enrollment=%s step=%d type=%s",
		enrollment.ID, nextIndex, nextStep.Type)
	return nil
}
