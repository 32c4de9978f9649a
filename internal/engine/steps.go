package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/automail/engine/internal/models"
)

// Fatal configuration errors. These are never retriable; the job is marked
// failed immediately.
var (
	ErrMissingEnrollment = errors.New("step_execution job requires an enrollment id")
	ErrMissingStepConfig = errors.New("step_execution job requires a step config")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrUnknownStepType   = errors.New("unknown step type")
	ErrUnknownDelayUnit  = errors.New("unknown delay unit")
)

// StepResult is what an executor reports on success. It is serialized into
// the step_executions audit row.
type StepResult struct {
	Detail       string     `json:"detail,omitempty"`
	MessageID    string     `json:"message_id,omitempty"`
	ConditionMet *bool      `json:"condition_met,omitempty"`
	NextActionAt *time.Time `json:"next_action_at,omitempty"`
}

func (r StepResult) encode() string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}

// jobContext bundles everything a step handler needs for one attempt.
type jobContext struct {
	job        *models.AutomationJob
	enrollment *models.Enrollment
	step       *models.StepConfig
}

// stepHandler executes one step type's effect. Handlers are pure-ish: all
// state they touch goes through the store, and they never mark the job or
// schedule followups themselves.
type stepHandler interface {
	execute(ctx context.Context, jc *jobContext) (StepResult, error)
}

// stepHandlers is the closed dispatch set over step types. Adding a step
// type means adding a models.StepType constant, a handler here, and a
// Validate case.
func (e *Engine) stepHandlers() map[models.StepType]stepHandler {
	return map[models.StepType]stepHandler{
		models.StepEmail:          &emailStep{e},
		models.StepDelay:          &delayStep{e},
		models.StepAudienceAdd:    &audienceStep{e, true},
		models.StepAudienceRemove: &audienceStep{e, false},
		models.StepTagAdd:         &tagStep{e, true},
		models.StepTagRemove:      &tagStep{e, false},
		models.StepCondition:      &conditionStep{e},
	}
}

// emailStep resolves content, personalizes it, and hands it to the delivery
// adapter. Template lookup failure falls back to the inline step fields.
type emailStep struct{ e *Engine }

func (h *emailStep) execute(ctx context.Context, jc *jobContext) (StepResult, error) {
	sub, err := h.e.db.GetSubscriber(jc.enrollment.SubscriberID)
	if err != nil {
		return StepResult{}, fmt.Errorf("load subscriber %s: %w", jc.enrollment.SubscriberID, err)
	}

	content := EmailContent{
		Subject: jc.step.Subject,
		HTML:    jc.step.HTMLContent,
		Text:    jc.step.TextContent,
	}
	if jc.step.TemplateID != "" {
		tmpl, err := h.e.db.GetTemplate(jc.step.TemplateID)
		if err != nil {
			// Best-effort fallback to inline content; logged under its own
			// tag so silent content drift stays detectable.
			log.Printf("[TEMPLATE_FALLBACK] template=%s enrollment=%s err=%v",
				jc.step.TemplateID, jc.enrollment.ID, err)
		} else {
			content.Subject = tmpl.Subject
			content.HTML = tmpl.HTMLContent
			content.Text = tmpl.TextContent
		}
	}

	content = Personalize(content, sub, h.e.opts.BaseURL)

	key := models.EmailIdempotencyKey(jc.enrollment.ID, jc.job.StepIndex)
	messageID, err := h.e.deliverer.Send(ctx, sub, content, jc.job.AutomationID, key)
	if err != nil {
		h.e.metrics.EmailFailed()
		return StepResult{}, err
	}

	if err := h.e.db.IncrementEmailsSent(jc.enrollment.ID); err != nil {
		return StepResult{}, fmt.Errorf("increment emails_sent: %w", err)
	}
	h.e.metrics.EmailSent()

	return StepResult{Detail: "email sent", MessageID: messageID}, nil
}

// delayStep pushes the enrollment's next_action_at forward. It never sleeps;
// the claim query's due filter does the actual gating.
type delayStep struct{ e *Engine }

func (h *delayStep) execute(_ context.Context, jc *jobContext) (StepResult, error) {
	unit, err := delayUnitDuration(jc.step.DelayUnit)
	if err != nil {
		return StepResult{}, err
	}

	nextActionAt := h.e.now().Add(time.Duration(jc.step.DelayAmount) * unit)
	if err := h.e.db.SetEnrollmentNextAction(jc.enrollment.ID, nextActionAt); err != nil {
		return StepResult{}, fmt.Errorf("set next_action_at: %w", err)
	}

	return StepResult{
		Detail:       fmt.Sprintf("delayed %d %s", jc.step.DelayAmount, jc.step.DelayUnit),
		NextActionAt: &nextActionAt,
	}, nil
}

func delayUnitDuration(unit string) (time.Duration, error) {
	switch unit {
	case models.DelayMinutes:
		return time.Minute, nil
	case models.DelayHours:
		return time.Hour, nil
	case models.DelayDays:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDelayUnit, unit)
	}
}

// audienceStep delegates the membership mutation to the audience store. Both
// directions are idempotent so a retried job is harmless.
type audienceStep struct {
	e   *Engine
	add bool
}

func (h *audienceStep) execute(_ context.Context, jc *jobContext) (StepResult, error) {
	subscriberID := jc.enrollment.SubscriberID
	if subscriberID == "" {
		return StepResult{}, fmt.Errorf("audience step requires a subscriber id")
	}

	if h.add {
		if err := h.e.db.AddSubscriberToAudience(subscriberID, jc.step.AudienceID); err != nil {
			return StepResult{}, fmt.Errorf("add to audience %s: %w", jc.step.AudienceID, err)
		}
		return StepResult{Detail: "added to audience " + jc.step.AudienceID}, nil
	}

	if err := h.e.db.RemoveSubscriberFromAudience(subscriberID, jc.step.AudienceID); err != nil {
		return StepResult{}, fmt.Errorf("remove from audience %s: %w", jc.step.AudienceID, err)
	}
	return StepResult{Detail: "removed from audience " + jc.step.AudienceID}, nil
}

// tagStep mutates the subscriber's tag set with set semantics: adding a
// present tag or removing an absent one is a success no-op.
type tagStep struct {
	e   *Engine
	add bool
}

func (h *tagStep) execute(_ context.Context, jc *jobContext) (StepResult, error) {
	sub, err := h.e.db.GetSubscriber(jc.enrollment.SubscriberID)
	if err != nil {
		return StepResult{}, fmt.Errorf("load subscriber %s: %w", jc.enrollment.SubscriberID, err)
	}

	tag := jc.step.TagName
	if h.add {
		if sub.HasTag(tag) {
			return StepResult{Detail: "tag already present"}, nil
		}
		tags := append(append([]string{}, sub.Tags...), tag)
		if err := h.e.db.UpdateSubscriberTags(sub.ID, tags); err != nil {
			return StepResult{}, fmt.Errorf("add tag %q: %w", tag, err)
		}
		return StepResult{Detail: "tag added"}, nil
	}

	if !sub.HasTag(tag) {
		return StepResult{Detail: "tag not present"}, nil
	}
	tags := make([]string, 0, len(sub.Tags))
	for _, t := range sub.Tags {
		if t != tag {
			tags = append(tags, t)
		}
	}
	if err := h.e.db.UpdateSubscriberTags(sub.ID, tags); err != nil {
		return StepResult{}, fmt.Errorf("remove tag %q: %w", tag, err)
	}
	return StepResult{Detail: "tag removed"}, nil
}

// conditionStep delegates the truth value to the evaluator and records it.
// The scheduler still advances linearly regardless of the outcome; the
// result is carried for analytics and for a future branching scheduler.
type conditionStep struct{ e *Engine }

func (h *conditionStep) execute(_ context.Context, jc *jobContext) (StepResult, error) {
	met, err := h.e.evaluator.Evaluate(jc.step.Conditions, jc.enrollment.SubscriberID, nil)
	if err != nil {
		return StepResult{}, fmt.Errorf("evaluate condition: %w", err)
	}
	return StepResult{
		Detail:       fmt.Sprintf("condition evaluated: %t", met),
		ConditionMet: &met,
	}, nil
}

// recordStepExecution writes the audit row for one attempt, success or not.
func (e *Engine) recordStepExecution(jc *jobContext, result StepResult, execErr error) {
	rec := &models.StepExecutionRecord{
		EnrollmentID: jc.job.EnrollmentID,
		AutomationID: jc.job.AutomationID,
		StepIndex:    jc.job.StepIndex,
		Status:       models.JobCompleted,
		Result:       result.encode(),
	}
	if jc.enrollment != nil {
		rec.SubscriberID = jc.enrollment.SubscriberID
	}
	if jc.step != nil {
		rec.StepID = jc.step.ID
		rec.StepType = jc.step.Type
		rec.StepConfig = jc.step
	}
	if execErr != nil {
		rec.Status = models.JobFailed
		rec.ErrorMessage = execErr.Error()
	}

	if err := e.db.InsertStepExecution(rec); err != nil {
		log.Printf("[STEP] failed to record execution enrollment=%s step=%d: %v",
			rec.EnrollmentID, rec.StepIndex, err)
		return
	}
	e.broadcast()
}

// loadEnrollment resolves the job's enrollment, tolerating lookup races by
// returning a typed error the dispatcher marks the job failed with.
func (e *Engine) loadEnrollment(enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := e.db.GetEnrollment(enrollmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s not found", enrollmentID)
	}
	return enrollment, err
}
