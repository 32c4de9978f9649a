package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/automail/engine/internal/database"
	"github.com/automail/engine/internal/metrics"
	"github.com/automail/engine/internal/models"
)

// Options configures one Engine.
type Options struct {
	BaseURL       string
	BatchSize     int           // jobs claimed per store round trip
	MaxJobsPerRun int           // hard cap bounding one run's duration
	LeaseDuration time.Duration // how long a claimed job stays invisible
	OnEvent       func()        // called after runs and step executions; may be nil
}

// Engine drives automation jobs from the durable queue to completion. One
// ProcessJobs call is one synchronous batch run; the engine spawns no
// goroutines of its own and relies on the store's atomic claim to coordinate
// overlapping invocations.
type Engine struct {
	db        *database.DB
	deliverer *Deliverer
	evaluator ConditionEvaluator
	metrics   *metrics.Metrics
	opts      Options

	now func() time.Time // test clock
}

// New builds an Engine. Zero option fields get the documented defaults.
func New(db *database.DB, deliverer *Deliverer, evaluator ConditionEvaluator, m *metrics.Metrics, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxJobsPerRun <= 0 {
		opts.MaxJobsPerRun = 100
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 2 * time.Minute
	}
	return &Engine{
		db:        db,
		deliverer: deliverer,
		evaluator: evaluator,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// ProcessJobs claims batches of due jobs until the queue drains or the
// per-run cap is reached, processing each job sequentially. A single job's
// failure is recorded and reported to the store without aborting the batch;
// only store-level failures abort the run.
func (e *Engine) ProcessJobs(ctx context.Context) (models.RunSummary, error) {
	summary := models.RunSummary{StartedAt: e.now()}

	if qm, err := e.db.GetQueueMetrics(); err == nil {
		e.metrics.SetDueJobs(qm.DueJobs)
	}

	for summary.ProcessedJobs < e.opts.MaxJobsPerRun {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batchSize := e.opts.BatchSize
		if remaining := e.opts.MaxJobsPerRun - summary.ProcessedJobs; remaining < batchSize {
			batchSize = remaining
		}

		jobs, err := e.db.ClaimDueJobs(batchSize, e.now().Add(e.opts.LeaseDuration))
		if err != nil {
			return summary, fmt.Errorf("claim jobs: %w", err)
		}
		if len(jobs) == 0 {
			break
		}

		for i := range jobs {
			job := &jobs[i]
			if err := e.runJob(ctx, job); err != nil {
				summary.FailedJobs++
				e.metrics.JobFailed(failureReason(err))
				log.Printf("[DISPATCH] job failed id=%s type=%s err=%v", job.ID, job.JobType, err)
				if completeErr := e.db.CompleteJob(job.ID, models.JobFailed, err.Error()); completeErr != nil {
					log.Printf("[DISPATCH] failed to mark job %s failed: %v", job.ID, completeErr)
				}
			} else {
				if completeErr := e.db.CompleteJob(job.ID, models.JobCompleted, ""); completeErr != nil {
					log.Printf("[DISPATCH] failed to mark job %s completed: %v", job.ID, completeErr)
				}
			}
			summary.ProcessedJobs++
			e.metrics.JobProcessed(string(job.JobType))
		}

		// A short batch means the queue drained.
		if len(jobs) < batchSize {
			break
		}
	}

	summary.FinishedAt = e.now()
	e.metrics.ObserveRun(summary.FinishedAt.Sub(summary.StartedAt))

	if err := e.db.RecordEngineRun(&summary); err != nil {
		log.Printf("[DISPATCH] failed to record run: %v", err)
	}
	log.Printf("[DISPATCH] run finished processed=%d failed=%d duration=%v",
		summary.ProcessedJobs, summary.FailedJobs, summary.FinishedAt.Sub(summary.StartedAt))
	e.broadcast()

	return summary, nil
}

// runJob routes one claimed job through its pipeline. The returned error is
// what the job gets marked failed with; a panic inside a handler is
// converted to an error so one bad job cannot take down the batch.
func (e *Engine) runJob(ctx context.Context, job *models.AutomationJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job %s: %v", job.ID, r)
		}
	}()

	switch job.JobType {
	case models.JobTypeStepExecution:
		return e.runStepExecution(ctx, job)
	case models.JobTypeEmailSend:
		return e.runEmailSend(ctx, job)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobType, job.JobType)
	}
}

// runStepExecution is the per-step pipeline: validate, execute, record the
// audit row, then let the scheduler advance or complete the enrollment.
func (e *Engine) runStepExecution(ctx context.Context, job *models.AutomationJob) error {
	jc := &jobContext{job: job, step: job.StepConfig}

	// Fatal configuration errors still leave a failed audit row.
	if job.EnrollmentID == "" {
		e.recordStepExecution(jc, StepResult{}, ErrMissingEnrollment)
		return ErrMissingEnrollment
	}
	if job.StepConfig == nil {
		e.recordStepExecution(jc, StepResult{}, ErrMissingStepConfig)
		return ErrMissingStepConfig
	}

	enrollment, err := e.loadEnrollment(job.EnrollmentID)
	if err != nil {
		e.recordStepExecution(jc, StepResult{}, err)
		return err
	}
	jc.enrollment = enrollment

	if err := job.StepConfig.Validate(); err != nil {
		e.recordStepExecution(jc, StepResult{}, err)
		return err
	}

	handler, ok := e.stepHandlers()[job.StepConfig.Type]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownStepType, job.StepConfig.Type)
		e.recordStepExecution(jc, StepResult{}, err)
		return err
	}

	result, execErr := handler.execute(ctx, jc)
	e.recordStepExecution(jc, result, execErr)
	if execErr != nil {
		// The enrollment stays exactly where it was so a requeued job can
		// retry the same step.
		return execErr
	}

	log.Printf("[STEP] completed enrollment=%s step=%d type=%s",
		enrollment.ID, job.StepIndex, job.StepConfig.Type)

	return e.advance(job, enrollment)
}

// runEmailSend is the lighter-weight direct-send path: no enrollment, no
// audit row, done as soon as the delivery adapter reports.
func (e *Engine) runEmailSend(ctx context.Context, job *models.AutomationJob) error {
	if job.SubscriberID == "" {
		return fmt.Errorf("email_send job requires a subscriber id")
	}
	if job.StepConfig == nil {
		return ErrMissingStepConfig
	}

	sub, err := e.db.GetSubscriber(job.SubscriberID)
	if err != nil {
		return fmt.Errorf("load subscriber %s: %w", job.SubscriberID, err)
	}

	content := Personalize(EmailContent{
		Subject: job.StepConfig.Subject,
		HTML:    job.StepConfig.HTMLContent,
		Text:    job.StepConfig.TextContent,
	}, sub, e.opts.BaseURL)

	// The job id doubles as the idempotency key: a retried job re-sends at
	// most once.
	if _, err := e.deliverer.Send(ctx, sub, content, job.AutomationID, job.ID); err != nil {
		e.metrics.EmailFailed()
		return err
	}
	e.metrics.EmailSent()
	return nil
}

// LastRun exposes the persisted run history for the status endpoint.
func (e *Engine) LastRun() (*models.RunSummary, error) {
	return e.db.LastEngineRun()
}

func (e *Engine) broadcast() {
	if e.opts.OnEvent != nil {
		e.opts.OnEvent()
	}
}

func failureReason(err error) string {
	for _, t := range []error{ErrMissingEnrollment, ErrMissingStepConfig,
		ErrUnknownJobType, ErrUnknownStepType, ErrUnknownDelayUnit} {
		if errors.Is(err, t) {
			return "config"
		}
	}
	return "downstream"
}
