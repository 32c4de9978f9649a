package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/automail/engine/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "store_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())
	return db
}

func scheduleTestJob(t *testing.T, db *DB, scheduledFor time.Time) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, db.ScheduleJob(&models.AutomationJob{
		ID:           id,
		JobType:      models.JobTypeEmailSend,
		AutomationID: "auto-1",
		SubscriberID: "sub-1",
		ScheduledFor: scheduledFor,
	}))
	return id
}

func TestClaimDueJobsSkipsFutureJobs(t *testing.T) {
	db := newTestDB(t)

	dueID := scheduleTestJob(t, db, time.Now().Add(-time.Minute))
	scheduleTestJob(t, db, time.Now().Add(time.Hour))

	jobs, err := db.ClaimDueJobs(10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, dueID, jobs[0].ID)
	assert.Equal(t, models.JobProcessing, jobs[0].Status)
}

func TestClaimDueJobsHonorsEnrollmentGate(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.InsertEnrollment(&models.Enrollment{
		ID:           "enr-gated",
		AutomationID: "auto-1",
		SubscriberID: "sub-1",
		NextActionAt: time.Now().Add(time.Hour), // delay step pushed it out
	}))
	require.NoError(t, db.ScheduleJob(&models.AutomationJob{
		ID:           "job-gated",
		JobType:      models.JobTypeStepExecution,
		AutomationID: "auto-1",
		EnrollmentID: "enr-gated",
		StepConfig:   &models.StepConfig{Type: models.StepTagAdd, TagName: "x"},
		ScheduledFor: time.Now().Add(-time.Minute),
	}))

	jobs, err := db.ClaimDueJobs(10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, jobs, "job stays invisible until next_action_at passes")

	require.NoError(t, db.SetEnrollmentNextAction("enr-gated", time.Now().Add(-time.Second)))

	jobs, err = db.ClaimDueJobs(10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-gated", jobs[0].ID)
}

func TestClaimedJobIsInvisibleUntilLeaseExpires(t *testing.T) {
	db := newTestDB(t)

	id := scheduleTestJob(t, db, time.Now().Add(-time.Minute))

	jobs, err := db.ClaimDueJobs(10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Still leased: a second dispatcher sees nothing.
	jobs, err = db.ClaimDueJobs(10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_ = id
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	db := newTestDB(t)

	id := scheduleTestJob(t, db, time.Now().Add(-time.Minute))

	// First claim with an already-expired lease, as if the dispatcher died.
	jobs, err := db.ClaimDueJobs(10, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = db.ClaimDueJobs(10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestClaimDueJobsRespectsLimit(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 7; i++ {
		scheduleTestJob(t, db, time.Now().Add(-time.Minute))
	}

	jobs, err := db.ClaimDueJobs(5, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, jobs, 5)

	jobs, err = db.ClaimDueJobs(5, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCompleteJobClearsLease(t *testing.T) {
	db := newTestDB(t)

	id := scheduleTestJob(t, db, time.Now().Add(-time.Minute))
	_, err := db.ClaimDueJobs(10, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, db.CompleteJob(id, models.JobCompleted, ""))

	job, err := db.GetJobByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	// Completed jobs are never claimed again.
	jobs, err := db.ClaimDueJobs(10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCompleteJobUnknownIDErrors(t *testing.T) {
	db := newTestDB(t)
	err := db.CompleteJob("nope", models.JobCompleted, "")
	assert.Error(t, err)
}

func TestAudienceMembershipIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.AddSubscriberToAudience("sub-1", "aud-1"))
	require.NoError(t, db.AddSubscriberToAudience("sub-1", "aud-1"))

	member, err := db.IsAudienceMember("sub-1", "aud-1")
	require.NoError(t, err)
	assert.True(t, member)

	require.NoError(t, db.RemoveSubscriberFromAudience("sub-1", "aud-1"))
	require.NoError(t, db.RemoveSubscriberFromAudience("sub-1", "aud-1"))

	member, err = db.IsAudienceMember("sub-1", "aud-1")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestSubscriberTagsRoundTrip(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.InsertSubscriber(&models.Subscriber{
		ID:    "sub-1",
		Email: "t@x.com",
		Tags:  []string{"a"},
	}))
	require.NoError(t, db.UpdateSubscriberTags("sub-1", []string{"a", "b"}))

	sub, err := db.GetSubscriber("sub-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sub.Tags)
}

func TestAutomationStepsRoundTrip(t *testing.T) {
	db := newTestDB(t)

	steps := []models.StepConfig{
		{Type: models.StepEmail, Subject: "s", HTMLContent: "h"},
		{Type: models.StepDelay, DelayAmount: 1, DelayUnit: models.DelayDays},
	}
	require.NoError(t, db.InsertAutomation(&models.Automation{
		ID:    "auto-1",
		Name:  "welcome",
		Steps: steps,
	}))

	a, err := db.GetAutomation("auto-1")
	require.NoError(t, err)
	require.Len(t, a.Steps, 2)
	assert.Equal(t, models.StepDelay, a.Steps[1].Type)
	assert.Equal(t, 1, a.Steps[1].DelayAmount)
}

func TestFindEmailSendByIdempotencyKey(t *testing.T) {
	db := newTestDB(t)

	_, err := db.FindEmailSendByIdempotencyKey("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, db.InsertEmailSend(&models.EmailSendRecord{
		SubscriberID:   "sub-1",
		AutomationID:   "auto-1",
		RecipientEmail: "t@x.com",
		Status:         models.EmailSent,
		MessageID:      "<m1@test>",
		IdempotencyKey: "enr-1:0",
	}))

	rec, err := db.FindEmailSendByIdempotencyKey("enr-1:0")
	require.NoError(t, err)
	assert.Equal(t, models.EmailSent, rec.Status)
	assert.Equal(t, "<m1@test>", rec.MessageID)
}

func TestEngineRunHistory(t *testing.T) {
	db := newTestDB(t)

	_, err := db.LastEngineRun()
	assert.ErrorIs(t, err, sql.ErrNoRows)

	started := time.Now().Add(-time.Second)
	require.NoError(t, db.RecordEngineRun(&models.RunSummary{
		ProcessedJobs: 12,
		FailedJobs:    1,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}))

	last, err := db.LastEngineRun()
	require.NoError(t, err)
	assert.Equal(t, 12, last.ProcessedJobs)
	assert.Equal(t, 1, last.FailedJobs)
}

func TestGetTemplateIncrementsUsage(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.InsertTemplate(&models.EmailTemplate{
		ID:          "tmpl-1",
		Name:        "n",
		Subject:     "s",
		HTMLContent: "h",
	}))

	first, err := db.GetTemplate("tmpl-1")
	require.NoError(t, err)
	second, err := db.GetTemplate("tmpl-1")
	require.NoError(t, err)
	assert.Equal(t, first.UsageCount+1, second.UsageCount)
}
