package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"dripsend/models"
)

type dispatchFixture struct {
	db         *gorm.DB
	clock      *testClock
	sender     *fakeSender
	dispatcher *Dispatcher
	manager    *EnrollmentManager
	processor  *FeedbackProcessor
	limiter    *BudgetLimiter
}

func newDispatchFixture(t *testing.T, start time.Time, cfg DispatcherConfig) *dispatchFixture {
	t.Helper()

	db := newTestDB(t)
	clock := newTestClock(start)
	sender := &fakeSender{}
	suppression := NewSuppressionRegistry(db)

	limiter := NewBudgetLimiter(db)
	limiter.Now = clock.Now
	if err := limiter.Ensure(DailyBudgetScope, 1000, 24*time.Hour); err != nil {
		t.Fatalf("limiter Ensure failed: %v", err)
	}

	dispatcher := NewDispatcher(db, sender, limiter, suppression, cfg, quietLogrus())
	dispatcher.Now = clock.Now

	manager := NewEnrollmentManager(db, suppression, quietLogger())
	manager.Now = clock.Now

	processor := NewFeedbackProcessor(db, suppression, quietLogger())

	return &dispatchFixture{
		db:         db,
		clock:      clock,
		sender:     sender,
		dispatcher: dispatcher,
		manager:    manager,
		processor:  processor,
		limiter:    limiter,
	}
}

func (f *dispatchFixture) enroll(t *testing.T, email string, sequenceID uint) *models.Enrollment {
	t.Helper()
	enrollment, err := f.manager.Enroll(EnrollInput{Email: email, SequenceID: sequenceID, Source: "test"})
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	return enrollment
}

func (f *dispatchFixture) run(t *testing.T) *RunReport {
	t.Helper()
	report, err := f.dispatcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	return report
}

func (f *dispatchFixture) reload(t *testing.T, id uint) *models.Enrollment {
	t.Helper()
	var enrollment models.Enrollment
	if err := f.db.First(&enrollment, id).Error; err != nil {
		t.Fatalf("failed to reload enrollment: %v", err)
	}
	return &enrollment
}

func (f *dispatchFixture) sentAttempts(t *testing.T, enrollmentID uint) []models.DispatchAttempt {
	t.Helper()
	var attempts []models.DispatchAttempt
	err := f.db.Where("enrollment_id = ? AND outcome = ?", enrollmentID, models.OutcomeSent).
		Order("step_index ASC").Find(&attempts).Error
	if err != nil {
		t.Fatalf("failed to load attempts: %v", err)
	}
	return attempts
}

// Scenario: a 4-step sequence with delays [0, 2d, 5d, 14d]. Steps send
// exactly at their offsets, a bounce webhook mid-sequence suppresses the
// recipient, and no step ever sends afterwards.
func TestDispatchSequenceLifecycleWithBounce(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	// Run at T0: step 0 (delay 0) goes out.
	report := f.run(t)
	if report.Sent != 1 {
		t.Fatalf("run at T0: sent = %d, want 1", report.Sent)
	}

	// Run at T0+1d: nothing is due.
	f.clock.Set(t0.Add(24 * time.Hour))
	report = f.run(t)
	if report.Selected != 0 || report.Sent != 0 {
		t.Fatalf("run at T0+1d: selected=%d sent=%d, want 0/0", report.Selected, report.Sent)
	}

	// Run at T0+2d: step 1 goes out.
	f.clock.Set(t0.Add(48 * time.Hour))
	report = f.run(t)
	if report.Sent != 1 {
		t.Fatalf("run at T0+2d: sent = %d, want 1", report.Sent)
	}

	// A hard bounce webhook arrives at T0+3d for the step 1 message.
	sent := f.sentAttempts(t, enrollment.ID)
	if len(sent) != 2 {
		t.Fatalf("sent attempts = %d, want 2", len(sent))
	}
	err := f.processor.Process(FeedbackEvent{
		ProviderMessageID: sent[1].ProviderMessageID,
		EventType:         EventBounced,
		OccurredAt:        t0.Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("bounce processing failed: %v", err)
	}

	// Run at T0+5d: step 2 is due but the recipient is now suppressed.
	f.clock.Set(t0.Add(120 * time.Hour))
	report = f.run(t)
	if report.Sent != 0 || report.SkippedSuppressed != 1 {
		t.Fatalf("run at T0+5d: sent=%d suppressed=%d, want 0/1", report.Sent, report.SkippedSuppressed)
	}

	got := f.reload(t, enrollment.ID)
	if got.State != models.EnrollmentStateSuppressed {
		t.Errorf("state = %s, want suppressed", got.State)
	}

	// No later run ever sends to this enrollment again.
	f.clock.Set(t0.Add(400 * time.Hour))
	report = f.run(t)
	if report.Selected != 0 {
		t.Errorf("suppressed enrollment selected again")
	}
	if len(f.sentAttempts(t, enrollment.ID)) != 2 {
		t.Errorf("sent attempts grew after suppression")
	}
}

// Scenario: two overlapping dispatch runs race for the same due
// enrollment; the claim lease lets exactly one of them send.
func TestDispatchConcurrentRunsSendOnce(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{Workers: 1})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	var wg sync.WaitGroup
	reports := make([]*RunReport, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := f.dispatcher.RunOnce(context.Background())
			if err != nil {
				t.Errorf("RunOnce %d failed: %v", i, err)
				return
			}
			reports[i] = report
		}(i)
	}
	wg.Wait()

	totalSent := 0
	for _, report := range reports {
		if report != nil {
			totalSent += report.Sent
		}
	}
	if totalSent != 1 {
		t.Errorf("total sent across concurrent runs = %d, want 1", totalSent)
	}
	if attempts := f.sentAttempts(t, enrollment.ID); len(attempts) != 1 {
		t.Errorf("sent ledger entries = %d, want exactly 1", len(attempts))
	}
	if f.sender.callCount() != 1 {
		t.Errorf("sender invoked %d times, want 1", f.sender.callCount())
	}
}

// Scenario: the sender fails twice with a retryable error, then succeeds
// on the third attempt. attempt_count climbs to 2, success resets it and
// advances the step index.
func TestDispatchRetryThenSuccess(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{
		MaxAttempts: 3,
		BackoffBase: time.Minute,
	})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	f.sender.results = []error{
		RetryableError("connection reset", nil),
		RetryableError("provider 503", nil),
		nil,
	}

	report := f.run(t)
	if report.FailedRetryable != 1 {
		t.Fatalf("first run: retryable = %d, want 1", report.FailedRetryable)
	}
	if got := f.reload(t, enrollment.ID); got.AttemptCount != 1 || got.CurrentStepIndex != -1 {
		t.Fatalf("after first failure: attempts=%d step=%d, want 1/-1", got.AttemptCount, got.CurrentStepIndex)
	}

	// Backoff doubles per attempt; jump past it each time.
	f.clock.Advance(2 * time.Minute)
	f.run(t)
	if got := f.reload(t, enrollment.ID); got.AttemptCount != 2 || got.CurrentStepIndex != -1 {
		t.Fatalf("after second failure: attempts=%d step=%d, want 2/-1", got.AttemptCount, got.CurrentStepIndex)
	}

	f.clock.Advance(5 * time.Minute)
	report = f.run(t)
	if report.Sent != 1 {
		t.Fatalf("third run: sent = %d, want 1", report.Sent)
	}
	got := f.reload(t, enrollment.ID)
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count = %d after success, want 0", got.AttemptCount)
	}
	if got.CurrentStepIndex != 0 {
		t.Errorf("current_step_index = %d after success, want 0", got.CurrentStepIndex)
	}
}

// Exhausted retries forfeit the step and the sequence continues; one bad
// step must not stall the enrollment forever.
func TestDispatchForfeitsStepAfterMaxAttempts(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{
		MaxAttempts: 2,
		BackoffBase: time.Minute,
	})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	f.sender.results = []error{
		RetryableError("timeout", nil),
		RetryableError("timeout", nil),
	}

	f.run(t)
	f.clock.Advance(2 * time.Minute)
	report := f.run(t)
	if report.FailedPermanent != 1 {
		t.Fatalf("permanent = %d after exhausting retries, want 1", report.FailedPermanent)
	}

	got := f.reload(t, enrollment.ID)
	if got.CurrentStepIndex != 0 {
		t.Errorf("step not forfeited: index = %d, want 0", got.CurrentStepIndex)
	}
	if got.State != models.EnrollmentStateActive {
		t.Errorf("state = %s, want active (sequence continues)", got.State)
	}
	if got.NextDueAt == nil || !got.NextDueAt.Equal(t0.Add(48*time.Hour)) {
		t.Errorf("next step not scheduled from enrollment time: %v", got.NextDueAt)
	}

	// The forfeited step is closed in the ledger and never re-attempted.
	var closed int64
	f.db.Model(&models.DispatchAttempt{}).
		Where("enrollment_id = ? AND step_index = 0 AND outcome = ?", enrollment.ID, models.OutcomeFailedPermanent).
		Count(&closed)
	if closed != 1 {
		t.Errorf("failed_permanent ledger entries = %d, want 1", closed)
	}
}

// A synchronous hard bounce feeds the suppression registry at send time.
func TestDispatchHardBounceSuppresses(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	f.enroll(t, "bad@example.com", sequence.ID)

	f.sender.results = []error{BounceError("550 user unknown", nil)}

	report := f.run(t)
	if report.FailedPermanent != 1 {
		t.Fatalf("permanent = %d, want 1", report.FailedPermanent)
	}

	suppressed, err := f.dispatcher.Suppression.IsSuppressed("bad@example.com")
	if err != nil {
		t.Fatalf("IsSuppressed failed: %v", err)
	}
	if !suppressed {
		t.Error("hard bounce at send time did not suppress the address")
	}
}

// Budget exhaustion skips without consuming the step: next_due_at stays
// put and the send happens once the window allows it.
func TestDispatchBudgetExhaustion(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{Workers: 1})
	if err := f.limiter.Ensure(DailyBudgetScope, 1, 24*time.Hour); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	first := f.enroll(t, "one@example.com", sequence.ID)
	second := f.enroll(t, "two@example.com", sequence.ID)

	report := f.run(t)
	if report.Sent != 1 || report.SkippedBudget != 1 {
		t.Fatalf("sent=%d budget_skipped=%d, want 1/1", report.Sent, report.SkippedBudget)
	}

	// Whichever enrollment was skipped is still due with its step intact.
	skipped := f.reload(t, first.ID)
	if skipped.CurrentStepIndex != -1 {
		skipped = f.reload(t, second.ID)
	}
	if skipped.CurrentStepIndex != -1 {
		t.Fatal("both enrollments advanced despite the budget")
	}
	if skipped.NextDueAt == nil || !skipped.NextDueAt.Equal(t0) {
		t.Errorf("skipped enrollment next_due_at = %v, want unchanged %v", skipped.NextDueAt, t0)
	}

	// Next day the window rolls and the skipped step goes out.
	f.clock.Advance(25 * time.Hour)
	report = f.run(t)
	if report.Sent != 1 {
		t.Errorf("sent = %d after window rollover, want 1", report.Sent)
	}
}

// Quiet hours defer the same step to the next allowed local window.
func TestDispatchQuietHoursDefer(t *testing.T) {
	// 03:00 UTC is 22:00 in New York: inside a 21-8 window.
	t0 := time.Date(2025, 1, 10, 3, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())

	enrollment, err := f.manager.Enroll(EnrollInput{
		Email:      "ny@example.com",
		Timezone:   "America/New_York",
		SequenceID: sequence.ID,
	})
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	report := f.run(t)
	if report.Sent != 0 || report.SkippedQuietHours != 1 {
		t.Fatalf("sent=%d quiet=%d, want 0/1", report.Sent, report.SkippedQuietHours)
	}

	got := f.reload(t, enrollment.ID)
	if got.CurrentStepIndex != -1 {
		t.Errorf("quiet hours consumed the step: index = %d, want -1", got.CurrentStepIndex)
	}
	ny, _ := time.LoadLocation("America/New_York")
	wantDue := time.Date(2025, 1, 10, 8, 0, 0, 0, ny)
	if got.NextDueAt == nil || !got.NextDueAt.Equal(wantDue) {
		t.Errorf("deferred next_due_at = %v, want %v", got.NextDueAt, wantDue)
	}

	// At the deferred time the same step sends.
	f.clock.Set(wantDue.Add(time.Minute))
	report = f.run(t)
	if report.Sent != 1 {
		t.Fatalf("sent = %d at deferred time, want 1", report.Sent)
	}
	if got := f.reload(t, enrollment.ID); got.CurrentStepIndex != 0 {
		t.Errorf("index = %d after deferred send, want 0", got.CurrentStepIndex)
	}
}

// An ineligible step consumes its index and the following step stays
// anchored to the enrollment instant.
func TestDispatchIneligibleStepConsumesIndex(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})

	steps := []models.SequenceStep{
		{StepNumber: 0, DelayHours: 0, TemplateRef: "intro"},
		{StepNumber: 1, DelayHours: 24, TemplateRef: "only-if-opened", Condition: models.StepConditionOpened},
		{StepNumber: 2, DelayHours: 72, TemplateRef: "closer"},
	}
	sequence := createSequence(t, f.db, models.SequenceStatusActive, steps)
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	f.run(t) // step 0

	f.clock.Set(t0.Add(24 * time.Hour))
	report := f.run(t)
	if report.SkippedIneligible != 1 || report.Sent != 0 {
		t.Fatalf("ineligible=%d sent=%d, want 1/0", report.SkippedIneligible, report.Sent)
	}

	got := f.reload(t, enrollment.ID)
	if got.CurrentStepIndex != 1 {
		t.Errorf("index = %d after skip, want 1 (index consumed)", got.CurrentStepIndex)
	}
	if got.NextDueAt == nil || !got.NextDueAt.Equal(t0.Add(72*time.Hour)) {
		t.Errorf("next due = %v, want %v (anchored to enrollment)", got.NextDueAt, t0.Add(72*time.Hour))
	}
}

// Repeated runs are idempotent: once a step is sent, re-invoking the loop
// any number of times never produces a second sent outcome for it.
func TestDispatchRepeatedRunsAtMostOnce(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	for i := 0; i < 5; i++ {
		f.run(t)
	}
	if attempts := f.sentAttempts(t, enrollment.ID); len(attempts) != 1 {
		t.Errorf("sent attempts after 5 runs = %d, want 1", len(attempts))
	}

	// Step index never decreases across runs.
	if got := f.reload(t, enrollment.ID); got.CurrentStepIndex != 0 {
		t.Errorf("index = %d, want 0", got.CurrentStepIndex)
	}
}

// Crash recovery: a step already closed in the ledger (sent recorded, but
// the advance was lost) is advanced past without a second send.
func TestDispatchLedgerClosedStepNotResent(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	// Simulate a crash between recording the send and advancing the index.
	if err := f.db.Create(&models.DispatchAttempt{
		EnrollmentID:      enrollment.ID,
		StepIndex:         0,
		AttemptedAt:       t0,
		Outcome:           models.OutcomeSent,
		ProviderMessageID: "msg-crash",
	}).Error; err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}

	report := f.run(t)
	if report.Sent != 0 {
		t.Fatalf("sent = %d, want 0 (step already closed)", report.Sent)
	}
	if f.sender.callCount() != 0 {
		t.Errorf("sender invoked for a closed step")
	}
	if got := f.reload(t, enrollment.ID); got.CurrentStepIndex != 0 {
		t.Errorf("index = %d, want 0 (advanced past closed step)", got.CurrentStepIndex)
	}
}

// A cancelled enrollment that was still selected is dropped after the
// claim re-check without touching the sender.
func TestDispatchSkipsCancelledAfterSelection(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	if _, err := f.manager.Cancel(enrollment.PublicID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	report := f.run(t)
	if report.Sent != 0 || f.sender.callCount() != 0 {
		t.Error("cancelled enrollment was sent to")
	}
}

// Completion: after the last step sends the enrollment closes out.
func TestDispatchCompletesEnrollment(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{})
	steps := []models.SequenceStep{
		{StepNumber: 0, DelayHours: 0, TemplateRef: "only"},
	}
	sequence := createSequence(t, f.db, models.SequenceStatusActive, steps)
	enrollment := f.enroll(t, "ada@example.com", sequence.ID)

	report := f.run(t)
	if report.Sent != 1 {
		t.Fatalf("sent = %d, want 1", report.Sent)
	}

	got := f.reload(t, enrollment.ID)
	if got.State != models.EnrollmentStateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.NextDueAt != nil {
		t.Errorf("next_due_at = %v for completed enrollment, want nil", got.NextDueAt)
	}
}

// Suppression is absolute across sequences: one entry blocks every
// enrollment of the recipient.
func TestDispatchSuppressionAcrossSequences(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{Workers: 1})

	seqA := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	seqB := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	a := f.enroll(t, "ada@example.com", seqA.ID)
	b := f.enroll(t, "ada@example.com", seqB.ID)

	if err := f.dispatcher.Suppression.Add("ada@example.com", models.SuppressionManual, "admin", ""); err != nil {
		t.Fatalf("suppression add failed: %v", err)
	}

	report := f.run(t)
	if report.Sent != 0 || report.SkippedSuppressed != 2 {
		t.Fatalf("sent=%d suppressed=%d, want 0/2", report.Sent, report.SkippedSuppressed)
	}
	for _, id := range []uint{a.ID, b.ID} {
		if got := f.reload(t, id); got.State != models.EnrollmentStateSuppressed {
			t.Errorf("enrollment %d state = %s, want suppressed", id, got.State)
		}
	}
}

// Per-enrollment failures stay isolated; the rest of the batch proceeds.
func TestDispatchIsolatesFailures(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newDispatchFixture(t, t0, DispatcherConfig{Workers: 1})
	sequence := createSequence(t, f.db, models.SequenceStatusActive, fourStepSequence())
	f.enroll(t, "one@example.com", sequence.ID)
	f.enroll(t, "two@example.com", sequence.ID)
	f.enroll(t, "three@example.com", sequence.ID)

	f.sender.results = []error{
		RetryableError("provider hiccup", nil),
		nil,
		nil,
	}

	report := f.run(t)
	if report.Sent != 2 {
		t.Errorf("sent = %d, want 2 despite one failure", report.Sent)
	}
	if report.FailedRetryable != 1 {
		t.Errorf("retryable = %d, want 1", report.FailedRetryable)
	}
}
