package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripsend/models"
)

// DailyBudgetScope is the shared send budget consumed by every enrollment
// across all sequences.
const DailyBudgetScope = "sends:daily"

// DispatcherConfig bounds one dispatch run.
type DispatcherConfig struct {
	BatchSize   int           // max enrollments selected per run
	Workers     int           // parallel claim/process workers within a run
	ClaimLease  time.Duration // stale claims older than this are re-claimable
	MaxAttempts int           // per-step send attempts before forfeiting
	SendTimeout time.Duration // bound on a single Sender call
	BackoffBase time.Duration // retry backoff base, doubled per attempt
	RunBudget   int           // max sends in a single run
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Minute
	}
	if c.RunBudget <= 0 {
		c.RunBudget = 500
	}
	return c
}

// RunReport aggregates one dispatch run. Individual enrollment failures are
// isolated and counted here; only systemic failure is escalated.
type RunReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Selected          int `json:"selected"`
	ClaimLost         int `json:"claim_lost"`
	Sent              int `json:"sent"`
	Completed         int `json:"completed"`
	SkippedSuppressed int `json:"skipped_suppressed"`
	SkippedBudget     int `json:"skipped_budget"`
	SkippedQuietHours int `json:"skipped_quiet_hours"`
	SkippedIneligible int `json:"skipped_ineligible"`
	SkippedNotDue     int `json:"skipped_not_due"`
	FailedRetryable   int `json:"failed_retryable"`
	FailedPermanent   int `json:"failed_permanent"`

	Errors []string `json:"errors,omitempty"`
}

// Dispatcher drives due enrollments through suppression, budget and
// quiet-hour checks and hands survivors to the Sender. Safe to invoke
// concurrently with itself: the per-enrollment claim lease is the sole
// mutual-exclusion mechanism, so overlapping runs (retries, manual
// triggers, clock skew) never double-send a step.
type Dispatcher struct {
	DB          *gorm.DB
	Sender      Sender
	Limiter     *BudgetLimiter
	Suppression *SuppressionRegistry
	Config      DispatcherConfig
	Logger      *logrus.Logger
	Now         func() time.Time
}

func NewDispatcher(db *gorm.DB, sender Sender, limiter *BudgetLimiter, suppression *SuppressionRegistry, cfg DispatcherConfig, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		DB:          db,
		Sender:      sender,
		Limiter:     limiter,
		Suppression: suppression,
		Config:      cfg.withDefaults(),
		Logger:      logger,
		Now:         time.Now,
	}
}

// RunOnce processes one bounded batch of due enrollments. It returns the
// run report; the error is reserved for failures before any enrollment was
// touched (e.g. the selection query itself).
func (d *Dispatcher) RunOnce(ctx context.Context) (*RunReport, error) {
	now := d.Now()
	report := &RunReport{StartedAt: now}

	var due []models.Enrollment
	err := d.DB.
		Where("state = ? AND next_due_at IS NOT NULL AND next_due_at <= ?", models.EnrollmentStateActive, now).
		Order("next_due_at ASC").
		Limit(d.Config.BatchSize).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select due enrollments: %w", err)
	}
	report.Selected = len(due)
	if len(due) == 0 {
		report.Duration = d.Now().Sub(now)
		return report, nil
	}

	// Sends remaining for this run; the daily ceiling is enforced separately
	// through the shared BudgetCounter.
	runBudget := newRunBudget(d.Config.RunBudget)

	jobs := make(chan models.Enrollment)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < d.Config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for enrollment := range jobs {
				outcome, err := d.processOne(ctx, enrollment.ID, runBudget)
				mu.Lock()
				report.tally(outcome)
				if err != nil {
					report.Errors = append(report.Errors,
						fmt.Sprintf("enrollment %d: %v", enrollment.ID, err))
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, enrollment := range due {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- enrollment:
		}
	}
	close(jobs)
	wg.Wait()

	report.Duration = d.Now().Sub(now)
	d.logReport(report)
	d.maybeReportSystemic(report)
	return report, nil
}

// outcomeKind is the per-enrollment result bucket for the run report.
type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeClaimLost
	outcomeSent
	outcomeCompleted
	outcomeSuppressed
	outcomeBudget
	outcomeQuietHours
	outcomeIneligible
	outcomeNotDue
	outcomeRetryable
	outcomePermanent
)

func (r *RunReport) tally(kind outcomeKind) {
	switch kind {
	case outcomeClaimLost:
		r.ClaimLost++
	case outcomeSent:
		r.Sent++
	case outcomeCompleted:
		r.Completed++
	case outcomeSuppressed:
		r.SkippedSuppressed++
	case outcomeBudget:
		r.SkippedBudget++
	case outcomeQuietHours:
		r.SkippedQuietHours++
	case outcomeIneligible:
		r.SkippedIneligible++
	case outcomeNotDue:
		r.SkippedNotDue++
	case outcomeRetryable:
		r.FailedRetryable++
	case outcomePermanent:
		r.FailedPermanent++
	}
}

// processOne runs the full claim/check/send/advance pipeline for a single
// enrollment. Every exit path releases the claim; a crash leaves a stale
// lease that self-heals after the lease window.
func (d *Dispatcher) processOne(ctx context.Context, enrollmentID uint, runBudget *runBudget) (outcomeKind, error) {
	now := d.Now()

	if !d.claim(enrollmentID, now) {
		// Lost the race to a concurrent run. The enrollment stays due and
		// will be picked up next run; logged for observability only.
		d.Logger.WithField("enrollment_id", enrollmentID).Debug("claim lost")
		return outcomeClaimLost, nil
	}
	defer d.releaseClaim(enrollmentID)

	var enrollment models.Enrollment
	err := d.DB.Preload("Recipient").Preload("Sequence.Steps").First(&enrollment, enrollmentID).Error
	if err != nil {
		return outcomeNone, fmt.Errorf("failed to reload enrollment: %w", err)
	}

	// State may have flipped between selection and claim (pause/cancel).
	if enrollment.State != models.EnrollmentStateActive {
		return outcomeNone, nil
	}

	sched := NextStep(&enrollment, enrollment.Sequence.Steps)
	if sched.Completed {
		if err := d.complete(&enrollment); err != nil {
			return outcomeNone, err
		}
		return outcomeCompleted, nil
	}

	// Another run may have advanced the step between selection and claim.
	if sched.DueAt.After(now) {
		if err := d.recordAttempt(&enrollment, sched.StepIndex, models.OutcomeSkippedNotDue, "", ""); err != nil {
			return outcomeNone, err
		}
		return outcomeNotDue, nil
	}

	// Idempotency ledger: a step that already reached a terminal outcome is
	// never attempted again, even after a crash between send and advance.
	closed, providerID, err := d.stepClosed(enrollment.ID, sched.StepIndex)
	if err != nil {
		return outcomeNone, err
	}
	if closed {
		d.Logger.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"step_index":    sched.StepIndex,
			"provider_id":   providerID,
		}).Warn("step already closed in ledger, advancing without send")
		if err := d.advance(&enrollment, sched.StepIndex); err != nil {
			return outcomeNone, err
		}
		return outcomeNone, nil
	}

	// Fresh suppression read on every attempt; entries added mid-run by the
	// feedback processor must be honored immediately.
	suppressed, err := d.Suppression.IsSuppressed(enrollment.Recipient.Email)
	if err != nil {
		return outcomeNone, err
	}
	if suppressed {
		if err := d.recordAttempt(&enrollment, sched.StepIndex, models.OutcomeSkippedSuppressed, "", ""); err != nil {
			return outcomeNone, err
		}
		err := d.DB.Model(&enrollment).Update("state", models.EnrollmentStateSuppressed).Error
		if err != nil {
			return outcomeNone, err
		}
		return outcomeSuppressed, nil
	}

	// An ineligible step consumes its index so ordering is preserved; the
	// next step's due time stays anchored to the enrollment instant.
	if !StepEligible(sched.Step, &enrollment.Recipient) {
		if err := d.recordAttempt(&enrollment, sched.StepIndex, models.OutcomeSkippedIneligible, "", ""); err != nil {
			return outcomeNone, err
		}
		if err := d.advance(&enrollment, sched.StepIndex); err != nil {
			return outcomeNone, err
		}
		return outcomeIneligible, nil
	}

	// Quiet hours defer, they do not skip: same step index, pushed to the
	// next allowed window in the recipient's local time.
	if enrollment.Recipient.HasQuietHours() {
		loc := RecipientLocation(&enrollment.Recipient)
		if InQuietHours(now, loc, enrollment.Recipient.QuietHourStart, enrollment.Recipient.QuietHourEnd) {
			deferred := NextAllowedTime(now, loc, enrollment.Recipient.QuietHourStart, enrollment.Recipient.QuietHourEnd)
			if err := d.recordAttempt(&enrollment, sched.StepIndex, models.OutcomeSkippedQuietHours, "", ""); err != nil {
				return outcomeNone, err
			}
			err := d.DB.Model(&enrollment).Update("next_due_at", deferred).Error
			if err != nil {
				return outcomeNone, err
			}
			return outcomeQuietHours, nil
		}
	}

	// Budget checks leave next_due_at untouched: the enrollment stays due
	// and is retried next run once the window rolls or the run budget frees.
	if !runBudget.take() {
		if err := d.recordAttempt(&enrollment, sched.StepIndex, models.OutcomeSkippedBudget, "", "run budget exhausted"); err != nil {
			return outcomeNone, err
		}
		return outcomeBudget, nil
	}
	allowed, err := d.Limiter.TryConsume(DailyBudgetScope, 1)
	if err != nil {
		runBudget.put()
		return outcomeNone, err
	}
	if !allowed {
		runBudget.put()
		if err := d.recordAttempt(&enrollment, sched.StepIndex, models.OutcomeSkippedBudget, "", "daily budget exhausted"); err != nil {
			return outcomeNone, err
		}
		return outcomeBudget, nil
	}

	return d.send(ctx, &enrollment, sched)
}

// send invokes the Sender once for the claimed attempt and records the
// outcome.
func (d *Dispatcher) send(ctx context.Context, enrollment *models.Enrollment, sched ScheduleResult) (outcomeKind, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.Config.SendTimeout)
	defer cancel()

	msg := Message{
		To:           enrollment.Recipient.Email,
		ToName:       enrollment.Recipient.FirstName,
		Subject:      sched.Step.Subject,
		Body:         sched.Step.Body,
		TemplateRef:  sched.Step.TemplateRef,
		EnrollmentID: enrollment.ID,
		StepIndex:    sched.StepIndex,
	}

	providerID, sendErr := d.Sender.Send(sendCtx, msg)
	if sendErr == nil {
		if err := d.recordAttempt(enrollment, sched.StepIndex, models.OutcomeSent, providerID, ""); err != nil {
			return outcomeNone, err
		}
		d.DB.Model(&models.SequenceStep{}).Where("id = ?", sched.Step.ID).
			Update("sent_count", gorm.Expr("sent_count + ?", 1))
		d.DB.Model(&models.Recipient{}).Where("id = ?", enrollment.RecipientID).
			Update("last_contact", d.Now())
		if err := d.advance(enrollment, sched.StepIndex); err != nil {
			return outcomeNone, err
		}
		return outcomeSent, nil
	}

	permanent, hardBounce := ClassifySendError(sendErr)

	if !permanent {
		attempts := enrollment.AttemptCount + 1
		if attempts < d.Config.MaxAttempts {
			// Same step retried after backoff, never skipped silently.
			retryAt := d.Now().Add(d.backoff(attempts))
			if err := d.recordAttempt(enrollment, sched.StepIndex, models.OutcomeFailedRetryable, "", sendErr.Error()); err != nil {
				return outcomeNone, err
			}
			err := d.DB.Model(enrollment).Updates(map[string]interface{}{
				"attempt_count": attempts,
				"next_due_at":   retryAt,
			}).Error
			if err != nil {
				return outcomeNone, err
			}
			return outcomeRetryable, nil
		}
		// Retries exhausted: the step is forfeited and the sequence goes on.
		// A single failed step must not stall an otherwise-healthy
		// enrollment forever.
	}

	if err := d.recordAttempt(enrollment, sched.StepIndex, models.OutcomeFailedPermanent, "", sendErr.Error()); err != nil {
		return outcomeNone, err
	}
	if hardBounce {
		if err := d.Suppression.Add(enrollment.Recipient.Email, models.SuppressionBouncedHard, "dispatch", sendErr.Error()); err != nil {
			return outcomeNone, err
		}
	}
	if err := d.advance(enrollment, sched.StepIndex); err != nil {
		return outcomeNone, err
	}
	return outcomePermanent, nil
}

// claim atomically takes the per-enrollment lease. The conditional update
// only succeeds when no other run holds a fresh claim; losing the race is
// not an error.
func (d *Dispatcher) claim(enrollmentID uint, now time.Time) bool {
	staleBefore := now.Add(-d.Config.ClaimLease)
	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND state = ? AND (claimed_at IS NULL OR claimed_at < ?)",
			enrollmentID, models.EnrollmentStateActive, staleBefore).
		Updates(map[string]interface{}{
			"claimed_at":      now,
			"last_attempt_at": now,
		})
	return res.Error == nil && res.RowsAffected == 1
}

func (d *Dispatcher) releaseClaim(enrollmentID uint) {
	if err := d.DB.Model(&models.Enrollment{}).
		Where("id = ?", enrollmentID).
		Update("claimed_at", nil).Error; err != nil {
		d.Logger.WithError(err).WithField("enrollment_id", enrollmentID).Error("failed to release claim")
	}
}

// stepClosed checks the ledger for a terminal outcome on this step.
func (d *Dispatcher) stepClosed(enrollmentID uint, stepIndex int) (bool, string, error) {
	var attempt models.DispatchAttempt
	err := d.DB.
		Where("enrollment_id = ? AND step_index = ? AND outcome IN ?",
			enrollmentID, stepIndex,
			[]string{models.OutcomeSent, models.OutcomeFailedPermanent}).
		First(&attempt).Error
	if err == gorm.ErrRecordNotFound {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, attempt.ProviderMessageID, nil
}

func (d *Dispatcher) recordAttempt(enrollment *models.Enrollment, stepIndex int, outcome, providerID, errMsg string) error {
	return d.DB.Create(&models.DispatchAttempt{
		EnrollmentID:      enrollment.ID,
		StepIndex:         stepIndex,
		AttemptedAt:       d.Now(),
		Outcome:           outcome,
		ProviderMessageID: providerID,
		ErrorMessage:      errMsg,
	}).Error
}

// advance moves the enrollment past stepIndex, resets the retry counter and
// schedules the next step from the original enrollment time, or completes
// the enrollment when no steps remain.
func (d *Dispatcher) advance(enrollment *models.Enrollment, stepIndex int) error {
	enrollment.CurrentStepIndex = stepIndex
	enrollment.AttemptCount = 0

	sched := NextStep(enrollment, enrollment.Sequence.Steps)
	updates := map[string]interface{}{
		"current_step_index": stepIndex,
		"attempt_count":      0,
	}
	if sched.Completed {
		updates["state"] = models.EnrollmentStateCompleted
		updates["next_due_at"] = nil
	} else {
		updates["next_due_at"] = sched.DueAt
	}
	return d.DB.Model(enrollment).Updates(updates).Error
}

func (d *Dispatcher) complete(enrollment *models.Enrollment) error {
	return d.DB.Model(enrollment).Updates(map[string]interface{}{
		"state":       models.EnrollmentStateCompleted,
		"next_due_at": nil,
	}).Error
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.Config.BackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
	}
	return backoff
}

func (d *Dispatcher) logReport(report *RunReport) {
	d.Logger.WithFields(logrus.Fields{
		"selected":    report.Selected,
		"sent":        report.Sent,
		"completed":   report.Completed,
		"claim_lost":  report.ClaimLost,
		"suppressed":  report.SkippedSuppressed,
		"budget":      report.SkippedBudget,
		"quiet_hours": report.SkippedQuietHours,
		"ineligible":  report.SkippedIneligible,
		"retryable":   report.FailedRetryable,
		"permanent":   report.FailedPermanent,
		"errors":      len(report.Errors),
		"duration":    report.Duration.String(),
	}).Info("dispatch run finished")
}

// maybeReportSystemic escalates a run where every attempted send failed,
// e.g. the provider is fully unreachable. One aggregate report, not N
// per-enrollment alerts.
func (d *Dispatcher) maybeReportSystemic(report *RunReport) {
	attempted := report.Sent + report.FailedRetryable + report.FailedPermanent
	if attempted == 0 || report.Sent > 0 {
		return
	}
	msg := fmt.Sprintf("dispatch run: all %d send attempts failed (%d retryable, %d permanent)",
		attempted, report.FailedRetryable, report.FailedPermanent)
	d.Logger.Warn(msg)
	sentry.CaptureMessage(msg)
}

// runBudget is the in-run send ceiling. The daily ceiling lives in the
// database; this one only has to survive the goroutines of a single run.
type runBudget struct {
	mu        sync.Mutex
	remaining int
}

func newRunBudget(n int) *runBudget {
	return &runBudget{remaining: n}
}

func (rb *runBudget) take() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.remaining <= 0 {
		return false
	}
	rb.remaining--
	return true
}

func (rb *runBudget) put() {
	rb.mu.Lock()
	rb.remaining++
	rb.mu.Unlock()
}
