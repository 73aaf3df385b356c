package engine

import (
	"sort"
	"time"

	"dripsend/models"
)

// ScheduleResult is the outcome of computing an enrollment's next step.
type ScheduleResult struct {
	Step      *models.SequenceStep
	StepIndex int
	DueAt     time.Time
	Completed bool // no steps remain; the enrollment is due for completion
}

// NextStep computes the step at CurrentStepIndex+1 and its target dispatch
// time. Due time is always EnrolledAt + step delay, never wall-clock "now",
// so catch-up after downtime reschedules correctly instead of drifting.
// The function is pure; it never mutates the enrollment and is safe to call
// speculatively from preview or monitoring code.
func NextStep(enrollment *models.Enrollment, steps []models.SequenceStep) ScheduleResult {
	ordered := SortSteps(steps)

	idx := enrollment.CurrentStepIndex + 1
	if idx >= len(ordered) {
		return ScheduleResult{StepIndex: idx, Completed: true}
	}

	step := ordered[idx]
	return ScheduleResult{
		Step:      &step,
		StepIndex: idx,
		DueAt:     enrollment.EnrolledAt.Add(step.Delay()),
	}
}

// SortSteps returns the steps ordered by step number. Sequences are edited
// through the API in order, but the scheduler never trusts slice order from
// the database.
func SortSteps(steps []models.SequenceStep) []models.SequenceStep {
	ordered := make([]models.SequenceStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StepNumber < ordered[j].StepNumber
	})
	return ordered
}

// StepEligible evaluates a step's send condition against the recipient's
// engagement counters. Conditions are re-checked at actual send time, not at
// the originally scheduled due time.
func StepEligible(step *models.SequenceStep, recipient *models.Recipient) bool {
	switch step.Condition {
	case models.StepConditionOpened:
		return recipient.OpenCount > 0
	case models.StepConditionClicked:
		return recipient.ClickCount > 0
	case models.StepConditionNotOpened:
		return recipient.OpenCount == 0
	default:
		return true
	}
}

// InQuietHours reports whether now falls inside the recipient's local
// quiet-hour window [startHour, endHour). The window may wrap midnight,
// e.g. 21 to 8.
func InQuietHours(now time.Time, loc *time.Location, startHour, endHour int) bool {
	if startHour == endHour {
		return false
	}
	h := now.In(loc).Hour()
	if startHour < endHour {
		return h >= startHour && h < endHour
	}
	return h >= startHour || h < endHour
}

// NextAllowedTime returns the earliest instant at or after now that is
// outside the quiet-hour window. Deterministic for a given now, zone and
// window, so recomputing a deferral always lands on the same value.
func NextAllowedTime(now time.Time, loc *time.Location, startHour, endHour int) time.Time {
	if !InQuietHours(now, loc, startHour, endHour) {
		return now
	}
	local := now.In(loc)
	allowed := time.Date(local.Year(), local.Month(), local.Day(), endHour, 0, 0, 0, loc)
	if !allowed.After(local) {
		allowed = allowed.AddDate(0, 0, 1)
	}
	return allowed
}

// RecipientLocation resolves the recipient's IANA timezone, falling back to
// UTC when the zone name is unknown.
func RecipientLocation(recipient *models.Recipient) *time.Location {
	loc, err := time.LoadLocation(recipient.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
