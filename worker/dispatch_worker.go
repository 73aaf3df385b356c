package worker

import (
	"context"
	"log"
	"time"

	"dripsend/engine"
)

// DispatchWorker invokes the dispatcher on a fixed cadence. The cadence has
// no exclusivity guarantee; overlapping runs are safe because the
// dispatcher's claim leases are the unit of mutual exclusion, not this
// ticker.
type DispatchWorker struct {
	Dispatcher *engine.Dispatcher
	Interval   time.Duration
	Logger     *log.Logger
}

func NewDispatchWorker(dispatcher *engine.Dispatcher, interval time.Duration, logger *log.Logger) *DispatchWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &DispatchWorker{
		Dispatcher: dispatcher,
		Interval:   interval,
		Logger:     logger,
	}
}

func (dw *DispatchWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(5 * time.Second)

	dw.Logger.Println("Dispatch worker started")

	ticker := time.NewTicker(dw.Interval)
	defer ticker.Stop()

	// Run once at startup so overdue steps catch up immediately after a
	// restart instead of waiting a full interval.
	dw.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			dw.Logger.Println("Dispatch worker shutting down...")
			return
		case <-ticker.C:
			dw.runOnce(ctx)
		}
	}
}

func (dw *DispatchWorker) runOnce(ctx context.Context) {
	report, err := dw.Dispatcher.RunOnce(ctx)
	if err != nil {
		dw.Logger.Printf("Dispatch run failed: %v", err)
		return
	}
	if report.Selected > 0 {
		dw.Logger.Printf("Dispatch run: selected=%d sent=%d completed=%d claim_lost=%d skipped=%d failed=%d in %s",
			report.Selected, report.Sent, report.Completed, report.ClaimLost,
			report.SkippedSuppressed+report.SkippedBudget+report.SkippedQuietHours+report.SkippedIneligible+report.SkippedNotDue,
			report.FailedRetryable+report.FailedPermanent,
			report.Duration)
	}
}
