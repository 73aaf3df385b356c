package engine

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"dripsend/models"
)

// BudgetLimiter bounds consumption of an externally metered resource
// (message sends, enrichment lookups) within a rolling window. The counter
// lives in the database so every dispatch worker and process shares it; the
// check and the increment are a single conditional UPDATE, never a separate
// read then write.
type BudgetLimiter struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewBudgetLimiter(db *gorm.DB) *BudgetLimiter {
	return &BudgetLimiter{DB: db, Now: time.Now}
}

// Ensure creates the counter for a scope if it does not exist yet and keeps
// the configured limit up to date.
func (bl *BudgetLimiter) Ensure(scope string, limit int, window time.Duration) error {
	var counter models.BudgetCounter
	err := bl.DB.Where("scope = ?", scope).First(&counter).Error
	if err == gorm.ErrRecordNotFound {
		counter = models.BudgetCounter{
			Scope:         scope,
			Limit:         limit,
			WindowStart:   bl.Now(),
			WindowSeconds: int(window.Seconds()),
		}
		return bl.DB.Create(&counter).Error
	}
	if err != nil {
		return err
	}
	if counter.Limit != limit || counter.WindowSeconds != int(window.Seconds()) {
		return bl.DB.Model(&counter).Updates(map[string]interface{}{
			"limit_value":    limit,
			"window_seconds": int(window.Seconds()),
		}).Error
	}
	return nil
}

// TryConsume atomically checks consumed+amount <= limit for the current
// window and either commits the increment and returns true, or returns
// false with no state change. Window rollover is computed lazily from
// wall-clock at call time.
func (bl *BudgetLimiter) TryConsume(scope string, amount int) (bool, error) {
	counter, err := bl.rollWindow(scope)
	if err != nil {
		return false, err
	}
	if counter == nil {
		return false, fmt.Errorf("budget counter %q not found", scope)
	}

	res := bl.DB.Model(&models.BudgetCounter{}).
		Where("scope = ? AND consumed + ? <= limit_value", scope, amount).
		Update("consumed", gorm.Expr("consumed + ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Remaining reports the unconsumed capacity for a scope, after rolling the
// window if needed. Used for the run report only; callers must not use it
// to pre-check TryConsume.
func (bl *BudgetLimiter) Remaining(scope string) (int, error) {
	counter, err := bl.rollWindow(scope)
	if err != nil {
		return 0, err
	}
	if counter == nil {
		return 0, fmt.Errorf("budget counter %q not found", scope)
	}
	remaining := counter.Limit - counter.Consumed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// rollWindow resets the counter when wall-clock has crossed the window
// boundary. The reset is a compare-and-swap on window_start so two
// concurrent callers cannot both zero a partially consumed window.
func (bl *BudgetLimiter) rollWindow(scope string) (*models.BudgetCounter, error) {
	var counter models.BudgetCounter
	if err := bl.DB.Where("scope = ?", scope).First(&counter).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	window := time.Duration(counter.WindowSeconds) * time.Second
	if window <= 0 {
		return &counter, nil
	}

	now := bl.Now()
	boundary := counter.WindowStart.Add(window)
	if now.Before(boundary) {
		return &counter, nil
	}

	// Advance window_start to the start of the window containing now, so
	// long idle gaps do not shift the boundary.
	elapsed := now.Sub(counter.WindowStart)
	newStart := counter.WindowStart.Add(elapsed - elapsed%window)

	res := bl.DB.Model(&models.BudgetCounter{}).
		Where("scope = ? AND window_start = ?", scope, counter.WindowStart).
		Updates(map[string]interface{}{
			"consumed":     0,
			"window_start": newStart,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	// Reload regardless of who won the reset race.
	if err := bl.DB.Where("scope = ?", scope).First(&counter).Error; err != nil {
		return nil, err
	}
	return &counter, nil
}
