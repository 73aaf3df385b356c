package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dripsend/models"
)

// newTestDB opens an isolated in-memory database with the full schema. A
// single connection keeps sqlite's locking out of the picture; the engine's
// conditional updates provide the real mutual exclusion under test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Recipient{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.Enrollment{},
		&models.DispatchAttempt{},
		&models.SuppressionEntry{},
		&models.BudgetCounter{},
		&models.WebhookEvent{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func quietLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeSender scripts Sender outcomes per call and records every message.
type fakeSender struct {
	mu      sync.Mutex
	calls   []Message
	results []error // consumed in order; nil means success
	nextID  int
}

func (fs *fakeSender) Send(_ context.Context, msg Message) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.calls = append(fs.calls, msg)
	var err error
	if len(fs.results) > 0 {
		err = fs.results[0]
		fs.results = fs.results[1:]
	}
	if err != nil {
		return "", err
	}
	fs.nextID++
	return fmt.Sprintf("msg-%d", fs.nextID), nil
}

func (fs *fakeSender) callCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.calls)
}

// testClock is a settable clock shared between the dispatcher, manager and
// limiter so a test controls the single logical "now" per run.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (tc *testClock) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.now
}

func (tc *testClock) Set(t time.Time) {
	tc.mu.Lock()
	tc.now = t
	tc.mu.Unlock()
}

func (tc *testClock) Advance(d time.Duration) {
	tc.mu.Lock()
	tc.now = tc.now.Add(d)
	tc.mu.Unlock()
}
