package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"timecard/api/internal/util"
)

// These tests need a real Postgres with the migrations applied; they skip in
// short mode and when no database is reachable.

func openTestDB(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("database unreachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(ctx, `TRUNCATE time_entries`)
	})
	return NewPostgresStore(db)
}

func newTestEntry(userID, projectID string, now time.Time) TimeEntry {
	return TimeEntry{
		ID:        util.NewID("te"),
		UserID:    userID,
		ProjectID: projectID,
		CompanyID: "co_itest",
		Date:      now.Format("2006-01-02"),
		CheckIn:   now,
		IsRunning: true,
	}
}

func TestInsertRejectsSecondOpenEntrySameProject(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := newTestEntry("user_dup", "proj_a", now)
	if err := s.InsertTimeEntry(ctx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// Second open entry for the same (user, project, day) must hit the
	// partial unique index even when pre-checks were skipped.
	second := newTestEntry("user_dup", "proj_a", now)
	second.IsRunning = false
	err := s.InsertTimeEntry(ctx, second)
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("err = %v, want ErrDuplicateEntry", err)
	}
}

func TestInsertRejectsSecondRunningTimerAcrossProjects(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.InsertTimeEntry(ctx, newTestEntry("user_two", "proj_a", now)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertTimeEntry(ctx, newTestEntry("user_two", "proj_b", now))
	if !errors.Is(err, ErrTimerRunning) {
		t.Fatalf("err = %v, want ErrTimerRunning", err)
	}
}

func TestPauseResumeCheckOutLifecycle(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-10 * time.Minute)

	entry := newTestEntry("user_life", "proj_a", start)
	if err := s.InsertTimeEntry(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pauseAt := start.Add(4 * time.Minute)
	paused, applied, err := s.PauseEntry(ctx, entry.ID, pauseAt)
	if err != nil || !applied {
		t.Fatalf("pause: applied=%v err=%v", applied, err)
	}
	if paused.IsRunning {
		t.Error("still running after pause")
	}
	if paused.EffectiveElapsedTime != 240 {
		t.Errorf("effectiveElapsedTime = %d, want 240", paused.EffectiveElapsedTime)
	}

	// Pausing again loses the CAS: the discriminant no longer matches.
	_, applied, err = s.PauseEntry(ctx, entry.ID, pauseAt.Add(time.Second))
	if err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if applied {
		t.Error("second pause should not apply")
	}

	resumeAt := pauseAt.Add(2 * time.Minute)
	resumed, applied, err := s.ResumeEntry(ctx, entry.ID, resumeAt)
	if err != nil || !applied {
		t.Fatalf("resume: applied=%v err=%v", applied, err)
	}
	if !resumed.IsRunning {
		t.Error("not running after resume")
	}
	if resumed.PausedDuration != 120 {
		t.Errorf("pausedDuration = %d, want 120", resumed.PausedDuration)
	}
	if resumed.LastPaused != nil {
		t.Error("lastPaused should clear on resume")
	}

	checkOutAt := resumeAt.Add(4 * time.Minute)
	sealed, applied, err := s.CheckOutEntry(ctx, entry.ID, checkOutAt)
	if err != nil || !applied {
		t.Fatalf("check out: applied=%v err=%v", applied, err)
	}
	if !sealed.IsCheckedOut {
		t.Error("not checked out")
	}
	// 10 minutes wall clock minus 2 minutes paused.
	if sealed.TotalDuration != 480 {
		t.Errorf("totalDuration = %d, want 480", sealed.TotalDuration)
	}

	// Sealed entries accept no further mutation.
	_, applied, err = s.CheckOutEntry(ctx, entry.ID, checkOutAt.Add(time.Second))
	if err != nil {
		t.Fatalf("second check out: %v", err)
	}
	if applied {
		t.Error("check out applied twice")
	}
	if _, applied, _ = s.PauseEntry(ctx, entry.ID, checkOutAt.Add(time.Second)); applied {
		t.Error("pause applied after check out")
	}
}

func TestCheckOutClampsBackwardClock(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	start := time.Now().UTC()

	entry := newTestEntry("user_clock", "proj_a", start)
	if err := s.InsertTimeEntry(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Check-out timestamp before check-in: durations floor at zero.
	sealed, applied, err := s.CheckOutEntry(ctx, entry.ID, start.Add(-time.Minute))
	if err != nil || !applied {
		t.Fatalf("check out: applied=%v err=%v", applied, err)
	}
	if sealed.TotalDuration != 0 || sealed.EffectiveElapsedTime != 0 {
		t.Errorf("durations = %d/%d, want 0/0", sealed.TotalDuration, sealed.EffectiveElapsedTime)
	}
}

// getTestDatabaseURL returns the database URL for testing. It checks the
// TEST_DATABASE_URL environment variable first, then falls back to the
// standard Postgres environment variables.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "timecard")
	pass := getenv("POSTGRES_PASSWORD", "timecard")
	dbname := getenv("POSTGRES_DB", "timecard_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
