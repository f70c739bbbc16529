package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"sessiond/internal/config"
	"sessiond/internal/domain"
	"sessiond/internal/storage/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "sessiond-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() config.Config {
	return config.Config{
		MaxActivitiesPerLLMCall:        100,
		SessionWindowMinutes:           30,
		MaxSessionGapMinutes:           10,
		MinSessionLengthMinutes:        15,
		MinActivitiesPerSession:        3,
		MinSessionPurity:               0.8,
		MaxSessionWindowOverlapMinutes: 15,
	}
}

func seedClosedActivity(t *testing.T, db *sql.DB, name string, startMin, endMin float64) int64 {
	t.Helper()
	id, err := sqlite.InsertActivity(db, name, name+" work")
	if err != nil {
		t.Fatalf("InsertActivity failed: %v", err)
	}
	events := []domain.ActivityEvent{
		{ActivityID: id, EventTime: minuteAt(startMin), EventType: domain.EventOpen},
		{ActivityID: id, EventTime: minuteAt(endMin), EventType: domain.EventClose},
	}
	if err := sqlite.InsertActivityEvents(db, events); err != nil {
		t.Fatalf("InsertActivityEvents failed: %v", err)
	}
	return id
}

func seedAggregation(t *testing.T, db *sql.DB, startMin, endMin float64) {
	t.Helper()
	_, err := sqlite.InsertAggregation(db, domain.Aggregation{
		StartTime:      minuteAt(startMin),
		EndTime:        minuteAt(endMin),
		FirstTimestamp: minuteAt(startMin),
		LastTimestamp:  minuteAt(endMin),
	})
	if err != nil {
		t.Fatalf("InsertAggregation failed: %v", err)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("counting %s failed: %v", table, err)
	}
	return n
}

func TestRunSkipsWithoutAggregations(t *testing.T) {
	db := newTestDB(t)
	fc := &fakeClassifier{propose: groupAllAs("x", "X")}

	summary, err := RunSessionization(context.Background(), db, testConfig(), fc)
	if err != nil {
		t.Fatalf("RunSessionization failed: %v", err)
	}
	if !summary.Skipped {
		t.Fatalf("expected a skipped run")
	}
	if n := countRows(t, db, "sessionization_runs"); n != 0 {
		t.Fatalf("skipped run must not write a run row, found %d", n)
	}
}

func TestRunEarlyExitWithoutActivities(t *testing.T) {
	db := newTestDB(t)
	seedAggregation(t, db, 0, 60)
	fc := &fakeClassifier{propose: groupAllAs("x", "X")}

	summary, err := RunSessionization(context.Background(), db, testConfig(), fc)
	if err != nil {
		t.Fatalf("RunSessionization failed: %v", err)
	}
	if summary.Skipped || summary.NewActivities != 0 {
		t.Fatalf("expected an early-exit run, got %+v", summary)
	}
	if fc.calls != 0 {
		t.Fatalf("classifier must not be called without activities")
	}

	run, err := sqlite.SelectLatestRun(db)
	if err != nil || run == nil {
		t.Fatalf("expected a run row, err=%v", err)
	}
	if run.OverlapStart != nil || run.RightTailEnd != nil || run.FinalizedHorizon != nil {
		t.Fatalf("early-exit run must have no window markers, got %+v", run)
	}
}

func TestRunFinalizesRightIsolatedIsland(t *testing.T) {
	db := newTestDB(t)
	seedAggregation(t, db, 0, 60)
	// One island well clear of the horizon: 60 - 48 = 12 > max gap.
	seedClosedActivity(t, db, "editor", 30, 36)
	seedClosedActivity(t, db, "terminal", 36, 42)
	seedClosedActivity(t, db, "browser", 42, 48)
	fc := &fakeClassifier{propose: groupAllAs("coding", "Coding")}

	summary, err := RunSessionization(context.Background(), db, testConfig(), fc)
	if err != nil {
		t.Fatalf("RunSessionization failed: %v", err)
	}
	if summary.SessionsCreated != 1 {
		t.Fatalf("expected 1 finalized session, got %+v", summary)
	}

	finalized, err := sqlite.SelectSessions(db)
	if err != nil {
		t.Fatalf("SelectSessions failed: %v", err)
	}
	if len(finalized) != 1 || len(finalized[0].ActivityIDs) != 3 {
		t.Fatalf("unexpected finalized sessions %v", finalized)
	}
	if finalized[0].LLMID != "coding" {
		t.Fatalf("unexpected session identity %q", finalized[0].LLMID)
	}

	candidates, err := sqlite.SelectCandidateSessions(db, nil)
	if err != nil {
		t.Fatalf("SelectCandidateSessions failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("right-isolated island must leave no candidates, got %v", candidates)
	}

	run, err := sqlite.SelectLatestRun(db)
	if err != nil || run == nil {
		t.Fatalf("expected a run row, err=%v", err)
	}
	if run.OverlapStart != nil || run.FinalizedHorizon != nil {
		t.Fatalf("no right-connected island, markers must be nil: %+v", run)
	}
}

func TestRunCarryOverAcrossRuns(t *testing.T) {
	db := newTestDB(t)
	seedAggregation(t, db, 0, 60)
	// Island touching the horizon: the tail gets deferred as a candidate.
	seedClosedActivity(t, db, "editor", 30, 36)
	seedClosedActivity(t, db, "terminal", 36, 42)
	seedClosedActivity(t, db, "browser", 42, 48)
	seedClosedActivity(t, db, "docs", 50, 58)

	fc := &fakeClassifier{propose: groupAllAs("thread", "Long thread")}
	summary, err := RunSessionization(context.Background(), db, testConfig(), fc)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if summary.SessionsCreated != 0 {
		t.Fatalf("bridgeable candidate must defer, got %+v", summary)
	}
	if summary.CandidateSessionsCreated != 1 {
		t.Fatalf("expected 1 carried candidate, got %+v", summary)
	}

	run, err := sqlite.SelectLatestRun(db)
	if err != nil || run == nil {
		t.Fatalf("expected a run row, err=%v", err)
	}
	if run.OverlapStart == nil || !run.OverlapStart.Equal(minuteAt(45)) {
		t.Fatalf("overlap_start = %v, want +45m", run.OverlapStart)
	}
	if run.FinalizedHorizon == nil || !run.FinalizedHorizon.Equal(minuteAt(45)) {
		t.Fatalf("finalized_horizon = %v, want +45m", run.FinalizedHorizon)
	}
	if run.RightTailEnd == nil || !run.RightTailEnd.Equal(minuteAt(58)) {
		t.Fatalf("right_tail_end = %v, want +58m", run.RightTailEnd)
	}

	candidates, err := sqlite.SelectCandidateSessions(db, nil)
	if err != nil {
		t.Fatalf("SelectCandidateSessions failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %v", candidates)
	}
	// Only the tail portion (activities past the cut) is persisted.
	if got := candidates[0].ActivityIDs; len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected candidate ids [3 4], got %v", got)
	}

	// No new aggregated data: the next invocation skips without a run row.
	skipSummary, err := RunSessionization(context.Background(), db, testConfig(), fc)
	if err != nil {
		t.Fatalf("skip run failed: %v", err)
	}
	if !skipSummary.Skipped {
		t.Fatalf("expected a skipped run, got %+v", skipSummary)
	}
	if n := countRows(t, db, "sessionization_runs"); n != 1 {
		t.Fatalf("skip must not write a run row, found %d", n)
	}

	// New data continues the tail within max gap; the whole stretch becomes one
	// finalized session and the carried candidate is retired.
	seedAggregation(t, db, 60, 120)
	seedClosedActivity(t, db, "editor", 62, 70)
	seedClosedActivity(t, db, "review", 70, 78)

	merged := &fakeClassifier{propose: groupAllAs("merged", "Merged thread")}
	finalSummary, err := RunSessionization(context.Background(), db, testConfig(), merged)
	if err != nil {
		t.Fatalf("continuation run failed: %v", err)
	}
	if finalSummary.SessionsCreated != 1 {
		t.Fatalf("expected 1 finalized session, got %+v", finalSummary)
	}

	finalized, err := sqlite.SelectSessions(db)
	if err != nil {
		t.Fatalf("SelectSessions failed: %v", err)
	}
	if len(finalized) != 1 {
		t.Fatalf("expected 1 session, got %v", finalized)
	}
	if got := finalized[0].ActivityIDs; len(got) != 4 || got[0] != 3 || got[3] != 6 {
		t.Fatalf("expected the overlap merged into the session, got %v", got)
	}

	candidates, err = sqlite.SelectCandidateSessions(db, nil)
	if err != nil {
		t.Fatalf("SelectCandidateSessions failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("carried candidate must be retired, got %v", candidates)
	}
	if n := countRows(t, db, "sessionization_runs"); n != 2 {
		t.Fatalf("expected 2 run rows, found %d", n)
	}
}

func TestRunClassifierFailureWritesNothing(t *testing.T) {
	db := newTestDB(t)
	seedAggregation(t, db, 0, 60)
	seedClosedActivity(t, db, "editor", 30, 36)
	seedClosedActivity(t, db, "terminal", 36, 42)
	seedClosedActivity(t, db, "browser", 42, 48)

	fc := &fakeClassifier{propose: func(_ int, _ []ClassifierActivity, _ []SessionIdentifier) ([]ProposedSession, error) {
		return nil, fmt.Errorf("model unavailable")
	}}

	if _, err := RunSessionization(context.Background(), db, testConfig(), fc); err == nil {
		t.Fatalf("expected the classifier error to propagate")
	}
	if n := countRows(t, db, "sessionization_runs"); n != 0 {
		t.Fatalf("failed run must write nothing, found %d run rows", n)
	}
	if n := countRows(t, db, "sessions"); n != 0 {
		t.Fatalf("failed run must write no sessions, found %d", n)
	}
}
