package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"sessiond/internal/domain"
)

// SessionActivity is one row of a session<->activity mapping table.
type SessionActivity struct {
	SessionID  int64
	ActivityID int64
}

// SelectActivitiesWithTagsInRange returns every activity overlapping
// [start, end]: activities with an open event inside the range, plus activities
// whose last event before start is an open (still running at start). Events are
// the activity's full event list, sorted; tags exclude soft-deleted ones.
func SelectActivitiesWithTagsInRange(db *sql.DB, start, end time.Time) ([]domain.ActivitySpec, error) {
	idsQuery := `
	SELECT DISTINCT a.id
	FROM activities a
	WHERE (
		EXISTS (
			SELECT 1
			FROM activity_events ae
			WHERE ae.activity_id = a.id
			  AND ae.event_type = 'open'
			  AND ae.event_time >= ?
			  AND ae.event_time <= ?
		)
		OR (
			SELECT ae.event_type
			FROM activity_events ae
			WHERE ae.activity_id = a.id
			  AND ae.event_time < ?
			ORDER BY ae.event_time DESC, ae.id DESC
			LIMIT 1
		) = 'open'
	)`

	rows, err := db.Query(idsQuery, start, end, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activityIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		activityIDs = append(activityIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(activityIDs) == 0 {
		return nil, nil
	}

	placeholders := placeholderList(len(activityIDs))
	args := int64Args(activityIDs)

	specsQuery := fmt.Sprintf(`
	SELECT a.id, a.name, a.description, e.id, e.event_time, e.event_type
	FROM activities a
	JOIN activity_events e ON a.id = e.activity_id
	WHERE a.id IN (%s)
	ORDER BY a.id, e.event_time, e.id`, placeholders)

	eventRows, err := db.Query(specsQuery, args...)
	if err != nil {
		return nil, err
	}
	defer eventRows.Close()

	activities := make(map[int64]*domain.Activity)
	events := make(map[int64][]domain.ActivityEvent)
	var order []int64
	for eventRows.Next() {
		var act domain.Activity
		var ev domain.ActivityEvent
		var evType string
		if err := eventRows.Scan(&act.ID, &act.Name, &act.Description, &ev.ID, &ev.EventTime, &evType); err != nil {
			return nil, err
		}
		ev.ActivityID = act.ID
		ev.EventType = domain.ActivityEventType(evType)
		if _, seen := activities[act.ID]; !seen {
			a := act
			activities[act.ID] = &a
			order = append(order, act.ID)
		}
		events[act.ID] = append(events[act.ID], ev)
	}
	if err := eventRows.Err(); err != nil {
		return nil, err
	}

	tagsQuery := fmt.Sprintf(`
	SELECT tm.activity_id, t.id, t.name, t.description
	FROM tag_mappings tm
	JOIN tags t ON tm.tag_id = t.id AND t.deleted_at IS NULL
	WHERE tm.activity_id IN (%s)
	ORDER BY tm.activity_id, t.id`, placeholders)

	tagRows, err := db.Query(tagsQuery, args...)
	if err != nil {
		return nil, err
	}
	defer tagRows.Close()

	tags := make(map[int64][]domain.Tag)
	for tagRows.Next() {
		var activityID int64
		var tag domain.Tag
		if err := tagRows.Scan(&activityID, &tag.ID, &tag.Name, &tag.Description); err != nil {
			return nil, err
		}
		tags[activityID] = append(tags[activityID], tag)
	}
	if err := tagRows.Err(); err != nil {
		return nil, err
	}

	specs := make([]domain.ActivitySpec, 0, len(order))
	for _, id := range order {
		specs = append(specs, domain.NewActivitySpec(*activities[id], events[id], tags[id]))
	}
	return specs, nil
}

func SelectLastAggregation(db *sql.DB) (*domain.Aggregation, error) {
	var agg domain.Aggregation
	err := db.QueryRow(`
	SELECT id, start_time, end_time, first_timestamp, last_timestamp
	FROM aggregations
	ORDER BY end_time DESC, id DESC
	LIMIT 1`).Scan(&agg.ID, &agg.StartTime, &agg.EndTime, &agg.FirstTimestamp, &agg.LastTimestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func SelectLatestRun(db *sql.DB) (*domain.Run, error) {
	var run domain.Run
	var overlapStart, rightTailEnd, finalizedHorizon sql.NullTime
	err := db.QueryRow(`
	SELECT id, created_at, candidate_creation_start, candidate_creation_end,
	       overlap_start, right_tail_end, finalized_horizon
	FROM sessionization_runs
	ORDER BY created_at DESC, id DESC
	LIMIT 1`).Scan(
		&run.ID, &run.CreatedAt, &run.CandidateCreationStart, &run.CandidateCreationEnd,
		&overlapStart, &rightTailEnd, &finalizedHorizon,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.OverlapStart = nullableTime(overlapStart)
	run.RightTailEnd = nullableTime(rightTailEnd)
	run.FinalizedHorizon = nullableTime(finalizedHorizon)
	return &run, nil
}

func InsertRun(tx *sql.Tx, run domain.Run) (int64, error) {
	result, err := tx.Exec(`
	INSERT INTO sessionization_runs (
		candidate_creation_start, candidate_creation_end,
		overlap_start, right_tail_end, finalized_horizon
	) VALUES (?, ?, ?, ?, ?)`,
		run.CandidateCreationStart, run.CandidateCreationEnd,
		timeArg(run.OverlapStart), timeArg(run.RightTailEnd), timeArg(run.FinalizedHorizon),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SelectCandidateSessions returns persisted candidate sessions with their
// activity-id lists. A non-nil runID restricts to candidates created by that run.
func SelectCandidateSessions(db *sql.DB, runID *int64) ([]domain.CandidateSession, error) {
	where := ""
	var params []any
	if runID != nil {
		where = "WHERE cs.sessionization_run_id = ?"
		params = append(params, *runID)
	}

	rows, err := db.Query(fmt.Sprintf(`
	SELECT
		cs.id, cs.name, cs.llm_id, cs.sessionization_run_id, cs.created_at,
		(
			SELECT GROUP_CONCAT(sub.activity_id, ',')
			FROM (
				SELECT activity_id
				FROM candidate_session_to_activity csta
				WHERE csta.session_id = cs.id
				ORDER BY csta.created_at ASC, csta.activity_id ASC
			) AS sub
		) AS activity_ids_csv
	FROM candidate_sessions cs
	%s
	ORDER BY cs.created_at ASC, cs.id ASC`, where), params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.CandidateSession
	for rows.Next() {
		var c domain.CandidateSession
		var csv sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.LLMID, &c.RunID, &c.CreatedAt, &csv); err != nil {
			return nil, err
		}
		if csv.Valid && csv.String != "" {
			for _, part := range strings.Split(csv.String, ",") {
				var id int64
				if _, err := fmt.Sscanf(part, "%d", &id); err != nil {
					return nil, fmt.Errorf("parsing activity id %q for candidate %d: %w", part, c.ID, err)
				}
				c.ActivityIDs = append(c.ActivityIDs, id)
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func InsertCandidateSessions(tx *sql.Tx, specs []domain.SessionSpec, runID int64) ([]int64, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	stmt, err := tx.Prepare(`
	INSERT INTO candidate_sessions (name, llm_id, sessionization_run_id)
	VALUES (?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(specs))
	for _, spec := range specs {
		result, err := stmt.Exec(spec.Name, spec.LLMID, runID)
		if err != nil {
			return nil, err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func InsertCandidateSessionActivityMappings(tx *sql.Tx, mappings []SessionActivity) error {
	return insertMappings(tx, "candidate_session_to_activity", mappings)
}

func DeleteCandidateSessionsByIDs(tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := placeholderList(len(ids))
	if _, err := tx.Exec(
		fmt.Sprintf(`DELETE FROM candidate_session_to_activity WHERE session_id IN (%s)`, placeholders),
		int64Args(ids)...,
	); err != nil {
		return err
	}
	_, err := tx.Exec(
		fmt.Sprintf(`DELETE FROM candidate_sessions WHERE id IN (%s)`, placeholders),
		int64Args(ids)...,
	)
	return err
}

func DeleteCandidateSessionMappingsByActivityIDs(tx *sql.Tx, activityIDs []int64) error {
	if len(activityIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(
		fmt.Sprintf(`DELETE FROM candidate_session_to_activity WHERE activity_id IN (%s)`,
			placeholderList(len(activityIDs))),
		int64Args(activityIDs)...,
	)
	return err
}

// DeleteOrphanedCandidateSessions removes candidate sessions with no remaining
// activity mappings. Returns the number of rows deleted.
func DeleteOrphanedCandidateSessions(tx *sql.Tx) (int64, error) {
	result, err := tx.Exec(`
	DELETE FROM candidate_sessions
	WHERE id NOT IN (
		SELECT DISTINCT session_id
		FROM candidate_session_to_activity
	)`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func InsertSessions(tx *sql.Tx, specs []domain.SessionSpec, runID int64) ([]int64, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	stmt, err := tx.Prepare(`
	INSERT INTO sessions (name, llm_id, sessionization_run_id)
	VALUES (?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(specs))
	for _, spec := range specs {
		result, err := stmt.Exec(spec.Name, spec.LLMID, runID)
		if err != nil {
			return nil, err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func InsertSessionActivityMappings(tx *sql.Tx, mappings []SessionActivity) error {
	return insertMappings(tx, "session_to_activity", mappings)
}

// SelectSessions returns all finalized sessions with their activity ids, oldest
// first. Read-side helper for callers inspecting sessionization output.
func SelectSessions(db *sql.DB) ([]domain.SessionSpec, error) {
	rows, err := db.Query(`
	SELECT s.id, s.name, s.llm_id
	FROM sessions s
	ORDER BY s.created_at ASC, s.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type row struct {
		id   int64
		spec domain.SessionSpec
	}
	var sessionRows []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.spec.Name, &r.spec.LLMID); err != nil {
			return nil, err
		}
		sessionRows = append(sessionRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessionRows {
		mappingRows, err := db.Query(
			`SELECT activity_id FROM session_to_activity WHERE session_id = ? ORDER BY activity_id`,
			sessionRows[i].id)
		if err != nil {
			return nil, err
		}
		for mappingRows.Next() {
			var aid int64
			if err := mappingRows.Scan(&aid); err != nil {
				mappingRows.Close()
				return nil, err
			}
			sessionRows[i].spec.ActivityIDs = append(sessionRows[i].spec.ActivityIDs, aid)
		}
		if err := mappingRows.Err(); err != nil {
			mappingRows.Close()
			return nil, err
		}
		mappingRows.Close()
	}

	specs := make([]domain.SessionSpec, 0, len(sessionRows))
	for _, r := range sessionRows {
		specs = append(specs, r.spec)
	}
	return specs, nil
}

// Seed helpers for upstream-owned tables (the aggregator writes these in
// production; tests use them to stage timelines).

func InsertActivity(db *sql.DB, name, description string) (int64, error) {
	result, err := db.Exec(`INSERT INTO activities (name, description) VALUES (?, ?)`, name, description)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func InsertActivityEvents(db *sql.DB, events []domain.ActivityEvent) error {
	for _, ev := range events {
		if _, err := db.Exec(
			`INSERT INTO activity_events (activity_id, event_time, event_type) VALUES (?, ?, ?)`,
			ev.ActivityID, ev.EventTime, string(ev.EventType),
		); err != nil {
			return err
		}
	}
	return nil
}

func InsertTag(db *sql.DB, name, description string) (int64, error) {
	result, err := db.Exec(`INSERT INTO tags (name, description) VALUES (?, ?)`, name, description)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func InsertTagMapping(db *sql.DB, activityID, tagID int64) error {
	_, err := db.Exec(`INSERT INTO tag_mappings (activity_id, tag_id) VALUES (?, ?)`, activityID, tagID)
	return err
}

func InsertAggregation(db *sql.DB, agg domain.Aggregation) (int64, error) {
	result, err := db.Exec(
		`INSERT INTO aggregations (start_time, end_time, first_timestamp, last_timestamp) VALUES (?, ?, ?, ?)`,
		agg.StartTime, agg.EndTime, agg.FirstTimestamp, agg.LastTimestamp,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func insertMappings(tx *sql.Tx, table string, mappings []SessionActivity) error {
	if len(mappings) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT INTO %s (session_id, activity_id) VALUES (?, ?)`, table))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range mappings {
		if _, err := stmt.Exec(m.SessionID, m.ActivityID); err != nil {
			return err
		}
	}
	return nil
}

func placeholderList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
