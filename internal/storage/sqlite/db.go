package sqlite

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS activities (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS activity_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id INTEGER NOT NULL REFERENCES activities(id),
		event_time  DATETIME NOT NULL,
		event_type  TEXT NOT NULL CHECK (event_type IN ('open', 'close'))
	);
	CREATE INDEX IF NOT EXISTS idx_activity_events_activity ON activity_events(activity_id);
	CREATE INDEX IF NOT EXISTS idx_activity_events_time ON activity_events(event_time);

	CREATE TABLE IF NOT EXISTS tags (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		deleted_at  DATETIME
	);

	CREATE TABLE IF NOT EXISTS tag_mappings (
		activity_id INTEGER NOT NULL REFERENCES activities(id),
		tag_id      INTEGER NOT NULL REFERENCES tags(id),
		UNIQUE(activity_id, tag_id)
	);

	CREATE TABLE IF NOT EXISTS aggregations (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		start_time      DATETIME NOT NULL,
		end_time        DATETIME NOT NULL,
		first_timestamp DATETIME NOT NULL,
		last_timestamp  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_aggregations_end ON aggregations(end_time);

	CREATE TABLE IF NOT EXISTS sessionization_runs (
		id                       INTEGER PRIMARY KEY AUTOINCREMENT,
		candidate_creation_start DATETIME NOT NULL,
		candidate_creation_end   DATETIME NOT NULL,
		overlap_start            DATETIME,
		right_tail_end           DATETIME,
		finalized_horizon        DATETIME,
		created_at               DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		name                   TEXT NOT NULL,
		llm_id                 TEXT NOT NULL,
		sessionization_run_id  INTEGER NOT NULL REFERENCES sessionization_runs(id),
		created_at             DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS session_to_activity (
		session_id  INTEGER NOT NULL REFERENCES sessions(id),
		activity_id INTEGER NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS candidate_sessions (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		name                   TEXT NOT NULL,
		llm_id                 TEXT NOT NULL,
		sessionization_run_id  INTEGER NOT NULL REFERENCES sessionization_runs(id),
		created_at             DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS candidate_session_to_activity (
		session_id  INTEGER NOT NULL REFERENCES candidate_sessions(id),
		activity_id INTEGER NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_csta_session ON candidate_session_to_activity(session_id);
	CREATE INDEX IF NOT EXISTS idx_csta_activity ON candidate_session_to_activity(activity_id);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	return db, nil
}
