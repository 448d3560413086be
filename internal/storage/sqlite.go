// Package storage owns the SQLite database shared by the pipeline stores:
// one file, WAL mode, a single writer connection.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DefaultDBPath is used when AGINGOS_DB_PATH is unset.
const DefaultDBPath = "/var/lib/agingos/agingos.db"

// Open opens (creating if needed) the pipeline database and applies the
// schema. SQLite works best here with a single writer connection.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultDBPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("database opened")
	return db, nil
}

// OpenMemory opens a throwaway in-memory database, used by tests.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts_us INTEGER NOT NULL,
		category TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_us, seq);
	CREATE INDEX IF NOT EXISTS idx_events_category_ts ON events(category, ts_us);

	CREATE TABLE IF NOT EXISTS episodes (
		episode_id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		start_us INTEGER NOT NULL,
		end_us INTEGER NOT NULL,
		duration_s INTEGER NOT NULL,
		primary_sensor TEXT NOT NULL DEFAULT '',
		sensor_set TEXT NOT NULL DEFAULT '[]',
		event_count_total INTEGER NOT NULL DEFAULT 0,
		event_count_motion INTEGER NOT NULL DEFAULT 0,
		event_count_presence_on INTEGER NOT NULL DEFAULT 0,
		event_count_presence_off INTEGER NOT NULL DEFAULT 0,
		event_rate_per_min REAL NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL,
		timeout_s INTEGER NOT NULL,
		quality TEXT NOT NULL,
		quality_flags TEXT NOT NULL DEFAULT '[]',
		door_before_s INTEGER,
		door_during INTEGER NOT NULL DEFAULT 0,
		door_after_s INTEGER,
		tod_bucket TEXT NOT NULL,
		weekday INTEGER NOT NULL,
		class TEXT NOT NULL,
		p_human REAL NOT NULL,
		p_pet REAL NOT NULL,
		p_unknown REAL NOT NULL,
		reasons TEXT NOT NULL DEFAULT '[]',
		reason_summary TEXT NOT NULL DEFAULT '',
		classifier_version TEXT NOT NULL,
		score_debug TEXT NOT NULL DEFAULT '{}',
		first_event_id TEXT,
		last_event_id TEXT,
		created_us INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_episodes_room_start ON episodes(room, start_us);
	CREATE INDEX IF NOT EXISTS idx_episodes_end ON episodes(end_us);

	CREATE TABLE IF NOT EXISTS baseline_room_buckets (
		user_id TEXT NOT NULL,
		model_end_us INTEGER NOT NULL,
		dow INTEGER NOT NULL,
		is_weekend INTEGER NOT NULL,
		room_id TEXT NOT NULL,
		bucket_idx INTEGER NOT NULL,
		activity_median REAL,
		activity_sigma REAL,
		activity_support_n INTEGER NOT NULL DEFAULT 0,
		activity_support_days INTEGER NOT NULL DEFAULT 0,
		door_median REAL,
		door_sigma REAL,
		door_support_n INTEGER NOT NULL DEFAULT 0,
		door_support_days INTEGER NOT NULL DEFAULT 0,
		sigma_floor REAL,
		PRIMARY KEY (user_id, model_end_us, dow, is_weekend, room_id, bucket_idx)
	);

	CREATE TABLE IF NOT EXISTS baseline_transitions (
		user_id TEXT NOT NULL,
		model_end_us INTEGER NOT NULL,
		dow INTEGER NOT NULL,
		is_weekend INTEGER NOT NULL,
		bucket_idx INTEGER NOT NULL,
		from_room_id TEXT NOT NULL,
		to_room_id TEXT NOT NULL,
		p_smoothed REAL NOT NULL,
		trans_count INTEGER NOT NULL DEFAULT 0,
		from_total INTEGER NOT NULL DEFAULT 0,
		alpha REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, model_end_us, dow, is_weekend, bucket_idx, from_room_id, to_room_id)
	);

	CREATE TABLE IF NOT EXISTS deviations_v1 (
		deviation_id TEXT NOT NULL UNIQUE,
		deviation_key TEXT NOT NULL UNIQUE,
		rule_id TEXT NOT NULL,
		subject_key TEXT NOT NULL DEFAULT 'default',
		status TEXT NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN','ACK','CLOSED')),
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		evidence TEXT NOT NULL DEFAULT '[]',
		window_since_us INTEGER,
		window_until_us INTEGER,
		first_seen_us INTEGER NOT NULL,
		last_seen_us INTEGER NOT NULL,
		closed_us INTEGER,
		created_us INTEGER NOT NULL,
		updated_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deviations_status_seen ON deviations_v1(status, last_seen_us);
	CREATE INDEX IF NOT EXISTS idx_deviations_rule_subject ON deviations_v1(rule_id, subject_key, status);

	CREATE TABLE IF NOT EXISTS anomaly_episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		start_us INTEGER NOT NULL,
		end_us INTEGER,
		level INTEGER NOT NULL DEFAULT 0,
		score_total REAL NOT NULL DEFAULT 0,
		score_intensity REAL NOT NULL DEFAULT 0,
		score_sequence REAL NOT NULL DEFAULT 0,
		score_event REAL NOT NULL DEFAULT 0,
		start_bucket_us INTEGER NOT NULL,
		last_bucket_us INTEGER NOT NULL,
		peak_bucket_us INTEGER NOT NULL,
		peak_score REAL NOT NULL DEFAULT 0,
		last_score REAL NOT NULL DEFAULT 0,
		last_level INTEGER NOT NULL DEFAULT 0,
		bucket_count INTEGER NOT NULL DEFAULT 1,
		green_streak INTEGER NOT NULL DEFAULT 0,
		closed_us INTEGER,
		closed_reason TEXT,
		reasons_peak TEXT NOT NULL DEFAULT '[]',
		reasons_last TEXT NOT NULL DEFAULT '[]',
		details TEXT,
		human_weight_mode TEXT NOT NULL DEFAULT 'human_weighted',
		pet_weight REAL NOT NULL DEFAULT 0.25,
		baseline_ref TEXT,
		created_us INTEGER NOT NULL,
		updated_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anomaly_room_active ON anomaly_episodes(room) WHERE end_us IS NULL;
	CREATE INDEX IF NOT EXISTS idx_anomaly_room_start ON anomaly_episodes(room, start_us);

	CREATE TABLE IF NOT EXISTS proposals (
		proposal_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL DEFAULT 'default',
		subject_id TEXT NOT NULL,
		room_id TEXT,
		proposal_type TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'NEW' CHECK (state IN ('NEW','TESTING','ACTIVE','REJECTED')),
		priority INTEGER NOT NULL DEFAULT 50 CHECK (priority BETWEEN 0 AND 100),
		evidence TEXT NOT NULL DEFAULT '{}',
		why TEXT NOT NULL DEFAULT '[]',
		action_target TEXT NOT NULL DEFAULT '',
		action_payload TEXT NOT NULL DEFAULT '{}',
		first_detected_us INTEGER NOT NULL,
		last_detected_us INTEGER NOT NULL,
		window_start_us INTEGER,
		window_end_us INTEGER,
		test_started_us INTEGER,
		test_until_us INTEGER,
		activated_us INTEGER,
		rejected_us INTEGER,
		last_actor TEXT,
		last_source TEXT NOT NULL DEFAULT 'system',
		last_note TEXT,
		created_us INTEGER NOT NULL,
		updated_us INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_proposals_open_dedupe
		ON proposals(org_id, subject_id, proposal_type, dedupe_key)
		WHERE state IN ('NEW','TESTING','ACTIVE');
	CREATE INDEX IF NOT EXISTS idx_proposals_state ON proposals(state, updated_us);

	CREATE TABLE IF NOT EXISTS proposal_actions (
		action_id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL REFERENCES proposals(proposal_id) ON DELETE CASCADE,
		action TEXT NOT NULL CHECK (action IN ('TEST','ACTIVATE','REJECT','AUTO_EXPIRE_TEST')),
		prev_state TEXT NOT NULL,
		new_state TEXT NOT NULL,
		actor TEXT,
		source TEXT NOT NULL DEFAULT 'system',
		note TEXT,
		payload TEXT NOT NULL DEFAULT '{}',
		created_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposal_actions_proposal ON proposal_actions(proposal_id, created_us DESC);

	CREATE TABLE IF NOT EXISTS monitor_modes (
		monitor_key TEXT NOT NULL,
		room_id TEXT NOT NULL DEFAULT '__GLOBAL__',
		mode TEXT NOT NULL CHECK (mode IN ('OFF','TEST','ON')),
		updated_us INTEGER NOT NULL,
		PRIMARY KEY (monitor_key, room_id)
	);

	CREATE TABLE IF NOT EXISTS job_status (
		job_key TEXT PRIMARY KEY,
		last_run_us INTEGER NOT NULL,
		last_ok_us INTEGER,
		last_error_us INTEGER,
		last_error_msg TEXT,
		last_payload TEXT NOT NULL DEFAULT '{}'
	);
	`

	_, err := db.Exec(schema)
	return err
}
