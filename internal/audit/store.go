package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS constraint_violations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	rule          TEXT NOT NULL,
	magnitude     REAL NOT NULL,
	safety_level  TEXT NOT NULL,
	indices_json  TEXT,
	non_finite    INTEGER NOT NULL DEFAULT 0,
	occurred_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS emergency_events (
	event_id          TEXT PRIMARY KEY,
	trigger_timestamp TEXT NOT NULL,
	trigger_reason    TEXT NOT NULL,
	safety_level      TEXT NOT NULL,
	deadline_ms       REAL NOT NULL,
	response_time_ms  REAL NOT NULL,
	system_safe_state INTEGER NOT NULL,
	attempts          INTEGER NOT NULL,
	recorded_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	reason       TEXT,
	occurred_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trial_batches (
	batch_id     TEXT PRIMARY KEY,
	description  TEXT,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trial_samples (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id     TEXT NOT NULL,
	trial_id     TEXT NOT NULL,
	metric       TEXT NOT NULL,
	value        REAL NOT NULL,
	target       REAL NOT NULL,
	tolerance    REAL NOT NULL,
	sampled_at   TEXT,
	FOREIGN KEY (batch_id) REFERENCES trial_batches(batch_id)
);

CREATE TABLE IF NOT EXISTS uq_reports (
	report_id      TEXT PRIMARY KEY,
	generated_at   TEXT NOT NULL,
	overall_status TEXT NOT NULL,
	report_json    TEXT NOT NULL
);
`

// #endregion schema

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("audit record not found")

// #region store-struct
// Store is the durable audit log. It implements gate.AuditSink, shutdown.EventSink
// and eval.ReportSink.
type Store struct {
	db *sql.DB
}

var (
	_ gate.AuditSink     = (*Store)(nil)
	_ shutdown.EventSink = (*Store)(nil)
	_ eval.ReportSink    = (*Store)(nil)
)

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations. ":memory:" gives a private
// in-process database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion constructor

// #region violations
// RecordViolation appends one constraint violation.
func (s *Store) RecordViolation(v gate.Violation) error {
	var indices any
	if len(v.Indices) > 0 {
		b, err := json.Marshal(v.Indices)
		if err != nil {
			return fmt.Errorf("marshal indices: %w", err)
		}
		indices = string(b)
	}
	_, err := s.db.Exec(
		`INSERT INTO constraint_violations (rule, magnitude, safety_level, indices_json, non_finite, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(v.Rule), v.Magnitude, v.SafetyLevel.String(), indices, v.NonFinite, formatTime(v.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// ListViolations returns the most recent violations, newest first.
func (s *Store) ListViolations(limit int) ([]gate.Violation, error) {
	rows, err := s.db.Query(
		`SELECT rule, magnitude, safety_level, indices_json, non_finite, occurred_at
		 FROM constraint_violations ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []gate.Violation
	for rows.Next() {
		var v gate.Violation
		var rule, level, at string
		var indices sql.NullString
		if err := rows.Scan(&rule, &v.Magnitude, &level, &indices, &v.NonFinite, &at); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Rule = gate.Rule(rule)
		if v.SafetyLevel, err = safety.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("violation level: %w", err)
		}
		if indices.Valid {
			if err := json.Unmarshal([]byte(indices.String), &v.Indices); err != nil {
				return nil, fmt.Errorf("unmarshal indices: %w", err)
			}
		}
		v.Timestamp = parseTime(at)
		out = append(out, v)
	}
	return out, rows.Err()
}

// #endregion violations

// #region events
// RecordEvent stores a completed emergency event. Success is not stored; it is always
// re-derived from the two latencies.
func (s *Store) RecordEvent(e shutdown.EmergencyEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO emergency_events (event_id, trigger_timestamp, trigger_reason, safety_level,
		   deadline_ms, response_time_ms, system_safe_state, attempts, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.TriggerTimestamp), e.TriggerReason, e.SafetyLevel.String(),
		e.DeadlineMs(), e.ResponseTimeMs(), e.SystemSafeState, e.Attempts, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// ListEvents returns the most recent emergency events, newest first.
func (s *Store) ListEvents(limit int) ([]shutdown.EmergencyEvent, error) {
	rows, err := s.db.Query(
		`SELECT event_id, trigger_timestamp, trigger_reason, safety_level, deadline_ms,
		   response_time_ms, system_safe_state, attempts
		 FROM emergency_events ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []shutdown.EmergencyEvent
	for rows.Next() {
		var e shutdown.EmergencyEvent
		var trig, level string
		var deadlineMs, responseMs float64
		if err := rows.Scan(&e.ID, &trig, &e.TriggerReason, &level, &deadlineMs, &responseMs,
			&e.SystemSafeState, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.SafetyLevel, err = safety.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("event level: %w", err)
		}
		e.TriggerTimestamp = parseTime(trig)
		e.Deadline = fromMillis(deadlineMs)
		e.ResponseTime = fromMillis(responseMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion events

// #region transitions
// RecordTransition appends one state-machine transition.
func (s *Store) RecordTransition(t shutdown.Transition) error {
	_, err := s.db.Exec(
		`INSERT INTO state_transitions (from_state, to_state, reason, occurred_at) VALUES (?, ?, ?, ?)`,
		string(t.From), string(t.To), t.Reason, formatTime(t.At),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns the most recent transitions in the order they were recorded.
func (s *Store) ListTransitions(limit int) ([]shutdown.Transition, error) {
	rows, err := s.db.Query(
		`SELECT from_state, to_state, reason, occurred_at FROM (
		   SELECT id, from_state, to_state, reason, occurred_at
		   FROM state_transitions ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []shutdown.Transition
	for rows.Next() {
		var t shutdown.Transition
		var from, to, at string
		var reason sql.NullString
		if err := rows.Scan(&from, &to, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From, t.To = shutdown.State(from), shutdown.State(to)
		t.Reason = reason.String
		t.At = parseTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// #endregion transitions

// #region samples
// SaveSamples stores a closed trial batch and returns its ID.
func (s *Store) SaveSamples(description string, samples []eval.TrialSample) (string, error) {
	id := uuid.New().String()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO trial_batches (batch_id, description, created_at) VALUES (?, ?, ?)`,
		id, description, formatTime(time.Now()),
	); err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO trial_samples (batch_id, trial_id, metric, value, target, tolerance, sampled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return "", fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i, smp := range samples {
		if _, err := stmt.Exec(id, smp.TrialID, string(smp.Metric), smp.Value, smp.Target, smp.Tolerance,
			formatTime(smp.Timestamp)); err != nil {
			return "", fmt.Errorf("insert sample %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// LoadSamples reads a stored batch in insertion order.
func (s *Store) LoadSamples(batchID string) ([]eval.TrialSample, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM trial_batches WHERE batch_id = ?`, batchID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check batch: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	rows, err := s.db.Query(
		`SELECT trial_id, metric, value, target, tolerance, sampled_at
		 FROM trial_samples WHERE batch_id = ? ORDER BY id ASC`, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	defer rows.Close()

	var out []eval.TrialSample
	for rows.Next() {
		var smp eval.TrialSample
		var metric string
		var at sql.NullString
		if err := rows.Scan(&smp.TrialID, &metric, &smp.Value, &smp.Target, &smp.Tolerance, &at); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.Metric = eval.Metric(metric)
		smp.Timestamp = parseTime(at.String)
		out = append(out, smp)
	}
	return out, rows.Err()
}

// LatestBatch returns the ID of the most recently stored batch.
func (s *Store) LatestBatch() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT batch_id FROM trial_batches ORDER BY rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("latest batch: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("latest batch: %w", err)
	}
	return id, nil
}

// #endregion samples

// #region reports
// SaveReport stores a resolved UQ report.
func (s *Store) SaveReport(r eval.UQReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO uq_reports (report_id, generated_at, overall_status, report_json) VALUES (?, ?, ?, ?)`,
		r.ID, formatTime(r.GeneratedAt), string(r.OverallStatus), string(b),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// LatestReport returns the most recently stored UQ report.
func (s *Store) LatestReport() (eval.UQReport, error) {
	reports, err := s.ListReports(1)
	if err != nil {
		return eval.UQReport{}, err
	}
	if len(reports) == 0 {
		return eval.UQReport{}, fmt.Errorf("latest report: %w", ErrNotFound)
	}
	return reports[0], nil
}

// ListReports returns the most recent UQ reports, newest first.
func (s *Store) ListReports(limit int) ([]eval.UQReport, error) {
	rows, err := s.db.Query(`SELECT report_json FROM uq_reports ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []eval.UQReport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		var r eval.UQReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion reports

// #region time-encoding
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// #endregion time-encoding
