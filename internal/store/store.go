// Package store provides SQLite persistence for the baseline, the
// intervention and feedback history, and per-session summaries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stressd/internal/anxiety"
	"stressd/internal/baseline"
	"stressd/internal/intervention"
	"stressd/internal/session"
)

// Store represents the SQLite history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// LoadBaseline implements baseline.Persister.
func (s *Store) LoadBaseline(ctx context.Context) (baseline.Data, bool, error) {
	var d baseline.Data
	var start, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_start_ns, last_activity_ns, total_keystrokes, total_backspaces,
		       total_compiles, failed_compiles, sessions
		FROM baseline WHERE id = 1`,
	).Scan(&start, &last, &d.TotalKeystrokes, &d.TotalBackspaces, &d.TotalCompiles, &d.FailedCompiles, &d.Sessions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return baseline.Data{}, false, nil
		}
		return baseline.Data{}, false, fmt.Errorf("load baseline: %w", err)
	}
	d.SessionStart = fromNanos(start)
	d.LastActivity = fromNanos(last)
	return d, true, nil
}

// SaveBaseline implements baseline.Persister.
func (s *Store) SaveBaseline(ctx context.Context, d baseline.Data) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baseline (id, session_start_ns, last_activity_ns, total_keystrokes, total_backspaces,
		                      total_compiles, failed_compiles, sessions, updated_at_ns)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_start_ns = excluded.session_start_ns,
			last_activity_ns = excluded.last_activity_ns,
			total_keystrokes = excluded.total_keystrokes,
			total_backspaces = excluded.total_backspaces,
			total_compiles   = excluded.total_compiles,
			failed_compiles  = excluded.failed_compiles,
			sessions         = excluded.sessions,
			updated_at_ns    = excluded.updated_at_ns`,
		nanos(d.SessionStart), nanos(d.LastActivity), d.TotalKeystrokes, d.TotalBackspaces,
		d.TotalCompiles, d.FailedCompiles, d.Sessions, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// ClearBaseline removes the stored baseline.
func (s *Store) ClearBaseline(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM baseline"); err != nil {
		return fmt.Errorf("clear baseline: %w", err)
	}
	return nil
}

// SaveIntervention inserts or replaces an intervention. It implements
// intervention.Recorder.
func (s *Store) SaveIntervention(ctx context.Context, iv intervention.Intervention) error {
	options, err := json.Marshal(iv.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	triggered, err := json.Marshal(iv.TriggeredFeatures)
	if err != nil {
		return fmt.Errorf("encode triggered features: %w", err)
	}
	var response sql.NullInt64
	if !iv.ResponseTime.IsZero() {
		response = sql.NullInt64{Int64: iv.ResponseTime.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interventions (id, timestamp_ns, level, type, severity, title, message, hint, error_type,
		                           options, accepted, dismissed, response_time_ns, relief_score, confidence,
		                           triggered_features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			accepted         = excluded.accepted,
			dismissed        = excluded.dismissed,
			response_time_ns = excluded.response_time_ns,
			relief_score     = excluded.relief_score`,
		iv.ID, nanos(iv.Timestamp), iv.Level.String(), iv.Type.String(), iv.Severity.String(),
		iv.Title, iv.Message, iv.Hint, iv.ErrorType, string(options), iv.Accepted, iv.Dismissed,
		response, iv.ReliefScore, iv.Confidence, string(triggered),
	)
	if err != nil {
		return fmt.Errorf("save intervention: %w", err)
	}
	return nil
}

// InterventionRecord is a stored intervention. Type and severity are kept
// as their names.
type InterventionRecord struct {
	ID                string
	Timestamp         time.Time
	Level             anxiety.Level
	Type              string
	Severity          string
	Title             string
	Message           string
	Hint              string
	ErrorType         string
	Options           []string
	Accepted          bool
	Dismissed         bool
	ResponseTime      time.Time
	ReliefScore       int
	Confidence        float64
	TriggeredFeatures []string
}

// ListInterventions returns the most recent interventions, newest first.
// A non-positive limit returns all of them.
func (s *Store) ListInterventions(ctx context.Context, limit int) ([]InterventionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ns, level, type, severity, title, message, hint, error_type, options,
		       accepted, dismissed, response_time_ns, relief_score, confidence, triggered_features
		FROM interventions ORDER BY timestamp_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []InterventionRecord
	for rows.Next() {
		var r InterventionRecord
		var ts int64
		var level, options, triggered string
		var hint, errorType sql.NullString
		var response sql.NullInt64
		if err := rows.Scan(&r.ID, &ts, &level, &r.Type, &r.Severity, &r.Title, &r.Message, &hint, &errorType,
			&options, &r.Accepted, &r.Dismissed, &response, &r.ReliefScore, &r.Confidence, &triggered); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		r.Timestamp = fromNanos(ts)
		r.Level = anxiety.ParseLevel(level)
		r.Hint = hint.String
		r.ErrorType = errorType.String
		if response.Valid {
			r.ResponseTime = fromNanos(response.Int64)
		}
		if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(triggered), &r.TriggeredFeatures); err != nil {
			return nil, fmt.Errorf("decode triggered features of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveFeedback appends a rating. It implements intervention.Recorder.
func (s *Store) SaveFeedback(ctx context.Context, fb intervention.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (timestamp_ns, intervention_id, rating, comment, helpful)
		VALUES (?, ?, ?, ?, ?)`,
		nanos(fb.Timestamp), fb.InterventionID, fb.Rating, fb.Comment, fb.Helpful,
	)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// ListFeedback returns all feedback, oldest first.
func (s *Store) ListFeedback(ctx context.Context) ([]intervention.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ns, intervention_id, rating, comment, helpful
		FROM feedback ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []intervention.Feedback
	for rows.Next() {
		var fb intervention.Feedback
		var ts int64
		var comment sql.NullString
		if err := rows.Scan(&ts, &fb.InterventionID, &fb.Rating, &comment, &fb.Helpful); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.Timestamp = fromNanos(ts)
		fb.Comment = comment.String
		out = append(out, fb)
	}
	return out, rows.Err()
}

// SessionRecord is a stored session summary.
type SessionRecord struct {
	ID int64
	session.Summary
	ExportPath string
}

// SaveSession records a finished session and returns its row ID.
func (s *Store) SaveSession(ctx context.Context, sum session.Summary, exportPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, start_ns, end_ns, total_keystrokes, total_backspaces, total_compiles,
		                      failed_compiles, repeated_errors, wpm, export_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, nanos(sum.Start), nanos(sum.End), sum.TotalKeystrokes, sum.TotalBackspaces, sum.TotalCompiles,
		sum.FailedCompiles, sum.RepeatedErrors, sum.WPM, exportPath,
	)
	if err != nil {
		return 0, fmt.Errorf("save session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// ListSessions returns the most recent sessions, newest first. A
// non-positive limit returns all of them.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, start_ns, end_ns, total_keystrokes, total_backspaces, total_compiles,
		       failed_compiles, repeated_errors, wpm, export_path
		FROM sessions ORDER BY start_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var start, end int64
		var export sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &start, &end, &r.TotalKeystrokes, &r.TotalBackspaces, &r.TotalCompiles,
			&r.FailedCompiles, &r.RepeatedErrors, &r.WPM, &export); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.Start = fromNanos(start)
		r.End = fromNanos(end)
		r.ExportPath = export.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates the history.
type Stats struct {
	Sessions        int                   `json:"sessions"`
	Keystrokes      int                   `json:"keystrokes"`
	FailedCompiles  int                   `json:"failed_compiles"`
	Interventions   int                   `json:"interventions"`
	ByLevel         map[anxiety.Level]int `json:"by_level"`
	Accepted        int                   `json:"accepted"`
	AverageRelief   float64               `json:"average_relief"`
	FeedbackCount   int                   `json:"feedback_count"`
	AverageRating   float64               `json:"average_rating"`
	HelpfulFeedback int                   `json:"helpful_feedback"`
}

// Stats computes history totals. Average relief counts only positive
// scores.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByLevel: make(map[anxiety.Level]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_keystrokes), 0), COALESCE(SUM(failed_compiles), 0)
		FROM sessions`).Scan(&st.Sessions, &st.Keystrokes, &st.FailedCompiles)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(accepted), 0),
		       COALESCE((SELECT AVG(relief_score) FROM interventions WHERE relief_score > 0), 0)
		FROM interventions`).Scan(&st.Interventions, &st.Accepted, &st.AverageRelief)
	if err != nil {
		return nil, fmt.Errorf("intervention stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT level, COUNT(*) FROM interventions GROUP BY level")
	if err != nil {
		return nil, fmt.Errorf("intervention levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan level count: %w", err)
		}
		st.ByLevel[anxiety.ParseLevel(level)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(rating), 0), COALESCE(SUM(helpful), 0)
		FROM feedback`).Scan(&st.FeedbackCount, &st.AverageRating, &st.HelpfulFeedback)
	if err != nil {
		return nil, fmt.Errorf("feedback stats: %w", err)
	}
	return st, nil
}
