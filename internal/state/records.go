package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/critic/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Review is one persisted review run.
type Review struct {
	ID          string                 `json:"id"`
	ChangeSetID string                 `json:"change_set_id"`
	Title       string                 `json:"title"`
	State       string                 `json:"state"`
	TaskCount   int                    `json:"task_count"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Report      *models.AnalysisReport `json:"report,omitempty"`
}

// Terminal review states as written by the orchestrator.
const (
	ReviewCompleted = "COMPLETED"
	ReviewCancelled = "CANCELLED"
	ReviewError     = "ERROR"
)

// SaveReview inserts or replaces a review row.
func (db *DB) SaveReview(r *Review) error {
	var report sql.NullString
	if r.Report != nil {
		data, err := json.Marshal(r.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		report = sql.NullString{String: string(data), Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO reviews (id, change_set_id, title, state, task_count, started_at, finished_at, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			task_count = excluded.task_count,
			finished_at = excluded.finished_at,
			report = excluded.report
	`, r.ID, r.ChangeSetID, r.Title, r.State, r.TaskCount, formatTime(r.StartedAt), nullableTime(r.FinishedAt), report)
	if err != nil {
		return fmt.Errorf("save review %s: %w", r.ID, err)
	}
	return nil
}

// GetReview returns the review with id.
func (db *DB) GetReview(id string) (*Review, error) {
	row := db.QueryRow(`
		SELECT id, change_set_id, title, state, task_count, started_at, finished_at, report
		FROM reviews WHERE id = ?
	`, id)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListReviews returns the most recent reviews, newest first. The report
// body is omitted; use GetReview for it.
func (db *DB) ListReviews(limit int) ([]Review, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, change_set_id, title, state, task_count, started_at, finished_at, NULL
		FROM reviews ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkInterrupted moves reviews left in a non-terminal state by a crashed
// process to ERROR. Returns the number of reviews updated.
func (db *DB) MarkInterrupted() (int64, error) {
	res, err := db.Exec(`
		UPDATE reviews SET state = ?, finished_at = ?
		WHERE state NOT IN (?, ?, ?)
	`, ReviewError, formatTime(time.Now()), ReviewCompleted, ReviewCancelled, ReviewError)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted reviews: %w", err)
	}
	return res.RowsAffected()
}

// PurgeReviews deletes reviews, and their sessions, older than olderThan.
func (db *DB) PurgeReviews(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	var count int64
	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM turns WHERE session_id IN (
				SELECT s.id FROM sessions s JOIN reviews r ON s.review_id = r.id WHERE r.started_at < ?
			)`, cutoff); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			DELETE FROM sessions WHERE review_id IN (SELECT id FROM reviews WHERE started_at < ?)
		`, cutoff); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM reviews WHERE started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge reviews: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReview(s scanner) (*Review, error) {
	var (
		r             Review
		title, report sql.NullString
		started       string
		finished      sql.NullString
	)
	if err := s.Scan(&r.ID, &r.ChangeSetID, &title, &r.State, &r.TaskCount, &started, &finished, &report); err != nil {
		return nil, err
	}
	r.Title = title.String
	t, err := parseTime(started)
	if err != nil {
		return nil, fmt.Errorf("parse review start: %w", err)
	}
	r.StartedAt = t
	r.FinishedAt = parseNullableTime(finished)
	if report.Valid {
		var rep models.AnalysisReport
		if err := json.Unmarshal([]byte(report.String), &rep); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		r.Report = &rep
	}
	return &r, nil
}

// SaveSession writes s and replaces its turns.
func (db *DB) SaveSession(s models.AgentSession) error {
	visited, err := json.Marshal(s.Visited)
	if err != nil {
		return fmt.Errorf("marshal visited states: %w", err)
	}
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO sessions (id, review_id, task_id, work_unit_id, change_set_id, state, visited, depth, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				visited = excluded.visited,
				depth = excluded.depth,
				completed_at = excluded.completed_at
		`, s.ID, s.ReviewID, s.TaskID, s.WorkUnitID, s.ChangeSetID, string(s.State), string(visited),
			string(s.Depth), formatTime(s.StartedAt), nullableTime(s.CompletedAt)); err != nil {
			return fmt.Errorf("save session %s: %w", s.ID, err)
		}
		if _, err := tx.Exec(`DELETE FROM turns WHERE session_id = ?`, s.ID); err != nil {
			return fmt.Errorf("clear turns for %s: %w", s.ID, err)
		}
		for _, t := range s.Turns {
			if _, err := tx.Exec(`
				INSERT INTO turns (session_id, idx, phase, prompt, response, input_tokens, output_tokens, attempts, at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, s.ID, t.Index, t.Phase, t.Prompt, t.Response, t.InputTokens, t.OutputTokens, t.Attempts, formatTime(t.At)); err != nil {
				return fmt.Errorf("save turn %d of %s: %w", t.Index, s.ID, err)
			}
		}
		return nil
	})
}

// GetSession returns the session with id, turns included.
func (db *DB) GetSession(id string) (*models.AgentSession, error) {
	row := db.QueryRow(`
		SELECT id, review_id, task_id, work_unit_id, change_set_id, state, visited, depth, started_at, completed_at
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if s.Turns, err = db.turns(id); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns every session of reviewID, oldest first, turns included.
func (db *DB) ListSessions(reviewID string) ([]models.AgentSession, error) {
	rows, err := db.Query(`
		SELECT id, review_id, task_id, work_unit_id, change_set_id, state, visited, depth, started_at, completed_at
		FROM sessions WHERE review_id = ? ORDER BY started_at, id
	`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []models.AgentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Turns, err = db.turns(out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) turns(sessionID string) ([]models.Turn, error) {
	rows, err := db.Query(`
		SELECT idx, phase, prompt, response, input_tokens, output_tokens, attempts, at
		FROM turns WHERE session_id = ? ORDER BY idx
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var (
			t  models.Turn
			at string
		)
		if err := rows.Scan(&t.Index, &t.Phase, &t.Prompt, &t.Response, &t.InputTokens, &t.OutputTokens, &t.Attempts, &at); err != nil {
			return nil, err
		}
		if t.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse turn time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSession(s scanner) (*models.AgentSession, error) {
	var (
		sess             models.AgentSession
		state, depth     string
		visited, started string
		completed        sql.NullString
	)
	if err := s.Scan(&sess.ID, &sess.ReviewID, &sess.TaskID, &sess.WorkUnitID, &sess.ChangeSetID,
		&state, &visited, &depth, &started, &completed); err != nil {
		return nil, err
	}
	sess.State = models.AgentState(state)
	sess.Depth = models.Depth(depth)
	if err := json.Unmarshal([]byte(visited), &sess.Visited); err != nil {
		return nil, fmt.Errorf("unmarshal visited states: %w", err)
	}
	t, err := parseTime(started)
	if err != nil {
		return nil, fmt.Errorf("parse session start: %w", err)
	}
	sess.StartedAt = t
	sess.CompletedAt = parseNullableTime(completed)
	return &sess, nil
}

// AppendAudit appends one audit entry.
func (db *DB) AppendAudit(e models.AuditEntry) error {
	_, err := db.Exec(`
		INSERT INTO audit_entries (id, request_id, operation, level, outcome, review_id, resource, decided_by, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RequestID, string(e.Operation), string(e.Level), string(e.Outcome), e.ReviewID,
		e.Resource, e.DecidedBy, e.Reason, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries in append order. An empty reviewID lists all.
func (db *DB) ListAudit(reviewID string) ([]models.AuditEntry, error) {
	query := `SELECT id, request_id, operation, level, outcome, review_id, resource, decided_by, reason, timestamp
		FROM audit_entries`
	var args []any
	if reviewID != "" {
		query += ` WHERE review_id = ?`
		args = append(args, reviewID)
	}
	query += ` ORDER BY seq`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e                                         models.AuditEntry
			op, level, outcome, ts                    string
			requestID, review, resource, decided, why sql.NullString
		)
		if err := rows.Scan(&e.ID, &requestID, &op, &level, &outcome, &review, &resource, &decided, &why, &ts); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.Operation = models.OperationType(op)
		e.Level = models.PermissionLevel(level)
		e.Outcome = models.AuthorizationStatus(outcome)
		e.ReviewID = review.String
		e.Resource = resource.String
		e.DecidedBy = decided.String
		e.Reason = why.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse audit time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendErrorRecord appends one recovery record.
func (db *DB) AppendErrorRecord(rec models.ErrorRecord) error {
	_, err := db.Exec(`
		INSERT INTO error_records (id, category, severity, component, message, action, attempt, review_id, task_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Category), string(rec.Severity), rec.Component, rec.Message, string(rec.Action),
		rec.Attempt, rec.ReviewID, rec.TaskID, formatTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	return nil
}

// ListErrorRecords returns records at or after since, oldest first.
func (db *DB) ListErrorRecords(since time.Time) ([]models.ErrorRecord, error) {
	rows, err := db.Query(`
		SELECT id, category, severity, component, message, action, attempt, review_id, task_id, timestamp
		FROM error_records WHERE timestamp >= ? ORDER BY timestamp, seq
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	var out []models.ErrorRecord
	for rows.Next() {
		var (
			r                                models.ErrorRecord
			category, severity, action, ts   string
			component, message, review, task sql.NullString
		)
		if err := rows.Scan(&r.ID, &category, &severity, &component, &message, &action, &r.Attempt, &review, &task, &ts); err != nil {
			return nil, err
		}
		r.Category = models.ErrorCategory(category)
		r.Severity = models.ErrorSeverity(severity)
		r.Action = models.RecoveryAction(action)
		r.Component = component.String
		r.Message = message.String
		r.ReviewID = review.String
		r.TaskID = task.String
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse record time: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeErrorRecords deletes records older than olderThan.
func (db *DB) PurgeErrorRecords(olderThan time.Duration) (int64, error) {
	return db.purge("error_records", "timestamp", olderThan)
}
