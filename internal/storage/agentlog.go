package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/tally/internal/telemetry"
)

var _ telemetry.Sink = (*Store)(nil)

// Write inserts a batch of agent records in one transaction. Records already
// present (same id) are replaced, so a retried flush is harmless.
func (s *Store) Write(ctx context.Context, batch []telemetry.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning agent log transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO agent_logs (id, session_id, agent, user_name, timestamp, attempts, calls, error,
			exec_attempt, exec_error, was_retry, duration_seconds, question, answer, rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing agent log insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.SessionID, r.Agent, r.User, formatTime(r.Timestamp), r.Attempts, r.Calls,
			nullString(r.Error), nullInt(r.ExecAttempt), nullString(r.ExecError), r.WasRetry,
			nullFloat(r.DurationSeconds), r.Question, nullString(r.Answer), nullInt(r.Rating),
		); err != nil {
			return fmt.Errorf("inserting agent record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateRating(ctx context.Context, id string, rating int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_logs SET rating = ? WHERE id = ?`, rating, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentRecords returns up to limit records, newest first. A non-empty
// sessionID restricts the result to that session.
func (s *Store) RecentRecords(ctx context.Context, sessionID string, limit int) ([]telemetry.Record, error) {
	query := `SELECT id, session_id, agent, user_name, timestamp, attempts, calls, error, exec_attempt,
		exec_error, was_retry, duration_seconds, question, answer, rating FROM agent_logs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Record
	for rows.Next() {
		var r telemetry.Record
		var ts string
		var errText, execErr, answer sql.NullString
		var execAttempt, rating sql.NullInt64
		var dur sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Agent, &r.User, &ts, &r.Attempts, &r.Calls, &errText,
			&execAttempt, &execErr, &r.WasRetry, &dur, &r.Question, &answer, &rating); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp for record %s: %w", r.ID, err)
		}
		if errText.Valid {
			r.Error = &errText.String
		}
		if execErr.Valid {
			r.ExecError = &execErr.String
		}
		if answer.Valid {
			r.Answer = &answer.String
		}
		if execAttempt.Valid {
			r.ExecAttempt = telemetry.Ptr(int(execAttempt.Int64))
		}
		if rating.Valid {
			r.Rating = telemetry.Ptr(int(rating.Int64))
		}
		if dur.Valid {
			r.DurationSeconds = &dur.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
