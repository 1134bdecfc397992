package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ulugris/orthosis/internal/params"
)

// Session is one Running period of the orthosis.
type Session struct {
	ID         string    `json:"id"`
	Started    time.Time `json:"started"`
	Stopped    time.Time `json:"stopped,omitzero"`
	DumpPrefix string    `json:"dump_prefix,omitempty"`
	Samples    int       `json:"samples"`
}

func (s *Session) String() string {
	if s.Stopped.IsZero() {
		return fmt.Sprintf("Session %s: started %s, running", s.ID, s.Started.Format(time.RFC3339))
	}
	return fmt.Sprintf("Session %s: %s, %d samples, logs %s",
		s.ID, s.Stopped.Sub(s.Started).Round(time.Millisecond), s.Samples, s.DumpPrefix)
}

// BeginSession records the start of a session and returns its id.
func (db *DB) BeginSession(ctx context.Context, start time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_unix_nanos) VALUES (?, ?)`,
		id, start.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// EndSession closes a session with its dump prefix and sample count.
func (db *DB) EndSession(ctx context.Context, id string, stop time.Time, prefix string, samples int) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET stopped_unix_nanos = ?, dump_prefix = ?, samples = ? WHERE session_id = ?`,
		stop.UnixNano(), prefix, samples, id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// Sessions returns up to limit sessions, most recent first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, started_unix_nanos, stopped_unix_nanos, dump_prefix, samples
		FROM sessions
		ORDER BY started_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			stopped sql.NullInt64
			prefix  sql.NullString
		)
		if err := rows.Scan(&s.ID, &started, &stopped, &prefix, &s.Samples); err != nil {
			return nil, err
		}
		s.Started = time.Unix(0, started)
		if stopped.Valid {
			s.Stopped = time.Unix(0, stopped.Int64)
		}
		s.DumpPrefix = prefix.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ParamChange is one audited set-parameter request.
type ParamChange struct {
	Time     time.Time   `json:"time"`
	Channel  int         `json:"channel"`
	Knob     params.Knob `json:"knob"`
	Value    float64     `json:"value"`
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
}

// RecordParamChange appends c to the audit trail.
func (db *DB) RecordParamChange(ctx context.Context, at time.Time, c params.Change) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO param_changes (changed_unix_nanos, channel, knob, value, accepted, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		at.UnixNano(), c.Channel, int(c.Knob), c.Value, c.Accepted, c.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert parameter change: %w", err)
	}
	return nil
}

// ParamChanges returns up to limit audited changes, most recent first.
func (db *DB) ParamChanges(ctx context.Context, limit int) ([]ParamChange, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT changed_unix_nanos, channel, knob, value, accepted, reason
		FROM param_changes
		ORDER BY change_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []ParamChange
	for rows.Next() {
		var (
			c      ParamChange
			at     int64
			knob   int
			reason sql.NullString
		)
		if err := rows.Scan(&at, &c.Channel, &knob, &c.Value, &c.Accepted, &reason); err != nil {
			return nil, err
		}
		c.Time = time.Unix(0, at)
		c.Knob = params.Knob(knob)
		c.Reason = reason.String
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
