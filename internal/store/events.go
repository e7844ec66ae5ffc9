package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StageEvent is one entry in a session's pipeline trace.
type StageEvent struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
	Package   string `json:"package"`
	Version   string `json:"version"`
	Stage     string `json:"stage"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}

// WriteStageEvent appends an event to the trace.
// Uses ON CONFLICT DO NOTHING so re-recording the same (session, seq) is a no-op.
func (s *Store) WriteStageEvent(ctx context.Context, ev StageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_events (session_id, seq, package, version, stage, kind, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`, ev.SessionID, ev.Seq, ev.Package, ev.Version, ev.Stage, ev.Kind, ev.Detail)
	if err != nil {
		return fmt.Errorf("write stage event: %w", err)
	}
	return nil
}

// ReadSessionEvents returns a session's events in emission order.
// Returns an empty slice (not nil) for an unknown session.
func (s *Store) ReadSessionEvents(ctx context.Context, sessionID string) ([]StageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, package, version, stage, kind, detail
		FROM stage_events
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	events := []StageEvent{}
	for rows.Next() {
		var ev StageEvent
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.Package, &ev.Version, &ev.Stage, &ev.Kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage events: %w", err)
	}
	return events, nil
}

// LastSession returns the ID of the most recent session that touched the
// package, whether or not it succeeded. Sessions are ordered by the rowid of
// their first event.
func (s *Store) LastSession(ctx context.Context, pkg string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM stage_events
		WHERE package = ?
		GROUP BY session_id
		ORDER BY MIN(rowid) DESC
		LIMIT 1
	`, pkg).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("last session %s: %w", pkg, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("last session: %w", err)
	}
	return id, nil
}
