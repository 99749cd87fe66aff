package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/lucid/internal/session"
)

// ErrNotFound is returned when a session is not in the archive.
var ErrNotFound = errors.New("persistence: session not found")

// SessionRecord is one archived session without its projections.
type SessionRecord struct {
	ID              string        `json:"id"`
	EngineSessionID string        `json:"engine_session_id,omitempty"`
	ProjectID       string        `json:"project_id,omitempty"`
	Task            string        `json:"task,omitempty"`
	State           session.State `json:"state"`
	Error           string        `json:"error,omitempty"`
	Reconnects      int           `json:"reconnects"`
	ChatCount       int           `json:"chat_count"`
	LogCount        int           `json:"log_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Transcript is an archived session with its chat, log stream and files.
type Transcript struct {
	SessionRecord
	Chat  []session.ChatMessage `json:"chat"`
	Logs  []session.LogEntry    `json:"logs"`
	Files []string              `json:"files"`
}

// SaveSnapshot upserts the session row and replaces its projections in one
// transaction. Saving the same session repeatedly keeps only the latest view.
func (s *Store) SaveSnapshot(ctx context.Context, projectID, task string, snap session.Snapshot) error {
	if _, err := uuid.Parse(snap.ID); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		return s.saveSnapshot(ctx, projectID, task, snap)
	})
}

func (s *Store) saveSnapshot(ctx context.Context, projectID, task string, snap session.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updated := snap.UpdatedAt.UTC()
	if snap.UpdatedAt.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, engine_session_id, project_id, task, state, error, reconnects, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			engine_session_id = excluded.engine_session_id,
			project_id = excluded.project_id,
			task = CASE WHEN excluded.task = '' THEN sessions.task ELSE excluded.task END,
			state = excluded.state,
			error = excluded.error,
			reconnects = excluded.reconnects,
			updated_at = excluded.updated_at;
	`, snap.ID, snap.SessionID, projectID, task, string(snap.State), snap.Error, snap.Reconnects, updated, updated); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, table := range []string{"chat_messages", "log_entries", "session_files"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?;`, snap.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	chatStmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare chat insert: %w", err)
	}
	defer chatStmt.Close()
	for _, m := range snap.Chat {
		if _, err := chatStmt.ExecContext(ctx, snap.ID, int64(m.ID), string(m.Role), m.Content, m.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
	}

	logStmt, err := tx.PrepareContext(ctx, `INSERT INTO log_entries (session_id, seq, type, content, created_at) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer logStmt.Close()
	for _, e := range snap.Logs {
		if _, err := logStmt.ExecContext(ctx, snap.ID, int64(e.ID), string(e.Type), e.Content, e.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}

	fileStmt, err := tx.PrepareContext(ctx, `INSERT INTO session_files (session_id, position, path) VALUES (?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare file insert: %w", err)
	}
	defer fileStmt.Close()
	for i, path := range snap.Files {
		if _, err := fileStmt.ExecContext(ctx, snap.ID, i, path); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

// ListSessions returns archived sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.engine_session_id, s.project_id, s.task, s.state, s.error, s.reconnects,
			(SELECT COUNT(*) FROM chat_messages c WHERE c.session_id = s.id),
			(SELECT COUNT(*) FROM log_entries l WHERE l.session_id = s.id),
			s.created_at, s.updated_at
		FROM sessions s
		ORDER BY s.updated_at DESC, s.id
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}

func scanSession(scan func(dest ...any) error) (SessionRecord, error) {
	var rec SessionRecord
	var state string
	if err := scan(&rec.ID, &rec.EngineSessionID, &rec.ProjectID, &rec.Task, &state, &rec.Error,
		&rec.Reconnects, &rec.ChatCount, &rec.LogCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, fmt.Errorf("scan session: %w", err)
	}
	rec.State = session.State(state)
	return rec, nil
}

// LoadTranscript returns one archived session. id may be the local session id
// or the engine's session id.
func (s *Store) LoadTranscript(ctx context.Context, id string) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.engine_session_id, s.project_id, s.task, s.state, s.error, s.reconnects,
			(SELECT COUNT(*) FROM chat_messages c WHERE c.session_id = s.id),
			(SELECT COUNT(*) FROM log_entries l WHERE l.session_id = s.id),
			s.created_at, s.updated_at
		FROM sessions s
		WHERE s.id = ? OR s.engine_session_id = ?
		ORDER BY s.updated_at DESC
		LIMIT 1;
	`, id, id)
	rec, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := &Transcript{SessionRecord: rec}

	chatRows, err := s.db.QueryContext(ctx, `SELECT seq, role, content, created_at FROM chat_messages WHERE session_id = ? ORDER BY seq;`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	defer chatRows.Close()
	for chatRows.Next() {
		var m session.ChatMessage
		var seq int64
		var role string
		if err := chatRows.Scan(&seq, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		m.ID, m.Role = uint64(seq), session.Role(role)
		t.Chat = append(t.Chat, m)
	}
	if err := chatRows.Err(); err != nil {
		return nil, fmt.Errorf("chat rows: %w", err)
	}

	logRows, err := s.db.QueryContext(ctx, `SELECT seq, type, content, created_at FROM log_entries WHERE session_id = ? ORDER BY seq;`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer logRows.Close()
	for logRows.Next() {
		var e session.LogEntry
		var seq int64
		var typ string
		if err := logRows.Scan(&seq, &typ, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.ID, e.Type = uint64(seq), session.LogType(typ)
		t.Logs = append(t.Logs, e)
	}
	if err := logRows.Err(); err != nil {
		return nil, fmt.Errorf("log rows: %w", err)
	}

	fileRows, err := s.db.QueryContext(ctx, `SELECT path FROM session_files WHERE session_id = ? ORDER BY position;`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer fileRows.Close()
	for fileRows.Next() {
		var p string
		if err := fileRows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		t.Files = append(t.Files, p)
	}
	if err := fileRows.Err(); err != nil {
		return nil, fmt.Errorf("file rows: %w", err)
	}
	return t, nil
}

// DeleteSession removes a session and its projections.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneOlderThan deletes sessions last updated before cutoff and reports how many went.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
