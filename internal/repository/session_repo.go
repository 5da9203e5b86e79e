// Package repository provides data access for session metadata.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/devdesk-terminal/host/internal/model"
)

// SessionRepository persists session records in SQLite.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a repository around an open database.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	envJSON, err := session.EnvToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	query := `
		INSERT INTO sessions (id, name, shell, workdir, env, cols, rows, state, pid, transcript_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.Name,
		session.Shell,
		session.Workdir,
		envJSON,
		session.Cols,
		session.Rows,
		session.State.String(),
		session.PID,
		session.TranscriptPath,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves one session record.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, name, shell, workdir, env, cols, rows, state, exit_code, pid, transcript_path, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, query, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List retrieves all session records, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]*model.Session, error) {
	query := `
		SELECT id, name, shell, workdir, env, cols, rows, state, exit_code, pid, transcript_path, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes a session record.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// UpdateState records a state transition, with the exit code when known.
func (r *SessionRepository) UpdateState(ctx context.Context, id string, state model.SessionState, exitCode *int) error {
	query := `
		UPDATE sessions
		SET state = ?, exit_code = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, state.String(), exitCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// UpdatePID records the shell's process ID once the spawn completes.
func (r *SessionRepository) UpdatePID(ctx context.Context, id string, pid int) error {
	query := `UPDATE sessions SET pid = ?, updated_at = ? WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, pid, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session pid: %w", err)
	}
	return nil
}

// UpdateSize records the last applied terminal geometry.
func (r *SessionRepository) UpdateSize(ctx context.Context, id string, cols, rows int) error {
	query := `UPDATE sessions SET cols = ?, rows = ?, updated_at = ? WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, cols, rows, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session size: %w", err)
	}
	return nil
}

// CountActive returns the number of sessions in the running state.
func (r *SessionRepository) CountActive(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE state = ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, model.SessionRunning.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// Exists reports whether a session record exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var (
		envJSON        sql.NullString
		stateText      string
		exitCode       sql.NullInt64
		pid            sql.NullInt64
		transcriptPath sql.NullString
	)

	err := row.Scan(
		&session.ID,
		&session.Name,
		&session.Shell,
		&session.Workdir,
		&envJSON,
		&session.Cols,
		&session.Rows,
		&stateText,
		&exitCode,
		&pid,
		&transcriptPath,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if envJSON.Valid {
		if err := session.EnvFromJSON(envJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse env: %w", err)
		}
	}
	session.State = model.ParseSessionState(stateText)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}
	if transcriptPath.Valid {
		session.TranscriptPath = transcriptPath.String
	}
	return session, nil
}
