package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avoicu/kamen/internal/kamen/session"
)

// sessionExists reports whether a session row exists for id.
func (s *Store) sessionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.DB().QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ?`, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", id, err)
	}
	return true, nil
}

// loadSession reads the full persisted state for id, or (nil, nil) when no
// row exists.
func (s *Store) loadSession(ctx context.Context, id string) (*session.State, error) {
	db := s.DB()

	st := &session.State{ID: id}
	err := db.QueryRowContext(ctx,
		`SELECT token_budget FROM sessions WHERE id = ?`, id,
	).Scan(&st.TokenBudget)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT name FROM session_personas
		WHERE session_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load personas for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan persona: %w", err)
		}
		st.PersonaNames = append(st.PersonaNames, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating personas: %w", err)
	}

	msgRows, err := db.QueryContext(ctx, `
		SELECT role, content FROM session_messages
		WHERE session_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", id, err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var m session.Message
		if err := msgRows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		st.Messages = append(st.Messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return st, nil
}

// saveSession upserts the full session state in one transaction: the session
// row, the persona roster, and the message log are replaced together so an
// interrupted write never leaves partial state behind.
func (s *Store) saveSession(ctx context.Context, st session.State) error {
	db := s.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save for %s: %w", st.ID, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, token_budget, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token_budget = excluded.token_budget,
			updated_at   = excluded.updated_at
	`, st.ID, st.TokenBudget, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", st.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_personas WHERE session_id = ?`, st.ID); err != nil {
		return fmt.Errorf("failed to clear personas for %s: %w", st.ID, err)
	}
	for i, name := range st.PersonaNames {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_personas (session_id, position, name)
			VALUES (?, ?, ?)
		`, st.ID, i, name); err != nil {
			return fmt.Errorf("failed to insert persona %q for %s: %w", name, st.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, st.ID); err != nil {
		return fmt.Errorf("failed to clear messages for %s: %w", st.ID, err)
	}
	for i, m := range st.Messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, seq, role, content)
			VALUES (?, ?, ?, ?)
		`, st.ID, i, string(m.Role), m.Content); err != nil {
			return fmt.Errorf("failed to insert message %d for %s: %w", i, st.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save for %s: %w", st.ID, err)
	}
	return nil
}
