package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"finchatgo/internal/models"
)

// CreateSession inserts a new session for the given owner and returns the record.
func (s *Service) CreateSession(ctx context.Context, ownerID, title string) (*models.Session, error) {
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}
	if strings.TrimSpace(title) == "" {
		title = "New Conversation"
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, title, created_at, updated_at, last_message_at) VALUES (?, ?, ?, ?, ?, NULL)`,
		id, ownerID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &models.Session{ID: id, OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListSessions returns all sessions for an owner ordered by last activity.
func (s *Service) ListSessions(ctx context.Context, ownerID string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at, last_message_at FROM sessions WHERE owner_id = ? ORDER BY updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var se models.Session
		var lastMsg sql.NullTime
		if err := rows.Scan(&se.ID, &se.OwnerID, &se.Title, &se.CreatedAt, &se.UpdatedAt, &lastMsg); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if lastMsg.Valid {
			t := lastMsg.Time
			se.LastMessageAt = &t
		}
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// GetSessionWithMessages returns one session and its ordered messages.
// A message row whose part list cannot be parsed degrades to an empty
// part list instead of failing the whole read.
func (s *Service) GetSessionWithMessages(ctx context.Context, ownerID, sessionID string) (*models.Session, []*models.Message, error) {
	var session models.Session
	var lastMsg sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at, last_message_at FROM sessions WHERE id = ? AND owner_id = ?`,
		sessionID,
		ownerID,
	).Scan(&session.ID, &session.OwnerID, &session.Title, &session.CreatedAt, &session.UpdatedAt, &lastMsg)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	if lastMsg.Valid {
		t := lastMsg.Time
		session.LastMessageAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, session_id, role, parts, processing_ms, created_at FROM messages WHERE session_id = ? ORDER BY position ASC`,
		sessionID,
	)
	if err != nil {
		return &session, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var rawParts string
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.SessionID, &m.Role, &rawParts, &m.ProcessingMS, &m.CreatedAt); err != nil {
			return &session, nil, fmt.Errorf("scan message: %w", err)
		}
		m.Parts = models.DecodeParts(rawParts)
		messages = append(messages, m)
	}
	return &session, messages, rows.Err()
}

// AppendMessage stores a single new message at the end of the session's
// list and updates the session's activity timestamps. Used for the
// pre-turn user-message save.
func (s *Service) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message required")
	}
	rawParts, err := models.EncodeParts(msg.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE session_id = ?`, msg.SessionID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("next position: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, owner_id, session_id, role, parts, processing_ms, position, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.OwnerID, msg.SessionID, msg.Role, rawParts, msg.ProcessingMS, next, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, last_message_at = ? WHERE id = ?`, now, now, msg.SessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ReplaceMessages rewrites the session's entire message list as one
// logical transaction: delete everything, reinsert in order, touch the
// session. Replaying the same final list yields the same stored state,
// which is what makes end-of-turn reconciliation idempotent under retry.
// If a backend ever lacked transactional multi-row writes, a crash
// between delete and reinsert could lose messages; both supported
// drivers are transactional, so the window does not exist here.
func (s *Service) ReplaceMessages(ctx context.Context, ownerID, sessionID string, msgs []*models.Message) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	encoded := make([]string, len(msgs))
	for i, m := range msgs {
		raw, err := models.EncodeParts(m.Parts)
		if err != nil {
			return fmt.Errorf("encode parts for message %d: %w", i, err)
		}
		encoded[i] = raw
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	now := time.Now().UTC()
	for i, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, owner_id, session_id, role, parts, processing_ms, position, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, ownerID, sessionID, m.Role, encoded[i], m.ProcessingMS, i, created,
		); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, last_message_at = ? WHERE id = ? AND owner_id = ?`,
		now, now, sessionID, ownerID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// DeleteSession removes a session; messages, charts and CSVs go with it.
func (s *Service) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if sessionID == "" {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	// Explicit cascade for drivers where foreign keys may be off.
	for _, table := range []string{"messages", "charts", "csvs"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// UpdateSessionTitle sets a session title for the specified owner.
func (s *Service) UpdateSessionTitle(ctx context.Context, ownerID, sessionID, title string) error {
	if sessionID == "" {
		return errors.New("invalid session id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		title, time.Now().UTC(), sessionID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
