package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conversation is an ordered sequence of turn messages owned by one
// user. TraceSessionID is assigned at most once.
type Conversation struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Title          string    `json:"title,omitempty"`
	TraceSessionID string    `json:"trace_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const conversationColumns = `id, user_id, title, trace_session_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var title, session sql.NullString
	var created, updated string
	if err := row.Scan(&c.ID, &c.UserID, &title, &session, &created, &updated); err != nil {
		return nil, err
	}
	c.Title = title.String
	c.TraceSessionID = session.String
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// CreateConversation creates an empty conversation for userID.
func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, userID, nullString(title), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation loads a conversation owned by userID. A conversation
// owned by someone else is reported as ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id, userID int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return c, nil
}

// ConversationByID loads a conversation regardless of owner.
func (s *Store) ConversationByID(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return c, nil
}

// ListConversations returns userID's conversations, most recently
// updated first.
func (s *Store) ListConversations(ctx context.Context, userID int64, offset, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ? OFFSET ?`, userID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// SetTraceSession records the trace session id for a conversation. It
// only writes when no session is recorded yet and reports whether it
// did.
func (s *Store) SetTraceSession(ctx context.Context, conversationID int64, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET trace_session_id = ?
		WHERE id = ? AND (trace_session_id IS NULL OR trace_session_id = '')
	`, sessionID, conversationID)
	if err != nil {
		return false, fmt.Errorf("set trace session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set trace session: %w", err)
	}
	return n > 0, nil
}

// UpdateConversationTitle renames a conversation owned by userID.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, userID int64, title string) (*Conversation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, nullString(title), formatTime(time.Now()), id, userID)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetConversation(ctx, id, userID)
}

// DeleteConversation removes a conversation owned by userID and all of
// its messages.
func (s *Store) DeleteConversation(ctx context.Context, id, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}
