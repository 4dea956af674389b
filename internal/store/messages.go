package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message is one persisted turn message. Messages are immutable except
// for deletion and are ordered by CreatedAt, ties broken by ID.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	StrategyUsed   string          `json:"strategy_used"`
	TraceID        string          `json:"trace_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

const messageColumns = `id, conversation_id, role, content, strategy_used, trace_id, metadata, created_at`

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var trace, meta sql.NullString
	var created string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.StrategyUsed, &trace, &meta, &created); err != nil {
		return nil, err
	}
	m.TraceID = trace.String
	if meta.Valid && meta.String != "" {
		m.Metadata = json.RawMessage(meta.String)
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CreateMessage appends m to its conversation and bumps the
// conversation's updated_at. ID and CreatedAt are assigned here. The
// write is committed before CreateMessage returns.
func (s *Store) CreateMessage(ctx context.Context, m Message) (*Message, error) {
	if m.StrategyUsed == "" {
		m.StrategyUsed = "none"
	}
	m.CreatedAt = time.Now().UTC()

	var meta sql.NullString
	if len(m.Metadata) > 0 {
		if !json.Valid(m.Metadata) {
			return nil, fmt.Errorf("message metadata is not valid JSON")
		}
		meta = sql.NullString{String: string(m.Metadata), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, strategy_used, trace_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ConversationID, m.Role, m.Content, m.StrategyUsed, nullString(m.TraceID), meta, formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(m.CreatedAt), m.ConversationID); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &m, nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

// ListMessages returns a conversation's messages in chronological
// order.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`, conversationID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

// ListRecentMessages returns up to limit messages of a conversation
// with id below beforeID, newest first. A beforeID of zero means no
// upper bound.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	return scanMessages(rows)
}

// PrecedingUserMessage returns the closest user message before
// beforeID in the conversation.
func (s *Store) PrecedingUserMessage(ctx context.Context, conversationID, beforeID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND role = 'user' AND id < ?
		ORDER BY id DESC LIMIT 1`, conversationID, beforeID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("preceding user message: %w", err)
	}
	return m, nil
}

// DeleteMessage removes one message from a conversation.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
