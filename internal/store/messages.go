package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/fault"
)

// NewMessage carries the fields for message creation. Timestamp is assigned
// by the store.
type NewMessage struct {
	ChatID      string
	Role        string
	Body        string
	ModelName   string
	ParentID    string
	ToolCallID  string
	ToolCalls   []ToolCallRecord
	Thinking    string
	Attachments []Attachment
}

// EditMessage carries partial updates; nil fields are left untouched.
// Attachments are replaced wholesale (delete then insert).
type EditMessage struct {
	Body        *string
	ModelName   *string
	ToolCalls   *[]ToolCallRecord
	Attachments *[]Attachment
}

// CreateMessage inserts a message and its attachments. When the new message
// is an assistant segment or tool result under a parent, the parent's
// active_child_index is moved to the new child so it joins the active branch.
func (s *Store) CreateMessage(ctx context.Context, m NewMessage) (string, error) {
	switch m.Role {
	case RoleUser, RoleLLM, RoleSystem, RoleTool:
	default:
		return "", fault.New(fault.KindBadRequest, "invalid message role %q", m.Role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := chatExists(ctx, tx, m.ChatID); err != nil {
		return "", err
	}

	if m.ParentID != "" {
		var parentChat string
		err := tx.QueryRowContext(ctx,
			`SELECT chat_id FROM messages WHERE message_id = ?`, m.ParentID).Scan(&parentChat)
		if err == sql.ErrNoRows {
			return "", fault.New(fault.KindNotFound, "parent message %s not found", m.ParentID)
		}
		if err != nil {
			return "", fmt.Errorf("failed to look up parent: %w", err)
		}
		if parentChat != m.ChatID {
			return "", fault.New(fault.KindBadRequest, "parent message %s belongs to another chat", m.ParentID)
		}
	}

	messageID := uuid.NewString()
	toolCallsJSON, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("failed to serialize tool calls: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_id, role, message, model_name, timestamp,
			parent_message_id, active_child_index, tool_call_id, tool_calls, thinking_content)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		messageID, m.ChatID, m.Role, m.Body, nullable(m.ModelName), nowMillis(),
		nullable(m.ParentID), nullable(m.ToolCallID), nullable(toolCallsJSON), nullable(m.Thinking))
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}

	// Generated segments become the active branch under their parent. The new
	// row carries the newest timestamp and rowid, so its position is last.
	if m.ParentID != "" && (m.Role == RoleLLM || m.Role == RoleTool) {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE parent_message_id = ?`, m.ParentID).Scan(&count)
		if err != nil {
			return "", fmt.Errorf("failed to count siblings: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET active_child_index = ? WHERE message_id = ?`, count-1, m.ParentID)
		if err != nil {
			return "", fmt.Errorf("failed to update parent active child: %w", err)
		}
	}

	for _, a := range m.Attachments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (attachment_id, message_id, type, content, name)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), messageID, a.Type, a.Content, nullable(a.Name))
		if err != nil {
			return "", fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	if err := touchChat(ctx, tx, m.ChatID); err != nil {
		return "", fmt.Errorf("failed to touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit message: %w", err)
	}

	if s.indexer != nil && m.Body != "" {
		s.indexer.Index(m.ChatID, messageID, m.Role, m.Body)
	}
	return messageID, nil
}

// GetMessage returns one message with attachments, deserialized tool calls
// and direct children ids in timestamp order.
func (s *Store) GetMessage(ctx context.Context, chatID, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, chat_id, role, message, model_name, timestamp,
			parent_message_id, active_child_index, tool_call_id, tool_calls, thinking_content
		FROM messages WHERE chat_id = ? AND message_id = ?`, chatID, messageID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "message %s not found", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	if msg.Attachments, err = s.loadAttachments(ctx, messageID); err != nil {
		return nil, err
	}
	if msg.ChildIDs, err = s.loadChildIDs(ctx, messageID); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns all messages of a chat in timestamp order with
// attachments and children resolved. Timestamp ties break on insertion order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	if err := s.chatExistsDB(ctx, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, role, message, model_name, timestamp,
			parent_message_id, active_child_index, tool_call_id, tool_calls, thinking_content
		FROM messages WHERE chat_id = ?
		ORDER BY timestamp, rowid`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	index := make(map[string]int)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ChildIDs = []string{}
		index[msg.MessageID] = len(messages)
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Children lists follow the same (timestamp, rowid) order as the scan.
	for i := range messages {
		if p := messages[i].ParentID; p != "" {
			if pi, ok := index[p]; ok {
				messages[pi].ChildIDs = append(messages[pi].ChildIDs, messages[i].MessageID)
			}
		}
	}

	attRows, err := s.db.QueryContext(ctx, `
		SELECT a.attachment_id, a.message_id, a.type, a.content, a.name
		FROM attachments a
		JOIN messages m ON m.message_id = a.message_id
		WHERE m.chat_id = ?
		ORDER BY a.rowid`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer attRows.Close()

	for attRows.Next() {
		var a Attachment
		var name sql.NullString
		if err := attRows.Scan(&a.AttachmentID, &a.MessageID, &a.Type, &a.Content, &name); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Name = name.String
		if i, ok := index[a.MessageID]; ok {
			messages[i].Attachments = append(messages[i].Attachments, a)
		}
	}
	return messages, attRows.Err()
}

// UpdateMessage applies an edit and bumps the chat timestamp.
func (s *Store) UpdateMessage(ctx context.Context, chatID, messageID string, edit EditMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE chat_id = ? AND message_id = ?`, chatID, messageID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fault.New(fault.KindNotFound, "message %s not found", messageID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}

	if edit.Body != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET message = ? WHERE message_id = ?`, *edit.Body, messageID); err != nil {
			return fmt.Errorf("failed to update body: %w", err)
		}
	}
	if edit.ModelName != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET model_name = ? WHERE message_id = ?`, nullable(*edit.ModelName), messageID); err != nil {
			return fmt.Errorf("failed to update model name: %w", err)
		}
	}
	if edit.ToolCalls != nil {
		raw, err := marshalToolCalls(*edit.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to serialize tool calls: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET tool_calls = ? WHERE message_id = ?`, nullable(raw), messageID); err != nil {
			return fmt.Errorf("failed to update tool calls: %w", err)
		}
	}
	if edit.Attachments != nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM attachments WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("failed to clear attachments: %w", err)
		}
		for _, a := range *edit.Attachments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (attachment_id, message_id, type, content, name)
				VALUES (?, ?, ?, ?, ?)`,
				uuid.NewString(), messageID, a.Type, a.Content, nullable(a.Name)); err != nil {
				return fmt.Errorf("failed to insert attachment: %w", err)
			}
		}
	}

	if err := touchChat(ctx, tx, chatID); err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit edit: %w", err)
	}

	if s.indexer != nil && edit.Body != nil {
		s.indexer.Remove(messageID)
		if *edit.Body != "" {
			var role string
			_ = s.db.QueryRowContext(ctx,
				`SELECT role FROM messages WHERE message_id = ?`, messageID).Scan(&role)
			s.indexer.Index(chatID, messageID, role, *edit.Body)
		}
	}
	return nil
}

// DeleteMessage removes a message and its whole subtree, then clamps the
// former parent's active_child_index into the surviving range.
func (s *Store) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var parentID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT parent_message_id FROM messages WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID).Scan(&parentID)
	if err == sql.ErrNoRows {
		return fault.New(fault.KindNotFound, "message %s not found", messageID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}

	subtree, err := collectSubtree(ctx, tx, messageID)
	if err != nil {
		return err
	}

	// FK on parent_message_id cascades the subtree; attachments cascade off
	// each message row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	if parentID.Valid {
		var count, current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE parent_message_id = ?`, parentID.String).Scan(&count); err != nil {
			return fmt.Errorf("failed to count siblings: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT active_child_index FROM messages WHERE message_id = ?`, parentID.String).Scan(&current); err != nil {
			return fmt.Errorf("failed to read parent index: %w", err)
		}
		clamped := current
		if max := count - 1; clamped > max {
			clamped = max
		}
		if clamped < 0 {
			clamped = 0
		}
		if clamped != current {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET active_child_index = ? WHERE message_id = ?`, clamped, parentID.String); err != nil {
				return fmt.Errorf("failed to clamp parent index: %w", err)
			}
		}
	}

	if err := touchChat(ctx, tx, chatID); err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	if s.indexer != nil {
		for _, id := range subtree {
			s.indexer.Remove(id)
		}
	}
	return nil
}

// SetActiveBranch points a parent at one of its children by index.
func (s *Store) SetActiveBranch(ctx context.Context, chatID, parentID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE chat_id = ? AND message_id = ?`, chatID, parentID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fault.New(fault.KindNotFound, "message %s not found", parentID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE parent_message_id = ?`, parentID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if index < 0 || index >= count {
		return fault.New(fault.KindBadRequest, "child index %d out of range [0, %d)", index, count)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET active_child_index = ? WHERE message_id = ?`, index, parentID); err != nil {
		return fmt.Errorf("failed to set active child: %w", err)
	}
	if err := touchChat(ctx, tx, chatID); err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var modelName, parentID, toolCallID, toolCalls, thinking sql.NullString
	err := row.Scan(&m.MessageID, &m.ChatID, &m.Role, &m.Body, &modelName, &m.Timestamp,
		&parentID, &m.ActiveChildIndex, &toolCallID, &toolCalls, &thinking)
	if err != nil {
		return nil, err
	}
	m.ModelName = modelName.String
	m.ParentID = parentID.String
	m.ToolCallID = toolCallID.String
	m.ToolCalls = unmarshalToolCalls(toolCalls.String)
	m.Thinking = thinking.String
	return &m, nil
}

func (s *Store) loadAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attachment_id, message_id, type, content, name
		FROM attachments WHERE message_id = ? ORDER BY rowid`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		var name sql.NullString
		if err := rows.Scan(&a.AttachmentID, &a.MessageID, &a.Type, &a.Content, &name); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Name = name.String
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

func (s *Store) loadChildIDs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM messages WHERE parent_message_id = ?
		ORDER BY timestamp, rowid`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectSubtree(ctx context.Context, tx *sql.Tx, rootID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT message_id FROM messages WHERE message_id = ?
			UNION ALL
			SELECT m.message_id FROM messages m JOIN subtree s ON m.parent_message_id = s.id
		)
		SELECT id FROM subtree`, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect subtree: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
