package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/fault"
)

// CreateChat creates a new chat, optionally bound to a character.
func (s *Store) CreateChat(ctx context.Context, characterID string) (string, error) {
	if characterID != "" {
		if _, err := s.GetCharacter(ctx, characterID); err != nil {
			return "", err
		}
	}

	chatID := uuid.NewString()
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, timestamp_created, timestamp_updated, character_id)
		VALUES (?, ?, ?, ?)`,
		chatID, now, now, nullable(characterID))
	if err != nil {
		return "", fmt.Errorf("failed to create chat: %w", err)
	}
	return chatID, nil
}

// GetChat returns a chat record.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	var characterID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, timestamp_created, timestamp_updated, character_id
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.Created, &c.Updated, &characterID)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "chat %s not found", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat: %w", err)
	}
	c.CharacterID = characterID.String
	return &c, nil
}

// ListChats returns all chats newest-updated first, each with a preview taken
// from the last user message. Messages without a body but with attachments
// preview as "[Attachment Message]".
func (s *Store) ListChats(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, timestamp_created, timestamp_updated, character_id
		FROM chats ORDER BY timestamp_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []ChatSummary
	for rows.Next() {
		var c ChatSummary
		var characterID sql.NullString
		if err := rows.Scan(&c.ChatID, &c.Created, &c.Updated, &characterID); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.CharacterID = characterID.String
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chats: %w", err)
	}

	for i := range chats {
		preview, err := s.chatPreview(ctx, chats[i].ChatID)
		if err != nil {
			return nil, err
		}
		chats[i].Preview = preview
	}
	return chats, nil
}

func (s *Store) chatPreview(ctx context.Context, chatID string) (string, error) {
	var body string
	var messageID string
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, message FROM messages
		WHERE chat_id = ? AND role = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, chatID, RoleUser).
		Scan(&messageID, &body)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load preview: %w", err)
	}
	if body != "" {
		const max = 120
		if len(body) > max {
			return body[:max], nil
		}
		return body, nil
	}

	var attachments int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attachments WHERE message_id = ?`, messageID).Scan(&attachments); err != nil {
		return "", fmt.Errorf("failed to count attachments: %w", err)
	}
	if attachments > 0 {
		return "[Attachment Message]", nil
	}
	return "", nil
}

// DeleteChat removes a chat with all messages and attachments.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	var ids []string
	if s.indexer != nil {
		rows, err := s.db.QueryContext(ctx,
			`SELECT message_id FROM messages WHERE chat_id = ?`, chatID)
		if err != nil {
			return fmt.Errorf("failed to list chat messages: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fault.New(fault.KindNotFound, "chat %s not found", chatID)
	}

	if s.indexer != nil {
		for _, id := range ids {
			s.indexer.Remove(id)
		}
	}
	return nil
}

// SetActiveCharacter binds (or, with an empty id, clears) a chat's character.
func (s *Store) SetActiveCharacter(ctx context.Context, chatID, characterID string) error {
	if characterID != "" {
		if _, err := s.GetCharacter(ctx, characterID); err != nil {
			return err
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET character_id = ?, timestamp_updated = ? WHERE chat_id = ?`,
		nullable(characterID), nowMillis(), chatID)
	if err != nil {
		return fmt.Errorf("failed to set character: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fault.New(fault.KindNotFound, "chat %s not found", chatID)
	}
	return nil
}

func (s *Store) chatExistsDB(ctx context.Context, chatID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chats WHERE chat_id = ?`, chatID).Scan(&one)
	if err == sql.ErrNoRows {
		return fault.New(fault.KindNotFound, "chat %s not found", chatID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up chat: %w", err)
	}
	return nil
}

func chatExists(ctx context.Context, tx *sql.Tx, chatID string) error {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM chats WHERE chat_id = ?`, chatID).Scan(&one)
	if err == sql.ErrNoRows {
		return fault.New(fault.KindNotFound, "chat %s not found", chatID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up chat: %w", err)
	}
	return nil
}
