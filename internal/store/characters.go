package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/fault"
)

// CreateCharacter inserts a persona. Names are globally unique; duplicates
// yield a conflict error.
func (s *Store) CreateCharacter(ctx context.Context, c Character) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fault.New(fault.KindBadRequest, "character name must not be empty")
	}

	settings, err := marshalSettings(c.Settings)
	if err != nil {
		return "", fmt.Errorf("failed to serialize settings: %w", err)
	}

	characterID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO characters (character_id, character_name, sysprompt,
			model_name, model_provider, model_identifier, model_supports_images,
			cot_start_tag, cot_end_tag, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		characterID, c.Name, nullable(c.Sysprompt),
		nullable(c.Model.Name), nullable(c.Model.Provider), nullable(c.Model.Identifier),
		boolInt(c.Model.SupportsImages),
		nullable(c.CoTStartTag), nullable(c.CoTEndTag), nullable(settings))
	if err != nil {
		if isUniqueViolation(err) {
			return "", fault.New(fault.KindConflict, "character name %q already exists", c.Name)
		}
		return "", fmt.Errorf("failed to create character: %w", err)
	}
	return characterID, nil
}

// GetCharacter returns one persona.
func (s *Store) GetCharacter(ctx context.Context, characterID string) (*Character, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT character_id, character_name, sysprompt,
			model_name, model_provider, model_identifier, model_supports_images,
			cot_start_tag, cot_end_tag, settings
		FROM characters WHERE character_id = ?`, characterID)

	c, err := scanCharacter(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "character %s not found", characterID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load character: %w", err)
	}
	return c, nil
}

// ListCharacters returns all personas sorted by name.
func (s *Store) ListCharacters(ctx context.Context) ([]Character, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT character_id, character_name, sysprompt,
			model_name, model_provider, model_identifier, model_supports_images,
			cot_start_tag, cot_end_tag, settings
		FROM characters ORDER BY character_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query characters: %w", err)
	}
	defer rows.Close()

	var chars []Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		chars = append(chars, *c)
	}
	return chars, rows.Err()
}

// UpdateCharacter replaces a persona's fields.
func (s *Store) UpdateCharacter(ctx context.Context, characterID string, c Character) error {
	if strings.TrimSpace(c.Name) == "" {
		return fault.New(fault.KindBadRequest, "character name must not be empty")
	}

	settings, err := marshalSettings(c.Settings)
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE characters SET character_name = ?, sysprompt = ?,
			model_name = ?, model_provider = ?, model_identifier = ?, model_supports_images = ?,
			cot_start_tag = ?, cot_end_tag = ?, settings = ?
		WHERE character_id = ?`,
		c.Name, nullable(c.Sysprompt),
		nullable(c.Model.Name), nullable(c.Model.Provider), nullable(c.Model.Identifier),
		boolInt(c.Model.SupportsImages),
		nullable(c.CoTStartTag), nullable(c.CoTEndTag), nullable(settings),
		characterID)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.KindConflict, "character name %q already exists", c.Name)
		}
		return fmt.Errorf("failed to update character: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fault.New(fault.KindNotFound, "character %s not found", characterID)
	}
	return nil
}

// DeleteCharacter removes a persona. Chats referencing it keep their history;
// the FK clears their character_id.
func (s *Store) DeleteCharacter(ctx context.Context, characterID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM characters WHERE character_id = ?`, characterID)
	if err != nil {
		return fmt.Errorf("failed to delete character: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fault.New(fault.KindNotFound, "character %s not found", characterID)
	}
	return nil
}

func scanCharacter(row rowScanner) (*Character, error) {
	var c Character
	var sysprompt, modelName, modelProvider, modelIdentifier sql.NullString
	var cotStart, cotEnd, settings sql.NullString
	var supportsImages int
	err := row.Scan(&c.CharacterID, &c.Name, &sysprompt,
		&modelName, &modelProvider, &modelIdentifier, &supportsImages,
		&cotStart, &cotEnd, &settings)
	if err != nil {
		return nil, err
	}
	c.Sysprompt = sysprompt.String
	c.Model = ModelBinding{
		Name:           modelName.String,
		Provider:       modelProvider.String,
		Identifier:     modelIdentifier.String,
		SupportsImages: supportsImages == 1,
	}
	c.CoTStartTag = cotStart.String
	c.CoTEndTag = cotEnd.String
	if settings.Valid && settings.String != "" {
		_ = json.Unmarshal([]byte(settings.String), &c.Settings)
	}
	return &c, nil
}

func marshalSettings(settings map[string]any) (string, error) {
	if len(settings) == 0 {
		return "", nil
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
