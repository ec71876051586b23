package evilbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidChance   = errors.New("chance must be between 1 and 100")
	ErrEmptyPrompt     = errors.New("prompt must not be empty")
	ErrDuplicateWord   = errors.New("trigger word already exists")
	ErrUnknownWord     = errors.New("trigger word doesn't exist")
	ErrEmptyTriggerArg = errors.New("trigger word must not be empty")
)

// SettingsStore persists per-guild and per-user DM settings.
//
// Reading a guild's settings creates the row with the configured defaults
// when it doesn't exist yet. Each write is a single atomic statement, so a
// concurrent reader sees either the old or the new row, never a mix.
type SettingsStore interface {
	GuildSettings(ctx context.Context, guildID string) (*GuildSettings, error)
	GuildPersona(ctx context.Context, guildID string) string
	DMPersona(ctx context.Context, userID string) string
	SetGuildPersona(ctx context.Context, guildID string, prompt string) error
	SetDMPersona(ctx context.Context, userID string, prompt string) error
	AddTriggerWord(ctx context.Context, guildID string, word string) (TriggerWords, error)
	RemoveTriggerWord(ctx context.Context, guildID string, word string) (TriggerWords, error)
	SetRandomEnabled(ctx context.Context, guildID string, enabled bool) error
	SetRandomChance(ctx context.Context, guildID string, chance int) error
	ResetGuildSettings(ctx context.Context, guildID string) error
}

type settingsStore struct {
	db       *database
	defaults *PersonaConfig
	logger   *slog.Logger
}

func newSettingsStore(
	db *database,
	defaults *PersonaConfig,
	logger *slog.Logger,
) *settingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &settingsStore{
		db:       db,
		defaults: defaults,
		logger:   logger.With(loggerNameKey, "settings"),
	}
}

func normalizeTriggerWord(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

func (s *settingsStore) defaultGuildSettings(guildID string) GuildSettings {
	return GuildSettings{
		ServerID:               guildID,
		SystemPrompt:           s.defaults.DefaultPersona,
		TriggerWords:           normalizeTriggerWords(s.defaults.DefaultTriggerWords),
		RandomResponsesEnabled: s.defaults.DefaultRandomEnabled,
		RandomResponseChance:   s.defaults.DefaultRandomChance,
	}
}

// GuildSettings returns the settings for the given guild, creating
// the row with default values if it doesn't exist.
func (s *settingsStore) GuildSettings(
	ctx context.Context,
	guildID string,
) (*GuildSettings, error) {
	gs, err := s.storedGuildSettings(ctx, guildID)
	switch {
	case err == nil:
		return gs, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("error fetching settings for guild %s: %w", guildID, err)
	}

	var created GuildSettings
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			defaults := s.defaultGuildSettings(guildID)
			if txErr := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error; txErr != nil {
				return txErr
			}
			return tx.Take(&created, "server_id = ?", guildID).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating settings for guild %s: %w", guildID, err)
	}
	s.logger.InfoContext(ctx, "created guild settings", "guild_settings", created)
	return &created, nil
}

// storedGuildSettings returns the guild's row without creating one.
// gorm.ErrRecordNotFound is returned when there isn't one.
func (s *settingsStore) storedGuildSettings(
	ctx context.Context,
	guildID string,
) (*GuildSettings, error) {
	db, cancel := s.db.Read(ctx)
	defer cancel()

	var gs GuildSettings
	if err := db.Take(&gs, "server_id = ?", guildID).Error; err != nil {
		return nil, err
	}
	return &gs, nil
}

// GuildPersona returns the guild's system prompt, falling back to the
// default persona when settings can't be read
func (s *settingsStore) GuildPersona(ctx context.Context, guildID string) string {
	gs, err := s.GuildSettings(ctx, guildID)
	if err != nil {
		s.logger.ErrorContext(ctx, "using default persona", tint.Err(err), "guild_id", guildID)
		return s.defaults.DefaultPersona
	}
	return gs.SystemPrompt
}

// DMPersona returns the user's DM system prompt, or the default persona
// if the user hasn't set one. Read errors also yield the default.
func (s *settingsStore) DMPersona(ctx context.Context, userID string) string {
	db, cancel := s.db.Read(ctx)
	defer cancel()

	var dm UserDMSettings
	err := db.Take(&dm, "user_id = ?", userID).Error
	switch {
	case err == nil:
		return dm.SystemPrompt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		s.logger.ErrorContext(ctx, "error fetching DM settings", tint.Err(err), "user_id", userID)
	}
	return s.defaults.DefaultPersona
}

// upsertGuild writes row, creating it if needed, and on conflict
// overwrites only the given columns
func (s *settingsStore) upsertGuild(
	ctx context.Context,
	row *GuildSettings,
	columns ...string,
) error {
	_, err := s.db.Upsert(
		ctx,
		row,
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "server_id"}},
			DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
		},
	)
	return err
}

func (s *settingsStore) SetGuildPersona(
	ctx context.Context,
	guildID string,
	prompt string,
) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	row := s.defaultGuildSettings(guildID)
	row.SystemPrompt = prompt
	if err := s.upsertGuild(ctx, &row, "system_prompt"); err != nil {
		return fmt.Errorf("error setting persona for guild %s: %w", guildID, err)
	}
	s.logger.InfoContext(ctx, "updated guild persona", "guild_id", guildID)
	return nil
}

func (s *settingsStore) SetDMPersona(
	ctx context.Context,
	userID string,
	prompt string,
) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	row := UserDMSettings{UserID: userID, SystemPrompt: prompt}
	_, err := s.db.Upsert(
		ctx,
		&row,
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"system_prompt", "updated_at"}),
		},
	)
	if err != nil {
		return fmt.Errorf("error setting DM persona for user %s: %w", userID, err)
	}
	s.logger.InfoContext(ctx, "updated DM persona", "user_id", userID)
	return nil
}

// updateTriggerWords applies fn to the guild's current words inside a
// transaction, and stores the result
func (s *settingsStore) updateTriggerWords(
	ctx context.Context,
	guildID string,
	fn func(words TriggerWords) (TriggerWords, error),
) (TriggerWords, error) {
	if _, err := s.GuildSettings(ctx, guildID); err != nil {
		return nil, err
	}

	var updated TriggerWords
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var gs GuildSettings
			if err := tx.Take(&gs, "server_id = ?", guildID).Error; err != nil {
				return err
			}
			words, err := fn(gs.TriggerWords)
			if err != nil {
				return err
			}
			updated = words
			return tx.Model(&GuildSettings{}).
				Where("server_id = ?", guildID).
				Update("trigger_words", words).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddTriggerWord appends word, lowercased, to the guild's trigger words.
// ErrDuplicateWord is returned if it's already present.
func (s *settingsStore) AddTriggerWord(
	ctx context.Context,
	guildID string,
	word string,
) (TriggerWords, error) {
	word = normalizeTriggerWord(word)
	if word == "" {
		return nil, ErrEmptyTriggerArg
	}
	words, err := s.updateTriggerWords(
		ctx, guildID, func(words TriggerWords) (TriggerWords, error) {
			if words.Contains(word) {
				return nil, ErrDuplicateWord
			}
			return append(words, word), nil
		},
	)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "added trigger word", "guild_id", guildID, "word", word)
	return words, nil
}

// RemoveTriggerWord removes word from the guild's trigger words.
// ErrUnknownWord is returned if it isn't present.
func (s *settingsStore) RemoveTriggerWord(
	ctx context.Context,
	guildID string,
	word string,
) (TriggerWords, error) {
	word = normalizeTriggerWord(word)
	if word == "" {
		return nil, ErrEmptyTriggerArg
	}
	words, err := s.updateTriggerWords(
		ctx, guildID, func(words TriggerWords) (TriggerWords, error) {
			if !words.Contains(word) {
				return nil, ErrUnknownWord
			}
			kept := make(TriggerWords, 0, len(words)-1)
			for _, w := range words {
				if w != word {
					kept = append(kept, w)
				}
			}
			return kept, nil
		},
	)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "removed trigger word", "guild_id", guildID, "word", word)
	return words, nil
}

func (s *settingsStore) SetRandomEnabled(
	ctx context.Context,
	guildID string,
	enabled bool,
) error {
	row := s.defaultGuildSettings(guildID)
	row.RandomResponsesEnabled = enabled
	if err := s.upsertGuild(ctx, &row, "random_responses_enabled"); err != nil {
		return fmt.Errorf("error setting random responses for guild %s: %w", guildID, err)
	}
	s.logger.InfoContext(ctx, "updated random responses", "guild_id", guildID, "enabled", enabled)
	return nil
}

// SetRandomChance sets the guild's random response chance. The chance
// must be between 1 and 100, otherwise ErrInvalidChance is returned and
// nothing is written.
func (s *settingsStore) SetRandomChance(
	ctx context.Context,
	guildID string,
	chance int,
) error {
	if chance < 1 || chance > 100 {
		return ErrInvalidChance
	}
	row := s.defaultGuildSettings(guildID)
	row.RandomResponseChance = chance
	if err := s.upsertGuild(ctx, &row, "random_response_chance"); err != nil {
		return fmt.Errorf("error setting random chance for guild %s: %w", guildID, err)
	}
	s.logger.InfoContext(ctx, "updated random chance", "guild_id", guildID, "chance", chance)
	return nil
}

// ResetGuildSettings restores every setting for the guild to its default
// in a single statement
func (s *settingsStore) ResetGuildSettings(ctx context.Context, guildID string) error {
	row := s.defaultGuildSettings(guildID)
	err := s.upsertGuild(
		ctx,
		&row,
		"system_prompt",
		"trigger_words",
		"random_responses_enabled",
		"random_response_chance",
	)
	if err != nil {
		return fmt.Errorf("error resetting settings for guild %s: %w", guildID, err)
	}
	s.logger.InfoContext(ctx, "reset guild settings", "guild_id", guildID)
	return nil
}
