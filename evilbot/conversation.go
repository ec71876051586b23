package evilbot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

// ChatMessage is a single entry in the conversation sent to the model
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// personaSource resolves the system prompt for a guild or DM
type personaSource interface {
	GuildPersona(ctx context.Context, guildID string) string
	DMPersona(ctx context.Context, userID string) string
}

// conversationBuilder assembles the context for a completion: the persona,
// the replied-to message, recent channel history, then the message itself
type conversationBuilder struct {
	session     DiscordSessionHandler
	personas    personaSource
	maxMessages int
	logger      *slog.Logger
}

func newConversationBuilder(
	session DiscordSessionHandler,
	personas personaSource,
	maxMessages int,
	logger *slog.Logger,
) *conversationBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &conversationBuilder{
		session:     session,
		personas:    personas,
		maxMessages: maxMessages,
		logger:      logger.With(loggerNameKey, "conversation"),
	}
}

// Build returns the ordered conversation for m. It never fails: history
// that can't be fetched is omitted and logged.
func (c *conversationBuilder) Build(
	ctx context.Context,
	m *discordgo.Message,
	self *discordgo.User,
) []ChatMessage {
	logger := contextLoggerOr(ctx, c.logger)

	var persona string
	if m.GuildID == "" {
		persona = c.personas.DMPersona(ctx, m.Author.ID)
	} else {
		persona = c.personas.GuildPersona(ctx, m.GuildID)
	}

	messages := make([]ChatMessage, 0, c.maxMessages+3)
	messages = append(messages, ChatMessage{Role: roleSystem, Content: persona})

	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		messages = append(
			messages,
			ChatMessage{Role: roleFor(ref, self), Content: c.messageText(ref, self)},
		)
	}

	messages = append(messages, c.history(ctx, logger, m, self)...)

	messages = append(
		messages,
		ChatMessage{Role: roleUser, Content: c.messageText(m, self)},
	)
	return messages
}

// history returns up to maxMessages messages sent before m, oldest first.
// Messages from other bots are skipped.
func (c *conversationBuilder) history(
	ctx context.Context,
	logger *slog.Logger,
	m *discordgo.Message,
	self *discordgo.User,
) []ChatMessage {
	if c.maxMessages <= 0 {
		return nil
	}
	recent, err := c.session.ChannelMessages(m.ChannelID, c.maxMessages, m.ID, "", "")
	if err != nil {
		logger.WarnContext(ctx, "unable to fetch channel history", tint.Err(err))
		return nil
	}

	history := make([]ChatMessage, 0, len(recent))
	// discord returns the newest message first
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		if msg == nil || msg.Author == nil {
			continue
		}
		if msg.Author.Bot && (self == nil || msg.Author.ID != self.ID) {
			continue
		}
		history = append(
			history,
			ChatMessage{Role: roleFor(msg, self), Content: c.messageText(msg, self)},
		)
	}
	return history
}

func roleFor(m *discordgo.Message, self *discordgo.User) string {
	if self != nil && m.Author != nil && m.Author.ID == self.ID {
		return roleAssistant
	}
	return roleUser
}

func (c *conversationBuilder) messageText(m *discordgo.Message, self *discordgo.User) string {
	return cleanContent(c.session.MessageContent(m), self)
}

// cleanContent removes mentions of the bot itself from content that
// already has its mentions resolved to names
func cleanContent(content string, self *discordgo.User) string {
	if self != nil && self.Username != "" {
		content = strings.ReplaceAll(content, "@"+self.Username, "")
	}
	return strings.TrimSpace(content)
}
