package evilbot

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// activation decides whether the bot answers a chat message. Rules, in
// order, for guild messages: a mention of any bot, a reply to a bot's
// message, a trigger word in the content, then a random roll. DMs always
// get a response.
type activation struct {
	settings SettingsStore
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// maxBotReplies caps consecutive replies to other bots per channel.
	// A human message in the channel resets the count.
	maxBotReplies int
	botRepliesMu  sync.Mutex
	botReplies    map[string]int
}

func newActivation(
	settings SettingsStore,
	rng *rand.Rand,
	maxBotReplies int,
	logger *slog.Logger,
) *activation {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &activation{
		settings:      settings,
		rng:           rng,
		maxBotReplies: maxBotReplies,
		botReplies:    map[string]int{},
		logger:        logger.With(loggerNameKey, "activation"),
	}
}

// roll returns a number in [1, 100]
func (a *activation) roll() int {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.rng.IntN(100) + 1
}

// ShouldRespond reports whether the bot should reply to m. self is the
// bot's own user. Settings that can't be read mean no response.
func (a *activation) ShouldRespond(
	ctx context.Context,
	m *discordgo.Message,
	self *discordgo.User,
) bool {
	if m.Author == nil || self == nil || m.Author.ID == self.ID {
		return false
	}
	logger := contextLoggerOr(ctx, a.logger)

	if m.GuildID == "" {
		if m.Author.Bot {
			return a.allowBotReply(m, self)
		}
		a.resetBotReplies(m.ChannelID)
		logger.DebugContext(ctx, "responding to DM")
		return true
	}

	if m.Author.Bot && a.maxBotReplies <= 0 {
		return false
	}

	gs, err := a.settings.GuildSettings(ctx, m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "unable to read guild settings", tint.Err(err))
		return false
	}

	if m.Author.Bot {
		return a.allowBotReply(m, self)
	}
	a.resetBotReplies(m.ChannelID)

	if mentionsBot(m) {
		logger.DebugContext(ctx, "responding to bot mention")
		return true
	}
	if word, ok := matchTriggerWord(m.Content, gs.TriggerWords); ok {
		logger.DebugContext(ctx, "responding to trigger word", "word", word)
		return true
	}
	if repliesToBot(m) {
		logger.DebugContext(ctx, "responding to reply")
		return true
	}

	if gs.RandomResponsesEnabled {
		roll := a.roll()
		if roll <= gs.RandomResponseChance {
			logger.DebugContext(
				ctx,
				"responding at random",
				"roll", roll,
				"chance", gs.RandomResponseChance,
			)
			return true
		}
	}
	return false
}

// allowBotReply applies the bot reply cap. Another bot only gets a
// response when it mentions us or replies to one of our messages.
func (a *activation) allowBotReply(m *discordgo.Message, self *discordgo.User) bool {
	if a.maxBotReplies <= 0 {
		return false
	}
	addressed := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == self.ID {
			addressed = true
			break
		}
	}
	ref := m.ReferencedMessage
	if ref != nil && ref.Author != nil && ref.Author.ID == self.ID {
		addressed = true
	}
	if !addressed {
		return false
	}

	a.botRepliesMu.Lock()
	defer a.botRepliesMu.Unlock()
	if a.botReplies[m.ChannelID] >= a.maxBotReplies {
		a.logger.Debug(
			"bot reply limit reached",
			"channel_id", m.ChannelID,
			"limit", a.maxBotReplies,
		)
		return false
	}
	a.botReplies[m.ChannelID]++
	return true
}

func (a *activation) resetBotReplies(channelID string) {
	a.botRepliesMu.Lock()
	defer a.botRepliesMu.Unlock()
	delete(a.botReplies, channelID)
}

func mentionsBot(m *discordgo.Message) bool {
	for _, u := range m.Mentions {
		if u != nil && u.Bot {
			return true
		}
	}
	return false
}

func repliesToBot(m *discordgo.Message) bool {
	ref := m.ReferencedMessage
	return ref != nil && ref.Author != nil && ref.Author.Bot
}

// matchTriggerWord returns the first trigger word found as a substring of
// the lowercased content
func matchTriggerWord(content string, words TriggerWords) (string, bool) {
	content = strings.ToLower(content)
	for _, w := range words {
		if w != "" && strings.Contains(content, w) {
			return w, true
		}
	}
	return "", false
}
