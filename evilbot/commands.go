package evilbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandSet     = "set"
	commandGet     = "get"
	commandDefault = "default"
	commandTrigger = "trigger"
	commandRandom  = "random"
	commandHelp    = "help"
)

var ErrUnknownCommand = errors.New("unknown command")

type commandInfo struct {
	name  string
	args  string
	brief string
	help  string
}

func (c commandInfo) usage() string {
	if c.args == "" {
		return c.name
	}
	return c.name + " " + c.args
}

// commandCatalog describes each command, sorted by name
var commandCatalog = []commandInfo{
	{
		name:  commandDefault,
		brief: "Reset all settings to default",
		help:  "Reset all bot settings to their default values\n\nExample:\n{prefix}default",
	},
	{
		name:  commandGet,
		brief: "Show my current evil personality",
		help:  "Display my current personality settings\n\nExample:\n{prefix}get",
	},
	{
		name:  commandHelp,
		args:  "[command]",
		brief: "Shows this message",
		help:  "Show all commands, or details about one command\n\nExamples:\n{prefix}help\n{prefix}help trigger",
	},
	{
		name:  commandRandom,
		args:  "[action] [chance]",
		brief: "Control my random evil appearances",
		help: "Manage my random response settings\n\nExamples:\n" +
			"{prefix}random status - Show current settings\n" +
			"{prefix}random on - Enable random responses\n" +
			"{prefix}random off - Disable random responses\n" +
			"{prefix}random chance 20 - Set response chance to 20%",
	},
	{
		name:  commandSet,
		args:  "<prompt>",
		brief: "Set my evil personality",
		help: "Set a new system prompt to change my personality\n\nExample:\n" +
			"{prefix}set You are Evil Bot, an AI assistant with evil tendencies",
	},
	{
		name:  commandTrigger,
		args:  "[action] [word]",
		brief: "Control what words summon me",
		help: "Manage the words that make me respond\n\nExamples:\n" +
			"{prefix}trigger list - Show all trigger words\n" +
			"{prefix}trigger add evil overlord - Add a new trigger\n" +
			"{prefix}trigger remove evil overlord - Remove a trigger",
	},
}

func lookupCommand(name string) (commandInfo, bool) {
	for _, c := range commandCatalog {
		if c.name == name {
			return c, true
		}
	}
	return commandInfo{}, false
}

// Command is a parsed settings command
type Command interface {
	commandName() string
}

// SetPromptCommand sets the persona for the guild, or the author's DMs
type SetPromptCommand struct {
	Prompt string
}

// GetPromptCommand shows the persona in effect
type GetPromptCommand struct{}

// DefaultCommand resets the guild's settings, or the author's DM persona
type DefaultCommand struct{}

// TriggerCommand lists or modifies the guild's trigger words
type TriggerCommand struct {
	Action string
	Word   string
}

// RandomCommand shows or modifies the guild's random response settings
type RandomCommand struct {
	Action string
	// Chance is the raw chance argument, if one was given
	Chance string
}

// HelpCommand lists commands, or describes one
type HelpCommand struct {
	Topic string
}

func (SetPromptCommand) commandName() string { return commandSet }
func (GetPromptCommand) commandName() string { return commandGet }
func (DefaultCommand) commandName() string   { return commandDefault }
func (TriggerCommand) commandName() string   { return commandTrigger }
func (RandomCommand) commandName() string    { return commandRandom }
func (HelpCommand) commandName() string      { return commandHelp }

// parseCommand parses content, which must start with prefix. The command
// name is matched exactly. Actions are lowercased.
func parseCommand(prefix string, content string) (Command, error) {
	body, ok := strings.CutPrefix(content, prefix)
	if !ok || body == "" || unicode.IsSpace([]rune(body)[0]) {
		return nil, ErrUnknownCommand
	}
	name, args := splitFirstWord(body)

	switch name {
	case commandSet:
		return SetPromptCommand{Prompt: args}, nil
	case commandGet:
		return GetPromptCommand{}, nil
	case commandDefault:
		return DefaultCommand{}, nil
	case commandTrigger:
		action, word := splitFirstWord(args)
		return TriggerCommand{Action: strings.ToLower(action), Word: word}, nil
	case commandRandom:
		action, rest := splitFirstWord(args)
		chance, _ := splitFirstWord(rest)
		return RandomCommand{Action: strings.ToLower(action), Chance: chance}, nil
	case commandHelp:
		topic, _ := splitFirstWord(args)
		return HelpCommand{Topic: topic}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// splitFirstWord returns the first whitespace-delimited word of s, and the
// trimmed remainder
func splitFirstWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx:])
}

// commandContext carries what a command handler needs about the message
type commandContext struct {
	message *discordgo.Message
	isDM    bool
}

// runCommand executes cmd and sends the response embed to the channel
func (b *EvilBot) runCommand(ctx context.Context, m *discordgo.Message, cmd Command) {
	logger := contextLoggerOr(ctx, b.logger).With("command", cmd.commandName())
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "running command")

	cc := commandContext{message: m, isDM: m.GuildID == ""}

	var embed *discordgo.MessageEmbed
	switch c := cmd.(type) {
	case SetPromptCommand:
		embed = b.cmdSetPrompt(ctx, cc, c)
	case GetPromptCommand:
		embed = b.cmdGetPrompt(ctx, cc)
	case DefaultCommand:
		embed = b.cmdDefault(ctx, cc)
	case TriggerCommand:
		embed = b.cmdTrigger(ctx, cc, c)
	case RandomCommand:
		embed = b.cmdRandom(ctx, cc, c)
	case HelpCommand:
		embed = b.cmdHelp(c)
	default:
		logger.ErrorContext(ctx, "unhandled command type", "type", fmt.Sprintf("%T", cmd))
		return
	}

	if _, err := b.discord.session.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		logger.ErrorContext(ctx, "unable to send command response", tint.Err(err))
	}
}

func (b *EvilBot) isAdmin(ctx context.Context, cc commandContext) bool {
	return b.discord.isAdministrator(ctx, cc.message.Author.ID, cc.message.ChannelID)
}

func (b *EvilBot) cmdSetPrompt(
	ctx context.Context,
	cc commandContext,
	c SetPromptCommand,
) *discordgo.MessageEmbed {
	logger := contextLoggerOr(ctx, b.logger)
	if strings.TrimSpace(c.Prompt) == "" {
		return b.embeds.help("Set Prompt", "Set my evil personality!", "set You are Evil Bot...")
	}

	var err error
	if cc.isDM {
		err = b.settings.SetDMPersona(ctx, cc.message.Author.ID, c.Prompt)
	} else {
		if !b.isAdmin(ctx, cc) {
			logger.WarnContext(ctx, "permission denied")
			return b.embeds.noPermission()
		}
		err = b.settings.SetGuildPersona(ctx, cc.message.GuildID, c.Prompt)
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to update prompt", tint.Err(err))
		return b.embeds.failure("Error", "Failed to update the system prompt!")
	}
	return b.embeds.info(
		"Personality Updated",
		"*Evil laugh* I have updated my personality!",
		&discordgo.MessageEmbedField{
			Name:  "New Prompt",
			Value: codeBlock(strings.TrimSpace(c.Prompt)),
		},
	)
}

func (b *EvilBot) cmdGetPrompt(ctx context.Context, cc commandContext) *discordgo.MessageEmbed {
	var prompt string
	if cc.isDM {
		prompt = b.settings.DMPersona(ctx, cc.message.Author.ID)
	} else {
		gs, err := b.settings.GuildSettings(ctx, cc.message.GuildID)
		if err != nil {
			contextLoggerOr(ctx, b.logger).ErrorContext(ctx, "failed to get prompt", tint.Err(err))
			return b.embeds.failure("Error", "Failed to retrieve the system prompt!")
		}
		prompt = gs.SystemPrompt
	}
	return b.embeds.info(
		"Current Prompt",
		"Here's how I'm currently configured to behave",
		&discordgo.MessageEmbedField{Name: "Prompt", Value: codeBlock(prompt)},
	)
}

func (b *EvilBot) cmdDefault(ctx context.Context, cc commandContext) *discordgo.MessageEmbed {
	logger := contextLoggerOr(ctx, b.logger)
	if cc.isDM {
		err := b.settings.SetDMPersona(ctx, cc.message.Author.ID, b.config.Persona.DefaultPersona)
		if err != nil {
			logger.ErrorContext(ctx, "failed to reset DM settings", tint.Err(err))
			return b.embeds.failure("Error", "Failed to reset settings!")
		}
		return b.embeds.info("Settings Reset", "Your DM settings have been reset to default! 😈")
	}

	if !b.isAdmin(ctx, cc) {
		logger.WarnContext(ctx, "permission denied")
		return b.embeds.noPermission()
	}
	if err := b.settings.ResetGuildSettings(ctx, cc.message.GuildID); err != nil {
		logger.ErrorContext(ctx, "failed to reset guild settings", tint.Err(err))
		return b.embeds.failure("Error", "Failed to reset settings!")
	}
	return b.embeds.info("Settings Reset", "All settings have been reset to default values! 😈")
}

func (b *EvilBot) cmdTrigger(
	ctx context.Context,
	cc commandContext,
	c TriggerCommand,
) *discordgo.MessageEmbed {
	logger := contextLoggerOr(ctx, b.logger)
	if cc.isDM {
		return b.embeds.failure("DM Not Supported", "Trigger words can only be managed in servers!")
	}
	if c.Action == "" {
		return b.embeds.help(
			"Trigger Words",
			"Manage words that make me respond",
			"trigger list", "trigger add evil overlord", "trigger remove evil overlord",
		)
	}
	if c.Action != "list" && !b.isAdmin(ctx, cc) {
		logger.WarnContext(ctx, "permission denied")
		return b.embeds.noPermission()
	}

	guildID := cc.message.GuildID
	switch {
	case c.Action == "list":
		gs, err := b.settings.GuildSettings(ctx, guildID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to get guild settings", tint.Err(err))
			return b.embeds.failure("Error", "Failed to get server settings!")
		}
		lines := make([]string, 0, len(gs.TriggerWords))
		for _, w := range gs.TriggerWords {
			lines = append(lines, "• "+w)
		}
		wordsText := strings.Join(lines, "\n")
		if wordsText == "" {
			wordsText = "No trigger words set!"
		}
		return b.embeds.info(
			"Trigger Words",
			"These words summon my evil presence!",
			&discordgo.MessageEmbedField{Name: "Current Triggers", Value: wordsText},
		)
	case c.Action == "add" && c.Word != "":
		_, err := b.settings.AddTriggerWord(ctx, guildID, c.Word)
		switch {
		case errors.Is(err, ErrDuplicateWord):
			return b.embeds.failure("Duplicate Trigger", "That trigger word already exists!")
		case err != nil:
			logger.ErrorContext(ctx, "failed to add trigger word", tint.Err(err))
			return b.embeds.failure("Error", "Failed to add trigger word!")
		}
		return b.embeds.info("Trigger Added", fmt.Sprintf("Added new trigger word: `%s`", c.Word))
	case c.Action == "remove" && c.Word != "":
		_, err := b.settings.RemoveTriggerWord(ctx, guildID, c.Word)
		switch {
		case errors.Is(err, ErrUnknownWord):
			return b.embeds.failure("Unknown Trigger", "That trigger word doesn't exist!")
		case err != nil:
			logger.ErrorContext(ctx, "failed to remove trigger word", tint.Err(err))
			return b.embeds.failure("Error", "Failed to remove trigger word!")
		}
		return b.embeds.info("Trigger Removed", fmt.Sprintf("Removed trigger word: `%s`", c.Word))
	default:
		return b.embeds.help(
			"Invalid Action",
			"Please use a valid action!",
			"trigger list", "trigger add <word>", "trigger remove <word>",
		)
	}
}

func (b *EvilBot) cmdRandom(
	ctx context.Context,
	cc commandContext,
	c RandomCommand,
) *discordgo.MessageEmbed {
	logger := contextLoggerOr(ctx, b.logger)
	if cc.isDM {
		return b.embeds.failure("DM Not Supported", "Random responses can only be managed in servers!")
	}
	// no action shows the status, which anyone may see
	if c.Action != "" && c.Action != "status" && !b.isAdmin(ctx, cc) {
		logger.WarnContext(ctx, "permission denied")
		return b.embeds.noPermission()
	}

	guildID := cc.message.GuildID
	switch c.Action {
	case "", "status":
		gs, err := b.settings.GuildSettings(ctx, guildID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to get guild settings", tint.Err(err))
			return b.embeds.failure("Error", "Failed to get server settings!")
		}
		status := "Disabled 🌑"
		if gs.RandomResponsesEnabled {
			status = "Enabled 😈"
		}
		return b.embeds.info(
			"Random Response Settings",
			"",
			&discordgo.MessageEmbedField{Name: "Status", Value: status, Inline: true},
			&discordgo.MessageEmbedField{
				Name:   "Chance",
				Value:  fmt.Sprintf("%d%%", gs.RandomResponseChance),
				Inline: true,
			},
		)
	case "on":
		if err := b.settings.SetRandomEnabled(ctx, guildID, true); err != nil {
			logger.ErrorContext(ctx, "failed to enable random responses", tint.Err(err))
			return b.embeds.failure("Error", "Failed to enable random responses!")
		}
		return b.embeds.info("Random Responses Enabled", "")
	case "off":
		if err := b.settings.SetRandomEnabled(ctx, guildID, false); err != nil {
			logger.ErrorContext(ctx, "failed to disable random responses", tint.Err(err))
			return b.embeds.failure("Error", "Failed to disable random responses!")
		}
		return b.embeds.info("Random Responses Disabled", "")
	case "chance":
		if c.Chance == "" {
			break
		}
		chance, err := strconv.Atoi(c.Chance)
		if err != nil || chance < 1 || chance > 100 {
			return b.embeds.help("Invalid Chance", "Chance must be between 1 and 100!", "random chance 20")
		}
		if err = b.settings.SetRandomChance(ctx, guildID, chance); err != nil {
			logger.ErrorContext(ctx, "failed to update random chance", tint.Err(err))
			return b.embeds.failure("Error", "Failed to update random chance!")
		}
		return b.embeds.info(
			"Random Chance Updated",
			fmt.Sprintf("Random response chance set to %d%%!", chance),
		)
	}
	return b.embeds.help(
		"Random Responses",
		"Manage random response settings",
		"random status", "random on", "random off", "random chance 20",
	)
}

func (b *EvilBot) cmdHelp(c HelpCommand) *discordgo.MessageEmbed {
	if c.Topic != "" {
		if info, ok := lookupCommand(strings.TrimPrefix(c.Topic, b.config.Discord.CommandPrefix)); ok {
			return b.embeds.commandHelp(info)
		}
	}
	return b.embeds.commandList(b.config.Persona.BotName)
}

// codeBlock wraps s in a code block, shortened to fit an embed field
func codeBlock(s string) string {
	const fieldLimit = 1024
	const fence = "```"
	return fence + truncate(s, fieldLimit-2*len(fence)-3) + fence
}
