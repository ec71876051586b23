package evilbot

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	embedSuffix      = " 😈"
	embedErrorSuffix = " 🌑"
)

// embeds builds the bot's command responses
type embeds struct {
	color  int
	prefix string
}

// newEmbed returns an embed with the bot's color, and the title suffixed
// to mark it as a normal or error response
func (e embeds) newEmbed(
	title string,
	description string,
	isError bool,
	fields ...*discordgo.MessageEmbedField,
) *discordgo.MessageEmbed {
	suffix := embedSuffix
	if isError {
		suffix = embedErrorSuffix
	}
	return &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       title + suffix,
		Description: description,
		Color:       e.color,
		Fields:      fields,
	}
}

func (e embeds) info(
	title string,
	description string,
	fields ...*discordgo.MessageEmbedField,
) *discordgo.MessageEmbed {
	return e.newEmbed(title, description, false, fields...)
}

func (e embeds) failure(title string, description string) *discordgo.MessageEmbed {
	return e.newEmbed(title, description, true)
}

// help returns a usage embed with an examples field. Examples are given
// without the command prefix.
func (e embeds) help(title string, description string, examples ...string) *discordgo.MessageEmbed {
	lines := make([]string, 0, len(examples))
	for _, ex := range examples {
		lines = append(lines, fmt.Sprintf("• `%s%s`", e.prefix, ex))
	}
	return e.info(
		"Help: "+title,
		description,
		&discordgo.MessageEmbedField{
			Name:  "Examples",
			Value: strings.Join(lines, "\n"),
		},
	)
}

func (e embeds) noPermission() *discordgo.MessageEmbed {
	return e.failure("Permission Denied", "You don't have permission to use this command!")
}

// commandList lists every command with its summary
func (e embeds) commandList(botName string) *discordgo.MessageEmbed {
	fields := make([]*discordgo.MessageEmbedField, 0, len(commandCatalog))
	for _, c := range commandCatalog {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  e.prefix + c.usage(),
				Value: c.brief,
			},
		)
	}
	return &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       botName + " Commands",
		Description: "Here are my evil commands! 😈",
		Color:       e.color,
		Fields:      fields,
	}
}

// commandHelp describes a single command
func (e embeds) commandHelp(c commandInfo) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       e.prefix + c.usage(),
		Description: strings.ReplaceAll(c.help, "{prefix}", e.prefix),
		Color:       e.color,
	}
}
