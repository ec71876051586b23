package evilbot

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		content string
		want    Command
	}{
		{"!set You are a pirate.", SetPromptCommand{Prompt: "You are a pirate."}},
		{"!set", SetPromptCommand{}},
		{"!get", GetPromptCommand{}},
		{"!default", DefaultCommand{}},
		{"!trigger", TriggerCommand{}},
		{"!trigger list", TriggerCommand{Action: "list"}},
		{"!trigger ADD Evil Overlord", TriggerCommand{Action: "add", Word: "Evil Overlord"}},
		{"!trigger remove  spaced   word ", TriggerCommand{Action: "remove", Word: "spaced   word"}},
		{"!random", RandomCommand{}},
		{"!random On", RandomCommand{Action: "on"}},
		{"!random chance 20", RandomCommand{Action: "chance", Chance: "20"}},
		{"!random chance 20 30", RandomCommand{Action: "chance", Chance: "20"}},
		{"!help", HelpCommand{}},
		{"!help trigger", HelpCommand{Topic: "trigger"}},
	}
	for _, tc := range tests {
		t.Run(
			tc.content, func(t *testing.T) {
				t.Parallel()
				cmd, err := parseCommand("!", tc.content)
				require.NoError(t, err)
				assert.Equal(t, tc.want, cmd)
			},
		)
	}
}

func TestParseCommand_Unknown(t *testing.T) {
	t.Parallel()
	for _, content := range []string{"!summon", "!SET prompt", "!", "! set", "?set x"} {
		_, err := parseCommand("!", content)
		assert.Truef(t, errors.Is(err, ErrUnknownCommand), "expected unknown command for %q", content)
	}
}

func TestParseCommand_CustomPrefix(t *testing.T) {
	t.Parallel()
	cmd, err := parseCommand("evil.", "evil.get")
	require.NoError(t, err)
	assert.Equal(t, GetPromptCommand{}, cmd)
}

// runTestCommand sends content as a guild command from the given author,
// and returns the embed sent in response
func runTestCommand(
	t testing.TB,
	b *EvilBot,
	session *mockDiscordSession,
	authorID string,
	content string,
) *discordgo.MessageEmbed {
	t.Helper()
	before := len(session.Embeds())
	b.handleMessage(context.Background(), guildMessage("cmd", authorID, content))
	embeds := session.Embeds()
	require.Len(t, embeds, before+1)
	return embeds[len(embeds)-1]
}

func TestCommand_SetAndGetPrompt(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})
	ctx := context.Background()

	embed := runTestCommand(t, b, session, testAdminID, "!set You are a pirate.")
	assert.Equal(t, "Personality Updated"+embedSuffix, embed.Title)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "```You are a pirate.```", embed.Fields[0].Value)
	assert.Equal(t, "You are a pirate.", b.settings.GuildPersona(ctx, testGuildID))

	embed = runTestCommand(t, b, session, testUserID, "!get")
	assert.Equal(t, "Current Prompt"+embedSuffix, embed.Title)
	assert.Equal(t, "```You are a pirate.```", embed.Fields[0].Value)
	assert.Equal(t, DefaultEmbedColor, embed.Color)
}

func TestCommand_SetPromptRequiresAdmin(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})

	embed := runTestCommand(t, b, session, testUserID, "!set You are a pirate.")
	assert.Equal(t, "Permission Denied"+embedErrorSuffix, embed.Title)
	assert.Equal(t, DefaultPersona, b.settings.GuildPersona(context.Background(), testGuildID))

	// a failed permission lookup is treated as denied
	embed = runTestCommand(t, b, session, "stranger", "!set You are a pirate.")
	assert.Equal(t, "Permission Denied"+embedErrorSuffix, embed.Title)
}

func TestCommand_SetPromptEmptyShowsHelp(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})

	embed := runTestCommand(t, b, session, testAdminID, "!set   ")
	assert.Equal(t, "Help: Set Prompt"+embedSuffix, embed.Title)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "• `!set You are Evil Bot...`", embed.Fields[0].Value)
}

func TestCommand_DMPrompt(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})
	ctx := context.Background()

	// no admin check in DMs
	b.handleMessage(ctx, dmMessage("m1", "!set You are a ghost."))
	embeds := session.Embeds()
	require.Len(t, embeds, 1)
	assert.Equal(t, "Personality Updated"+embedSuffix, embeds[0].Title)
	assert.Equal(t, "You are a ghost.", b.settings.DMPersona(ctx, testUserID))

	// the guild persona is untouched
	assert.Equal(t, DefaultPersona, b.settings.GuildPersona(ctx, testGuildID))

	b.handleMessage(ctx, dmMessage("m2", "!default"))
	embeds = session.Embeds()
	require.Len(t, embeds, 2)
	assert.Equal(t, "Settings Reset"+embedSuffix, embeds[1].Title)
	assert.Equal(t, DefaultPersona, b.settings.DMPersona(ctx, testUserID))

	b.handleMessage(ctx, dmMessage("m3", "!trigger list"))
	embeds = session.Embeds()
	require.Len(t, embeds, 3)
	assert.Equal(t, "DM Not Supported"+embedErrorSuffix, embeds[2].Title)
}

func TestCommand_Trigger(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})
	ctx := context.Background()

	embed := runTestCommand(t, b, session, testUserID, "!trigger list")
	assert.Equal(t, "Trigger Words"+embedSuffix, embed.Title)
	assert.Equal(t, "• evil\n• evil bot\n• good\n• good bot", embed.Fields[0].Value)

	embed = runTestCommand(t, b, session, testUserID, "!trigger add overlord")
	assert.Equal(t, "Permission Denied"+embedErrorSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!trigger add Evil Overlord")
	assert.Equal(t, "Trigger Added"+embedSuffix, embed.Title)
	assert.Equal(t, "Added new trigger word: `Evil Overlord`", embed.Description)

	gs, err := b.settings.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.True(t, gs.TriggerWords.Contains("evil overlord"))

	embed = runTestCommand(t, b, session, testAdminID, "!trigger add evil overlord")
	assert.Equal(t, "Duplicate Trigger"+embedErrorSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!trigger remove good")
	assert.Equal(t, "Trigger Removed"+embedSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!trigger remove good")
	assert.Equal(t, "Unknown Trigger"+embedErrorSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!trigger add")
	assert.Equal(t, "Help: Invalid Action"+embedSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!trigger")
	assert.Equal(t, "Help: Trigger Words"+embedSuffix, embed.Title)
}

func TestCommand_TriggerListEmpty(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Persona.DefaultTriggerWords = nil
	b, session := newTestBot(t, cfg, &mockChatCompleter{})

	embed := runTestCommand(t, b, session, testUserID, "!trigger list")
	assert.Equal(t, "No trigger words set!", embed.Fields[0].Value)
}

func TestCommand_Random(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})
	ctx := context.Background()

	embed := runTestCommand(t, b, session, testUserID, "!random")
	assert.Equal(t, "Random Response Settings"+embedSuffix, embed.Title)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "Disabled 🌑", embed.Fields[0].Value)
	assert.Equal(t, "10%", embed.Fields[1].Value)

	embed = runTestCommand(t, b, session, testUserID, "!random on")
	assert.Equal(t, "Permission Denied"+embedErrorSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!random on")
	assert.Equal(t, "Random Responses Enabled"+embedSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!random chance 25")
	assert.Equal(t, "Random Chance Updated"+embedSuffix, embed.Title)
	assert.Equal(t, "Random response chance set to 25%!", embed.Description)

	gs, err := b.settings.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.True(t, gs.RandomResponsesEnabled)
	assert.Equal(t, 25, gs.RandomResponseChance)

	for _, bad := range []string{"0", "101", "150", "lots", "-5"} {
		embed = runTestCommand(t, b, session, testAdminID, "!random chance "+bad)
		assert.Equal(t, "Help: Invalid Chance"+embedSuffix, embed.Title, bad)
	}
	gs, err = b.settings.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 25, gs.RandomResponseChance)

	embed = runTestCommand(t, b, session, testAdminID, "!random chance")
	assert.Equal(t, "Help: Random Responses"+embedSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!random off")
	assert.Equal(t, "Random Responses Disabled"+embedSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!random sideways")
	assert.Equal(t, "Help: Random Responses"+embedSuffix, embed.Title)
}

func TestCommand_DefaultResetsGuild(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})
	ctx := context.Background()

	runTestCommand(t, b, session, testAdminID, "!set You are a pirate.")
	runTestCommand(t, b, session, testAdminID, "!trigger add arr")
	runTestCommand(t, b, session, testAdminID, "!random chance 50")

	embed := runTestCommand(t, b, session, testUserID, "!default")
	assert.Equal(t, "Permission Denied"+embedErrorSuffix, embed.Title)

	embed = runTestCommand(t, b, session, testAdminID, "!default")
	assert.Equal(t, "Settings Reset"+embedSuffix, embed.Title)

	gs, err := b.settings.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, DefaultPersona, gs.SystemPrompt)
	assert.Equal(t, TriggerWords(DefaultTriggerWords), gs.TriggerWords)
	assert.Equal(t, DefaultRandomChance, gs.RandomResponseChance)
}

func TestCommand_Help(t *testing.T) {
	b, session := newTestBot(t, nil, &mockChatCompleter{})

	embed := runTestCommand(t, b, session, testUserID, "!help")
	assert.Equal(t, DefaultBotName+" Commands", embed.Title)
	require.Len(t, embed.Fields, len(commandCatalog))
	assert.Equal(t, "!default", embed.Fields[0].Name)
	assert.Equal(t, "!trigger [action] [word]", embed.Fields[len(embed.Fields)-1].Name)

	embed = runTestCommand(t, b, session, testUserID, "!help trigger")
	assert.Equal(t, "!trigger [action] [word]", embed.Title)
	assert.Contains(t, embed.Description, "!trigger add evil overlord")
	assert.NotContains(t, embed.Description, "{prefix}")

	embed = runTestCommand(t, b, session, testUserID, "!help !random")
	assert.Equal(t, "!random [action] [chance]", embed.Title)

	embed = runTestCommand(t, b, session, testUserID, "!help nonsense")
	assert.Equal(t, DefaultBotName+" Commands", embed.Title)
}

func TestCodeBlock(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "```hi```", codeBlock("hi"))

	long := codeBlock(string(make([]rune, 5000)))
	assert.LessOrEqual(t, len([]rune(long)), 1024)
}
