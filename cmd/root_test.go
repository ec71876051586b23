package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sistav/Evil-Bot/evilbot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestViper returns a viper instance set up the same way as the root
// command's, without touching the global one
func newTestViper(t testing.TB) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(evilbot.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func TestLoadConfig_Defaults(t *testing.T) {
	v := newTestViper(t)
	c := evilbot.DefaultConfig()
	require.NoError(t, loadConfig(v, c))

	expected := evilbot.DefaultConfig()
	assert.Equal(t, expected.Database, c.Database)
	assert.Equal(t, expected.Discord.CommandPrefix, c.Discord.CommandPrefix)
	assert.Equal(t, expected.Inference.Model, c.Inference.Model)
	assert.Equal(t, expected.Inference.Timeout, c.Inference.Timeout)
	assert.Equal(t, expected.Persona.DefaultTriggerWords, c.Persona.DefaultTriggerWords)
	assert.Equal(t, expected.Persona.DefaultPersona, c.Persona.DefaultPersona)
	assert.Equal(t, expected.Discord.GatewayIntents, c.Discord.GatewayIntents)
	assert.Equal(t, evilbot.DefaultLogLevel, c.LogLevel.Level())
	assert.Equal(t, evilbot.DefaultDiscordLogLevel, c.Discord.LogLevel.Level())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("EVILBOT_DATABASE", "/var/lib/evilbot/settings.db")
	t.Setenv("EVILBOT_LOG_LEVEL", "debug")
	t.Setenv("EVILBOT_DISCORD_TOKEN", "discord-token")
	t.Setenv("EVILBOT_DISCORD_COMMAND_PREFIX", "?")
	t.Setenv("EVILBOT_DISCORD_LOG_LEVEL", "ERROR")
	t.Setenv("EVILBOT_DISCORD_MAX_BOT_REPLIES", "3")
	t.Setenv("EVILBOT_INFERENCE_TIMEOUT", "45s")
	t.Setenv("EVILBOT_INFERENCE_WORKERS", "4")
	t.Setenv("EVILBOT_INFERENCE_BASE_URL", "http://ollama:11434/v1")
	t.Setenv("EVILBOT_PERSONA_DEFAULT_TRIGGER_WORDS", "villain,dark lord")
	t.Setenv("EVILBOT_PERSONA_DEFAULT_RANDOM_ENABLED", "false")
	t.Setenv("EVILBOT_PERSONA_DEFAULT_RANDOM_CHANCE", "25")
	t.Setenv("EVILBOT_API_ENABLED", "false")
	t.Setenv("EVILBOT_API_CORS_ALLOW_ORIGINS", "https://a.example,https://b.example")

	v := newTestViper(t)
	c := evilbot.DefaultConfig()
	require.NoError(t, loadConfig(v, c))

	assert.Equal(t, "/var/lib/evilbot/settings.db", c.Database)
	assert.Equal(t, slog.LevelDebug, c.LogLevel.Level())
	assert.Equal(t, "discord-token", c.Discord.Token)
	assert.Equal(t, "?", c.Discord.CommandPrefix)
	assert.Equal(t, slog.LevelError, c.Discord.LogLevel.Level())
	assert.Equal(t, 3, c.Discord.MaxBotReplies)
	assert.Equal(t, 45*time.Second, c.Inference.Timeout)
	assert.Equal(t, 4, c.Inference.Workers)
	assert.Equal(t, "http://ollama:11434/v1", c.Inference.BaseURL)
	assert.Equal(t, []string{"villain", "dark lord"}, c.Persona.DefaultTriggerWords)
	assert.False(t, c.Persona.DefaultRandomEnabled)
	assert.Equal(t, 25, c.Persona.DefaultRandomChance)
	assert.False(t, c.API.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.API.CORS.AllowOrigins)
}

func TestLoadConfig_InvalidLevel(t *testing.T) {
	t.Setenv("EVILBOT_LOG_LEVEL", "loud")
	v := newTestViper(t)
	assert.Error(t, loadConfig(v, evilbot.DefaultConfig()))
}

func TestApplyLegacyEnv(t *testing.T) {
	env := map[string]string{
		"BOT_TOKEN":             "legacy-token",
		"MODEL_NAME":            "llama3",
		"RESPONSE_TIMEOUT":      "120",
		"EMBED_COLOR":           "0xFF0000",
		"LOG_MAX_SIZE":          fmt.Sprint(10 * 1024 * 1024),
		"LOG_FILE_NAME":         "bot.log",
		"DEFAULT_TRIGGER_WORDS": "evil,villain",
		"COMMAND_PREFIX":        "!",
		// the prefixed variable wins
		"EVILBOT_DISCORD_COMMAND_PREFIX": "$",
	}
	t.Setenv("EVILBOT_DISCORD_COMMAND_PREFIX", "$")
	lookup := func(key string) (string, bool) {
		val, ok := env[key]
		return val, ok
	}

	v := newTestViper(t)
	require.NoError(t, applyLegacyEnv(v, evilbot.DefaultEnvPrefix, lookup))

	c := evilbot.DefaultConfig()
	require.NoError(t, loadConfig(v, c))

	assert.Equal(t, "legacy-token", c.Discord.Token)
	assert.Equal(t, "llama3", c.Inference.Model)
	assert.Equal(t, 120*time.Second, c.Inference.Timeout)
	assert.Equal(t, 0xFF0000, c.Persona.EmbedColor)
	assert.Equal(t, 10, c.LogFile.MaxTotalSizeMB)
	assert.Equal(t, filepath.Join("logs", "bot.log"), c.LogFile.Path)
	assert.Equal(t, []string{"evil", "villain"}, c.Persona.DefaultTriggerWords)
	assert.Equal(t, "$", c.Discord.CommandPrefix)
}

func TestApplyLegacyEnv_Invalid(t *testing.T) {
	for env, value := range map[string]string{
		"RESPONSE_TIMEOUT": "soon",
		"EMBED_COLOR":      "red",
		"LOG_MAX_SIZE":     "big",
	} {
		lookup := func(key string) (string, bool) {
			if key == env {
				return value, true
			}
			return "", false
		}
		err := applyLegacyEnv(viper.New(), evilbot.DefaultEnvPrefix, lookup)
		assert.Errorf(t, err, "expected an error for %s=%s", env, value)
	}
}

func TestRootCommand_EnvFile(t *testing.T) {
	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")
	dbPath := filepath.Join(tmpdir, "evilbot.sqlite3")

	envContent := fmt.Sprintf(
		`
# General/database config
EVILBOT_DATABASE=%s
EVILBOT_DATABASE_TYPE=sqlite
EVILBOT_SHUTDOWN_TIMEOUT=15s

# Discord
EVILBOT_DISCORD_TOKEN=your-discord-bot-token
EVILBOT_DISCORD_STARTUP_MESSAGE="I'm here!"

# Inference
EVILBOT_INFERENCE_MODEL=mistral
`, dbPath,
	)
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	keys := []string{
		"EVILBOT_DATABASE",
		"EVILBOT_DATABASE_TYPE",
		"EVILBOT_SHUTDOWN_TIMEOUT",
		"EVILBOT_DISCORD_TOKEN",
		"EVILBOT_DISCORD_STARTUP_MESSAGE",
		"EVILBOT_INFERENCE_MODEL",
	}
	for _, k := range keys {
		// registers cleanup, so godotenv's values are removed afterward
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	rootCmd.SetArgs([]string{"--config=" + envFile, "version"})
	t.Cleanup(
		func() {
			rootCmd.SetArgs(nil)
			configFile = ""
		},
	)
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, dbPath, cfg.Database)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, "mistral", cfg.Inference.Model)
}
