package evilbot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	require.NoError(t, structValidator.Struct(cfg))

	// the token is the only setting without a default
	cfg.Discord.Token = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateConfig_Invalid(t *testing.T) {
	t.Parallel()
	tests := map[string]func(cfg *Config){
		"database type":      func(cfg *Config) { cfg.DatabaseType = "mysql" },
		"random chance zero": func(cfg *Config) { cfg.Persona.DefaultRandomChance = 0 },
		"random chance 101":  func(cfg *Config) { cfg.Persona.DefaultRandomChance = 101 },
		"no workers":         func(cfg *Config) { cfg.Inference.Workers = 0 },
		"short timeout":      func(cfg *Config) { cfg.Inference.Timeout = time.Millisecond },
		"bad base url":       func(cfg *Config) { cfg.Inference.BaseURL = "not a url" },
		"no model":           func(cfg *Config) { cfg.Inference.Model = "" },
		"message length":     func(cfg *Config) { cfg.Persona.MaxMessageLength = 2001 },
		"history":            func(cfg *Config) { cfg.Persona.MaxContextMessages = 101 },
		"negative bots":      func(cfg *Config) { cfg.Discord.MaxBotReplies = -1 },
		"no prefix":          func(cfg *Config) { cfg.Discord.CommandPrefix = "" },
		"api listen":         func(cfg *Config) { cfg.API.Listen = "" },
		"ssl key":            func(cfg *Config) { cfg.API.SSL.Cert = "cert.pem" },
		"log file size": func(cfg *Config) {
			cfg.LogFile.MaxTotalSizeMB = 0
		},
		"log file backups": func(cfg *Config) {
			cfg.LogFile.MaxBackups = -1
		},
	}
	for name, mutate := range tests {
		t.Run(
			name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultConfig()
				cfg.Discord.Token = "test-token"
				mutate(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestValidateConfig_APIDisabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.API.Enabled = false
	cfg.API.Listen = ""
	assert.NoError(t, structValidator.Struct(cfg))
}

func TestValidateConfig_NoLogFile(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.LogFile = nil
	assert.NoError(t, structValidator.Struct(cfg))

	cfg.LogFile = &LogFileConfig{}
	assert.NoError(t, structValidator.Struct(cfg))
}

func TestConfigRedacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "discord-secret"
	cfg.Inference.Token = "inference-secret"

	redacted := cfg.Redacted()
	assert.Equal(t, redactedValue, redacted.Discord.Token)
	assert.Equal(t, redactedValue, redacted.Inference.Token)

	// the original is untouched
	assert.Equal(t, "discord-secret", cfg.Discord.Token)
	assert.Equal(t, "inference-secret", cfg.Inference.Token)
}

func TestLogFileConfig_MaxFileSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1024, LogFileConfig{MaxTotalSizeMB: 5 * 1024, MaxBackups: 4}.maxFileSizeMB())
	assert.Equal(t, 1, LogFileConfig{MaxTotalSizeMB: 1, MaxBackups: 4}.maxFileSizeMB())
}
