package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sistav/Evil-Bot/evilbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = evilbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:          "evilbot [flags]",
	Short:        "A Discord chat bot with an evil streak, backed by Ollama",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(viper.GetViper(), cfg)
	},
}

// loadConfig decodes the viper settings into c
func loadConfig(v *viper.Viper, c *evilbot.Config) error {
	err := v.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return nil
}

// LevelToStringHookFunc decodes a level name (debug, info, warn, error)
// into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if t != reflect.TypeOf(&slog.LevelVar{}) {
			return data, nil
		}
		switch value := data.(type) {
		case *slog.LevelVar:
			return value, nil
		case slog.Level:
			lvlVar := &slog.LevelVar{}
			lvlVar.Set(value)
			return lvlVar, nil
		case string:
			return levelStringToLevelVar(value)
		default:
			return nil, fmt.Errorf("invalid log level: %v (%s)", data, f)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", lvl)
	}
	return level, nil
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setDefaults registers every config key with viper, so each can be set
// from the environment
func setDefaults(v *viper.Viper) {
	d := evilbot.DefaultConfig()

	v.SetDefault("database", d.Database)
	v.SetDefault("database_type", d.DatabaseType)
	v.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	v.SetDefault("database_log_level", evilbot.DefaultDatabaseLogLevel.String())
	v.SetDefault("log_level", evilbot.DefaultLogLevel.String())
	v.SetDefault("startup_timeout", d.StartupTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("log_file.path", d.LogFile.Path)
	v.SetDefault("log_file.max_total_size_mb", d.LogFile.MaxTotalSizeMB)
	v.SetDefault("log_file.max_backups", d.LogFile.MaxBackups)
	v.SetDefault("log_file.compress", d.LogFile.Compress)

	// Discord config
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.command_prefix", d.Discord.CommandPrefix)
	v.SetDefault("discord.log_level", evilbot.DefaultDiscordLogLevel.String())
	v.SetDefault("discord.discordgo_log_level", evilbot.DefaultDiscordgoLogLevel.String())
	v.SetDefault("discord.startup_message", d.Discord.StartupMessage)
	v.SetDefault("discord.notification_channel_id", "")
	v.SetDefault("discord.custom_status", "")
	v.SetDefault("discord.gateway_intents", d.Discord.GatewayIntents)
	v.SetDefault("discord.max_bot_replies", d.Discord.MaxBotReplies)
	v.SetDefault("discord.typing_interval", d.Discord.TypingInterval)

	// Inference config
	v.SetDefault("inference.base_url", d.Inference.BaseURL)
	v.SetDefault("inference.token", d.Inference.Token)
	v.SetDefault("inference.model", d.Inference.Model)
	v.SetDefault("inference.timeout", d.Inference.Timeout)
	v.SetDefault("inference.workers", d.Inference.Workers)
	v.SetDefault("inference.max_requests_per_second", d.Inference.MaxRequestsPerSecond)
	v.SetDefault("inference.log_level", evilbot.DefaultInferenceLogLevel.String())
	v.SetDefault("inference.log_retention", d.Inference.LogRetention)
	v.SetDefault("inference.log_prune_interval", d.Inference.LogPruneInterval)

	// Persona defaults
	v.SetDefault("persona.bot_name", d.Persona.BotName)
	v.SetDefault("persona.default_persona", d.Persona.DefaultPersona)
	v.SetDefault("persona.default_trigger_words", d.Persona.DefaultTriggerWords)
	v.SetDefault("persona.default_random_enabled", d.Persona.DefaultRandomEnabled)
	v.SetDefault("persona.default_random_chance", d.Persona.DefaultRandomChance)
	v.SetDefault("persona.max_context_messages", d.Persona.MaxContextMessages)
	v.SetDefault("persona.max_message_length", d.Persona.MaxMessageLength)
	v.SetDefault("persona.embed_color", d.Persona.EmbedColor)

	// API config
	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.listen_network", d.API.ListenNetwork)
	v.SetDefault("api.log_level", evilbot.DefaultAPILogLevel.String())
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", d.API.IdleTimeout)
	v.SetDefault("api.ssl.cert", "")
	v.SetDefault("api.ssl.key", "")
	v.SetDefault("api.ssl.tls_min_version", d.API.SSL.TLSMinVersion)

	// API: CORS config
	v.SetDefault("api.cors.allow_headers", d.API.CORS.AllowHeaders)
	v.SetDefault("api.cors.allow_methods", d.API.CORS.AllowMethods)
	v.SetDefault("api.cors.expose_headers", d.API.CORS.ExposeHeaders)
	v.SetDefault("api.cors.allow_origins", d.API.CORS.AllowOrigins)
	v.SetDefault("api.cors.max_age", d.API.CORS.MaxAge)
	v.SetDefault("api.cors.allow_credentials", d.API.CORS.AllowCredentials)
}

// legacyEnv maps the environment variables used by earlier releases to
// config keys. These are only read when set, and lose to the prefixed
// variables.
var legacyEnv = map[string]string{
	"BOT_TOKEN":              "discord.token",
	"COMMAND_PREFIX":         "discord.command_prefix",
	"MODEL_NAME":             "inference.model",
	"MAX_MESSAGE_LENGTH":     "persona.max_message_length",
	"EMBED_COLOR":            "persona.embed_color",
	"RESPONSE_TIMEOUT":       "inference.timeout",
	"MAX_CONTEXT_MESSAGES":   "persona.max_context_messages",
	"DEFAULT_TRIGGER_WORDS":  "persona.default_trigger_words",
	"DEFAULT_RANDOM_ENABLED": "persona.default_random_enabled",
	"DEFAULT_RANDOM_CHANCE":  "persona.default_random_chance",
	"DEFAULT_PERSONA":        "persona.default_persona",
	"DATABASE_NAME":          "database",
	"BOT_NAME":               "persona.bot_name",
	"LOG_FILE_NAME":          "log_file.path",
	"LOG_MAX_SIZE":           "log_file.max_total_size_mb",
	"LOG_BACKUP_COUNT":       "log_file.max_backups",
}

// applyLegacyEnv sets config keys from legacy environment variables.
// Values are converted from their legacy units: RESPONSE_TIMEOUT is in
// seconds, LOG_MAX_SIZE in bytes, and EMBED_COLOR is hex.
func applyLegacyEnv(v *viper.Viper, envPrefix string, lookup func(string) (string, bool)) error {
	for env, key := range legacyEnv {
		value, ok := lookup(env)
		if !ok || value == "" {
			continue
		}
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, isSet := lookup(prefixed); isSet {
			continue
		}

		var converted any = value
		switch env {
		case "RESPONSE_TIMEOUT":
			seconds, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			converted = time.Duration(seconds) * time.Second
		case "LOG_MAX_SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			converted = int(size / (1024 * 1024))
		case "EMBED_COLOR":
			color, err := strconv.ParseInt(
				strings.TrimPrefix(strings.ToLower(value), "0x"),
				16,
				32,
			)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			converted = int(color)
		case "LOG_FILE_NAME":
			if !strings.ContainsRune(value, os.PathSeparator) {
				converted = "logs" + string(os.PathSeparator) + value
			}
		}
		v.Set(key, converted)
	}
	return nil
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading %s: %v", configFile, err)
		}
	}

	v := viper.GetViper()
	setDefaults(v)

	envPrefix := os.Getenv(evilbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = evilbot.DefaultEnvPrefix
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := applyLegacyEnv(v, envPrefix, os.LookupEnv); err != nil {
		log.Fatalf("error: %v", err)
	}
}

//nolint:gochecknoinits // cobra wiring
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default: .env, if present)",
	)
}
