package evilbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	timeoutApology = "*Evil laugh fades* My dark powers are taking too long! Try again later. 😈"
	failureApology = "*Evil laugh turns into evil cough* Something went wrong with my dark powers! 😈"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Sistav/Evil-Bot/evilbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var shutdownAnnouncementInterval = 10 * time.Second

// EvilBot is a Discord chat bot that answers with a locally hosted model.
//
// Guild messages are answered when they mention a bot, reply to a bot,
// contain one of the guild's trigger words, or win a random roll. DMs are
// always answered. Messages starting with the command prefix are handled
// as settings commands instead.
type EvilBot struct {
	config *Config

	// read connection
	db *gorm.DB

	// write wrapper, which serializes writes when using sqlite
	writeDB *database

	logger *slog.Logger
	logs   *logOutput

	discord       *Discord
	inference     *Inference
	settings      SettingsStore
	activation    *activation
	conversations *conversationBuilder
	embeds        embeds
	api           *API
	scheduler     gocron.Scheduler

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has opened the database,
	// started the workers and connected to discord
	signalReady chan struct{}

	// eventShutdown has a value sent on it when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// handlersMu guards handlersClosed. Message handlers join the runtime
	// WaitGroup under the read lock, so none can join once shutdown has
	// set handlersClosed and started waiting.
	handlersMu     sync.RWMutex
	handlersClosed bool

	startedAt time.Time

	metricResponses atomic.Int64
	metricCommands  atomic.Int64
	metricApologies atomic.Int64
}

// levelOr returns lv, or a fixed level when lv is nil
func levelOr(lv *slog.LevelVar, fallback slog.Level) slog.Leveler {
	if lv == nil {
		return fallback
	}
	return lv
}

// New creates an EvilBot from the given config. Nothing is opened or
// connected until Run is called.
func New(config *Config) (*EvilBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	for name, section := range map[string]bool{
		"discord":   config.Discord == nil,
		"inference": config.Inference == nil,
		"persona":   config.Persona == nil,
		"api":       config.API == nil,
	} {
		if section {
			errs = append(errs, fmt.Errorf("missing %s config", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &EvilBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		embeds: embeds{
			color:  config.Persona.EmbedColor,
			prefix: config.Discord.CommandPrefix,
		},
	}

	b.logs = newLogOutput(defaultLogWriter, config.LogFile)
	b.logger = b.logs.logger(levelOr(config.LogLevel, DefaultLogLevel), "")
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		b.logs.handler(
			levelOr(config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
			"discordgo",
		),
	)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(
		config.Discord,
		b.logs.logger(levelOr(config.Discord.LogLevel, DefaultDiscordLogLevel), "discord"),
	)

	b.inference = newInference(
		config.Inference,
		newChatClient(config.Inference, config.HTTPClient),
		b.logs.logger(levelOr(config.Inference.LogLevel, DefaultInferenceLogLevel), "inference"),
	)

	api, err := newAPI(b, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	b.api = api

	return b, errors.Join(errs...)
}

func (b *EvilBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Ready returns a channel that receives a value once Run has finished
// starting up
func (b *EvilBot) Ready() <-chan struct{} {
	return b.signalReady
}

// Stop signals a running bot to shut down
func (b *EvilBot) Stop() {
	if b.signalStop == nil {
		return
	}
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run opens the database, starts the inference workers and the status
// API, and connects to discord. It blocks until ctx is cancelled or Stop
// is called, then shuts down gracefully.
func (b *EvilBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// tracks message handlers, which are allowed to finish on shutdown
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initDB(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return fmt.Errorf("error initializing database: %w", err)
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.config.API.Enabled {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	b.inference.Start()

	if err := b.startScheduler(ctx); err != nil {
		logger.ErrorContext(ctx, "error starting scheduler", tint.Err(err))
		b.inference.Stop()
		return err
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		_ = b.shutdown(ctx, runtimeWG)
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		_ = b.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	select {
	case b.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context, generally
	// an interrupt
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initDB opens the database, migrates it, and sets up the components
// that depend on it
func (b *EvilBot) initDB(ctx context.Context) error {
	logger := contextLoggerOr(ctx, b.logger)

	gormLogger := newGORMLogger(
		b.logs.handler(levelOr(b.config.DatabaseLogLevel, DefaultDatabaseLogLevel), ""),
		b.config.DatabaseSlowThreshold,
	)
	logger.Debug("opening database", "database_type", b.config.DatabaseType)
	db, err := openDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return err
	}
	logger.Debug("finished migrating database")

	b.db = db
	b.writeDB = newDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	b.settings = newSettingsStore(b.writeDB, b.config.Persona, b.logger)
	b.activation = newActivation(b.settings, nil, b.config.Discord.MaxBotReplies, b.logger)
	return nil
}

// initDiscordSession creates the session if needed, and registers the
// gateway event handlers
func (b *EvilBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	if b.config.Discord.CustomStatus != "" {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusOnline),
		}
	}
	b.discord.session.SetIdentify(identify)

	b.conversations = newConversationBuilder(
		b.discord.session,
		b.settings,
		b.config.Persona.MaxContextMessages,
		b.logger,
	)

	// in-flight replies finish on shutdown, bounded by the shutdown timeout
	handlerCtx := context.WithoutCancel(ctx)

	b.handlersMu.Lock()
	b.handlersClosed = false
	b.handlersMu.Unlock()

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				if !b.trackHandler(ctx, runtimeWG) {
					return
				}
				go func() {
					defer runtimeWG.Done()
					b.handleMessage(handlerCtx, m)
				}()
			},
		),
	}
	return nil
}

// trackHandler adds a message handler to runtimeWG, unless shutdown has
// already stopped accepting messages
func (b *EvilBot) trackHandler(ctx context.Context, runtimeWG *sync.WaitGroup) bool {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	if b.handlersClosed || ctx.Err() != nil {
		return false
	}
	runtimeWG.Add(1)
	return true
}

// stopAcceptingMessages makes handlers drop new messages. Once it returns,
// runtimeWG only tracks handlers that were already running.
func (b *EvilBot) stopAcceptingMessages() {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlersClosed = true
}

// handleMessage routes an incoming message to a command or a chat reply
func (b *EvilBot) handleMessage(ctx context.Context, mc *discordgo.MessageCreate) {
	if mc == nil || mc.Message == nil || mc.Author == nil {
		return
	}
	m := mc.Message
	b.discord.metricMessagesSeen.Add(1)

	logger := b.logger.With(slog.Group("message", messageLogAttrs(m)...))
	ctx = WithLogger(ctx, logger)
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	self := b.discord.BotUser()
	if self == nil {
		logger.WarnContext(ctx, "message received before ready, ignoring")
		return
	}
	if m.Author.ID == self.ID {
		return
	}

	prefix := b.config.Discord.CommandPrefix
	if strings.HasPrefix(m.Content, prefix) {
		if m.Author.Bot {
			return
		}
		cmd, err := parseCommand(prefix, m.Content)
		if err != nil {
			logger.DebugContext(ctx, "ignoring command", tint.Err(err))
			return
		}
		b.metricCommands.Add(1)
		b.runCommand(ctx, m, cmd)
		return
	}

	if !b.activation.ShouldRespond(ctx, m, self) {
		logger.DebugContext(ctx, "not responding")
		return
	}
	b.respond(ctx, m, self)
}

// respond builds the conversation, gets a completion, and delivers it.
// The typing indicator is shown until the outcome is known. A timeout or
// failure gets exactly one apology reply.
func (b *EvilBot) respond(ctx context.Context, m *discordgo.Message, self *discordgo.User) {
	logger := contextLoggerOr(ctx, b.logger)
	logger.InfoContext(ctx, "preparing response", "content", truncate(m.Content, 50))

	typingCtx, stopTyping := context.WithCancel(ctx)
	typingDone := make(chan struct{})
	go func() {
		defer close(typingDone)
		b.discord.keepTyping(typingCtx, m.ChannelID)
	}()

	messages := b.conversations.Build(ctx, m, self)
	outcome := b.inference.Invoke(ctx, messages)

	stopTyping()
	<-typingDone

	chunksSent := 0
	switch outcome.Kind {
	case OutcomeSuccess:
		sent, err := deliver(b.discord.session, m, outcome.Text, b.config.Persona.MaxMessageLength)
		chunksSent = sent
		if err != nil {
			logger.ErrorContext(
				ctx,
				"failed to deliver response",
				tint.Err(err),
				"chunks_sent", sent,
			)
		} else {
			b.metricResponses.Add(1)
			logger.InfoContext(ctx, "sent response", "chunks", sent)
		}
	case OutcomeTimeout:
		logger.ErrorContext(ctx, "response timed out", tint.Err(outcome.Err))
		b.apologize(ctx, m, timeoutApology)
	default:
		logger.ErrorContext(ctx, "error getting response", tint.Err(outcome.Err))
		b.apologize(ctx, m, failureApology)
	}

	b.recordInference(ctx, m, len(messages), outcome, chunksSent)
}

func (b *EvilBot) apologize(ctx context.Context, m *discordgo.Message, text string) {
	b.metricApologies.Add(1)
	if _, err := b.discord.session.ChannelMessageSendReply(m.ChannelID, text, m.Reference()); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(ctx, "unable to send apology", tint.Err(err))
	}
}

// recordInference stores the request's metadata. Errors are only logged.
func (b *EvilBot) recordInference(
	ctx context.Context,
	m *discordgo.Message,
	messageCount int,
	outcome InferenceOutcome,
	chunksSent int,
) {
	if b.writeDB == nil {
		return
	}
	rec := newInferenceLog(m, b.config.Inference.Model, messageCount, outcome)
	rec.ChunksSent = chunksSent
	if _, err := b.writeDB.Create(ctx, rec); err != nil {
		contextLoggerOr(ctx, b.logger).WarnContext(ctx, "unable to record inference", tint.Err(err))
	}
}

// shutdown stops the bot. The gateway connection is closed first so no
// new messages arrive, then in-flight replies are given until the
// shutdown timeout to finish before everything else is stopped.
func (b *EvilBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	b.stopAcceptingMessages()

	if b.discord.session != nil {
		b.logger.InfoContext(ctx, "closing discord session")
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// wait for in-flight replies
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight messages",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			b.inference.Stop()
		}()

		if b.scheduler != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := b.scheduler.Shutdown(); err != nil {
					b.logger.ErrorContext(ctx, "error stopping scheduler", tint.Err(err))
				}
			}()
		}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return b.logs.Close()
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			b.logger.Warn("in-flight messages did not finish in time, forcing close")
			if b.api != nil && b.api.httpServer != nil {
				go func() {
					_ = b.api.httpServer.Close()
				}()
			}
			return errors.New("in-flight messages did not finish in time")
		}
	}
}
