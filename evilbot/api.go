package evilbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	apiPrefix                = "/api"
	apiHealthCheck           = "/healthcheck"
	apiPathStats             = "/stats"
	apiPathGuildSettings     = "/guilds/:id/settings"
	apiPathInferenceLogs     = "/inference_logs"
	defaultPageLimit         = 25
	xRequestIDHeader         = "X-Request-ID"
	errDatabaseNotReadyReply = "database not ready"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is a read-only HTTP server reporting the bot's health, counters,
// stored guild settings and recent inference requests. It can't change
// anything about the running bot.
type API struct {
	bot              *EvilBot
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	listenerMu       sync.Mutex
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
}

// newAPI sets up the gin engine, middleware and routes
func newAPI(b *EvilBot, config *APIConfig) (*API, error) {
	var logger *slog.Logger
	if b != nil && b.logs != nil {
		logger = b.logs.logger(levelOr(config.LogLevel, DefaultAPILogLevel), "api")
	} else {
		logger = slog.Default().With(loggerNameKey, "api")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		bot:            b,
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         logger,
	}

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	g := r.Group(apiPrefix)
	g.GET(apiHealthCheck, api.healthCheck)
	g.GET(apiPathStats, api.stats)
	g.GET(apiPathGuildSettings, api.getGuildSettings)
	g.GET(apiPathInferenceLogs, api.getInferenceLogs)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down. TLS is used when a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	ln := a.listener
	if ln == nil {
		listenCfg := &net.ListenConfig{}
		var err error
		ln, err = listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "address", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// Listener returns the listener the API is serving on, once Serve has
// started
func (a *API) Listener() net.Listener {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	return a.listener
}

// RequestMetrics returns a copy of the per-route request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

func (a *API) healthCheck(c *gin.Context) {
	stats := a.bot.inference.Stats()
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: a.bot.discord.connected.Load(),
			BusyWorkers:             stats.Busy,
			QueuedRequests:          stats.Queued,
		},
	)
}

func (a *API) stats(c *gin.Context) {
	var uptime time.Duration
	if !a.bot.startedAt.IsZero() {
		uptime = time.Since(a.bot.startedAt).Round(time.Second)
	}
	c.JSON(
		http.StatusOK, statsResponse{
			Version:           Version,
			Uptime:            uptime.String(),
			MessagesSeen:      a.bot.discord.metricMessagesSeen.Load(),
			GatewayConnects:   a.bot.discord.metricConnects.Load(),
			GatewayDisconnect: a.bot.discord.metricDisconnects.Load(),
			Responses:         a.bot.metricResponses.Load(),
			Commands:          a.bot.metricCommands.Load(),
			Apologies:         a.bot.metricApologies.Load(),
			Inference:         a.bot.inference.Stats(),
			Requests:          a.RequestMetrics(),
		},
	)
}

// getGuildSettings returns the stored settings for a guild. Unlike the
// bot itself, this never creates a row for a guild that hasn't been seen.
func (a *API) getGuildSettings(c *gin.Context) {
	if a.bot.writeDB == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: errDatabaseNotReadyReply})
		return
	}
	guildID := c.Param("id")
	log := ginContextLogger(c)

	db, cancel := a.bot.writeDB.Read(c.Request.Context())
	defer cancel()

	var gs GuildSettings
	err := db.Take(&gs, "server_id = ?", guildID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "guild not found"})
		return
	case err != nil:
		log.ErrorContext(c, "error fetching guild settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching guild settings"})
		return
	}
	c.JSON(http.StatusOK, gs)
}

// getInferenceLogs returns a page of inference records, optionally
// filtered by guild or outcome
func (a *API) getInferenceLogs(c *gin.Context) {
	var query GetInferenceLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	if a.bot.writeDB == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: errDatabaseNotReadyReply})
		return
	}

	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = defaultPageLimit
	}

	log := ginContextLogger(c)

	db, cancel := a.bot.writeDB.Read(c.Request.Context())
	defer cancel()
	db = db.Model(&InferenceLog{})

	if query.GuildID != "" {
		db = db.Where("guild_id = ?", query.GuildID)
	}
	if query.Outcome != "" {
		db = db.Where("outcome = ?", query.Outcome)
	}

	var totalCount int64
	if err := db.Count(&totalCount).Error; err != nil {
		log.ErrorContext(c, "error counting inference logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	switch query.Order {
	case Descending:
		db = db.Order("created_at DESC").Order("id DESC")
	default:
		db = db.Order("created_at ASC").Order("id ASC")
	}

	logs := []InferenceLog{}
	if err := db.Limit(query.Limit).Offset(query.Offset).Find(&logs).Error; err != nil {
		log.ErrorContext(c, "error retrieving inference logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	c.JSON(
		http.StatusOK, inferenceLogsResponse{
			Total:  totalCount,
			Offset: query.Offset,
			Limit:  query.Limit,
			Logs:   logs,
		},
	)
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetInferenceLogsQuery represents the query parameters for fetching
// InferenceLog records
type GetInferenceLogsQuery struct {
	Pagination
	GuildID string      `form:"guild_id"`
	Outcome OutcomeKind `form:"outcome" binding:"omitempty,oneof=success timeout failure"`
}

// Sort represents the sorting order for queries
type Sort string

type healthCheckResponse struct {
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
	BusyWorkers             int64 `json:"busy_workers"`
	QueuedRequests          int64 `json:"queued_requests"`
}

type statsResponse struct {
	Version           string         `json:"version"`
	Uptime            string         `json:"uptime"`
	MessagesSeen      int64          `json:"messages_seen"`
	GatewayConnects   int64          `json:"gateway_connects"`
	GatewayDisconnect int64          `json:"gateway_disconnects"`
	Responses         int64          `json:"responses"`
	Commands          int64          `json:"commands"`
	Apologies         int64          `json:"apologies"`
	Inference         InferenceStats `json:"inference"`
	Requests          map[string]int `json:"requests"`
}

type inferenceLogsResponse struct {
	Total  int64          `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
	Logs   []InferenceLog `json:"logs"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// requestIDMiddleware assigns a unique ID to each request, and echoes it
// in the response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its status and duration
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		a.requestMetrics[key]++
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateLogFileConfig, LogFileConfig{})
}
