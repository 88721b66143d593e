package zeta

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix           = "/debug"
	apiPrefix             = "/api"
	apiPathLogin          = "/login"
	apiPathLogout         = "/logout"
	apiHealthCheck        = "/healthz"
	apiPathSetup          = "/setup"
	apiPathSetupStatus    = "/setup/status"
	apiPathLoggedIn       = "/logged_in"
	apiPathConfig         = "/config"
	apiPathGuilds         = "/guilds"
	apiPathGuild          = "/guilds/:id"
	apiPathGuildBoard     = "/guilds/:id/leaderboard"
	apiPathGuildMember    = "/guilds/:id/members/:member_id"
	apiPathFlushLevels    = "/levels/flush"
	apiPathCommandLogs    = "/command_logs"
	apiPathQuit           = "/quit"
	apiRequestTimeout     = 15 * time.Second
	defaultLeaderboardLen = 10
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP API. It exposes guild settings, leaderboards,
// command logs and RuntimeConfig, and is created with [newAPI] and
// started with [API.Serve].
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	listenerMu          sync.Mutex
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(z *Zeta, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              setupLogger.With(loggerNameKey, "api"),
	}
	handlers := NewAPIHandlers(z, api.logger)
	api.handlers = handlers
	api.store = handlers.store

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
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

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = config.Development
		if !config.Development {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		sessions.Sessions(sessionVarName, handlers.store),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.GET(apiHealthCheck, handlers.healthCheck)
	r.POST(apiPathSetup, handlers.adminSetup)
	r.GET(apiPathSetupStatus, handlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(z, handlers.store), readyMiddleware(z))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.GET(apiPathGuilds, handlers.getGuilds)
	protected.GET(apiPathGuild, handlers.getGuild)
	protected.PATCH(apiPathGuild, handlers.updateGuild)
	protected.GET(apiPathGuildBoard, handlers.getLeaderboard)
	protected.GET(apiPathGuildMember, handlers.getMemberProgress)
	protected.POST(apiPathFlushLevels, handlers.flushLevels)
	protected.GET(apiPathCommandLogs, handlers.getCommandLogs)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down. TLS is used when a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "address", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// closeListener closes the listener, for when startup fails after
// Serve was called
func (a *API) closeListener() {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener != nil {
		_ = a.listener.Close()
	}
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers holds the handlers for the admin API endpoints
type APIHandlers struct {
	z      *Zeta
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers creates the handlers and their session store. If no
// API secret is configured, a random one is generated, and sessions
// won't survive a restart.
func NewAPIHandlers(z *Zeta, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := z.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(z.config.API))
	return &APIHandlers{z: z, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   config.SSL.Cert != "" || config.Development,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.z.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. It's only allowed while setup
// is pending (no credentials have been set yet).
//
// Responses:
//   - 201 Created: credentials were set
//   - 400 Bad Request: invalid payload
//   - 403 Forbidden: setup isn't pending
func (h *APIHandlers) adminSetup(c *gin.Context) {
	z := h.z
	z.cfgMu.Lock()
	defer z.cfgMu.Unlock()

	if !z.pendingSetup.Load() || z.runtimeConfig == nil {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	updated := *z.runtimeConfig
	if _, err = z.db.Updates(
		c.Request.Context(),
		&updated,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	z.runtimeConfig = &updated
	z.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the credentials against RuntimeConfig and starts
// a session. Attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.z.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.z.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Delete(sessionVarField)
	if err := session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	z := h.z
	resp := healthCheckResponse{
		DiscordGatewayConnected: z.discord.connected.Load(),
		Ready:                   z.initialized.Load(),
	}
	if resp.Ready {
		resp.CachedMembers = z.levels.Len()
		resp.CachedGuilds = z.guilds.Count()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.z.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.z.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to RuntimeConfig. The
// new log levels take effect immediately, and other instances are
// notified to reload.
//
// Responses:
//   - 202 Accepted: the updated config
//   - 400 Bad Request: invalid payload
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	z := h.z
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	columns := update.columns()

	z.cfgMu.Lock()
	previous := *z.runtimeConfig
	if len(columns) > 0 {
		updated := previous
		if _, err := z.db.Updates(ctx, &updated, columns); err != nil {
			z.cfgMu.Unlock()
			logger.Error("error updating config", tint.Err(err))
			ginReplyError(c, "error updating config")
			return
		}
		z.runtimeConfig = &updated
	}
	current := *z.runtimeConfig
	z.cfgMu.Unlock()

	logger.InfoContext(ctx, "applied config updates", "updates", columns)
	z.setRuntimeLevels(current)

	if current.DiscordCustomStatus != previous.DiscordCustomStatus && z.discord.connected.Load() {
		if err := z.discord.session.UpdateCustomStatus(current.DiscordCustomStatus); err != nil {
			logger.Error("error updating discord status", tint.Err(err))
		}
	}
	c.JSON(http.StatusAccepted, current)

	if len(columns) > 0 && z.dbNotifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.Background(), apiRequestTimeout)
		defer cancel()
		if !z.dbNotifier.ReloadRuntimeConfig(notifyCtx) {
			logger.Error("error sending config update notification")
		}
	}
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	guilds, err := h.z.guilds.List(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing guilds", tint.Err(err))
		ginReplyError(c, "error listing guilds")
		return
	}
	c.JSON(http.StatusOK, guilds)
}

// lookupGuild returns the stored guild, replying with 404 if it
// doesn't exist
func (h *APIHandlers) lookupGuild(c *gin.Context) (Guild, bool) {
	guildID := c.Param("id")
	var guild Guild
	err := h.z.db.DB().WithContext(c.Request.Context()).Take(
		&guild,
		columnGuildID+" = ?",
		guildID,
	).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "guild not found"})
		return guild, false
	case err != nil:
		ginContextLogger(c).Error("error getting guild", "guild_id", guildID, tint.Err(err))
		ginReplyError(c, "error getting guild")
		return guild, false
	}
	return guild, true
}

func (h *APIHandlers) getGuild(c *gin.Context) {
	guild, ok := h.lookupGuild(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, guild)
}

func (h *APIHandlers) updateGuild(c *gin.Context) {
	logger := ginContextLogger(c)

	var update GuildUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	existing, ok := h.lookupGuild(c)
	if !ok {
		return
	}

	guild, err := h.z.guilds.Update(c.Request.Context(), existing.ID, update)
	if err != nil {
		logger.Error("error updating guild", "guild_id", existing.ID, tint.Err(err))
		ginReplyError(c, "error updating guild")
		return
	}
	c.JSON(http.StatusAccepted, guild)
}

func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	var query leaderboardQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultLeaderboardLen
	}
	guild, ok := h.lookupGuild(c)
	if !ok {
		return
	}

	entries, err := h.z.levels.Top(c.Request.Context(), guild.ID, query.Limit)
	if err != nil {
		ginContextLogger(c).Error("error getting leaderboard", tint.Err(err))
		ginReplyError(c, "error getting leaderboard")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// getMemberProgress returns a member's stored progress, after flushing
// the guild's cached entries so it's current
func (h *APIHandlers) getMemberProgress(c *gin.Context) {
	guildID := c.Param("id")
	memberID := c.Param("member_id")
	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	if err := h.z.levels.FlushGuild(ctx, guildID, false); err != nil {
		logger.Error("error flushing guild", "guild_id", guildID, tint.Err(err))
		ginReplyError(c, "error getting member progress")
		return
	}

	var progress MemberProgress
	err := h.z.db.DB().WithContext(ctx).Take(
		&progress,
		columnMemberGuildID+" = ? AND "+columnMemberMemberID+" = ?",
		guildID,
		memberID,
	).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "member not found"})
	case err != nil:
		logger.Error("error getting member progress", tint.Err(err))
		ginReplyError(c, "error getting member progress")
	default:
		c.JSON(http.StatusOK, progress)
	}
}

// flushLevels writes this instance's cached experience to the database,
// and notifies other instances to do the same
func (h *APIHandlers) flushLevels(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), apiRequestTimeout)
	defer cancel()

	cached := h.z.levels.Len()
	if err := h.z.levels.FlushAll(ctx); err != nil {
		logger.Error("error flushing levels", tint.Err(err))
		ginReplyError(c, "error flushing levels")
		return
	}
	if h.z.dbNotifier != nil && !h.z.dbNotifier.FlushLevels(ctx) {
		logger.Warn("error sending flush notification")
	}
	ginReplyMessage(c, fmt.Sprintf("flushed %d cached entries", cached))
}

func (h *APIHandlers) getCommandLogs(c *gin.Context) {
	var filter CommandLogFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logs, err := listCommandLogs(c.Request.Context(), h.z.db, filter)
	if err != nil {
		ginContextLogger(c).Error("error listing command logs", tint.Err(err))
		ginReplyError(c, "error listing command logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// botQuit sends a stop signal to every instance, including this one
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiRequestTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.z.dbNotifier.Stop(ctx)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			ginReplyError(c, "error sending stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

type leaderboardQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Ready                   bool `json:"ready"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	CachedMembers           int  `json:"cached_members"`
	CachedGuilds            int  `json:"cached_guilds"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required,max=64"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether admin credentials still need to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session. While
// setup is pending, every request is rejected.
func authMiddleware(z *Zeta, store CookieStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if z.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := session.Values[sessionVarField].(string)
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// readyMiddleware rejects requests until the database and caches are
// initialized
func readyMiddleware(z *Zeta) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !z.initialized.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "starting up"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, set in the
// context and the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by
// ginLoggingMiddleware, or the default logger with request details
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	return requestLogger(c, slog.Default())
}

func requestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	logger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), logger)
	return logger
}

// ginLoggingMiddleware logs each request when it finishes, along with
// its duration and any errors
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := requestLogger(c, base)
		c.Next()

		attrs := []any{
			"duration", time.Since(start),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			logger.Error(msg+" with errors", append(attrs, "errors", errs.Errors())...)
			return
		}
		logger.Info(msg, attrs...)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := strings.Join([]string{c.Request.Method, route}, " ")

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// RequestCounts returns a copy of the per-route request counts
func (a *API) RequestCounts() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	counts := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		counts[k] = v
	}
	return counts
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // validators are registered before any use
func init() {
	structValidator.SetTagName("binding")
}
