package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/AshutoshRajSingh/Zeta/zeta.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often the time remaining until a
// forced shutdown is logged
var shutdownAnnouncementInterval = 10 * time.Second

// Zeta is the bot. It owns the discord session, the database, and the
// caches and services commands are given through [CommandContext].
//
// A Zeta is created with [New], and started with [Zeta.Run], which
// blocks until the context is cancelled or a stop signal is received
// (ex: from the `/api/quit` endpoint, or another instance via the DB
// notifier).
type Zeta struct {
	config *Config
	logger *slog.Logger

	discord *Discord
	api     *API

	// db is nil until Run initializes the database
	db         DBI
	dbNotifier DBNotifier

	// Runtime-configurable settings, loaded from the database
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	// runtimeWG tracks goroutines spawned by discord event handlers
	// and background listeners, so shutdown can wait on them
	runtimeWG *sync.WaitGroup

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has initialized the
	// database, opened the discord session and started background jobs
	signalReady chan struct{}

	// eventShutdown has a value sent on it when shutdown finishes
	eventShutdown chan struct{}

	triggerRuntimeConfigRefreshCh chan bool
	triggerGuildReloadCh          chan string
	triggerFlushLevelsCh          chan struct{}

	levels        *LevelCache
	guilds        *GuildSettings
	reactionRoles *ReactionRoleIndex
	moderation    *Moderator
	birthdays     *BirthdayAlerts

	scheduler *Scheduler
	waiter    *Waiter
	web       *WebClient
	router    *CommandRouter

	// The time Run was called
	startedAt time.Time

	// pendingSetup is true until admin credentials have been set. The
	// bot runs normally while it's pending, but only the setup endpoints
	// of the admin API are usable.
	pendingSetup atomic.Bool

	// initialized is set once the database-backed components exist
	initialized atomic.Bool

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New creates a Zeta from config. Errors for every invalid component
// are joined together.
func New(config *Config) (*Zeta, error) {
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

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	handler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	z := &Zeta{
		config:                        config,
		logger:                        logger,
		runtimeWG:                     &sync.WaitGroup{},
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerGuildReloadCh:          make(chan string, 1),
		triggerFlushLevelsCh:          make(chan struct{}, 1),
		scheduler:                     NewScheduler(logger),
		waiter:                        NewWaiter(),
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	z.discord = newDiscord(config.Discord)
	z.discord.logger = newComponentLogger("discord", config.Discord.LogLevel)
	z.discord.zeta = z

	z.web = NewWebClient(
		config.Web,
		config.HTTPClient,
		newComponentLogger("web", config.Web.LogLevel),
	)

	router, err := buildRouter()
	errs = append(errs, err)
	z.router = router

	errs = append(errs, z.registerJobs())

	if config.API.Enabled {
		api, apiErr := newAPI(z, config.API)
		errs = append(errs, apiErr)
		z.api = api
	}

	return z, errors.Join(errs...)
}

// buildRouter registers every command
func buildRouter() (*CommandRouter, error) {
	commands := []*Command{
		prefixCommand(),
		pluginCommand(),
		tagCommand(),
		reactionRoleCommand(),
	}
	commands = append(commands, levelCommands()...)
	commands = append(commands, birthdayCommands()...)
	commands = append(commands, moderationCommands()...)
	commands = append(commands, miscCommands()...)
	commands = append(commands, funCommands()...)
	return NewCommandRouter(commands...)
}

// registerJobs adds the periodic jobs to the scheduler. They don't run
// until the scheduler is started by Run.
func (z *Zeta) registerJobs() error {
	var errs []error
	_, err := z.scheduler.Every(
		"flush_levels",
		z.config.Levels.FlushInterval,
		func(ctx context.Context) {
			if e := z.levels.FlushAll(ctx); e != nil {
				z.logger.ErrorContext(ctx, "error flushing levels", tint.Err(e))
			}
		},
	)
	errs = append(errs, err)

	_, err = z.scheduler.Every("birthday_poll", z.config.Birthdays.PollInterval, z.pollBirthdays)
	errs = append(errs, err)

	_, err = z.scheduler.Every("mute_poll", z.config.Mutes.PollInterval, z.pollMutes)
	errs = append(errs, err)
	return errors.Join(errs...)
}

func (z *Zeta) pollBirthdays(ctx context.Context) {
	scheduled, err := z.birthdays.Poll(ctx)
	if err != nil {
		z.logger.ErrorContext(ctx, "error polling birthdays", tint.Err(err))
		return
	}
	z.logger.DebugContext(ctx, "polled birthdays", "scheduled", scheduled)
}

func (z *Zeta) pollMutes(ctx context.Context) {
	scheduled, err := z.moderation.Poll(ctx)
	if err != nil {
		z.logger.ErrorContext(ctx, "error polling mutes", tint.Err(err))
		return
	}
	z.logger.DebugContext(ctx, "polled mutes", "scheduled", scheduled)
}

func (z *Zeta) ValidateConfig() error {
	return z.config.Validate()
}

// Run starts the bot, and blocks until ctx is cancelled or a stop
// signal is received, then shuts down.
//
// Startup:
//   - the admin API starts serving (if enabled)
//   - the database is opened and migrated, and RuntimeConfig loaded
//   - guild settings, levels, reaction roles, moderation and birthday
//     components are created, and reaction role menus loaded
//   - discord handlers are registered, and the gateway session opened
//   - periodic jobs start, with an initial birthday and mute poll
//   - the DB notifier starts listening
//
// Initialization (everything up to opening the discord session) must
// finish within [Config.StartupTimeout].
func (z *Zeta) Run(ctx context.Context) error {
	// prevents concurrent runs
	z.runMu.Lock()
	defer z.runMu.Unlock()

	z.signalStop = make(chan struct{}, 1)
	z.startedAt = time.Now()
	logger := z.logger

	if err := z.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(z)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	z.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", z.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-z.signalStop:
			z.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			z.logger.Warn("context canceled, sending stop signal")
			z.signalStop <- struct{}{}
		}
	}()

	if z.api != nil {
		go func() {
			httpErr := z.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				z.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, z.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- z.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if z.api != nil {
				z.api.closeListener()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if z.pendingSetup.Load() && z.api != nil {
		logger.WarnContext(
			ctx,
			fmt.Sprintf("admin credentials not set, pending setup at: %s%s", z.config.API.Listen, apiPathSetup),
		)
	}

	if err = z.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err = z.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	z.scheduler.Start(ctx)
	z.runtimeWG.Add(1)
	go func() {
		defer z.runtimeWG.Done()
		z.pollBirthdays(ctx)
		z.pollMutes(ctx)
	}()

	z.startRuntimeConfigRefresher(ctx)
	z.startGuildReloadListener(ctx)
	z.startLevelsFlushListener(ctx)

	z.runtimeWG.Add(1)
	go func() {
		defer z.runtimeWG.Done()
		if e := z.dbNotifier.Listen(ctx); e != nil {
			z.logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	z.signalReady <- struct{}{}
	z.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return z.shutdown(ctx)
}

// initRun opens the database, loads RuntimeConfig, and creates the
// components that depend on them
func (z *Zeta) initRun(ctx context.Context) error {
	z.logger.Debug("initializing DB...")
	if err := z.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	z.logger.Debug("finished initializing DB")

	if z.discord.session == nil {
		session, err := z.discord.newSession()
		if err != nil {
			return err
		}
		z.discord.session = session
	}

	cfg, created, err := loadOrCreateRuntimeConfig(ctx, z.db)
	if err != nil {
		return err
	}
	if created {
		z.logger.InfoContext(ctx, "created default runtime config")
	}
	if validationErr := structValidator.Struct(cfg); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		z.pendingSetup.Store(true)
	}

	z.cfgMu.Lock()
	z.runtimeConfig = &cfg
	z.cfgMu.Unlock()
	z.setRuntimeLevels(cfg)

	z.initComponents()
	if err = z.reactionRoles.Load(ctx); err != nil {
		return fmt.Errorf("error loading reaction roles: %w", err)
	}
	z.initialized.Store(true)
	return nil
}

// initComponents creates the database-backed components. It requires
// the database and discord session to be set.
func (z *Zeta) initComponents() {
	session := z.discord.session

	z.guilds = NewGuildSettings(z.db, z.config.Discord.DefaultPrefix, z.logger)
	z.guilds.onChange = func(ctx context.Context, guildID string) {
		if z.dbNotifier != nil {
			z.dbNotifier.ReloadGuild(ctx, guildID)
		}
	}
	z.levels = NewLevelCache(z.db, z.guilds, z.logger)
	z.reactionRoles = NewReactionRoleIndex(z.db, z.logger)
	z.moderation = NewModerator(session, z.db, z.scheduler, z.config.Mutes, z.logger)
	z.birthdays = NewBirthdayAlerts(
		session,
		z.db,
		z.guilds,
		z.scheduler,
		z.config.Birthdays.PollInterval,
		z.logger,
	)
}

// initDB opens and migrates the database. It's a no-op if the database
// was already set.
func (z *Zeta) initDB(ctx context.Context) error {
	if z.db != nil {
		return nil
	}
	handler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     z.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db, err := getDB(
		z.config.DatabaseType,
		z.config.Database,
		newGORMLogger(handler, z.config.DatabaseSlowThreshold),
	)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	if z.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(db); err != nil {
			return err
		}
	}

	z.logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		z.logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	z.logger.Debug("finished migrating database")

	z.db = NewDatabase(db, z.logger, z.config.DatabaseType == dbTypePostgres)
	return nil
}

// eventHandler returns a discordgo handler that runs fn in a goroutine
// tracked by runtimeWG. Events received after ctx is done are dropped.
func eventHandler[T any](
	ctx context.Context,
	wg *sync.WaitGroup,
	fn func(context.Context, T),
) func(*discordgo.Session, T) {
	return func(_ *discordgo.Session, event T) {
		if ctx.Err() != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx, event)
		}()
	}
}

func (z *Zeta) initDiscordSession(ctx context.Context) error {
	logger := z.logger.With(loggerNameKey, "discord_session")

	if z.discord.session == nil {
		session, err := z.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		z.discord.session = session
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range z.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	session := z.discord.session
	session.SetIntents(z.config.Discord.GatewayIntents)

	wg := z.runtimeWG
	z.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(z.discord.handlerConnect()),
		session.AddHandler(z.discord.handlerDisconnect()),
		session.AddHandler(z.discord.handlerReady()),
		session.AddHandler(eventHandler(ctx, wg, z.handleMessageCreate)),
		session.AddHandler(eventHandler(ctx, wg, z.handleReactionAdd)),
		session.AddHandler(eventHandler(ctx, wg, z.handleReactionRemove)),
		session.AddHandler(eventHandler(ctx, wg, z.handleGuildCreate)),
		session.AddHandler(eventHandler(ctx, wg, z.handleGuildDelete)),
		session.AddHandler(eventHandler(ctx, wg, z.handleGuildMemberRemove)),
	}
	return nil
}

// shutdown stops the bot, waiting up to [Config.ShutdownTimeout]:
//   - periodic jobs stop, and pending one-shot jobs are cancelled
//   - the discord session is closed, so no new events arrive
//   - in-flight event handlers and listeners are waited on
//   - cached experience is flushed to the database, while the HTTP
//     server shuts down
//
// If the timeout passes first, the HTTP server is closed immediately
// and an error is returned.
func (z *Zeta) shutdown(ctx context.Context) error {
	z.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if z.eventShutdown != nil {
			go func() {
				z.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(z.config.ShutdownTimeout)
	z.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", z.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		if err := z.scheduler.Stop(closeCtx); err != nil {
			z.logger.ErrorContext(ctx, "error stopping scheduler", tint.Err(err))
		}

		if z.discord.session != nil {
			z.logger.InfoContext(ctx, "closing discord session")
			if err := z.discord.session.Close(); err != nil {
				z.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			}
			for _, h := range z.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			z.discord.discordgoRemoveHandlerFuncs = nil
		}

		z.runtimeWG.Wait()
		z.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		g := new(errgroup.Group)
		if z.levels != nil {
			g.Go(
				func() error {
					if err := z.levels.FlushAll(closeCtx); err != nil {
						return fmt.Errorf("error flushing levels: %w", err)
					}
					z.logger.InfoContext(ctx, "flushed levels")
					return nil
				},
			)
		}
		if z.api != nil && z.api.httpServer != nil {
			g.Go(
				func() error {
					z.logger.InfoContext(ctx, "stopping http server")
					return z.api.httpServer.Shutdown(closeCtx)
				},
			)
		}
		gracefulShutdownCh <- g.Wait()
	}()

	for {
		select {
		case err := <-gracefulShutdownCh:
			z.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
				tint.Err(err),
			)
			return err
		case <-announcementTicker.C:
			z.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			z.logger.Warn("shutdown did not finish in time, forcing close")
			if z.api != nil && z.api.httpServer != nil {
				go func() {
					_ = z.api.httpServer.Close()
				}()
			}
			return errors.New("shutdown did not finish in time")
		}
	}
}
