//nolint:lll // struct tags can't be split
package zeta

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "ZETA_ENV_PREFIX"
	DefaultEnvPrefix      = "ZETA"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "zeta.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	// DefaultShutdownTimeout leaves room for the final experience flush
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCustomStatus   = "Ping me for usage"
	DefaultPrefix                = "."
	DefaultSourceURL             = "https://github.com/AshutoshRajSingh/Zeta"
	DefaultInvitePermissions     = 2080763095
	discordMaxMessageLength      = 2000
	discordMaxEmbedFields        = 25
	DefaultLevelsFlushInterval   = 10 * time.Minute
	DefaultBirthdayPollInterval  = 20 * time.Minute
	DefaultMutePollInterval      = 30 * time.Minute
	DefaultMuteRoleName          = "Muted"
	DefaultWebRequestsPerSecond  = 2
	DefaultWebMaxRetries         = 3
	DefaultWebRequestTimeout     = 10 * time.Second
	DefaultWebUserAgent          = "zeta-discord-bot/1.0"
	DefaultRedditURL             = "https://www.reddit.com"
	DefaultPokeAPIURL            = "https://pokeapi.co/api/v2"
	DefaultWebLogLevel           = slog.LevelInfo
	DefaultAPIListen             = "127.0.0.1:5000"
	DefaultUITLSMinVersion       = tls.VersionTLS12
	DefaultAPISessionMaxAge      = 6 * time.Hour
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	defaultListenNetwork         = "tcp"

	DefaultAPICORSAllowCredentials = true
	DefaultRuntimeConfigTTL        = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Levels configures the experience cache
	Levels *LevelsConfig `yaml:"levels" mapstructure:"levels" json:"levels" binding:"required"`

	// Birthdays configures birthday alert polling
	Birthdays *BirthdaysConfig `yaml:"birthdays" mapstructure:"birthdays" json:"birthdays" binding:"required"`

	// Mutes configures timed mutes
	Mutes *MutesConfig `yaml:"mutes" mapstructure:"mutes" json:"mutes" binding:"required"`

	// Web configures outbound requests made by fun commands
	Web *WebConfig `yaml:"web" mapstructure:"web" json:"web" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets how often RuntimeConfig is reloaded from the
	// database. When using postgres, LISTEN/NOTIFY is used as well.
	// 0 disables the periodic reload.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

// Validate checks the config against its binding tags
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID, used to build the invite link
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// OwnerID is the user ID allowed to run owner-only commands
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// DefaultPrefix is assigned to guilds the first time they're seen
	DefaultPrefix string `yaml:"default_prefix" mapstructure:"default_prefix" json:"default_prefix" binding:"required,max=10"`

	// SourceURL is linked by the `source` command
	SourceURL string `yaml:"source_url" mapstructure:"source_url" json:"source_url"`

	// InvitePermissions is the permission integer requested by the invite link
	InvitePermissions int64 `yaml:"invite_permissions" mapstructure:"invite_permissions" json:"invite_permissions"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content and guild members are
	// privileged, and must be enabled in the developer portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// LevelsConfig configures the experience cache
type LevelsConfig struct {
	// FlushInterval is how often cached experience is written to the
	// database and evicted
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval" json:"flush_interval" binding:"min=1s"`
}

// BirthdaysConfig configures birthday alerts
type BirthdaysConfig struct {
	// PollInterval is how often guild alert times are checked. Alerts
	// due within the next interval are scheduled.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`
}

// MutesConfig configures timed mutes
type MutesConfig struct {
	// PollInterval is how often expiring mutes are checked
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`

	// RoleName is the name of the role assigned to muted members
	RoleName string `yaml:"role_name" mapstructure:"role_name" json:"role_name" binding:"required"`
}

// WebConfig configures outbound HTTP requests (reddit, pokeapi)
type WebConfig struct {
	RedditURL         string         `yaml:"reddit_url" mapstructure:"reddit_url" json:"reddit_url" binding:"required,url"`
	PokeAPIURL        string         `yaml:"pokeapi_url" mapstructure:"pokeapi_url" json:"pokeapi_url" binding:"required,url"`
	UserAgent         string         `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent" binding:"required"`
	RequestsPerSecond float64        `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`
	MaxRetries        uint           `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries"`
	RequestTimeout    time.Duration  `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`
	LogLevel          *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the admin API alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. Plain HTTP is served when no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Development enables pprof, relaxes CORS and sets the SameSite
	// attribute of the session cookie to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	webLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	webLogLevel.Set(DefaultWebLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			DefaultPrefix:     DefaultPrefix,
			SourceURL:         DefaultSourceURL,
			InvitePermissions: DefaultInvitePermissions,
		},
		Levels: &LevelsConfig{
			FlushInterval: DefaultLevelsFlushInterval,
		},
		Birthdays: &BirthdaysConfig{
			PollInterval: DefaultBirthdayPollInterval,
		},
		Mutes: &MutesConfig{
			PollInterval: DefaultMutePollInterval,
			RoleName:     DefaultMuteRoleName,
		},
		Web: &WebConfig{
			RedditURL:         DefaultRedditURL,
			PokeAPIURL:        DefaultPokeAPIURL,
			UserAgent:         DefaultWebUserAgent,
			RequestsPerSecond: DefaultWebRequestsPerSecond,
			MaxRetries:        DefaultWebMaxRetries,
			RequestTimeout:    DefaultWebRequestTimeout,
			LogLevel:          webLogLevel,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
