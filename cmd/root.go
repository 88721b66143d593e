package cmd

import (
	"context"
	"fmt"
	"github.com/AshutoshRajSingh/Zeta/zeta"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = zeta.DefaultConfig()
	configFile string
)

// listKeys are space-separated when set from the environment
var listKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "zeta [flags]",
	Short: "Zeta is a discord bot with levels, birthdays, moderation and more",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(target *zeta.Config) error {
	return viper.Unmarshal(
		target,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToLevelVarHookFunc(),
			),
		),
	)
}

// StringToLevelVarHookFunc decodes level names (DEBUG, INFO, WARN,
// ERROR) into *slog.LevelVar fields
func StringToLevelVarHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(&slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(lvl))))
	return level, err
}

// Execute runs the root command. SIGINT, SIGTERM and SIGHUP cancel the
// command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func setDefaults() {
	defaults := zeta.DefaultConfig()

	viper.SetDefault("database", zeta.DefaultDatabase)
	viper.SetDefault("database_type", zeta.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", zeta.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", zeta.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", zeta.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", zeta.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", zeta.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", zeta.DefaultRuntimeConfigTTL)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.default_prefix", zeta.DefaultPrefix)
	viper.SetDefault("discord.source_url", zeta.DefaultSourceURL)
	viper.SetDefault("discord.invite_permissions", zeta.DefaultInvitePermissions)
	viper.SetDefault("discord.log_level", zeta.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", zeta.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(zeta.DefaultDiscordGatewayIntent))

	// Features
	viper.SetDefault("levels.flush_interval", zeta.DefaultLevelsFlushInterval)
	viper.SetDefault("birthdays.poll_interval", zeta.DefaultBirthdayPollInterval)
	viper.SetDefault("mutes.poll_interval", zeta.DefaultMutePollInterval)
	viper.SetDefault("mutes.role_name", zeta.DefaultMuteRoleName)

	// Outbound requests
	viper.SetDefault("web.reddit_url", zeta.DefaultRedditURL)
	viper.SetDefault("web.pokeapi_url", zeta.DefaultPokeAPIURL)
	viper.SetDefault("web.user_agent", zeta.DefaultWebUserAgent)
	viper.SetDefault("web.requests_per_second", zeta.DefaultWebRequestsPerSecond)
	viper.SetDefault("web.max_retries", zeta.DefaultWebMaxRetries)
	viper.SetDefault("web.request_timeout", zeta.DefaultWebRequestTimeout)
	viper.SetDefault("web.log_level", zeta.DefaultWebLogLevel.String())

	// Admin API
	viper.SetDefault("api.enabled", defaults.API.Enabled)
	viper.SetDefault("api.listen", zeta.DefaultAPIListen)
	viper.SetDefault("api.listen_network", defaults.API.ListenNetwork)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", zeta.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", zeta.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", zeta.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", zeta.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", zeta.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", zeta.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", zeta.DefaultUITLSMinVersion)

	// Admin API: CORS
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", zeta.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", zeta.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", zeta.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_credentials", zeta.DefaultAPICORSAllowCredentials)
	viper.SetDefault("api.cors.max_age", zeta.DefaultCORSMaxAge)
}

// initConfig loads the env file (--config, or .env if present), then
// reads settings from the environment. Keys map to variables by
// upper-casing and replacing dots, ex: ZETA_API_LISTEN.
func initConfig() {
	if configFile != "" {
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading config file %s: %v", configFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("error loading .env: %v", err)
	}

	setDefaults()

	envPrefix := os.Getenv(zeta.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = zeta.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range listKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits // cobra registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load settings from (defaults to .env)",
	)
}
