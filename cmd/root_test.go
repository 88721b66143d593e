package cmd

import (
	"bytes"
	"github.com/AshutoshRajSingh/Zeta/zeta"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// restoreEnv clears the environment for the test, restoring the
// original variables on cleanup
func restoreEnv(t *testing.T) {
	t.Helper()
	original := os.Environ()
	os.Clearenv()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, kv := range original {
				k, v, _ := strings.Cut(kv, "=")
				_ = os.Setenv(k, v)
			}
		},
	)
}

// execute runs the root command with args, returning its output
func execute(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetIn(nil)
			rootCmd.SetArgs(nil)
		},
	)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

const testEnvFile = `
ZETA_DATABASE=/var/lib/zeta/zeta.sqlite3
ZETA_DATABASE_TYPE=sqlite
ZETA_DATABASE_LOG_LEVEL=warn
ZETA_DATABASE_SLOW_THRESHOLD=250ms
ZETA_LOG_LEVEL=DEBUG
ZETA_STARTUP_TIMEOUT=15s
ZETA_RUNTIME_CONFIG_TTL=1m

ZETA_DISCORD_TOKEN=discord-bot-token
ZETA_DISCORD_APPLICATION_ID=700000000000000001
ZETA_DISCORD_OWNER_ID=700000000000000002
ZETA_DISCORD_DEFAULT_PREFIX=!
ZETA_DISCORD_LOG_LEVEL=ERROR
ZETA_DISCORD_GATEWAY_INTENTS=33281

ZETA_LEVELS_FLUSH_INTERVAL=2m
ZETA_BIRTHDAYS_POLL_INTERVAL=5m
ZETA_MUTES_ROLE_NAME=Silenced

ZETA_WEB_USER_AGENT=zeta-test/0.1
ZETA_WEB_MAX_RETRIES=5
ZETA_WEB_LOG_LEVEL=DEBUG

ZETA_API_ENABLED=true
ZETA_API_LISTEN=127.0.0.1:5050
ZETA_API_SECRET=api-secret
ZETA_API_SSL_TLS_MIN_VERSION=772
ZETA_API_SESSION_MAX_AGE=2h
ZETA_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5050 https://localhost:5050
ZETA_API_CORS_ALLOW_METHODS=GET PATCH
`

func TestLoadConfigFromEnvFile(t *testing.T) {
	restoreEnv(t)
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(testEnvFile), 0o600))

	execute(t, "", "--config="+envFile, "version")

	assert.Equal(t, "/var/lib/zeta/zeta.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelWarn, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 15*time.Second, cfg.StartupTimeout)
	assert.Equal(t, zeta.DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, time.Minute, cfg.RuntimeConfigTTL)

	assert.Equal(t, "discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "700000000000000001", cfg.Discord.ApplicationID)
	assert.Equal(t, "700000000000000002", cfg.Discord.OwnerID)
	assert.Equal(t, "!", cfg.Discord.DefaultPrefix)
	assert.Equal(t, slog.LevelError, cfg.Discord.LogLevel.Level())
	assert.Equal(t, zeta.DefaultDiscordgoLogLevel, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(33281), cfg.Discord.GatewayIntents)

	assert.Equal(t, 2*time.Minute, cfg.Levels.FlushInterval)
	assert.Equal(t, 5*time.Minute, cfg.Birthdays.PollInterval)
	assert.Equal(t, zeta.DefaultMutePollInterval, cfg.Mutes.PollInterval)
	assert.Equal(t, "Silenced", cfg.Mutes.RoleName)

	assert.Equal(t, "zeta-test/0.1", cfg.Web.UserAgent)
	assert.Equal(t, uint(5), cfg.Web.MaxRetries)
	assert.Equal(t, zeta.DefaultRedditURL, cfg.Web.RedditURL)
	assert.Equal(t, slog.LevelDebug, cfg.Web.LogLevel.Level())

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "api-secret", cfg.API.Secret)
	assert.Equal(t, uint16(772), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, 2*time.Hour, cfg.API.SessionMaxAge)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5050", "https://localhost:5050"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "PATCH"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, zeta.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)

	assert.NoError(t, cfg.Validate())
}

func TestEnvPrefix(t *testing.T) {
	restoreEnv(t)
	t.Setenv(zeta.EnvvarSetEnvPrefix, "BOT")
	t.Setenv("BOT_MUTES_ROLE_NAME", "Timeout")
	t.Cleanup(
		func() {
			viper.SetEnvPrefix(zeta.DefaultEnvPrefix)
		},
	)

	execute(t, "", "version")
	assert.Equal(t, "Timeout", cfg.Mutes.RoleName)
}

func TestStringToLevelVarHookFunc(t *testing.T) {
	t.Parallel()
	var target struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}
	decode := func(input map[string]any) error {
		decoder, err := mapstructure.NewDecoder(
			&mapstructure.DecoderConfig{
				DecodeHook: StringToLevelVarHookFunc(),
				Result:     &target,
			},
		)
		require.NoError(t, err)
		return decoder.Decode(input)
	}

	require.NoError(t, decode(map[string]any{"level": " warn "}))
	assert.Equal(t, slog.LevelWarn, target.Level.Level())

	require.NoError(t, decode(map[string]any{"level": "DEBUG"}))
	assert.Equal(t, slog.LevelDebug, target.Level.Level())

	assert.Error(t, decode(map[string]any{"level": "LOUD"}))
}
