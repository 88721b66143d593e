package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

const (
	columnRuntimeConfigAdminUsername       = "admin_username"
	columnRuntimeConfigAdminPassword       = "admin_password"
	columnRuntimeConfigDiscordCustomStatus = "discord_custom_status"
	columnRuntimeConfigRecoverPanic        = "recover_panic"
	columnRuntimeConfigLogLevel            = "log_level"
	columnRuntimeConfigDiscordLogLevel     = "discord_log_level"
	columnRuntimeConfigDiscordGoLogLevel   = "discordgo_log_level"
	columnRuntimeConfigDatabaseLogLevel    = "database_log_level"
	columnRuntimeConfigAPILogLevel         = "api_log_level"
	columnRuntimeConfigWebLogLevel         = "web_log_level"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running (through the admin API), and are persisted across restarts.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelTimestamps

	// DiscordCustomStatus is the custom status shown for the bot
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// RecoverPanic recovers panics raised by command handlers, logging
	// them instead of crashing the bot
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:true"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2id hash of the admin password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:INFO;type:string" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	WebLogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"web_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		RecoverPanic:        true,
		LogLevel:            DBLogLevelInfo,
		DiscordLogLevel:     DBLogLevelInfo,
		DiscordGoLogLevel:   DBLogLevelWarn,
		DatabaseLogLevel:    DBLogLevelInfo,
		APILogLevel:         DBLogLevelInfo,
		WebLogLevel:         DBLogLevelInfo,
	}
}

// loadOrCreateRuntimeConfig returns the most recent RuntimeConfig,
// creating the default one if none exists. created is true if the
// default was inserted.
func loadOrCreateRuntimeConfig(ctx context.Context, db DBI) (
	cfg RuntimeConfig,
	created bool,
	err error,
) {
	err = db.DB().WithContext(ctx).Last(&cfg).Error
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return cfg, false, fmt.Errorf("error getting runtime config: %w", err)
	}
	cfg = DefaultRuntimeConfig()
	if _, err = db.Create(ctx, &cfg); err != nil {
		return cfg, false, fmt.Errorf("error creating runtime config: %w", err)
	}
	return cfg, true, nil
}

// InitRuntimeConfig loads the RuntimeConfig from db, creating the
// default one if the table is empty.
func InitRuntimeConfig(ctx context.Context, db *gorm.DB) (RuntimeConfig, bool, error) {
	return loadOrCreateRuntimeConfig(ctx, NewDatabase(db, nil, false))
}

// SetAdminCredentials stores the admin API username and the argon2id
// hash of password on cfg.
func SetAdminCredentials(
	ctx context.Context,
	db *gorm.DB,
	cfg *RuntimeConfig,
	username string,
	password string,
) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username is required")
	}
	if password == "" {
		return errors.New("password is required")
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	_, err = NewDatabase(db, nil, false).Updates(
		ctx,
		cfg,
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	)
	return err
}

// RuntimeConfigUpdate is the payload for partial updates of
// RuntimeConfig. Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	DiscordCustomStatus *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	RecoverPanic        *bool   `json:"recover_panic,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	WebLogLevel       *DBLogLevel `json:"web_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the column values to update, for the fields that are set
func (u RuntimeConfigUpdate) columns() map[string]any {
	updates := map[string]any{}
	if u.DiscordCustomStatus != nil {
		updates[columnRuntimeConfigDiscordCustomStatus] = *u.DiscordCustomStatus
	}
	if u.RecoverPanic != nil {
		updates[columnRuntimeConfigRecoverPanic] = *u.RecoverPanic
	}
	levels := []struct {
		column string
		value  *DBLogLevel
	}{
		{columnRuntimeConfigLogLevel, u.LogLevel},
		{columnRuntimeConfigDiscordLogLevel, u.DiscordLogLevel},
		{columnRuntimeConfigDiscordGoLogLevel, u.DiscordGoLogLevel},
		{columnRuntimeConfigDatabaseLogLevel, u.DatabaseLogLevel},
		{columnRuntimeConfigAPILogLevel, u.APILogLevel},
		{columnRuntimeConfigWebLogLevel, u.WebLogLevel},
	}
	for _, l := range levels {
		if l.value != nil {
			updates[l.column] = *l.value
		}
	}
	return updates
}

// RuntimeConfig returns a copy of the current runtime configuration
func (z *Zeta) RuntimeConfig() RuntimeConfig {
	z.cfgMu.RLock()
	defer z.cfgMu.RUnlock()
	if z.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *z.runtimeConfig
}

// setRuntimeLevels applies the log levels from the runtime config to
// each component's level var
func (z *Zeta) setRuntimeLevels(state RuntimeConfig) {
	z.config.LogLevel.Set(state.LogLevel.Level())
	z.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	z.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	z.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	z.config.API.LogLevel.Set(state.APILogLevel.Level())
	z.config.Web.LogLevel.Set(state.WebLogLevel.Level())
}

// startRuntimeConfigRefresher reloads RuntimeConfig every
// [Config.RuntimeConfigTTL], and whenever a reload is triggered by the
// DB notifier.
func (z *Zeta) startRuntimeConfigRefresher(ctx context.Context) {
	if ttl := z.config.RuntimeConfigTTL; ttl > 0 {
		z.runtimeWG.Add(1)
		go func() {
			defer z.runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case z.triggerRuntimeConfigRefreshCh <- false:
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
						z.logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	z.runtimeWG.Add(1)
	go func() {
		defer z.runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-z.triggerRuntimeConfigRefreshCh:
				refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				z.refreshRuntimeConfig(refreshCtx, force)
				cancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads RuntimeConfig from the database. Unless
// force is set, it's skipped when the stored config hasn't changed.
func (z *Zeta) refreshRuntimeConfig(ctx context.Context, force bool) {
	var latest RuntimeConfig
	if err := z.db.DB().WithContext(ctx).Last(&latest).Error; err != nil {
		z.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	z.cfgMu.Lock()
	previous := z.runtimeConfig
	if !force && previous != nil && previous.UpdatedAt == latest.UpdatedAt {
		z.cfgMu.Unlock()
		z.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	z.runtimeConfig = &latest
	z.cfgMu.Unlock()

	z.setRuntimeLevels(latest)

	if previous != nil && previous.DiscordCustomStatus != latest.DiscordCustomStatus &&
		z.discord.connected.Load() {
		if err := z.discord.session.UpdateCustomStatus(latest.DiscordCustomStatus); err != nil {
			z.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	z.logger.InfoContext(ctx, "refreshed runtime config")
}
