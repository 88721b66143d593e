package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	notifyChannelReloadGuild         = "zeta_reload_guild"
	notifyChannelReloadRuntimeConfig = "zeta_reload_runtime_config"
	notifyChannelFlushLevels         = "zeta_flush_levels"
	notifyChannelStop                = "zeta_stop"
	recordSeparator                  = string(rune(30))
)

var (
	dbNotifierSendTimeout  = 15 * time.Second
	dbNotifierRetryBackoff = 5 * time.Second
)

// DBNotifier tells other bot instances sharing the database about
// changes they should pick up. Instances ignore their own notifications
// by comparing [DBNotifier.ID] with the payload.
type DBNotifier interface {
	// ID returns the identifier for this notifier
	ID() string

	// ReloadGuild tells instances to reload the guild's settings
	ReloadGuild(ctx context.Context, guildID string) bool

	// ReloadRuntimeConfig tells instances to reload RuntimeConfig
	ReloadRuntimeConfig(ctx context.Context) bool

	// FlushLevels tells instances to flush their level caches
	FlushLevels(ctx context.Context) bool

	// Stop sends a shutdown signal to all instances, including this one
	Stop(ctx context.Context) bool

	// Listen blocks, handling notifications until ctx is done
	Listen(ctx context.Context) error
}

func newDBNotifier(z *Zeta) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := z.logger.With(loggerNameKey, "db_notifier")
	switch z.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, z: z, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, z: z, notifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

func newNotification(notifierID string, body string) string {
	return strings.Join([]string{notifierID, body}, recordSeparator)
}

func parseNotification(s string) (notifierID, body string) {
	notifierID, body, _ = strings.Cut(s, recordSeparator)
	return notifierID, body
}

// sqliteNotifier is used when there can only be a single instance, so
// notifications go straight to the local trigger channels.
type sqliteNotifier struct {
	logger   *slog.Logger
	z        *Zeta
	notifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteNotifier) Listen(ctx context.Context) error {
	s.logger.DebugContext(ctx, "sqlite notifier has nothing to listen to")
	return nil
}

// ReloadGuild is a no-op, the local cache is updated directly
func (s *sqliteNotifier) ReloadGuild(_ context.Context, guildID string) bool {
	s.logger.Debug("guild updated", columnMemberGuildID, guildID)
	return true
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return sendTrigger(ctx, s.logger, s.z.triggerRuntimeConfigRefreshCh, true)
}

// FlushLevels is a no-op, the local cache is flushed directly
func (s *sqliteNotifier) FlushLevels(_ context.Context) bool {
	return true
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	return sendTrigger(ctx, s.logger, s.z.signalStop, struct{}{})
}

func sendTrigger[T any](ctx context.Context, logger *slog.Logger, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		logger.Warn("timeout sending trigger")
		return false
	case <-time.After(dbNotifierSendTimeout):
		logger.Warn("timeout sending trigger")
		return false
	}
}

// postgresNotifier uses LISTEN/NOTIFY so multiple instances can share
// a database.
type postgresNotifier struct {
	z        *Zeta
	logger   *slog.Logger
	notifyID string
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, body string) bool {
	err := p.z.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		newNotification(p.ID(), body),
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "body", body)
	return true
}

func (p *postgresNotifier) ReloadGuild(ctx context.Context, guildID string) bool {
	return p.notify(ctx, notifyChannelReloadGuild, guildID)
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	sent := p.notify(ctx, notifyChannelReloadRuntimeConfig, "")
	return sendTrigger(ctx, p.logger, p.z.triggerRuntimeConfigRefreshCh, true) && sent
}

func (p *postgresNotifier) FlushLevels(ctx context.Context) bool {
	return p.notify(ctx, notifyChannelFlushLevels, "")
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, notifyChannelStop, "")
	return sendTrigger(ctx, p.logger, p.z.signalStop, struct{}{}) && sent
}

// Listen opens a dedicated connection, LISTENs on every channel, and
// dispatches notifications from other instances until ctx is done.
// Dropped connections are re-established.
func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.z.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	config.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	for ctx.Err() == nil {
		if err = p.listen(ctx, pool); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "listener error, retrying", tint.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryBackoff):
			}
		}
	}
	return nil
}

func (p *postgresNotifier) listen(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	channels := []string{
		notifyChannelReloadGuild,
		notifyChannelReloadRuntimeConfig,
		notifyChannelFlushLevels,
		notifyChannelStop,
	}
	for _, channel := range channels {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("error listening on %s: %w", channel, err)
		}
	}
	p.logger.InfoContext(ctx, "listening for notifications", "channels", channels)

	for {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			return e
		}
		notifierID, body := parseNotification(notification.Payload)
		if notifierID == p.ID() {
			continue
		}
		p.dispatch(ctx, notification.Channel, body)
	}
}

func (p *postgresNotifier) dispatch(ctx context.Context, channel string, body string) {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "received notification", "body", body)

	switch channel {
	case notifyChannelReloadGuild:
		sendTrigger(ctx, logger, p.z.triggerGuildReloadCh, body)
	case notifyChannelReloadRuntimeConfig:
		sendTrigger(ctx, logger, p.z.triggerRuntimeConfigRefreshCh, true)
	case notifyChannelFlushLevels:
		sendTrigger(ctx, logger, p.z.triggerFlushLevelsCh, struct{}{})
	case notifyChannelStop:
		sendTrigger(ctx, logger, p.z.signalStop, struct{}{})
	default:
		logger.Warn("received unknown notification")
	}
}
