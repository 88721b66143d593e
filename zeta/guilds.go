package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	maxPrefixLength = 10

	columnGuildID                = "id"
	columnGuildPrefix            = "prefix"
	columnGuildLevelling         = "levelling"
	columnGuildBirthdays         = "birthdays"
	columnGuildBirthdayChannelID = "birthday_channel_id"
	columnGuildBirthdayAlertTime = "birthday_alert_time"

	birthdayAlertTimeLayout = "15:04"
)

var (
	ErrPrefixTooLong = fmt.Errorf("prefix must be at most %d characters", maxPrefixLength)
	ErrPrefixEmpty   = errors.New("prefix must not be empty")
	ErrUnknownPlugin = errors.New("unknown plugin")
)

// Plugin names a feature that can be toggled per guild
type Plugin string

const (
	PluginLevelling Plugin = "levelling"
	PluginBirthdays Plugin = "birthdays"
)

// Plugins lists every toggleable plugin
var Plugins = []Plugin{PluginLevelling, PluginBirthdays}

// ParsePlugin returns the plugin matching s, case-insensitively
func ParsePlugin(s string) (Plugin, error) {
	p, ok := lo.Find(
		Plugins, func(p Plugin) bool {
			return strings.EqualFold(string(p), s)
		},
	)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlugin, s)
	}
	return p, nil
}

func (p Plugin) column() string {
	switch p {
	case PluginLevelling:
		return columnGuildLevelling
	case PluginBirthdays:
		return columnGuildBirthdays
	default:
		return ""
	}
}

// Guild holds a guild's settings. Member progress, mutes, tags and
// reaction-role menus reference it and are deleted along with it.
//
//nolint:lll // struct tags can't be split
type Guild struct {
	ID                string `gorm:"primaryKey;size:32" json:"id"`
	Prefix            string `gorm:"size:10;not null" json:"prefix"`
	Levelling         bool   `gorm:"not null;default:true" json:"levelling"`
	Birthdays         bool   `gorm:"not null;default:true" json:"birthdays"`
	BirthdayChannelID string `gorm:"size:32" json:"birthday_channel_id"`

	// BirthdayAlertTime is the UTC time of day alerts are sent, as HH:MM
	BirthdayAlertTime string `gorm:"size:5" json:"birthday_alert_time"`
	ModelTimestamps
}

func (Guild) TableName() string {
	return "guilds"
}

func (g Guild) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnGuildID, g.ID),
		slog.String(columnGuildPrefix, g.Prefix),
		slog.Bool(columnGuildLevelling, g.Levelling),
		slog.Bool(columnGuildBirthdays, g.Birthdays),
	)
}

// PluginEnabled reports whether the plugin is enabled for the guild
func (g Guild) PluginEnabled(p Plugin) bool {
	switch p {
	case PluginLevelling:
		return g.Levelling
	case PluginBirthdays:
		return g.Birthdays
	default:
		return true
	}
}

// BirthdayAlertAt returns the alert time on the given UTC date. ok is
// false when no alert time is configured.
func (g Guild) BirthdayAlertAt(day time.Time) (at time.Time, ok bool) {
	if g.BirthdayAlertTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(birthdayAlertTimeLayout, g.BirthdayAlertTime)
	if err != nil {
		return time.Time{}, false
	}
	day = day.UTC()
	return time.Date(
		day.Year(), day.Month(), day.Day(),
		t.Hour(), t.Minute(), 0, 0,
		time.UTC,
	), true
}

// GuildUpdate is the payload for partial updates of a guild's settings.
// Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type GuildUpdate struct {
	Prefix            *string `json:"prefix,omitempty" binding:"omitnil,min=1,max=10"`
	Levelling         *bool   `json:"levelling,omitempty"`
	Birthdays         *bool   `json:"birthdays,omitempty"`
	BirthdayChannelID *string `json:"birthday_channel_id,omitempty" binding:"omitnil,omitempty,numeric,max=32"`
	BirthdayAlertTime *string `json:"birthday_alert_time,omitempty" binding:"omitnil,omitempty,datetime=15:04"`
}

func (u GuildUpdate) validate() error {
	return structValidator.Struct(u)
}

func (u GuildUpdate) columns() map[string]any {
	updates := map[string]any{}
	if u.Prefix != nil {
		updates[columnGuildPrefix] = *u.Prefix
	}
	if u.Levelling != nil {
		updates[columnGuildLevelling] = *u.Levelling
	}
	if u.Birthdays != nil {
		updates[columnGuildBirthdays] = *u.Birthdays
	}
	if u.BirthdayChannelID != nil {
		updates[columnGuildBirthdayChannelID] = *u.BirthdayChannelID
	}
	if u.BirthdayAlertTime != nil {
		updates[columnGuildBirthdayAlertTime] = *u.BirthdayAlertTime
	}
	return updates
}

// GuildSettings caches guild settings. A guild's row is created with
// default settings the first time it's looked up.
type GuildSettings struct {
	db            DBI
	logger        *slog.Logger
	defaultPrefix string

	// onChange is called after a guild's settings are written, so other
	// instances can be told to reload them
	onChange func(ctx context.Context, guildID string)

	mu     sync.RWMutex
	guilds map[string]Guild
}

func NewGuildSettings(db DBI, defaultPrefix string, logger *slog.Logger) *GuildSettings {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultPrefix == "" {
		defaultPrefix = DefaultPrefix
	}
	return &GuildSettings{
		db:            db,
		logger:        logger.With(loggerNameKey, "guilds"),
		defaultPrefix: defaultPrefix,
		guilds:        map[string]Guild{},
	}
}

func (g *GuildSettings) defaultGuild(guildID string) Guild {
	return Guild{
		ID:        guildID,
		Prefix:    g.defaultPrefix,
		Levelling: true,
		Birthdays: true,
	}
}

// Get returns the guild's settings, creating the default row if the
// guild hasn't been seen before
func (g *GuildSettings) Get(ctx context.Context, guildID string) (Guild, error) {
	g.mu.RLock()
	guild, ok := g.guilds[guildID]
	g.mu.RUnlock()
	if ok {
		return guild, nil
	}

	row := g.defaultGuild(guildID)
	rowsAffected, err := g.db.CreateIfNotExists(ctx, &row)
	if err != nil {
		return Guild{}, fmt.Errorf("error creating guild: %w", err)
	}
	if rowsAffected > 0 {
		g.logger.InfoContext(ctx, "created guild settings", "guild", row)
	}

	loaded, err := g.load(ctx, guildID)
	if err != nil {
		return Guild{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.guilds[guildID]; ok {
		return existing, nil
	}
	g.guilds[guildID] = loaded
	return loaded, nil
}

// Ensure makes sure the guild's row exists
func (g *GuildSettings) Ensure(ctx context.Context, guildID string) error {
	_, err := g.Get(ctx, guildID)
	return err
}

func (g *GuildSettings) load(ctx context.Context, guildID string) (Guild, error) {
	var guild Guild
	err := g.db.DB().WithContext(ctx).Where(columnGuildID+" = ?", guildID).Take(&guild).Error
	if err != nil {
		return Guild{}, fmt.Errorf("error loading guild %s: %w", guildID, err)
	}
	return guild, nil
}

// Prefix returns the guild's command prefix, falling back to the default
// prefix if the settings can't be loaded
func (g *GuildSettings) Prefix(ctx context.Context, guildID string) string {
	if guildID == "" {
		return g.defaultPrefix
	}
	guild, err := g.Get(ctx, guildID)
	if err != nil {
		g.logger.ErrorContext(ctx, "error getting guild prefix", tint.Err(err))
		return g.defaultPrefix
	}
	return guild.Prefix
}

// Update applies a partial update to the guild's settings and returns the
// updated settings
func (g *GuildSettings) Update(ctx context.Context, guildID string, update GuildUpdate) (
	Guild,
	error,
) {
	if err := update.validate(); err != nil {
		return Guild{}, err
	}
	columns := update.columns()
	if len(columns) == 0 {
		return g.Get(ctx, guildID)
	}
	if err := g.Ensure(ctx, guildID); err != nil {
		return Guild{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.UpdatesWhere(ctx, &Guild{}, columns, columnGuildID+" = ?", guildID)
	if err != nil {
		return Guild{}, fmt.Errorf("error updating guild %s: %w", guildID, err)
	}
	guild, err := g.load(ctx, guildID)
	if err != nil {
		delete(g.guilds, guildID)
		return Guild{}, err
	}
	g.guilds[guildID] = guild
	g.logger.InfoContext(ctx, "updated guild settings", "guild", guild, "columns", lo.Keys(columns))

	if g.onChange != nil {
		g.onChange(ctx, guildID)
	}
	return guild, nil
}

func (g *GuildSettings) SetPrefix(ctx context.Context, guildID string, prefix string) (Guild, error) {
	switch {
	case prefix == "":
		return Guild{}, ErrPrefixEmpty
	case utf8.RuneCountInString(prefix) > maxPrefixLength:
		return Guild{}, ErrPrefixTooLong
	}
	return g.Update(ctx, guildID, GuildUpdate{Prefix: &prefix})
}

func (g *GuildSettings) SetPlugin(
	ctx context.Context,
	guildID string,
	plugin Plugin,
	enabled bool,
) (Guild, error) {
	switch plugin {
	case PluginLevelling:
		return g.Update(ctx, guildID, GuildUpdate{Levelling: &enabled})
	case PluginBirthdays:
		return g.Update(ctx, guildID, GuildUpdate{Birthdays: &enabled})
	default:
		return Guild{}, fmt.Errorf("%w: %q", ErrUnknownPlugin, plugin)
	}
}

func (g *GuildSettings) SetBirthdayChannel(ctx context.Context, guildID, channelID string) (
	Guild,
	error,
) {
	return g.Update(ctx, guildID, GuildUpdate{BirthdayChannelID: &channelID})
}

// SetBirthdayAlertTime sets the UTC time of day birthday alerts are sent
func (g *GuildSettings) SetBirthdayAlertTime(ctx context.Context, guildID string, at time.Time) (
	Guild,
	error,
) {
	s := at.Format(birthdayAlertTimeLayout)
	return g.Update(ctx, guildID, GuildUpdate{BirthdayAlertTime: &s})
}

// Remove deletes the guild's row (cascading to everything that
// references it) and drops it from the cache
func (g *GuildSettings) Remove(ctx context.Context, guildID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.guilds, guildID)
	if _, err := g.db.Delete(ctx, &Guild{}, columnGuildID+" = ?", guildID); err != nil {
		return fmt.Errorf("error deleting guild %s: %w", guildID, err)
	}
	g.logger.InfoContext(ctx, "removed guild", columnMemberGuildID, guildID)
	return nil
}

// Forget drops the guild from the cache without touching the database
func (g *GuildSettings) Forget(guildID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.guilds, guildID)
}

// Reload re-reads a cached guild's settings from the database. Guilds
// that aren't cached are left alone, and are loaded on next use.
func (g *GuildSettings) Reload(ctx context.Context, guildID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.guilds[guildID]; !ok {
		return nil
	}
	guild, err := g.load(ctx, guildID)
	if err != nil {
		delete(g.guilds, guildID)
		return err
	}
	g.guilds[guildID] = guild
	g.logger.DebugContext(ctx, "reloaded guild settings", "guild", guild)
	return nil
}

// Count returns the number of cached guilds
func (g *GuildSettings) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.guilds)
}

// List returns every stored guild, ordered by ID
func (g *GuildSettings) List(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	if err := g.db.DB().WithContext(ctx).Order(columnGuildID).Find(&guilds).Error; err != nil {
		return nil, fmt.Errorf("error listing guilds: %w", err)
	}
	return guilds, nil
}

// startGuildReloadListener reloads guild settings when another instance
// reports a change
func (z *Zeta) startGuildReloadListener(ctx context.Context) {
	z.runtimeWG.Add(1)
	go func() {
		defer z.runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-z.triggerGuildReloadCh:
				if err := z.guilds.Reload(ctx, guildID); err != nil {
					z.logger.ErrorContext(
						ctx,
						"error reloading guild",
						columnMemberGuildID, guildID,
						tint.Err(err),
					)
				}
			}
		}
	}()
}

func (z *Zeta) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	logger := contextLoggerOr(ctx, z.logger)
	if err := z.guilds.Ensure(ctx, g.ID); err != nil {
		logger.ErrorContext(ctx, "error ensuring guild", columnMemberGuildID, g.ID, tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "joined guild", columnMemberGuildID, g.ID, "name", g.Name)
}

// handleGuildDelete removes everything stored for a guild the bot was
// removed from. Deletes caused by outages (Unavailable) are ignored.
func (z *Zeta) handleGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	logger := contextLoggerOr(ctx, z.logger)
	if g.Unavailable {
		logger.WarnContext(ctx, "guild unavailable", columnMemberGuildID, g.ID)
		return
	}
	z.levels.RemoveGuild(g.ID)
	z.reactionRoles.RemoveGuild(g.ID)
	if err := z.guilds.Remove(ctx, g.ID); err != nil {
		logger.ErrorContext(ctx, "error removing guild", columnMemberGuildID, g.ID, tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "left guild", columnMemberGuildID, g.ID)
}

func mentionHint(prefix string) string {
	return fmt.Sprintf(
		"Did you forget my prefix? For this server, it is `%s`\n"+
			"Use `%shelp` for more information!\n"+
			"Hint: Admins can change the server prefix using the `prefix` command",
		prefix,
		prefix,
	)
}

func prefixCommand() *Command {
	return &Command{
		Name:        "prefix",
		Usage:       "<new_prefix>",
		Help:        "Changes the command prefix for this server",
		Category:    categoryConfiguration,
		GuildOnly:   true,
		Permissions: discordgo.PermissionAdministrator,
		Run: func(ctx context.Context, c *CommandContext) error {
			prefix, err := c.RequireRest(0, "new_prefix")
			if err != nil {
				return err
			}
			if utf8.RuneCountInString(prefix) > maxPrefixLength {
				_, err = c.Reply("Prefix must be less than 10 characters long")
				return err
			}
			guild, err := c.Guilds.SetPrefix(ctx, c.GuildID(), prefix)
			if err != nil {
				return err
			}
			_, err = c.ReplyEmbed(
				&discordgo.MessageEmbed{
					Title:       "Success!",
					Description: fmt.Sprintf("The prefix for this server has been set to `%s`", guild.Prefix),
					Color:       colorGreen,
				},
			)
			return err
		},
	}
}

func pluginCommand() *Command {
	setPlugin := func(enabled bool) func(ctx context.Context, c *CommandContext) error {
		return func(ctx context.Context, c *CommandContext) error {
			name, err := c.RequireArg(0, "plugin")
			if err != nil {
				return err
			}
			plugin, err := ParsePlugin(name)
			if err != nil {
				return &BadArgumentError{Argument: "plugin", Err: err}
			}
			if _, err = c.Guilds.SetPlugin(ctx, c.GuildID(), plugin, enabled); err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			_, err = c.ReplyEmbed(
				&discordgo.MessageEmbed{
					Title:       "Success!",
					Description: fmt.Sprintf("The `%s` plugin has been %s on this server", plugin, state),
					Color:       colorGreen,
				},
			)
			return err
		}
	}

	list := &Command{
		Name: "list",
		Help: "Shows which plugins are enabled on this server",
		Run: func(ctx context.Context, c *CommandContext) error {
			lines := lo.Map(
				Plugins, func(p Plugin, _ int) string {
					mark := "disabled"
					if c.Guild.PluginEnabled(p) {
						mark = "enabled"
					}
					return fmt.Sprintf("`%s` - %s", p, mark)
				},
			)
			_, err := c.ReplyEmbed(
				&discordgo.MessageEmbed{
					Title:       "Plugins",
					Description: strings.Join(lines, "\n"),
					Color:       colorBlue,
				},
			)
			return err
		},
	}

	cmd := &Command{
		Name:        "plugin",
		Usage:       "<list|enable|disable> [plugin]",
		Help:        "Enables or disables plugins on this server\nAvailable plugins: `levelling`, `birthdays`",
		Category:    categoryConfiguration,
		GuildOnly:   true,
		Permissions: discordgo.PermissionAdministrator,
		Subcommands: []*Command{
			list,
			{
				Name:  "enable",
				Usage: "<plugin>",
				Help:  "Enables a plugin on this server",
				Run:   setPlugin(true),
			},
			{
				Name:  "disable",
				Usage: "<plugin>",
				Help:  "Disables a plugin on this server",
				Run:   setPlugin(false),
			},
		},
	}
	cmd.Run = list.Run
	return cmd
}
