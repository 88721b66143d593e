package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	columnMuteID        = "id"
	columnMuteGuildID   = "guild_id"
	columnMuteMemberID  = "member_id"
	columnMuteExpiresAt = "expires_at"

	muteTimeLayout = "2006-01-02 15:04:05"

	// lockdownPermissions are cleared from @everyone during a lockdown,
	// and denied to the mute role
	lockdownPermissions = int64(discordgo.PermissionSendMessages | discordgo.PermissionAddReactions)
)

var (
	muteDurationToken  = regexp.MustCompile(`^(\d+)([dhmDHM])`)
	ErrInvalidDuration = errors.New("invalid duration, expected something like `1d 2h 30m`")
)

// Mute is a timed mute. Indefinite mutes aren't stored, they last until
// a moderator removes the role.
type Mute struct {
	ModelUintID
	GuildID     string `gorm:"size:32;not null;index" json:"guild_id"`
	MemberID    string `gorm:"size:32;not null;index" json:"member_id"`
	ModeratorID string `gorm:"size:32" json:"moderator_id"`

	// ExpiresAt is when the mute ends, in unix milliseconds
	ExpiresAt int64 `gorm:"not null;index" json:"expires_at"`
	ModelTimestamps

	Guild *Guild `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (Mute) TableName() string {
	return "mutes"
}

func (m Mute) Expires() time.Time {
	return time.UnixMilli(m.ExpiresAt).UTC()
}

// ParseMuteDuration parses durations like "1d 2h 3m" (or "1d2h3m").
// Each unit may appear in any order, and the total must be positive.
func ParseMuteDuration(s string) (time.Duration, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return 0, ErrInvalidDuration
	}
	var total time.Duration
	for s != "" {
		match := muteDurationToken.FindStringSubmatch(s)
		if match == nil {
			return 0, ErrInvalidDuration
		}
		n, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return 0, ErrInvalidDuration
		}
		var unit time.Duration
		switch strings.ToLower(match[2]) {
		case "d":
			unit = 24 * time.Hour
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		}
		if n > int64((1<<63-1)/unit) {
			return 0, ErrInvalidDuration
		}
		total += time.Duration(n) * unit
		s = s[len(match[0]):]
	}
	if total <= 0 {
		return 0, ErrInvalidDuration
	}
	return total, nil
}

// Moderator mutes and unmutes members, and locks down guilds
type Moderator struct {
	session   DiscordSessionHandler
	db        DBI
	scheduler *Scheduler
	config    *MutesConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewModerator(
	session DiscordSessionHandler,
	db DBI,
	scheduler *Scheduler,
	config *MutesConfig,
	logger *slog.Logger,
) *Moderator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Moderator{
		session:   session,
		db:        db,
		scheduler: scheduler,
		config:    config,
		logger:    logger.With(loggerNameKey, "moderation"),
		now:       time.Now,
	}
}

// MuteRole returns the guild's mute role, or nil if there isn't one
func (m *Moderator) MuteRole(guildID string) (*discordgo.Role, error) {
	roles, err := m.session.GuildRoles(guildID)
	if err != nil {
		return nil, err
	}
	role, _ := lo.Find(
		roles, func(r *discordgo.Role) bool {
			return r.Name == m.config.RoleName
		},
	)
	return role, nil
}

// CreateMuteRole creates a role with no permissions, and denies it
// sending messages and adding reactions in every channel
func (m *Moderator) CreateMuteRole(ctx context.Context, guildID string) (*discordgo.Role, error) {
	noPermissions := int64(0)
	role, err := m.session.GuildRoleCreate(
		guildID, &discordgo.RoleParams{
			Name:        m.config.RoleName,
			Permissions: &noPermissions,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating mute role: %w", err)
	}

	channels, err := m.session.GuildChannels(guildID)
	if err != nil {
		return role, fmt.Errorf("error getting channels: %w", err)
	}
	var errs []error
	for _, ch := range channels {
		err = m.session.ChannelPermissionSet(
			ch.ID,
			role.ID,
			discordgo.PermissionOverwriteTypeRole,
			0,
			lockdownPermissions,
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ID, err))
		}
	}
	m.logger.InfoContext(
		ctx,
		"configured mute role",
		columnMuteGuildID, guildID,
		"role_id", role.ID,
		"channels", len(channels),
		"failed", len(errs),
	)
	return role, errors.Join(errs...)
}

// Mute gives the member the mute role. A positive duration stores a
// timed mute, which is lifted once it expires.
func (m *Moderator) Mute(
	ctx context.Context,
	guildID string,
	role *discordgo.Role,
	memberID string,
	moderatorID string,
	duration time.Duration,
) (*Mute, error) {
	if err := m.session.GuildMemberRoleAdd(guildID, memberID, role.ID); err != nil {
		return nil, err
	}
	if duration <= 0 {
		m.logger.InfoContext(ctx, "muted member", columnMuteGuildID, guildID, columnMuteMemberID, memberID)
		return nil, nil
	}

	mute := &Mute{
		GuildID:     guildID,
		MemberID:    memberID,
		ModeratorID: moderatorID,
		ExpiresAt:   m.now().Add(duration).UnixMilli(),
	}
	if _, err := m.db.Create(ctx, mute); err != nil {
		return nil, fmt.Errorf("error saving mute: %w", err)
	}
	m.logger.InfoContext(
		ctx,
		"muted member",
		columnMuteGuildID, guildID,
		columnMuteMemberID, memberID,
		"expires", mute.Expires(),
	)
	if duration < m.config.PollInterval {
		m.scheduleUnmute(*mute)
	}
	return mute, nil
}

// Unmute removes the mute role from the member and deletes their stored
// mutes. It reports whether the member had the role. If notify is set and
// the member was muted, they're told over DM.
func (m *Moderator) Unmute(ctx context.Context, guildID, memberID string, notify bool) (bool, error) {
	logger := m.logger.With(columnMuteGuildID, guildID, columnMuteMemberID, memberID)

	_, err := m.db.Delete(
		ctx,
		&Mute{},
		columnMuteGuildID+" = ? AND "+columnMuteMemberID+" = ?",
		guildID,
		memberID,
	)
	if err != nil {
		return false, fmt.Errorf("error deleting mutes: %w", err)
	}

	role, err := m.MuteRole(guildID)
	if err != nil || role == nil {
		return false, err
	}
	member, err := m.session.GuildMember(guildID, memberID)
	if err != nil {
		if isNotFound(err) {
			logger.InfoContext(ctx, "muted member left the guild")
			return false, nil
		}
		return false, err
	}
	if !lo.Contains(member.Roles, role.ID) {
		return false, nil
	}
	if err = m.session.GuildMemberRoleRemove(guildID, memberID, role.ID); err != nil {
		return false, err
	}
	logger.InfoContext(ctx, "unmuted member")

	if notify {
		guildName := guildID
		if g, e := m.session.Guild(guildID); e == nil {
			guildName = g.Name
		}
		e := sendDirectEmbed(
			m.session, memberID, &discordgo.MessageEmbed{
				Description: fmt.Sprintf(
					"Your mute period has been completed, you will now be able to send messages in %s again.",
					guildName,
				),
				Color: colorGreen,
			},
		)
		if e != nil {
			logger.WarnContext(ctx, "error notifying unmuted member", tint.Err(e))
		}
	}
	return true, nil
}

func unmuteJobKey(id uint) string {
	return fmt.Sprintf("unmute:%d", id)
}

// scheduleUnmute lifts the mute when it expires, unless it was removed
// in the meantime
func (m *Moderator) scheduleUnmute(mute Mute) bool {
	return m.scheduler.At(
		context.Background(), unmuteJobKey(mute.ID), mute.Expires(), func(ctx context.Context) {
			var count int64
			err := m.db.DB().WithContext(ctx).Model(&Mute{}).Where(
				columnMuteID+" = ?",
				mute.ID,
			).Count(&count).Error
			if err != nil {
				m.logger.ErrorContext(ctx, "error checking mute", tint.Err(err))
				return
			}
			if count == 0 {
				return
			}
			if _, err = m.Unmute(ctx, mute.GuildID, mute.MemberID, true); err != nil {
				m.logger.ErrorContext(ctx, "error unmuting member", tint.Err(err), "mute_id", mute.ID)
			}
		},
	)
}

// Poll schedules unmutes for mutes expiring within the next polling
// interval, including those that expired while the bot was offline.
// It returns the number of unmutes scheduled.
func (m *Moderator) Poll(ctx context.Context) (int, error) {
	until := m.now().Add(m.config.PollInterval).UnixMilli()
	var mutes []Mute
	err := m.db.DB().WithContext(ctx).Where(columnMuteExpiresAt+" < ?", until).Find(&mutes).Error
	if err != nil {
		return 0, fmt.Errorf("error getting expiring mutes: %w", err)
	}
	scheduled := lo.CountBy(mutes, m.scheduleUnmute)
	m.logger.DebugContext(ctx, "mute poll complete", "expiring", len(mutes), "scheduled", scheduled)
	return scheduled, nil
}

// SetLockdown removes (or restores) the send messages and add reactions
// permissions on the guild's @everyone role
func (m *Moderator) SetLockdown(ctx context.Context, guildID string, locked bool) error {
	roles, err := m.session.GuildRoles(guildID)
	if err != nil {
		return err
	}
	everyone, ok := lo.Find(
		roles, func(r *discordgo.Role) bool {
			return r.ID == guildID
		},
	)
	if !ok {
		return errors.New("couldn't find @everyone role")
	}

	perms := everyone.Permissions
	if locked {
		perms &^= lockdownPermissions
	} else {
		perms |= lockdownPermissions
	}
	if _, err = m.session.GuildRoleEdit(guildID, everyone.ID, &discordgo.RoleParams{Permissions: &perms}); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "set lockdown", columnMuteGuildID, guildID, "locked", locked)
	return nil
}

func sendDirectEmbed(s DiscordSessionHandler, userID string, embed *discordgo.MessageEmbed) error {
	ch, err := s.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	_, err = s.ChannelMessageSendEmbed(ch.ID, embed)
	return err
}

func moderationCommands() []*Command {
	return []*Command{
		{
			Name:  "mute",
			Usage: "<member> [duration]",
			Help: "Mutes a member, preventing them from sending messages or adding reactions\n" +
				"`duration` looks like `1d 2h 30m`, leave it out to mute indefinitely",
			Category:    categoryModeration,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageMessages,
			Run:         runMute,
		},
		{
			Name:        "unmute",
			Usage:       "<member>",
			Help:        "Unmutes a muted member",
			Category:    categoryModeration,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageMessages,
			Run:         runUnmute,
		},
		{
			Name:        "lockdown",
			Help:        "Removes the send messages and add reactions permissions from `@everyone`",
			Category:    categoryModeration,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageMessages,
			Run: func(ctx context.Context, c *CommandContext) error {
				if err := c.Moderation.SetLockdown(ctx, c.GuildID(), true); err != nil {
					return err
				}
				_, err := c.ReplyEmbed(
					&discordgo.MessageEmbed{Title: "A server-wide lockdown is now in effect", Color: colorRed},
				)
				return err
			},
		},
		{
			Name:        "unlock",
			Help:        "Restores the send messages and add reactions permissions on `@everyone`",
			Category:    categoryModeration,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageMessages,
			Run: func(ctx context.Context, c *CommandContext) error {
				if err := c.Moderation.SetLockdown(ctx, c.GuildID(), false); err != nil {
					return err
				}
				_, err := c.ReplyEmbed(&discordgo.MessageEmbed{Title: "Lockdown lifted", Color: colorGreen})
				return err
			},
		},
	}
}

func runMute(ctx context.Context, c *CommandContext) error {
	target, err := c.Member(0, "target")
	if err != nil {
		return err
	}
	var duration time.Duration
	if raw := c.Rest(1); raw != "" {
		if duration, err = ParseMuteDuration(raw); err != nil {
			return &BadArgumentError{Argument: "time", Err: err}
		}
	}

	role, err := c.Moderation.MuteRole(c.GuildID())
	if err != nil {
		return err
	}
	if role == nil {
		if _, err = c.Reply("Server doesn't seem to have mute configured yet, stand by please."); err != nil {
			return err
		}
		if role, err = c.Moderation.CreateMuteRole(ctx, c.GuildID()); role == nil {
			return err
		}
		if err != nil {
			c.Logger.WarnContext(ctx, "mute role wasn't applied to every channel", tint.Err(err))
		}
		if _, err = c.Reply("Configured mute successfully"); err != nil {
			return err
		}
	}

	mute, err := c.Moderation.Mute(ctx, c.GuildID(), role, target.User.ID, c.Author().ID, duration)
	if err != nil {
		return err
	}

	guildName := c.GuildID()
	if g, e := c.Session.Guild(c.GuildID()); e == nil {
		guildName = g.Name
	}
	reply := fmt.Sprintf("%s has been muted", target.User.String())
	dm := fmt.Sprintf(
		"You have been muted from the server %s indefinitely, you'll only be able to send messages "+
			"if a moderator unmutes you",
		guildName,
	)
	if mute != nil {
		till := mute.Expires().Format(muteTimeLayout)
		reply = fmt.Sprintf("%s has been muted till %s", target.User.String(), till)
		dm = fmt.Sprintf("You have been muted from the server %s for %s (UTC)", guildName, till)
	}

	if _, err = c.ReplyEmbed(&discordgo.MessageEmbed{Description: reply, Color: colorRed}); err != nil {
		return err
	}
	if e := sendDirectEmbed(
		c.Session,
		target.User.ID,
		&discordgo.MessageEmbed{Description: dm, Color: colorRed},
	); e != nil {
		c.Logger.WarnContext(ctx, "error notifying muted member", tint.Err(e))
	}
	return nil
}

func runUnmute(ctx context.Context, c *CommandContext) error {
	target, err := c.Member(0, "target")
	if err != nil {
		return err
	}
	if _, err = c.Moderation.Unmute(ctx, c.GuildID(), target.User.ID, false); err != nil {
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Description: fmt.Sprintf("Unmuted <@%s>", target.User.ID),
			Color:       colorGreen,
		},
	)
	return err
}
