package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

const (
	birthdayInputLayout     = "2 1 2006"
	birthdayDisplayLayout   = "02 January"
	birthdayRecordedLayout  = "02 January 2006"
	birthdayKeyDateLayout   = "2006-01-02"
	alertTimeInputLayout    = "15 4"
	alertTimeAltInputLayout = "15:4"
)

var errInvalidBirthday = errors.New("invalid date format")

// ParseBirthday parses a date of birth given as "DD MM YYYY"
func ParseBirthday(s string) (time.Time, error) {
	t, err := time.Parse(birthdayInputLayout, strings.Join(strings.Fields(s), " "))
	if err != nil {
		return time.Time{}, errInvalidBirthday
	}
	if t.After(time.Now().UTC()) {
		return time.Time{}, errInvalidBirthday
	}
	return t, nil
}

// ParseAlertTime parses a UTC time of day given as "HH MM" or "HH:MM"
func ParseAlertTime(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	for _, layout := range []string{alertTimeInputLayout, alertTimeAltInputLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q, expected HH MM", s)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// birthdayOn reports whether a birthday is celebrated on day. Birthdays
// on Feb 29 are celebrated on Feb 28 in non-leap years.
func birthdayOn(birthday time.Time, day time.Time) bool {
	if birthday.Month() == time.February && birthday.Day() == 29 && !isLeapYear(day.Year()) {
		return day.Month() == time.February && day.Day() == 28
	}
	return birthday.Month() == day.Month() && birthday.Day() == day.Day()
}

// BirthdayAlerts stores birthdays and schedules the alerts sent on them
type BirthdayAlerts struct {
	session   DiscordSessionHandler
	db        DBI
	guilds    *GuildSettings
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewBirthdayAlerts(
	session DiscordSessionHandler,
	db DBI,
	guilds *GuildSettings,
	scheduler *Scheduler,
	interval time.Duration,
	logger *slog.Logger,
) *BirthdayAlerts {
	if logger == nil {
		logger = slog.Default()
	}
	return &BirthdayAlerts{
		session:   session,
		db:        db,
		guilds:    guilds,
		scheduler: scheduler,
		interval:  interval,
		logger:    logger.With(loggerNameKey, "birthdays"),
		now:       time.Now,
	}
}

// SetBirthday stores the member's birthday, creating their row if needed
func (b *BirthdayAlerts) SetBirthday(
	ctx context.Context,
	guildID, memberID string,
	birthday time.Time,
) error {
	if err := b.guilds.Ensure(ctx, guildID); err != nil {
		return err
	}
	_, err := b.db.CreateIfNotExists(
		ctx,
		&MemberProgress{GuildID: guildID, MemberID: memberID, Boost: defaultBoost},
	)
	if err != nil {
		return fmt.Errorf("error creating member progress: %w", err)
	}
	birthday = time.Date(birthday.Year(), birthday.Month(), birthday.Day(), 0, 0, 0, 0, time.UTC)
	_, err = b.db.UpdatesWhere(
		ctx,
		&MemberProgress{},
		map[string]any{columnMemberBirthday: birthday},
		columnMemberGuildID+" = ? AND "+columnMemberMemberID+" = ?",
		guildID,
		memberID,
	)
	if err != nil {
		return fmt.Errorf("error setting birthday: %w", err)
	}
	return nil
}

// Birthday returns the member's birthday, or nil if it isn't set
func (b *BirthdayAlerts) Birthday(ctx context.Context, guildID, memberID string) (*time.Time, error) {
	var row MemberProgress
	err := b.db.DB().WithContext(ctx).Where(
		columnMemberGuildID+" = ? AND "+columnMemberMemberID+" = ?",
		guildID,
		memberID,
	).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting birthday: %w", err)
	}
	return row.Birthday, nil
}

// Poll schedules alerts for every guild whose alert time falls within
// the next polling interval. It returns the number of alerts scheduled.
func (b *BirthdayAlerts) Poll(ctx context.Context) (int, error) {
	now := b.now().UTC()
	end := now.Add(b.interval)

	var guilds []Guild
	err := b.db.DB().WithContext(ctx).Where(
		columnGuildBirthdays+" = ? AND "+columnGuildBirthdayChannelID+" <> '' AND "+
			columnGuildBirthdayAlertTime+" <> ''",
		true,
	).Find(&guilds).Error
	if err != nil {
		return 0, fmt.Errorf("error getting guilds with birthday alerts: %w", err)
	}

	days := lo.Uniq([]time.Time{truncateDay(now), truncateDay(end)})
	scheduled := 0
	var errs []error
	for _, guild := range guilds {
		for _, day := range days {
			at, ok := guild.BirthdayAlertAt(day)
			if !ok || at.Before(now) || !at.Before(end) {
				continue
			}
			n, e := b.scheduleGuild(ctx, guild, day, at)
			if e != nil {
				errs = append(errs, e)
			}
			scheduled += n
		}
	}
	b.logger.DebugContext(ctx, "birthday poll complete", "guilds", len(guilds), "scheduled", scheduled)
	return scheduled, errors.Join(errs...)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (b *BirthdayAlerts) scheduleGuild(
	ctx context.Context,
	guild Guild,
	day time.Time,
	at time.Time,
) (int, error) {
	var rows []MemberProgress
	err := b.db.DB().WithContext(ctx).Where(
		columnMemberGuildID+" = ? AND "+columnMemberBirthday+" IS NOT NULL",
		guild.ID,
	).Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("error getting birthdays for guild %s: %w", guild.ID, err)
	}

	celebrating := lo.Filter(
		rows, func(row MemberProgress, _ int) bool {
			return row.Birthday != nil && birthdayOn(row.Birthday.UTC(), day)
		},
	)
	scheduled := 0
	for _, row := range celebrating {
		key := fmt.Sprintf(
			"birthday:%s:%s:%s",
			guild.ID,
			row.MemberID,
			day.Format(birthdayKeyDateLayout),
		)
		guildID, channelID, memberID := guild.ID, guild.BirthdayChannelID, row.MemberID
		// the alert outlives the poll that scheduled it, and is only
		// cancelled when the scheduler stops
		if b.scheduler.At(
			context.WithoutCancel(ctx), key, at, func(ctx context.Context) {
				b.sendWish(ctx, guildID, channelID, memberID)
			},
		) {
			scheduled++
		}
	}
	return scheduled, nil
}

func (b *BirthdayAlerts) sendWish(ctx context.Context, guildID, channelID, memberID string) {
	logger := b.logger.With(columnMemberGuildID, guildID, columnMemberMemberID, memberID)
	member, err := b.session.GuildMember(guildID, memberID)
	if err != nil {
		logger.WarnContext(ctx, "couldn't find member for birthday alert", tint.Err(err))
		return
	}
	_, err = b.session.ChannelMessageSendEmbed(
		channelID, &discordgo.MessageEmbed{
			Title:       fmt.Sprintf("%s has their birthday today!", memberDisplayName(member)),
			Description: fmt.Sprintf("Wish <@%s> a happy birthday!", memberID),
			Color:       colorBlue,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending birthday alert", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "sent birthday alert")
}

func birthdayCommands() []*Command {
	return []*Command{
		{
			Name:  "setbd",
			Usage: "<DD MM YYYY>",
			Help: "Saves your birthday\nEveryone **in this server** will be able to see it, and will be " +
				"notified when the day arrives",
			Category:  categoryBirthdays,
			GuildOnly: true,
			Plugin:    PluginBirthdays,
			Run:       runSetBirthday,
		},
		{
			Name:      "bday",
			Usage:     "[member]",
			Help:      "Shows a member's birthday, if they've saved it with `setbd`",
			Category:  categoryBirthdays,
			GuildOnly: true,
			Plugin:    PluginBirthdays,
			Run:       runBirthday,
		},
		{
			Name:        "bdalerttime",
			Usage:       "<HH MM>",
			Help:        "Sets the time of day (UTC) at which birthday alerts are sent on this server",
			Category:    categoryBirthdays,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageServer,
			Plugin:      PluginBirthdays,
			Run:         runBirthdayAlertTime,
		},
		{
			Name:        "bdchannel",
			Usage:       "<channel>",
			Help:        "Sets the channel birthday alerts are sent in",
			Category:    categoryBirthdays,
			GuildOnly:   true,
			Permissions: discordgo.PermissionAdministrator,
			Plugin:      PluginBirthdays,
			Run:         runBirthdayChannel,
		},
	}
}

func runSetBirthday(ctx context.Context, c *CommandContext) error {
	raw, err := c.RequireRest(0, "date_of_birth")
	if err != nil {
		return err
	}
	birthday, err := ParseBirthday(raw)
	if err != nil {
		_, err = c.Reply("Invalid date format, please try again, using `DD MM YYYY`")
		return err
	}
	if err = c.Birthdays.SetBirthday(ctx, c.GuildID(), c.Author().ID, birthday); err != nil {
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title:       "Birthday recorded!",
			Description: fmt.Sprintf("Your day is on %s", birthday.Format(birthdayRecordedLayout)),
			Color:       colorGreen,
		},
	)
	return err
}

func runBirthday(ctx context.Context, c *CommandContext) error {
	target, err := c.MemberOrAuthor(0, "target")
	if err != nil {
		return err
	}
	birthday, err := c.Birthdays.Birthday(ctx, c.GuildID(), target.User.ID)
	if err != nil {
		return err
	}
	if birthday == nil {
		_, err = c.Replyf(
			"Couldn't find %s's birthday in this server, tell them to set it using `%ssetbd`",
			target.User.String(),
			c.Prefix,
		)
		return err
	}
	_, err = c.Replyf("%s's birthday is on %s", target.User.String(), birthday.Format(birthdayDisplayLayout))
	return err
}

func runBirthdayAlertTime(ctx context.Context, c *CommandContext) error {
	raw, err := c.RequireRest(0, "time")
	if err != nil {
		return err
	}
	at, err := ParseAlertTime(raw)
	if err != nil {
		return &BadArgumentError{Argument: "time", Err: err}
	}
	guild, err := c.Guilds.SetBirthdayAlertTime(ctx, c.GuildID(), at)
	if err != nil {
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title: "Success!",
			Description: fmt.Sprintf(
				"Birthday alerts will be sent out on this server at %s (UTC)",
				guild.BirthdayAlertTime,
			),
			Color: colorGreen,
		},
	)
	if err != nil {
		return err
	}
	if _, pollErr := c.Birthdays.Poll(ctx); pollErr != nil {
		c.Logger.ErrorContext(ctx, "error polling birthdays", tint.Err(pollErr))
	}
	return nil
}

func runBirthdayChannel(ctx context.Context, c *CommandContext) error {
	channel, err := c.Channel(0, "alert_channel")
	if err != nil {
		return err
	}
	if _, err = c.Guilds.SetBirthdayChannel(ctx, c.GuildID(), channel.ID); err != nil {
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title:       "Success!",
			Description: fmt.Sprintf("The channel <#%s> will be used for auto birthday alerts", channel.ID),
			Color:       colorGreen,
		},
	)
	return err
}
