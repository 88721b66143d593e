package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const leaderboardSize = 10

// awardMessageExp awards the default exp for a message, announcing the
// author's new level if they leveled up
func (z *Zeta) awardMessageExp(ctx context.Context, m *discordgo.Message) {
	logger := contextLoggerOr(ctx, z.logger)
	result, err := z.levels.Award(ctx, m.GuildID, m.Author.ID, 0)
	if err != nil {
		logger.ErrorContext(ctx, "error awarding exp", tint.Err(err))
		return
	}
	if !result.LeveledUp() {
		return
	}

	name := m.Author.String()
	if m.Member != nil {
		member := *m.Member
		member.User = m.Author
		name = memberDisplayName(&member)
	}
	logger.InfoContext(ctx, "member leveled up", "progress", result.After)
	_, err = z.discord.session.ChannelMessageSendEmbed(
		m.ChannelID,
		levelUpEmbed(name, m.Author.ID, result.After.Level),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending level up message", tint.Err(err))
	}
}

func levelUpEmbed(name string, userID string, level int64) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       name,
		Description: fmt.Sprintf("GZ on level %d, <@%s>", level, userID),
		Color:       colorGreen,
	}
}

// handleGuildMemberRemove deletes a departing member's progress
func (z *Zeta) handleGuildMemberRemove(ctx context.Context, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	if err := z.levels.Reset(ctx, m.GuildID, m.User.ID); err != nil {
		contextLoggerOr(ctx, z.logger).ErrorContext(
			ctx,
			"error removing member progress",
			columnMemberGuildID, m.GuildID,
			columnMemberMemberID, m.User.ID,
			tint.Err(err),
		)
	}
}

// startLevelsFlushListener flushes the level cache when another instance
// asks for it
func (z *Zeta) startLevelsFlushListener(ctx context.Context) {
	z.runtimeWG.Add(1)
	go func() {
		defer z.runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-z.triggerFlushLevelsCh:
				if err := z.levels.FlushAll(ctx); err != nil {
					z.logger.ErrorContext(ctx, "error flushing levels", tint.Err(err))
				}
			}
		}
	}()
}

func levelCommands() []*Command {
	return []*Command{
		{
			Name:     "level",
			Usage:    "[member]",
			Help:     "Shows your own or someone else's level\n`member` can be a mention, id or username",
			Category: categoryLevels,
			Plugin:   PluginLevelling,
			Run:      runLevel,
		},
		{
			Name:      "lb",
			Aliases:   []string{"leaderboard"},
			Help:      "Shows the top 10 server members based off their exp",
			Category:  categoryLevels,
			GuildOnly: true,
			Plugin:    PluginLevelling,
			Run:       runLeaderboard,
		},
		{
			Name:        "setmultiplier",
			Usage:       "<member> <multiplier>",
			Help:        "Sets the exp multiplier of a member\nA multiplier of 2 means twice as fast levelling",
			Category:    categoryLevels,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageMessages,
			Plugin:      PluginLevelling,
			Run:         runSetMultiplier,
		},
		{
			Name:        "giveexp",
			Usage:       "<member> <amount>",
			Help:        "Awards exp points to a member",
			Category:    categoryLevels,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageMessages,
			Plugin:      PluginLevelling,
			Run:         runGiveExp,
		},
		{
			Name:  "reset",
			Usage: "<member|id>",
			Help: "Resets a member's exp and level, removing them from the leaderboard\n" +
				"Useful for members who left while the bot was offline, who show up as `Deleted user`",
			Category:    categoryLevels,
			GuildOnly:   true,
			Permissions: discordgo.PermissionManageMessages,
			Run:         runReset,
		},
		{
			Name:      "update_db",
			Help:      "Writes the level cache to the database",
			Category:  categoryLevels,
			Hidden:    true,
			OwnerOnly: true,
			Run:       runUpdateDB,
		},
	}
}

func runLevel(ctx context.Context, c *CommandContext) error {
	if c.GuildID() == "" {
		return ErrGuildOnly
	}
	target, err := c.MemberOrAuthor(0, "target")
	if err != nil {
		return err
	}
	progress, found, err := c.Levels.Get(ctx, c.GuildID(), target.User.ID)
	if err != nil {
		return err
	}
	if !found {
		_, err = c.Replyf(
			"%s hasn't been ranked yet! tell them to send some messages to start.",
			target.User.String(),
		)
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title: target.User.String(),
			Description: fmt.Sprintf(
				"You are currently on level : %d\nWith exp : %d",
				progress.Level,
				progress.Exp,
			),
			Color: colorBlue,
		},
	)
	return err
}

func runLeaderboard(ctx context.Context, c *CommandContext) error {
	entries, err := c.Levels.Top(ctx, c.GuildID(), leaderboardSize)
	if err != nil {
		return err
	}

	embed := &discordgo.MessageEmbed{
		Title: "Server leaderboard",
		Color: colorGreen,
	}
	for _, entry := range entries {
		var displayName string
		member, e := c.Session.GuildMember(c.GuildID(), entry.MemberID)
		switch {
		case e == nil:
			displayName = memberDisplayName(member)
		case isNotFound(e):
			displayName = fmt.Sprintf("Deleted user (id:%s)", entry.MemberID)
			embed.Footer = &discordgo.MessageEmbedFooter{
				Text: "Hint: mods can use the reset command to get rid of the \"Deleted user\" in the " +
					"leaderboard if they have left the server",
			}
		default:
			return e
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%d.%s", entry.Rank, displayName),
				Value: fmt.Sprintf("Level: %d Exp: %d", entry.Level, entry.Exp),
			},
		)
	}
	_, err = c.ReplyEmbed(embed)
	return err
}

func runSetMultiplier(ctx context.Context, c *CommandContext) error {
	target, err := c.Member(0, "target")
	if err != nil {
		return err
	}
	multiplier, err := c.Int(1, "multiplier")
	if err != nil {
		return err
	}
	if _, err = c.Levels.SetMultiplier(ctx, c.GuildID(), target.User.ID, multiplier); err != nil {
		if errors.Is(err, ErrNegativeBoost) {
			return &BadArgumentError{Argument: "multiplier", Err: err}
		}
		return err
	}
	_, err = c.Replyf("%s's multiplier has been set to %d", target.User.String(), multiplier)
	return err
}

func runGiveExp(ctx context.Context, c *CommandContext) error {
	target, err := c.Member(0, "target")
	if err != nil {
		return err
	}
	amount, err := c.Int(1, "amount")
	if err != nil {
		return err
	}
	if amount <= 0 {
		return &BadArgumentError{Argument: "amount", Err: ErrNegativeAmount}
	}

	result, err := c.Levels.Award(ctx, c.GuildID(), target.User.ID, amount)
	if err != nil {
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title:       "Success",
			Description: fmt.Sprintf("Added %d points to <@%s>", amount, target.User.ID),
			Color:       colorGreen,
		},
	)
	if err != nil {
		return err
	}
	if result.LeveledUp() {
		_, err = c.ReplyEmbed(levelUpEmbed(memberDisplayName(target), target.User.ID, result.After.Level))
	}
	return err
}

// runReset accepts either a member, or the ID of a user who already
// left the guild
func runReset(ctx context.Context, c *CommandContext) error {
	arg, err := c.RequireArg(0, "target")
	if err != nil {
		return err
	}
	memberID, isID := snowflakeFromMention(arg)
	if !isID {
		member, e := c.Member(0, "target")
		if e != nil {
			return e
		}
		memberID = member.User.ID
	}

	if err = c.Levels.Reset(ctx, c.GuildID(), memberID); err != nil {
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title:       "Success",
			Description: fmt.Sprintf("Reset the level and exp of <@%s>", memberID),
			Color:       colorGreen,
		},
	)
	return err
}

func runUpdateDB(ctx context.Context, c *CommandContext) error {
	if err := c.Levels.FlushAll(ctx); err != nil {
		return err
	}
	if c.Notifier != nil {
		c.Notifier.FlushLevels(ctx)
	}
	_, err := c.Reply("db updated")
	return err
}
