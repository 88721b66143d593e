package zeta

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
	"strings"
	"time"
)

func miscCommands() []*Command {
	return []*Command{
		{
			Name:     "help",
			Usage:    "[command]",
			Help:     "Shows the list of commands, or how to use a command",
			Category: categoryMisc,
			Run:      runHelp,
		},
		{
			Name:     "info",
			Help:     "Sends info about the bot",
			Category: categoryMisc,
			Run:      runInfo,
		},
		{
			Name:     "invite",
			Help:     "Sends a link to add me to a server",
			Category: categoryMisc,
			Run:      runInvite,
		},
		{
			Name:     "source",
			Help:     "Sends a link to my source code",
			Category: categoryMisc,
			Run:      runSource,
		},
	}
}

// firstLine returns the summary line of a command's help text
func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// helpListing renders the command list, grouped by category
func helpListing(prefix string, commands []*Command) string {
	visible := lo.Reject(
		commands, func(c *Command, _ int) bool {
			return c.Hidden
		},
	)
	width := lo.Max(
		lo.Map(
			visible, func(c *Command, _ int) int {
				return len(c.Name)
			},
		),
	)

	var b strings.Builder
	b.WriteString("```\n")
	fmt.Fprintf(&b, "Use %shelp command_name to get info about that command\n", prefix)
	category := ""
	for _, c := range visible {
		if c.Category != category {
			category = c.Category
			fmt.Fprintf(&b, "\n%s:\n", category)
		}
		fmt.Fprintf(&b, "  %s%-*s : %s\n", prefix, width, c.Name, firstLine(c.Help))
	}
	b.WriteString("```")
	return b.String()
}

// commandHelp renders the usage of a single command
func commandHelp(prefix string, path []*Command) string {
	cmd := path[len(path)-1]
	fullName := strings.Join(
		lo.Map(
			path, func(c *Command, _ int) string {
				return c.Name
			},
		), " ",
	)

	var b strings.Builder
	b.WriteString("```\n")
	if cmd.Help != "" {
		b.WriteString(cmd.Help + "\n\n")
	}
	b.WriteString("Usage:\n")
	fmt.Fprintf(&b, "%s%s %s\n", prefix, fullName, cmd.Usage)
	if len(cmd.Aliases) > 0 {
		fmt.Fprintf(&b, "\nAliases: %s\n", strings.Join(cmd.Aliases, ", "))
	}
	if len(cmd.Subcommands) > 0 {
		b.WriteString("\nSubcommands:\n")
		for _, sub := range cmd.Subcommands {
			fmt.Fprintf(&b, "  %s%s %s %s\n", prefix, fullName, sub.Name, sub.Usage)
		}
	}
	b.WriteString("```")
	return b.String()
}

func runHelp(_ context.Context, c *CommandContext) error {
	if len(c.Args) == 0 {
		_, err := c.ReplyEmbed(
			&discordgo.MessageEmbed{
				Title:       "Commands",
				Description: truncate(helpListing(c.Prefix, c.Router.Commands()), 4096),
				Color:       colorGreen,
			},
		)
		return err
	}

	path, _, ok := c.Router.Resolve(c.Args[0], c.Args[1:])
	if !ok || path[0].Hidden {
		_, err := c.Replyf("No command called `%s` found", c.Args[0])
		return err
	}
	_, err := c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title:       path[len(path)-1].Name,
			Description: commandHelp(c.Prefix, path),
			Color:       colorBlue,
		},
	)
	return err
}

// formatUptime renders d as H:MM:SS, with days when needed
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	if days > 0 {
		return fmt.Sprintf("%dd %d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// databaseLatency times a round trip to the database
func databaseLatency(ctx context.Context, db DBI) (time.Duration, error) {
	sqlDB, err := db.DB().DB()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err = sqlDB.PingContext(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func runInfo(ctx context.Context, c *CommandContext) error {
	dbLatency := "unavailable"
	if latency, err := databaseLatency(ctx, c.DB); err == nil {
		dbLatency = fmt.Sprintf("%dms", latency.Milliseconds())
	} else {
		c.Logger.WarnContext(ctx, "error pinging database", tint.Err(err))
	}

	var commandsRun int64
	if err := c.DB.DB().WithContext(ctx).Model(&CommandLog{}).Count(&commandsRun).Error; err != nil {
		c.Logger.WarnContext(ctx, "error counting commands", tint.Err(err))
	}

	inline := func(name, value string) *discordgo.MessageEmbedField {
		return &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true}
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Zeta",
		Description: "A discord bot with levels, birthdays, moderation and more",
		Color:       colorBlue,
		Fields: []*discordgo.MessageEmbedField{
			inline("Uptime", formatUptime(time.Since(c.StartedAt))),
			inline("Started", humanize.Time(c.StartedAt)),
			inline("Websocket latency", fmt.Sprintf("%dms", c.Session.HeartbeatLatency().Milliseconds())),
			inline("Database latency", dbLatency),
			inline("Servers joined", humanize.Comma(int64(c.Session.GuildCount()))),
			inline("Users watched", humanize.Comma(int64(c.Levels.Len()))),
			inline("Commands run", humanize.Comma(commandsRun)),
			inline("Version", fmt.Sprintf("%s (%s)", Version, CommitSHA)),
		},
	}
	_, err := c.ReplyEmbed(embed)
	return err
}

// inviteURL builds the OAuth2 link to add the bot to a server
func inviteURL(applicationID string, permissions int64) string {
	return fmt.Sprintf(
		"https://discord.com/api/oauth2/authorize?client_id=%s&permissions=%d&scope=bot",
		applicationID,
		permissions,
	)
}

func runInvite(_ context.Context, c *CommandContext) error {
	appID := c.Config.Discord.ApplicationID
	if appID == "" {
		appID = c.Session.BotUserID()
	}
	_, err := c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Description: fmt.Sprintf(
				"Click [here](%s) to add me to your server!",
				inviteURL(appID, c.Config.Discord.InvitePermissions),
			),
			Color: colorPink,
		},
	)
	return err
}

func runSource(_ context.Context, c *CommandContext) error {
	_, err := c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Description: fmt.Sprintf("[Github](%s)", c.Config.Discord.SourceURL),
			Color:       colorPink,
		},
	)
	return err
}
