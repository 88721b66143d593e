package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
	colorBlue  = 0x3498db
	colorPink  = 0xFFB6C1

	categoryConfiguration = "Configuration"
	categoryLevels        = "Level system"
	categoryBirthdays     = "Birthday system"
	categoryModeration    = "Moderation"
	categoryReactionRoles = "Reaction roles"
	categoryTags          = "Tags"
	categoryMisc          = "Misc"
	categoryFun           = "Fun"

	memberSearchLimit = 10
)

var permissionNames = map[int64]string{
	discordgo.PermissionAdministrator:  "Administrator",
	discordgo.PermissionManageServer:   "Manage Server",
	discordgo.PermissionManageMessages: "Manage Messages",
	discordgo.PermissionManageRoles:    "Manage Roles",
	discordgo.PermissionManageChannels: "Manage Channels",
	discordgo.PermissionKickMembers:    "Kick Members",
	discordgo.PermissionBanMembers:     "Ban Members",
}

// Command is a prefix text command. Commands with Subcommands are groups:
// when the first argument names a subcommand, that subcommand runs
// instead, otherwise the group's own Run is used.
type Command struct {
	Name    string
	Aliases []string

	// Usage describes the arguments, ex: "<member> [duration]"
	Usage string
	Help  string

	// Category groups commands in the help listing
	Category string

	// Hidden commands are left out of the help listing
	Hidden bool

	// GuildOnly commands can't be used in DMs
	GuildOnly bool

	// OwnerOnly commands can only be used by [DiscordConfig.OwnerID]
	OwnerOnly bool

	// Permissions are the permission bits the author needs in the channel.
	// Administrator satisfies any permission.
	Permissions int64

	// Plugin, if set, must be enabled for the guild
	Plugin Plugin

	Subcommands []*Command
	Run         func(ctx context.Context, c *CommandContext) error
}

// names returns the command's name and aliases
func (c *Command) names() []string {
	return append([]string{c.Name}, c.Aliases...)
}

func (c *Command) subcommand(name string) (*Command, bool) {
	return lo.Find(
		c.Subcommands, func(sub *Command) bool {
			return lo.ContainsBy(
				sub.names(), func(n string) bool {
					return strings.EqualFold(n, name)
				},
			)
		},
	)
}

// CommandRouter resolves command names (case-insensitively) to commands
type CommandRouter struct {
	commands []*Command
	index    map[string]*Command
}

func NewCommandRouter(commands ...*Command) (*CommandRouter, error) {
	r := &CommandRouter{index: map[string]*Command{}}
	var errs []error
	for _, cmd := range commands {
		if err := r.Register(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return r, errors.Join(errs...)
}

// Register adds a command. It's an error for the command's name or any of
// its aliases to already be registered.
func (r *CommandRouter) Register(cmd *Command) error {
	if cmd.Name == "" {
		return errors.New("command name required")
	}
	for _, name := range cmd.names() {
		if existing, ok := r.index[strings.ToLower(name)]; ok {
			return fmt.Errorf("%q is already registered to command %q", name, existing.Name)
		}
	}
	for _, name := range cmd.names() {
		r.index[strings.ToLower(name)] = cmd
	}
	r.commands = append(r.commands, cmd)
	return nil
}

// Lookup returns the top-level command registered under name
func (r *CommandRouter) Lookup(name string) (*Command, bool) {
	cmd, ok := r.index[strings.ToLower(name)]
	return cmd, ok
}

// Resolve finds the command named by name, descending into subcommands
// named by args. It returns the chain of commands from the top-level
// command down, and the number of args consumed as subcommand names.
func (r *CommandRouter) Resolve(name string, args []string) (path []*Command, consumed int, ok bool) {
	cmd, ok := r.Lookup(name)
	if !ok {
		return nil, 0, false
	}
	path = []*Command{cmd}
	for consumed < len(args) {
		sub, found := cmd.subcommand(args[consumed])
		if !found {
			break
		}
		path = append(path, sub)
		cmd = sub
		consumed++
	}
	return path, consumed, true
}

// Commands returns the registered top-level commands, sorted by category
// and then name
func (r *CommandRouter) Commands() []*Command {
	cmds := make([]*Command, len(r.commands))
	copy(cmds, r.commands)
	sort.SliceStable(
		cmds, func(i, j int) bool {
			if cmds[i].Category != cmds[j].Category {
				return cmds[i].Category < cmds[j].Category
			}
			return cmds[i].Name < cmds[j].Name
		},
	)
	return cmds
}

// CommandContext is passed to every command. It carries the invoking
// message and arguments, along with the bot components a command may use.
type CommandContext struct {
	Session DiscordSessionHandler
	Message *discordgo.Message

	// Guild is a snapshot of the guild's settings when the command was
	// invoked. It's the zero value for DMs.
	Guild  Guild
	Prefix string

	// Command is the command (or subcommand) being run
	Command *Command

	// InvokedWith is the command path as typed, ex: "tag create"
	InvokedWith string
	Args        []string

	Levels        *LevelCache
	Guilds        *GuildSettings
	DB            DBI
	Scheduler     *Scheduler
	Waiter        *Waiter
	Web           *WebClient
	ReactionRoles *ReactionRoleIndex
	Moderation    *Moderator
	Birthdays     *BirthdayAlerts
	Notifier      DBNotifier
	Router        *CommandRouter
	Config        *Config
	Logger        *slog.Logger
	StartedAt     time.Time

	rawArgs    string
	argOffsets []int
}

// splitArgs splits s on whitespace, returning each token and the offset
// in s where it starts
func splitArgs(s string) (args []string, offsets []int) {
	start := -1
	for i, r := range s {
		switch {
		case unicode.IsSpace(r):
			if start >= 0 {
				args = append(args, s[start:i])
				offsets = append(offsets, start)
				start = -1
			}
		case start < 0:
			start = i
		}
	}
	if start >= 0 {
		args = append(args, s[start:])
		offsets = append(offsets, start)
	}
	return args, offsets
}

// setArgs sets the raw argument string, dropping the first skip tokens
// (subcommand names)
func (c *CommandContext) setArgs(raw string, skip int) {
	args, offsets := splitArgs(raw)
	if skip > len(args) {
		skip = len(args)
	}
	if skip > 0 && skip < len(args) {
		raw = raw[offsets[skip]:]
	} else if skip > 0 {
		raw = ""
	}
	c.rawArgs = raw
	c.Args, c.argOffsets = splitArgs(raw)
}

func (c *CommandContext) GuildID() string {
	return c.Message.GuildID
}

func (c *CommandContext) ChannelID() string {
	return c.Message.ChannelID
}

func (c *CommandContext) Author() *discordgo.User {
	return c.Message.Author
}

// AuthorName returns the author's display name in the guild
func (c *CommandContext) AuthorName() string {
	if c.Message.Member != nil {
		m := *c.Message.Member
		m.User = c.Message.Author
		return memberDisplayName(&m)
	}
	return c.Message.Author.String()
}

// Arg returns the i'th argument, or an empty string if there aren't
// enough arguments
func (c *CommandContext) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// RequireArg returns the i'th argument, or a [MissingArgumentError]
// naming the argument if it wasn't given
func (c *CommandContext) RequireArg(i int, name string) (string, error) {
	if i < 0 || i >= len(c.Args) {
		return "", &MissingArgumentError{Argument: name}
	}
	return c.Args[i], nil
}

// Rest returns the raw argument text from the i'th argument onward,
// with the original spacing preserved
func (c *CommandContext) Rest(i int) string {
	if i < 0 || i >= len(c.argOffsets) {
		return ""
	}
	return strings.TrimSpace(c.rawArgs[c.argOffsets[i]:])
}

func (c *CommandContext) RequireRest(i int, name string) (string, error) {
	rest := c.Rest(i)
	if rest == "" {
		return "", &MissingArgumentError{Argument: name}
	}
	return rest, nil
}

// Int parses the i'th argument as an integer
func (c *CommandContext) Int(i int, name string) (int64, error) {
	arg, err := c.RequireArg(i, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, &BadArgumentError{Argument: name, Err: fmt.Errorf("%q is not a number", arg)}
	}
	return n, nil
}

// Member converts the i'th argument to a guild member. The argument may
// be a mention, an ID, or a name (username, global name, nickname).
func (c *CommandContext) Member(i int, name string) (*discordgo.Member, error) {
	arg, err := c.RequireArg(i, name)
	if err != nil {
		return nil, err
	}
	return c.convertMember(arg, name)
}

// MemberOrAuthor converts the i'th argument to a member, returning the
// author's member if the argument wasn't given
func (c *CommandContext) MemberOrAuthor(i int, name string) (*discordgo.Member, error) {
	if c.Arg(i) == "" {
		if c.Message.Member != nil {
			m := *c.Message.Member
			m.User = c.Message.Author
			m.GuildID = c.GuildID()
			return &m, nil
		}
		return c.Session.GuildMember(c.GuildID(), c.Author().ID)
	}
	return c.Member(i, name)
}

func (c *CommandContext) convertMember(arg string, name string) (*discordgo.Member, error) {
	notFound := &BadArgumentError{Argument: name, Err: fmt.Errorf("member %q not found", arg)}

	if id, ok := snowflakeFromMention(arg); ok {
		m, err := c.Session.GuildMember(c.GuildID(), id)
		if err != nil {
			if isNotFound(err) {
				return nil, notFound
			}
			return nil, err
		}
		return m, nil
	}

	members, err := c.Session.GuildMembersSearch(c.GuildID(), arg, memberSearchLimit)
	if err != nil {
		return nil, err
	}
	match, ok := lo.Find(
		members, func(m *discordgo.Member) bool {
			if m.User == nil {
				return false
			}
			return strings.EqualFold(m.User.Username, arg) ||
				strings.EqualFold(m.User.GlobalName, arg) ||
				strings.EqualFold(m.Nick, arg) ||
				strings.EqualFold(m.User.String(), arg)
		},
	)
	if ok {
		return match, nil
	}
	if len(members) > 0 {
		return members[0], nil
	}
	return nil, notFound
}

// Role converts the i'th argument to a guild role, by mention, ID or name
func (c *CommandContext) Role(i int, name string) (*discordgo.Role, error) {
	arg, err := c.RequireArg(i, name)
	if err != nil {
		return nil, err
	}
	return c.convertRole(arg, name)
}

func (c *CommandContext) convertRole(arg string, name string) (*discordgo.Role, error) {
	roles, err := c.Session.GuildRoles(c.GuildID())
	if err != nil {
		return nil, err
	}
	id, isID := snowflakeFromMention(arg)
	role, ok := lo.Find(
		roles, func(r *discordgo.Role) bool {
			if isID {
				return r.ID == id
			}
			return strings.EqualFold(r.Name, arg)
		},
	)
	if !ok {
		return nil, &BadArgumentError{Argument: name, Err: fmt.Errorf("role %q not found", arg)}
	}
	return role, nil
}

// Channel converts the i'th argument to a channel in the guild, by
// mention or ID
func (c *CommandContext) Channel(i int, name string) (*discordgo.Channel, error) {
	arg, err := c.RequireArg(i, name)
	if err != nil {
		return nil, err
	}
	return c.convertChannel(arg, name)
}

func (c *CommandContext) convertChannel(arg string, name string) (*discordgo.Channel, error) {
	notFound := &BadArgumentError{Argument: name, Err: fmt.Errorf("channel %q not found", arg)}
	channels, err := c.Session.GuildChannels(c.GuildID())
	if err != nil {
		return nil, err
	}
	id, isID := snowflakeFromMention(arg)
	channel, ok := lo.Find(
		channels, func(ch *discordgo.Channel) bool {
			if isID {
				return ch.ID == id
			}
			return strings.EqualFold(ch.Name, strings.TrimPrefix(arg, "#"))
		},
	)
	if !ok {
		return nil, notFound
	}
	return channel, nil
}

// Reply sends a plain text message to the invoking channel
func (c *CommandContext) Reply(content string) (*discordgo.Message, error) {
	return c.Session.ChannelMessageSend(c.ChannelID(), truncate(content, discordMaxMessageLength))
}

// Replyf formats and sends a plain text message to the invoking channel
func (c *CommandContext) Replyf(format string, args ...any) (*discordgo.Message, error) {
	return c.Reply(fmt.Sprintf(format, args...))
}

func (c *CommandContext) ReplyEmbed(embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	return c.Session.ChannelMessageSendEmbed(c.ChannelID(), embed)
}

// DirectMessage sends content to the user over DM
func (c *CommandContext) DirectMessage(userID string, content string) error {
	return sendDirectMessage(c.Session, userID, content)
}

func sendDirectMessage(s DiscordSessionHandler, userID string, content string) error {
	ch, err := s.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	_, err = s.ChannelMessageSend(ch.ID, content)
	return err
}

// checkCommand runs the checks for every command in path, in order
func checkCommand(c *CommandContext, path []*Command) error {
	for _, cmd := range path {
		if cmd.OwnerOnly && (c.Config.Discord.OwnerID == "" ||
			c.Author().ID != c.Config.Discord.OwnerID) {
			return ErrNotOwner
		}
		if cmd.GuildOnly && c.GuildID() == "" {
			return ErrGuildOnly
		}
		if cmd.Plugin != "" && c.GuildID() != "" && !c.Guild.PluginEnabled(cmd.Plugin) {
			return &PluginDisabledError{Plugin: cmd.Plugin}
		}
		if cmd.Permissions != 0 {
			if c.GuildID() == "" {
				return ErrGuildOnly
			}
			perms, err := c.Session.UserChannelPermissions(c.Author().ID, c.ChannelID())
			if err != nil {
				return fmt.Errorf("error checking permissions: %w", err)
			}
			if perms&discordgo.PermissionAdministrator != 0 {
				continue
			}
			if missing := cmd.Permissions &^ perms; missing != 0 {
				return &MissingPermissionsError{Missing: missing}
			}
		}
	}
	return nil
}

// parseInvocation splits a message that starts with prefix into the
// command name and the remaining argument text
func parseInvocation(content string, prefix string) (name string, rest string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	content = strings.TrimPrefix(content, prefix)
	if content == "" || unicode.IsSpace([]rune(content)[0]) {
		return "", "", false
	}
	name, rest, _ = strings.Cut(content, " ")
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		name, rest = name[:i], name[i:]+" "+rest
	}
	return name, rest, true
}

// isBotMention reports whether content is only a mention of the bot
func isBotMention(content string, botID string) bool {
	if botID == "" {
		return false
	}
	content = strings.TrimSpace(content)
	return content == "<@"+botID+">" || content == "<@!"+botID+">"
}

func (z *Zeta) newCommandContext(m *discordgo.Message, guild Guild, prefix string) *CommandContext {
	return &CommandContext{
		Session:       z.discord.session,
		Message:       m,
		Guild:         guild,
		Prefix:        prefix,
		Levels:        z.levels,
		Guilds:        z.guilds,
		DB:            z.db,
		Scheduler:     z.scheduler,
		Waiter:        z.waiter,
		Web:           z.web,
		ReactionRoles: z.reactionRoles,
		Moderation:    z.moderation,
		Birthdays:     z.birthdays,
		Notifier:      z.dbNotifier,
		Router:        z.router,
		Config:        z.config,
		Logger:        z.logger,
		StartedAt:     z.startedAt,
	}
}

// handleMessageCreate dispatches commands, answers bare mentions of the
// bot, and awards experience for guild messages. Messages from bots are
// ignored.
func (z *Zeta) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	z.discord.metricMessagesHandled.Add(1)

	// replies to a prompt aren't commands
	if z.waiter.dispatchMessage(m.Message) > 0 {
		return
	}

	logger := contextLoggerOr(ctx, z.logger).With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	prefix := z.config.Discord.DefaultPrefix
	var guild Guild
	if m.GuildID != "" {
		var err error
		guild, err = z.guilds.Get(ctx, m.GuildID)
		if err != nil {
			logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
			return
		}
		prefix = guild.Prefix
	}

	switch {
	case isBotMention(m.Content, z.discord.session.BotUserID()):
		if _, err := z.discord.session.ChannelMessageSend(m.ChannelID, mentionHint(prefix)); err != nil {
			logger.ErrorContext(ctx, "error sending mention hint", tint.Err(err))
		}
	default:
		if name, rest, ok := parseInvocation(m.Content, prefix); ok {
			if path, consumed, found := z.router.Resolve(name, strings.Fields(rest)); found {
				c := z.newCommandContext(m.Message, guild, prefix)
				c.Command = path[len(path)-1]
				c.InvokedWith = strings.Join(
					lo.Map(
						path, func(cmd *Command, _ int) string {
							return cmd.Name
						},
					), " ",
				)
				c.Logger = logger.With("command", c.InvokedWith)
				c.setArgs(rest, consumed)
				z.invokeCommand(ctx, c, path)
			}
		}
	}

	if m.GuildID != "" && guild.Levelling {
		z.awardMessageExp(ctx, m.Message)
	}
}

// invokeCommand runs the command's checks and the command itself, then
// records a CommandLog and presents any error to the author
func (z *Zeta) invokeCommand(ctx context.Context, c *CommandContext, path []*Command) {
	ctx = WithLogger(ctx, c.Logger)
	start := time.Now()
	err := z.runCommand(ctx, c, path)
	elapsed := time.Since(start)

	if err != nil {
		c.Logger.DebugContext(ctx, "command returned error", tint.Err(err), "elapsed", elapsed)
	} else {
		c.Logger.InfoContext(ctx, "command completed", "elapsed", elapsed)
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		entry := newCommandLog(c, err, elapsed)
		if _, createErr := z.db.Create(context.WithoutCancel(ctx), entry); createErr != nil {
			c.Logger.ErrorContext(ctx, "error logging command", tint.Err(createErr))
		}
	}()

	if err != nil {
		z.handleCommandError(ctx, c, err)
	}
}

func (z *Zeta) runCommand(ctx context.Context, c *CommandContext, path []*Command) (err error) {
	if z.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				z.handleRecover(ctx, rc)
				err = fmt.Errorf("%w: %v", ErrCommandPanic, rc)
			}
		}()
	}

	if err = checkCommand(c, path); err != nil {
		return err
	}
	if c.Command.Run == nil {
		return &MissingArgumentError{Argument: "subcommand"}
	}
	return c.Command.Run(ctx, c)
}

// handleRecover logs a recovered panic along with its stack trace
func (z *Zeta) handleRecover(ctx context.Context, rc any) {
	contextLoggerOr(ctx, z.logger).ErrorContext(
		ctx,
		"recovered from panic",
		"panic", rc,
		"stack_trace", string(debug.Stack()),
	)
}
