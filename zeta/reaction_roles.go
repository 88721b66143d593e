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
	"sync"
	"time"
)

const (
	columnSelfRoleMenuMessageID = "message_id"
	columnSelfRoleMenuGuildID   = "guild_id"
)

var (
	reactionRolePromptTimeout  = 20 * time.Second
	reactionRoleChannelTimeout = 30 * time.Second
)

// SelfRoleMenu is a message members react to in order to get roles
type SelfRoleMenu struct {
	MessageID string `gorm:"primaryKey;size:32" json:"message_id"`
	GuildID   string `gorm:"size:32;not null;index" json:"guild_id"`
	ChannelID string `gorm:"size:32;not null" json:"channel_id"`
	CreatorID string `gorm:"size:32" json:"creator_id"`
	ModelTimestamps

	Guild *Guild     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Roles []SelfRole `gorm:"foreignKey:MessageID;references:MessageID;constraint:OnDelete:CASCADE" json:"roles"`
}

func (SelfRoleMenu) TableName() string {
	return "selfrole_menus"
}

// SelfRole maps an emoji on a SelfRoleMenu to a role
type SelfRole struct {
	ModelUintID
	MessageID string `gorm:"size:32;not null;uniqueIndex:idx_selfrole_message_emoji" json:"message_id"`

	// Emoji is the emoji's API name (the unicode emoji, or name:id)
	Emoji string `gorm:"not null;uniqueIndex:idx_selfrole_message_emoji" json:"emoji"`

	// EmojiDisplay is how the emoji is rendered in a message
	EmojiDisplay string `json:"emoji_display"`
	RoleID       string `gorm:"size:32;not null" json:"role_id"`
}

func (SelfRole) TableName() string {
	return "selfroles"
}

// ReactionRoleIndex maps guild -> menu message -> emoji -> role, so
// reaction events can be handled without hitting the database
type ReactionRoleIndex struct {
	db     DBI
	logger *slog.Logger

	mu     sync.RWMutex
	guilds map[string]map[string]map[string]string
}

func NewReactionRoleIndex(db DBI, logger *slog.Logger) *ReactionRoleIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactionRoleIndex{
		db:     db,
		logger: logger.With(loggerNameKey, "reaction_roles"),
		guilds: map[string]map[string]map[string]string{},
	}
}

// Load replaces the index with every menu in the database
func (r *ReactionRoleIndex) Load(ctx context.Context) error {
	var menus []SelfRoleMenu
	if err := r.db.DB().WithContext(ctx).Preload("Roles").Find(&menus).Error; err != nil {
		return fmt.Errorf("error loading reaction role menus: %w", err)
	}

	index := map[string]map[string]map[string]string{}
	for _, menu := range menus {
		if index[menu.GuildID] == nil {
			index[menu.GuildID] = map[string]map[string]string{}
		}
		index[menu.GuildID][menu.MessageID] = menuEmojis(menu)
	}

	r.mu.Lock()
	r.guilds = index
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "loaded reaction role menus", "menus", len(menus))
	return nil
}

func menuEmojis(menu SelfRoleMenu) map[string]string {
	return lo.SliceToMap(
		menu.Roles, func(role SelfRole) (string, string) {
			return role.Emoji, role.RoleID
		},
	)
}

// Lookup returns the role for the emoji on the given menu message
func (r *ReactionRoleIndex) Lookup(guildID, messageID, emoji string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roleID, ok := r.guilds[guildID][messageID][emoji]
	return roleID, ok
}

// Len returns the number of indexed menus
func (r *ReactionRoleIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.SumBy(
		lo.Values(r.guilds), func(menus map[string]map[string]string) int {
			return len(menus)
		},
	)
}

// CreateMenu stores the menu and its roles in a single transaction, then
// adds it to the index
func (r *ReactionRoleIndex) CreateMenu(ctx context.Context, menu SelfRoleMenu) error {
	if len(menu.Roles) == 0 {
		return errors.New("menu has no roles")
	}
	for i := range menu.Roles {
		menu.Roles[i].MessageID = menu.MessageID
	}
	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Create(&menu).Error
		},
	)
	if err != nil {
		return fmt.Errorf("error creating reaction role menu: %w", err)
	}

	r.mu.Lock()
	if r.guilds[menu.GuildID] == nil {
		r.guilds[menu.GuildID] = map[string]map[string]string{}
	}
	r.guilds[menu.GuildID][menu.MessageID] = menuEmojis(menu)
	r.mu.Unlock()

	r.logger.InfoContext(
		ctx,
		"created reaction role menu",
		columnSelfRoleMenuGuildID, menu.GuildID,
		columnSelfRoleMenuMessageID, menu.MessageID,
		"roles", len(menu.Roles),
	)
	return nil
}

// DeleteMenu deletes the guild's menu on the given message, returning
// nil if there was no such menu
func (r *ReactionRoleIndex) DeleteMenu(ctx context.Context, guildID, messageID string) (
	*SelfRoleMenu,
	error,
) {
	var menu SelfRoleMenu
	err := r.db.DB().WithContext(ctx).Where(
		columnSelfRoleMenuGuildID+" = ? AND "+columnSelfRoleMenuMessageID+" = ?",
		guildID,
		messageID,
	).Take(&menu).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting reaction role menu: %w", err)
	}

	err = r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Where(columnSelfRoleMenuMessageID+" = ?", messageID).Delete(&SelfRole{}).Error; e != nil {
				return e
			}
			return tx.Delete(&menu).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error deleting reaction role menu: %w", err)
	}

	r.mu.Lock()
	delete(r.guilds[guildID], messageID)
	r.mu.Unlock()
	return &menu, nil
}

// Menus returns the guild's menus, with their roles
func (r *ReactionRoleIndex) Menus(ctx context.Context, guildID string) ([]SelfRoleMenu, error) {
	var menus []SelfRoleMenu
	err := r.db.DB().WithContext(ctx).Preload("Roles").Where(
		columnSelfRoleMenuGuildID+" = ?",
		guildID,
	).Order(columnSelfRoleMenuMessageID).Find(&menus).Error
	if err != nil {
		return nil, fmt.Errorf("error listing reaction role menus: %w", err)
	}
	return menus, nil
}

// RemoveGuild drops the guild's menus from the index. The rows are
// deleted along with the guild.
func (r *ReactionRoleIndex) RemoveGuild(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guilds, guildID)
}

func reactionUserIsBot(r *discordgo.MessageReaction, member *discordgo.Member, botID string) bool {
	if r.UserID == botID {
		return true
	}
	return member != nil && member.User != nil && member.User.Bot
}

// handleReactionAdd hands the reaction to any waiters, then assigns the
// role if the reaction is on a reaction role menu
func (z *Zeta) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil {
		return
	}
	z.waiter.dispatchReaction(r.MessageReaction)

	if r.GuildID == "" || reactionUserIsBot(r.MessageReaction, r.Member, z.discord.session.BotUserID()) {
		return
	}
	roleID, ok := z.reactionRoles.Lookup(r.GuildID, r.MessageID, r.Emoji.APIName())
	if !ok {
		return
	}
	if err := z.discord.session.GuildMemberRoleAdd(r.GuildID, r.UserID, roleID); err != nil {
		contextLoggerOr(ctx, z.logger).ErrorContext(ctx, "error assigning reaction role", tint.Err(err))
	}
}

func (z *Zeta) handleReactionRemove(ctx context.Context, r *discordgo.MessageReactionRemove) {
	if r.MessageReaction == nil || r.GuildID == "" || r.UserID == z.discord.session.BotUserID() {
		return
	}
	roleID, ok := z.reactionRoles.Lookup(r.GuildID, r.MessageID, r.Emoji.APIName())
	if !ok {
		return
	}
	if err := z.discord.session.GuildMemberRoleRemove(r.GuildID, r.UserID, roleID); err != nil {
		contextLoggerOr(ctx, z.logger).ErrorContext(ctx, "error removing reaction role", tint.Err(err))
	}
}

func reactionRoleCommand() *Command {
	return &Command{
		Name:        "reacrole",
		Usage:       "<create|delete|list>",
		Help:        "Manages reaction role menus, which members react to in order to get roles",
		Category:    categoryReactionRoles,
		GuildOnly:   true,
		Permissions: discordgo.PermissionManageRoles,
		Subcommands: []*Command{
			{
				Name:  "create",
				Usage: "<roles...>",
				Help: "Creates a reaction role menu\nYou'll be asked to react with the emoji for each " +
					"role, then for the channel to send the menu in",
				Run: runReactionRoleCreate,
			},
			{
				Name:  "delete",
				Usage: "<message_id>",
				Help:  "Deletes a reaction role menu",
				Run:   runReactionRoleDelete,
			},
			{
				Name: "list",
				Help: "Lists the reaction role menus on this server",
				Run:  runReactionRoleList,
			},
		},
	}
}

func runReactionRoleCreate(ctx context.Context, c *CommandContext) error {
	if len(c.Args) == 0 {
		return &MissingArgumentError{Argument: "roles"}
	}
	roles := make([]*discordgo.Role, 0, len(c.Args))
	for i := range c.Args {
		role, err := c.Role(i, "roles")
		if err != nil {
			return err
		}
		roles = append(roles, role)
	}

	promptText := func(role *discordgo.Role) string {
		return fmt.Sprintf("React with the reaction that will correspond to the role %s", role.Name)
	}
	prompt, err := c.Reply(promptText(roles[0]))
	if err != nil {
		return err
	}

	authorID := c.Author().ID
	menu := SelfRoleMenu{GuildID: c.GuildID(), CreatorID: authorID}
	for i, role := range roles {
		if i > 0 {
			if _, err = c.Session.ChannelMessageEdit(c.ChannelID(), prompt.ID, promptText(role)); err != nil {
				return err
			}
		}
		reaction, e := c.Waiter.WaitForReaction(
			ctx, reactionRolePromptTimeout, func(r *discordgo.MessageReaction) bool {
				return r.UserID == authorID && r.MessageID == prompt.ID
			},
		)
		if e != nil {
			if errors.Is(e, ErrWaitTimeout) {
				_, err = c.Reply("timed out")
				return err
			}
			return e
		}
		emoji := reaction.Emoji.APIName()
		menu.Roles = lo.Reject(
			menu.Roles, func(r SelfRole, _ int) bool {
				return r.Emoji == emoji
			},
		)
		menu.Roles = append(
			menu.Roles, SelfRole{
				Emoji:        emoji,
				EmojiDisplay: reaction.Emoji.MessageFormat(),
				RoleID:       role.ID,
			},
		)
	}

	if _, err = c.Reply("send id of channel to send menu in"); err != nil {
		return err
	}
	reply, err := c.Waiter.WaitForMessage(
		ctx, reactionRoleChannelTimeout, func(m *discordgo.Message) bool {
			return m.Author != nil && m.Author.ID == authorID && m.ChannelID == c.ChannelID()
		},
	)
	if err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			_, err = c.Reply("timed out")
			return err
		}
		return err
	}
	channel, err := c.convertChannel(strings.TrimSpace(reply.Content), "channel")
	if err != nil {
		return err
	}

	roleNames := lo.SliceToMap(
		roles, func(r *discordgo.Role) (string, string) {
			return r.ID, r.Name
		},
	)
	var sb strings.Builder
	sb.WriteString("Role menu\n")
	for _, r := range menu.Roles {
		sb.WriteString(fmt.Sprintf("%s - %s\n", r.EmojiDisplay, roleNames[r.RoleID]))
	}
	menuMessage, err := c.Session.ChannelMessageSend(channel.ID, sb.String())
	if err != nil {
		return err
	}
	for _, r := range menu.Roles {
		if e := c.Session.MessageReactionAdd(channel.ID, menuMessage.ID, r.Emoji); e != nil {
			c.Logger.WarnContext(ctx, "error adding menu reaction", tint.Err(e), "emoji", r.Emoji)
		}
	}

	menu.MessageID = menuMessage.ID
	menu.ChannelID = channel.ID
	return c.ReactionRoles.CreateMenu(ctx, menu)
}

func runReactionRoleDelete(ctx context.Context, c *CommandContext) error {
	arg, err := c.RequireArg(0, "message_id")
	if err != nil {
		return err
	}
	messageID, ok := snowflakeFromMention(arg)
	if !ok {
		return &BadArgumentError{Argument: "message_id", Err: fmt.Errorf("%q is not an id", arg)}
	}
	menu, err := c.ReactionRoles.DeleteMenu(ctx, c.GuildID(), messageID)
	if err != nil {
		return err
	}
	if menu == nil {
		_, err = c.Reply("Couldn't find a reaction role menu with that id")
		return err
	}
	if e := c.Session.ChannelMessageDelete(menu.ChannelID, menu.MessageID); e != nil && !isNotFound(e) {
		c.Logger.WarnContext(ctx, "error deleting menu message", tint.Err(e))
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title:       "Success!",
			Description: fmt.Sprintf("Deleted the reaction role menu `%s`", menu.MessageID),
			Color:       colorGreen,
		},
	)
	return err
}

func runReactionRoleList(ctx context.Context, c *CommandContext) error {
	menus, err := c.ReactionRoles.Menus(ctx, c.GuildID())
	if err != nil {
		return err
	}
	if len(menus) == 0 {
		_, err = c.Reply("There are no reaction role menus on this server")
		return err
	}
	embed := &discordgo.MessageEmbed{Title: "Reaction role menus", Color: colorBlue}
	for _, menu := range lo.Slice(menus, 0, discordMaxEmbedFields) {
		lines := lo.Map(
			menu.Roles, func(r SelfRole, _ int) string {
				return fmt.Sprintf("%s - <@&%s>", r.EmojiDisplay, r.RoleID)
			},
		)
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  menu.MessageID,
				Value: truncate(fmt.Sprintf("<#%s>\n%s", menu.ChannelID, strings.Join(lines, "\n")), 1024),
			},
		)
	}
	_, err = c.ReplyEmbed(embed)
	return err
}
