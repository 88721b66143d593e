package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"math/bits"
	"sort"
	"strings"
	"time"
)

const (
	emojiExclamation = "❗"
	emojiWastebasket = "\U0001f5d1"
	reactionSelf     = "@me"
)

// errorDismissTimeout is how long the author has to dismiss an error
// message by reacting to it
var errorDismissTimeout = 25 * time.Second

var (
	ErrNotOwner     = errors.New("command is restricted to the bot owner")
	ErrGuildOnly    = errors.New("command can only be used in a server")
	ErrCommandPanic = errors.New("command panicked")
)

// MissingArgumentError is returned when a required argument wasn't given
type MissingArgumentError struct {
	Argument string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("%s is a required argument that is missing.", e.Argument)
}

// BadArgumentError is returned when an argument couldn't be converted to
// what the command expects
type BadArgumentError struct {
	Argument string
	Err      error
}

func (e *BadArgumentError) Error() string {
	return fmt.Sprintf("bad argument %s: %v", e.Argument, e.Err)
}

func (e *BadArgumentError) Unwrap() error {
	return e.Err
}

// MissingPermissionsError is returned when the author lacks permissions
// a command requires
type MissingPermissionsError struct {
	Missing int64
}

// names returns the display names of the missing permissions
func (e *MissingPermissionsError) names() []string {
	var names []string
	for bit := 0; bit < 64; bit++ {
		p := int64(1) << bit
		if e.Missing&p == 0 {
			continue
		}
		if name, ok := permissionNames[p]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("permission %d", bits.TrailingZeros64(uint64(p))))
		}
	}
	sort.Strings(names)
	return names
}

func (e *MissingPermissionsError) Error() string {
	return fmt.Sprintf(
		"You are missing %s permission(s) to run this command.",
		strings.Join(e.names(), " and "),
	)
}

// PluginDisabledError is returned when a command's plugin is disabled in
// the guild
type PluginDisabledError struct {
	Plugin Plugin
}

func (e *PluginDisabledError) Error() string {
	return fmt.Sprintf(
		"The `%s` plugin has been disabled on this server therefore related commands will not work\n"+
			"Hint: Server admins can enable it using the `plugin enable` command, use the help command to "+
			"learn more.",
		e.Plugin,
	)
}

// handleCommandError presents err to the author. Errors that aren't
// meant for users are only logged.
func (z *Zeta) handleCommandError(ctx context.Context, c *CommandContext, err error) {
	title := fmt.Sprintf("Error in command `%s`", c.Command.Name)
	var description string

	var (
		badArg         *BadArgumentError
		missingArg     *MissingArgumentError
		missingPerms   *MissingPermissionsError
		pluginDisabled *PluginDisabledError
	)
	switch {
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrGuildOnly):
		c.Logger.DebugContext(ctx, "command check failed", tint.Err(err))
		return
	case errors.As(err, &badArg):
		title = fmt.Sprintf("Error in command %s", c.Command.Name)
		description = fmt.Sprintf(
			"Bad parameter supplied, please use `%shelp %s` to get information about how to use "+
				"that command",
			c.Prefix,
			c.InvokedWith,
		)
	case errors.As(err, &missingArg):
		description = missingArg.Error()
	case errors.As(err, &missingPerms):
		description = missingPerms.Error()
	case errors.As(err, &pluginDisabled):
		description = pluginDisabled.Error()
	case isForbidden(err):
		description = "I can't do that, I may not have permission to do so, please check if my " +
			"roles and role permissions are in order"
	default:
		c.Logger.ErrorContext(ctx, "error running command", tint.Err(err))
		return
	}

	presentCommandError(ctx, c, title, description)
}

// presentCommandError sends the error embed, marking the invoking message
// with ❗ and the error message with 🗑. If the author reacts with 🗑
// before errorDismissTimeout, the error message is deleted, otherwise
// the bot's 🗑 is removed.
func presentCommandError(ctx context.Context, c *CommandContext, title, description string) {
	logger := c.Logger
	s := c.Session

	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       colorRed,
		Footer:      &discordgo.MessageEmbedFooter{Text: c.Author().String()},
	}
	if err := s.MessageReactionAdd(c.ChannelID(), c.Message.ID, emojiExclamation); err != nil {
		logger.WarnContext(ctx, "error adding reaction", tint.Err(err))
	}
	msg, err := c.ReplyEmbed(embed)
	if err != nil {
		logger.ErrorContext(ctx, "error sending error message", tint.Err(err))
		return
	}
	if err = s.MessageReactionAdd(c.ChannelID(), msg.ID, emojiWastebasket); err != nil {
		logger.WarnContext(ctx, "error adding reaction", tint.Err(err))
		return
	}
	if c.Waiter == nil {
		return
	}

	authorID := c.Author().ID
	_, err = c.Waiter.WaitForReaction(
		ctx, errorDismissTimeout, func(r *discordgo.MessageReaction) bool {
			return r.UserID == authorID && r.MessageID == msg.ID && r.Emoji.Name == emojiWastebasket
		},
	)
	if err != nil {
		if e := s.MessageReactionRemove(c.ChannelID(), msg.ID, emojiWastebasket, reactionSelf); e != nil {
			logger.WarnContext(ctx, "error removing reaction", tint.Err(e))
		}
		return
	}

	if e := s.MessageReactionRemove(
		c.ChannelID(),
		c.Message.ID,
		emojiExclamation,
		reactionSelf,
	); e != nil {
		logger.WarnContext(ctx, "error removing reaction", tint.Err(e))
	}
	if e := s.ChannelMessageDelete(c.ChannelID(), msg.ID); e != nil {
		logger.WarnContext(ctx, "error deleting error message", tint.Err(e))
	}
}
