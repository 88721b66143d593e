package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"strings"
)

const (
	columnTagGuildID  = "guild_id"
	columnTagName     = "name"
	columnTagAuthorID = "author_id"
	columnTagContent  = "content"

	maxTagNameLength = 100
)

var ErrTagExists = errors.New("tag already exists")

// Tag is a named snippet of text stored per guild
type Tag struct {
	GuildID  string `gorm:"primaryKey;size:32" json:"guild_id"`
	Name     string `gorm:"primaryKey;size:100" json:"name"`
	AuthorID string `gorm:"size:32;not null" json:"author_id"`
	Content  string `gorm:"not null" json:"content"`
	ModelTimestamps

	Guild *Guild `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (Tag) TableName() string {
	return "tags"
}

func getTag(ctx context.Context, db DBI, guildID, name string) (*Tag, error) {
	var tag Tag
	err := db.DB().WithContext(ctx).Where(
		columnTagGuildID+" = ? AND "+columnTagName+" = ?",
		guildID,
		name,
	).Take(&tag).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting tag: %w", err)
	}
	return &tag, nil
}

// createTag inserts the tag, returning [ErrTagExists] if the guild
// already has a tag with that name
func createTag(ctx context.Context, db DBI, tag *Tag) error {
	rowsAffected, err := db.CreateIfNotExists(ctx, tag)
	if err != nil {
		return fmt.Errorf("error creating tag: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTagExists
	}
	return nil
}

// updateTag sets the content of a tag owned by authorID. It reports
// whether a tag was updated.
func updateTag(ctx context.Context, db DBI, guildID, name, authorID, content string) (bool, error) {
	rowsAffected, err := db.UpdatesWhere(
		ctx,
		&Tag{},
		map[string]any{columnTagContent: content},
		columnTagGuildID+" = ? AND "+columnTagName+" = ? AND "+columnTagAuthorID+" = ?",
		guildID,
		name,
		authorID,
	)
	if err != nil {
		return false, fmt.Errorf("error updating tag: %w", err)
	}
	return rowsAffected > 0, nil
}

func deleteTag(ctx context.Context, db DBI, guildID, name string) (bool, error) {
	rowsAffected, err := db.Delete(
		ctx,
		&Tag{},
		columnTagGuildID+" = ? AND "+columnTagName+" = ?",
		guildID,
		name,
	)
	if err != nil {
		return false, fmt.Errorf("error deleting tag: %w", err)
	}
	return rowsAffected > 0, nil
}

func listTags(ctx context.Context, db DBI, guildID string) ([]Tag, error) {
	var tags []Tag
	err := db.DB().WithContext(ctx).Where(columnTagGuildID+" = ?", guildID).Order(columnTagName).Find(&tags).Error
	if err != nil {
		return nil, fmt.Errorf("error listing tags: %w", err)
	}
	return tags, nil
}

func tagCommand() *Command {
	return &Command{
		Name:      "tag",
		Usage:     "<name>",
		Help:      "Sends the content of a tag\nUse the subcommands to create, edit and delete tags",
		Category:  categoryTags,
		GuildOnly: true,
		Run:       runTag,
		Subcommands: []*Command{
			{
				Name:  "create",
				Usage: "<name> <content>",
				Help:  "Creates a tag",
				Run:   runTagCreate,
			},
			{
				Name:  "edit",
				Usage: "<name> <content>",
				Help:  "Edits a tag you own",
				Run:   runTagEdit,
			},
			{
				Name:  "delete",
				Usage: "<name>",
				Help:  "Deletes a tag\nYou need the `manage_messages` permission to delete someone else's tags",
				Run:   runTagDelete,
			},
			{
				Name: "list",
				Help: "Lists the tags on this server",
				Run:  runTagList,
			},
		},
	}
}

func runTag(ctx context.Context, c *CommandContext) error {
	name, err := c.RequireRest(0, "tagname")
	if err != nil {
		return err
	}
	tag, err := getTag(ctx, c.DB, c.GuildID(), name)
	if err != nil {
		return err
	}
	if tag == nil {
		_, err = c.Reply(
			"Could not find the tag you're looking for, it may not have been created in this guild",
		)
		return err
	}
	_, err = c.Reply(tag.Content)
	return err
}

func runTagCreate(ctx context.Context, c *CommandContext) error {
	name, err := c.RequireArg(0, "tagname")
	if err != nil {
		return err
	}
	content, err := c.RequireRest(1, "content")
	if err != nil {
		return err
	}
	if len(name) > maxTagNameLength {
		return &BadArgumentError{
			Argument: "tagname",
			Err:      fmt.Errorf("tag names must be at most %d characters", maxTagNameLength),
		}
	}

	err = createTag(
		ctx, c.DB, &Tag{
			GuildID:  c.GuildID(),
			Name:     name,
			AuthorID: c.Author().ID,
			Content:  content,
		},
	)
	if errors.Is(err, ErrTagExists) {
		_, err = c.Reply("A tag with that name already exists in this guild")
		return err
	}
	if err != nil {
		return err
	}
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Description: fmt.Sprintf("Tag %s successfully created", name),
			Color:       colorGreen,
		},
	)
	return err
}

func runTagEdit(ctx context.Context, c *CommandContext) error {
	name, err := c.RequireArg(0, "tagname")
	if err != nil {
		return err
	}
	content, err := c.RequireRest(1, "content")
	if err != nil {
		return err
	}
	updated, err := updateTag(ctx, c.DB, c.GuildID(), name, c.Author().ID, content)
	if err != nil {
		return err
	}
	if !updated {
		_, err = c.Replyf("Could not update tag %s it may not exist or you may not be its owner", name)
		return err
	}
	_, err = c.Replyf("Tag %s successfully updated", name)
	return err
}

// runTagDelete lets members with manage messages delete any tag, and
// everyone else delete their own
func runTagDelete(ctx context.Context, c *CommandContext) error {
	name, err := c.RequireArg(0, "tagname")
	if err != nil {
		return err
	}
	perms, err := c.Session.UserChannelPermissions(c.Author().ID, c.ChannelID())
	if err != nil {
		return err
	}
	if perms&(discordgo.PermissionManageMessages|discordgo.PermissionAdministrator) != 0 {
		deleted, e := deleteTag(ctx, c.DB, c.GuildID(), name)
		if e != nil {
			return e
		}
		if !deleted {
			_, err = c.Reply("Tag not found")
			return err
		}
		_, err = c.Replyf("Tag %s successfully deleted", name)
		return err
	}

	tag, err := getTag(ctx, c.DB, c.GuildID(), name)
	if err != nil {
		return err
	}
	switch {
	case tag == nil:
		_, err = c.Reply("Tag not found")
	case tag.AuthorID != c.Author().ID:
		_, err = c.Reply("You need to have the `manage_messages` permission to delete someone else's tags")
	default:
		if _, err = deleteTag(ctx, c.DB, c.GuildID(), name); err != nil {
			return err
		}
		_, err = c.Replyf("Tag `%s` successfully deleted", name)
	}
	return err
}

func runTagList(ctx context.Context, c *CommandContext) error {
	tags, err := listTags(ctx, c.DB, c.GuildID())
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		_, err = c.Reply("There are no tags on this server")
		return err
	}
	names := lo.Map(
		tags, func(t Tag, _ int) string {
			return "`" + t.Name + "`"
		},
	)
	_, err = c.ReplyEmbed(
		&discordgo.MessageEmbed{
			Title:       fmt.Sprintf("Tags (%d)", len(tags)),
			Description: truncate(strings.Join(names, ", "), 4096),
			Color:       colorBlue,
		},
	)
	return err
}
