package zeta

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	columnCommandLogGuildID   = "guild_id"
	columnCommandLogUserID    = "user_id"
	columnCommandLogCommand   = "command"
	columnCommandLogCreatedAt = "created_at"

	commandLogMaxArgsLength = 1000
	commandLogDefaultLimit  = 25
	commandLogMaxLimit      = 100
)

// CommandLog records a command invocation, and the error it returned,
// if any
type CommandLog struct {
	ModelUintID
	CreatedAt  int64  `gorm:"autoCreateTime:milli;index" json:"created_at"`
	GuildID    string `gorm:"size:32;index" json:"guild_id,omitempty"`
	ChannelID  string `gorm:"size:32" json:"channel_id"`
	MessageID  string `gorm:"size:32" json:"message_id"`
	UserID     string `gorm:"size:32;index" json:"user_id"`
	Username   string `json:"username"`
	Command    string `gorm:"index" json:"command"`
	Args       string `json:"args,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func newCommandLog(c *CommandContext, err error, elapsed time.Duration) *CommandLog {
	entry := &CommandLog{
		GuildID:    c.GuildID(),
		ChannelID:  c.ChannelID(),
		MessageID:  c.Message.ID,
		UserID:     c.Author().ID,
		Username:   c.Author().String(),
		Command:    c.InvokedWith,
		Args:       truncate(strings.Join(c.Args, " "), commandLogMaxArgsLength),
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	return entry
}

// CommandLogFilter narrows the results of [listCommandLogs]
type CommandLogFilter struct {
	GuildID string `form:"guild_id" binding:"omitempty,numeric"`
	UserID  string `form:"user_id" binding:"omitempty,numeric"`
	Command string `form:"command"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset  int    `form:"offset" binding:"omitempty,min=0"`
}

// listCommandLogs returns command logs matching filter, newest first
func listCommandLogs(ctx context.Context, db DBI, filter CommandLogFilter) ([]CommandLog, error) {
	q := db.DB().WithContext(ctx).Model(&CommandLog{})
	if filter.GuildID != "" {
		q = q.Where(columnCommandLogGuildID+" = ?", filter.GuildID)
	}
	if filter.UserID != "" {
		q = q.Where(columnCommandLogUserID+" = ?", filter.UserID)
	}
	if filter.Command != "" {
		q = q.Where(columnCommandLogCommand+" = ?", filter.Command)
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = commandLogDefaultLimit
	case limit > commandLogMaxLimit:
		limit = commandLogMaxLimit
	}

	var logs []CommandLog
	err := q.Order(columnCommandLogCreatedAt + " DESC").Order("id DESC").
		Limit(limit).Offset(filter.Offset).Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("error listing command logs: %w", err)
	}
	return logs, nil
}
