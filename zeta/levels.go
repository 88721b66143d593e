package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// defaultAwardPerBoost is the exp granted per message, per point of boost
	defaultAwardPerBoost = 5
	defaultBoost         = 1

	columnMemberGuildID  = "guild_id"
	columnMemberMemberID = "member_id"
	columnMemberExp      = "exp"
	columnMemberLevel    = "level"
	columnMemberBoost    = "boost"
	columnMemberBirthday = "birthday"
)

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrNegativeBoost  = errors.New("multiplier must not be negative")
)

// MemberProgress is a member's experience within a single guild.
type MemberProgress struct {
	GuildID  string     `gorm:"primaryKey;size:32" json:"guild_id"`
	MemberID string     `gorm:"primaryKey;size:32" json:"member_id"`
	Exp      int64      `gorm:"not null;default:0" json:"exp"`
	Level    int64      `gorm:"not null;default:0" json:"level"`
	Boost    int64      `gorm:"not null;default:1" json:"boost"`
	Birthday *time.Time `json:"birthday,omitempty"`

	Guild *Guild `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (MemberProgress) TableName() string {
	return "server_members"
}

func (m MemberProgress) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnMemberGuildID, m.GuildID),
		slog.String(columnMemberMemberID, m.MemberID),
		slog.Int64(columnMemberExp, m.Exp),
		slog.Int64(columnMemberLevel, m.Level),
		slog.Int64(columnMemberBoost, m.Boost),
	)
}

// LevelForExp returns the level for the given amount of experience.
// Members with no experience are level 0.
func LevelForExp(exp int64) int64 {
	if exp <= 0 {
		return 0
	}
	return int64(math.Floor((25 + math.Sqrt(625+100*float64(exp))) / 50))
}

// AwardResult holds a member's progress before and after an award
type AwardResult struct {
	Before MemberProgress
	After  MemberProgress
}

// LeveledUp reports whether the award moved the member to a higher level
func (a AwardResult) LeveledUp() bool {
	return a.After.Level > a.Before.Level
}

// LeaderboardEntry is a ranked row returned by [LevelCache.Top]
type LeaderboardEntry struct {
	Rank int `json:"rank"`
	MemberProgress
}

// guildEnsurer makes sure a guild's row exists before member rows
// referencing it are inserted
type guildEnsurer interface {
	Ensure(ctx context.Context, guildID string) error
}

type guildProgress struct {
	mu      sync.Mutex
	members map[string]*MemberProgress

	// removed is set when the guild is dropped from the cache, so a
	// goroutine that was waiting on mu knows to look it up again
	removed bool
}

// LevelCache holds member progress in memory, keyed by guild and member.
// Entries are loaded from the database on first use, and written back
// and evicted by [LevelCache.FlushAll].
type LevelCache struct {
	db     DBI
	guilds guildEnsurer
	logger *slog.Logger

	mu       sync.Mutex
	guildMap map[string]*guildProgress
}

func NewLevelCache(db DBI, guilds guildEnsurer, logger *slog.Logger) *LevelCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &LevelCache{
		db:       db,
		guilds:   guilds,
		logger:   logger.With(loggerNameKey, "levels"),
		guildMap: map[string]*guildProgress{},
	}
}

// lockGuild returns the locked progress map for guildID, creating it
// if needed. The caller must unlock it.
func (c *LevelCache) lockGuild(guildID string) *guildProgress {
	for {
		c.mu.Lock()
		gp, ok := c.guildMap[guildID]
		if !ok {
			gp = &guildProgress{members: map[string]*MemberProgress{}}
			c.guildMap[guildID] = gp
		}
		c.mu.Unlock()

		gp.mu.Lock()
		if !gp.removed {
			return gp
		}
		gp.mu.Unlock()
	}
}

// load returns the cached entry for the member, loading it from the
// database on a miss. created is true when no row existed and a default
// one was inserted. gp must be locked.
func (c *LevelCache) load(
	ctx context.Context,
	gp *guildProgress,
	guildID, memberID string,
) (entry *MemberProgress, created bool, err error) {
	if entry, ok := gp.members[memberID]; ok {
		return entry, false, nil
	}

	if c.guilds != nil {
		if err = c.guilds.Ensure(ctx, guildID); err != nil {
			return nil, false, fmt.Errorf("error ensuring guild %s: %w", guildID, err)
		}
	}

	row := &MemberProgress{
		GuildID:  guildID,
		MemberID: memberID,
		Boost:    defaultBoost,
	}
	rowsAffected, err := c.db.CreateIfNotExists(ctx, row)
	if err != nil {
		return nil, false, fmt.Errorf("error creating member progress: %w", err)
	}
	created = rowsAffected > 0

	var loaded MemberProgress
	err = c.db.DB().WithContext(ctx).Where(
		columnMemberGuildID+" = ? AND "+columnMemberMemberID+" = ?",
		guildID,
		memberID,
	).Take(&loaded).Error
	if err != nil {
		return nil, created, fmt.Errorf("error loading member progress: %w", err)
	}
	loaded.Level = LevelForExp(loaded.Exp)

	gp.members[memberID] = &loaded
	c.logger.DebugContext(ctx, "loaded member progress", "progress", loaded, "created", created)
	return &loaded, created, nil
}

// Get returns the member's progress. found is false when the member had
// no stored progress, in which case a default entry is created and
// cached, and the next Get reports found.
func (c *LevelCache) Get(
	ctx context.Context,
	guildID, memberID string,
) (progress MemberProgress, found bool, err error) {
	gp := c.lockGuild(guildID)
	defer gp.mu.Unlock()

	entry, created, err := c.load(ctx, gp, guildID, memberID)
	if err != nil {
		return MemberProgress{}, false, err
	}
	return *entry, !created, nil
}

// Award adds amount exp to the member. An amount of 0 awards the default
// amount for the member's boost.
func (c *LevelCache) Award(
	ctx context.Context,
	guildID, memberID string,
	amount int64,
) (AwardResult, error) {
	if amount < 0 {
		return AwardResult{}, ErrNegativeAmount
	}

	gp := c.lockGuild(guildID)
	defer gp.mu.Unlock()

	entry, _, err := c.load(ctx, gp, guildID, memberID)
	if err != nil {
		return AwardResult{}, err
	}

	result := AwardResult{Before: *entry}
	if amount == 0 {
		amount = defaultAwardPerBoost * entry.Boost
	}
	entry.Exp += amount
	entry.Level = LevelForExp(entry.Exp)
	result.After = *entry
	return result, nil
}

// SetMultiplier sets the member's boost. It's persisted on the next flush.
func (c *LevelCache) SetMultiplier(
	ctx context.Context,
	guildID, memberID string,
	boost int64,
) (MemberProgress, error) {
	if boost < 0 {
		return MemberProgress{}, ErrNegativeBoost
	}

	gp := c.lockGuild(guildID)
	defer gp.mu.Unlock()

	entry, _, err := c.load(ctx, gp, guildID, memberID)
	if err != nil {
		return MemberProgress{}, err
	}
	entry.Boost = boost
	return *entry, nil
}

// Reset evicts the member and deletes their stored progress
func (c *LevelCache) Reset(ctx context.Context, guildID, memberID string) error {
	gp := c.lockGuild(guildID)
	defer gp.mu.Unlock()

	delete(gp.members, memberID)
	_, err := c.db.Delete(
		ctx,
		&MemberProgress{},
		columnMemberGuildID+" = ? AND "+columnMemberMemberID+" = ?",
		guildID,
		memberID,
	)
	if err != nil {
		return fmt.Errorf("error deleting member progress: %w", err)
	}
	return nil
}

// RemoveGuild drops every cached entry for the guild without writing
// them. Used when the bot leaves a guild, as the rows are deleted along
// with the guild.
func (c *LevelCache) RemoveGuild(guildID string) {
	c.mu.Lock()
	gp, ok := c.guildMap[guildID]
	delete(c.guildMap, guildID)
	c.mu.Unlock()

	if !ok {
		return
	}
	gp.mu.Lock()
	gp.removed = true
	gp.members = map[string]*MemberProgress{}
	gp.mu.Unlock()
}

// FlushGuild writes the guild's cached entries to the database. If
// evict is true, the entries are dropped from the cache once written.
// Nothing is evicted if the write fails.
func (c *LevelCache) FlushGuild(ctx context.Context, guildID string, evict bool) error {
	c.mu.Lock()
	gp, ok := c.guildMap[guildID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()
	if gp.removed {
		return nil
	}
	return c.flush(ctx, gp, guildID, evict)
}

// flush writes every entry in gp in a single transaction. gp must be locked.
func (c *LevelCache) flush(
	ctx context.Context,
	gp *guildProgress,
	guildID string,
	evict bool,
) error {
	if len(gp.members) == 0 {
		return nil
	}

	err := c.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			for memberID, entry := range gp.members {
				rv := tx.Model(&MemberProgress{}).Where(
					columnMemberGuildID+" = ? AND "+columnMemberMemberID+" = ?",
					guildID,
					memberID,
				).Updates(
					map[string]any{
						columnMemberLevel: entry.Level,
						columnMemberExp:   entry.Exp,
						columnMemberBoost: entry.Boost,
					},
				)
				if rv.Error != nil {
					return rv.Error
				}
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("error flushing guild %s: %w", guildID, err)
	}

	c.logger.DebugContext(
		ctx,
		"flushed guild",
		columnMemberGuildID, guildID,
		"members", len(gp.members),
		"evict", evict,
	)
	if evict {
		gp.members = map[string]*MemberProgress{}
	}
	return nil
}

// FlushAll writes and evicts every cached guild. Guilds that fail to
// flush stay cached, and their errors are joined in the returned error.
func (c *LevelCache) FlushAll(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	guildIDs := make([]string, 0, len(c.guildMap))
	for guildID := range c.guildMap {
		guildIDs = append(guildIDs, guildID)
	}
	c.mu.Unlock()

	var errs []error
	for _, guildID := range guildIDs {
		if err := c.FlushGuild(ctx, guildID, true); err != nil {
			c.logger.ErrorContext(
				ctx,
				"error flushing guild",
				columnMemberGuildID, guildID,
				tint.Err(err),
			)
			errs = append(errs, err)
		}
	}

	c.logger.InfoContext(
		ctx,
		"level cache flushed",
		"guilds", len(guildIDs),
		"failed", len(errs),
		"elapsed", time.Since(start),
	)
	return errors.Join(errs...)
}

// Top flushes the guild's cached entries (without evicting them), then
// returns the n members with the most exp.
func (c *LevelCache) Top(
	ctx context.Context,
	guildID string,
	n int,
) ([]LeaderboardEntry, error) {
	if err := c.FlushGuild(ctx, guildID, false); err != nil {
		return nil, err
	}

	var rows []MemberProgress
	err := c.db.DB().WithContext(ctx).Where(
		columnMemberGuildID+" = ?",
		guildID,
	).Order(columnMemberExp + " DESC").Order(columnMemberMemberID).Limit(n).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error querying leaderboard: %w", err)
	}

	entries := make([]LeaderboardEntry, len(rows))
	for i, row := range rows {
		entries[i] = LeaderboardEntry{Rank: i + 1, MemberProgress: row}
	}
	return entries, nil
}

// Len returns the number of cached entries across all guilds
func (c *LevelCache) Len() int {
	c.mu.Lock()
	guilds := make([]*guildProgress, 0, len(c.guildMap))
	for _, gp := range c.guildMap {
		guilds = append(guilds, gp)
	}
	c.mu.Unlock()

	total := 0
	for _, gp := range guilds {
		gp.mu.Lock()
		total += len(gp.members)
		gp.mu.Unlock()
	}
	return total
}

// GuildLen returns the number of cached entries for the guild
func (c *LevelCache) GuildLen(guildID string) int {
	c.mu.Lock()
	gp, ok := c.guildMap[guildID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return len(gp.members)
}
