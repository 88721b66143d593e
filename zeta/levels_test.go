package zeta

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

func newTestLevelCache(t testing.TB) (*LevelCache, *GuildSettings, DBI) {
	t.Helper()
	db := setupTestDB(t)
	logger := testLogger(t)
	guilds := NewGuildSettings(db, DefaultPrefix, logger)
	return NewLevelCache(db, guilds, logger), guilds, db
}

func TestLevelForExp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		exp   int64
		level int64
	}{
		{exp: -10, level: 0},
		{exp: 0, level: 0},
		{exp: 1, level: 1},
		{exp: 49, level: 1},
		{exp: 50, level: 2},
		{exp: 149, level: 2},
		{exp: 150, level: 3},
		{exp: 300, level: 4},
		{exp: 500, level: 5},
		{exp: 1000, level: 6},
		{exp: 2250, level: 10},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("exp_%d", tc.exp), func(t *testing.T) {
				assert.Equal(t, tc.level, LevelForExp(tc.exp))
			},
		)
	}
}

func TestLevelForExp_Monotonic(t *testing.T) {
	t.Parallel()
	prev := LevelForExp(0)
	for exp := int64(1); exp < 20000; exp++ {
		level := LevelForExp(exp)
		require.GreaterOrEqualf(t, level, prev, "level decreased at exp %d", exp)
		prev = level
	}
}

func TestLevelCache_GetCreatesDefault(t *testing.T) {
	t.Parallel()
	cache, guilds, db := newTestLevelCache(t)
	ctx := context.Background()

	progress, found, err := cache.Get(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), progress.Exp)
	assert.Equal(t, int64(0), progress.Level)
	assert.Equal(t, int64(defaultBoost), progress.Boost)

	progress, found, err = cache.Get(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(defaultBoost), progress.Boost)

	// the guild row was created so the member row's foreign key is valid
	assert.Equal(t, 1, guilds.Count())
	var count int64
	require.NoError(t, db.DB().Model(&MemberProgress{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestLevelCache_Award(t *testing.T) {
	t.Parallel()
	cache, _, _ := newTestLevelCache(t)
	ctx := context.Background()

	result, err := cache.Award(ctx, testGuildID, "1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Before.Exp)
	assert.Equal(t, int64(defaultAwardPerBoost), result.After.Exp)
	assert.True(t, result.LeveledUp())

	result, err = cache.Award(ctx, testGuildID, "1", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(45), result.After.Exp)
	assert.False(t, result.LeveledUp())

	result, err = cache.Award(ctx, testGuildID, "1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.After.Exp)
	assert.Equal(t, int64(2), result.After.Level)
	assert.True(t, result.LeveledUp())

	_, err = cache.Award(ctx, testGuildID, "1", -1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestLevelCache_AwardUsesBoost(t *testing.T) {
	t.Parallel()
	cache, _, _ := newTestLevelCache(t)
	ctx := context.Background()

	_, err := cache.SetMultiplier(ctx, testGuildID, "1", 3)
	require.NoError(t, err)

	result, err := cache.Award(ctx, testGuildID, "1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3*defaultAwardPerBoost), result.After.Exp)

	_, err = cache.SetMultiplier(ctx, testGuildID, "1", -2)
	assert.ErrorIs(t, err, ErrNegativeBoost)

	_, err = cache.SetMultiplier(ctx, testGuildID, "1", 0)
	require.NoError(t, err)
	result, err = cache.Award(ctx, testGuildID, "1", 0)
	require.NoError(t, err)
	assert.Equal(t, result.Before.Exp, result.After.Exp)
}

func TestLevelCache_FlushAll(t *testing.T) {
	t.Parallel()
	cache, _, db := newTestLevelCache(t)
	ctx := context.Background()

	otherGuild := "100000000000000002"
	_, err := cache.Award(ctx, testGuildID, "1", 120)
	require.NoError(t, err)
	_, err = cache.Award(ctx, otherGuild, "1", 30)
	require.NoError(t, err)
	_, err = cache.SetMultiplier(ctx, otherGuild, "1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	// nothing has been written yet
	var stored MemberProgress
	require.NoError(
		t,
		db.DB().Take(&stored, "guild_id = ? AND member_id = ?", testGuildID, "1").Error,
	)
	assert.Equal(t, int64(0), stored.Exp)

	require.NoError(t, cache.FlushAll(ctx))
	assert.Equal(t, 0, cache.Len())

	require.NoError(
		t,
		db.DB().Take(&stored, "guild_id = ? AND member_id = ?", testGuildID, "1").Error,
	)
	assert.Equal(t, int64(120), stored.Exp)
	assert.Equal(t, LevelForExp(120), stored.Level)

	require.NoError(
		t,
		db.DB().Take(&stored, "guild_id = ? AND member_id = ?", otherGuild, "1").Error,
	)
	assert.Equal(t, int64(30), stored.Exp)
	assert.Equal(t, int64(2), stored.Boost)

	// reloaded from the database after eviction
	progress, found, err := cache.Get(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(120), progress.Exp)
}

func TestLevelCache_FlushGuildKeepsEntries(t *testing.T) {
	t.Parallel()
	cache, _, _ := newTestLevelCache(t)
	ctx := context.Background()

	_, err := cache.Award(ctx, testGuildID, "1", 10)
	require.NoError(t, err)
	require.NoError(t, cache.FlushGuild(ctx, testGuildID, false))
	assert.Equal(t, 1, cache.GuildLen(testGuildID))

	require.NoError(t, cache.FlushGuild(ctx, testGuildID, true))
	assert.Equal(t, 0, cache.GuildLen(testGuildID))

	// unknown guilds are a no-op
	require.NoError(t, cache.FlushGuild(ctx, "999", true))
}

func TestLevelCache_Top(t *testing.T) {
	t.Parallel()
	cache, _, _ := newTestLevelCache(t)
	ctx := context.Background()

	awards := map[string]int64{
		"1": 10,
		"2": 500,
		"3": 250,
		"4": 250,
		"5": 0,
	}
	for member, exp := range awards {
		_, err := cache.Award(ctx, testGuildID, member, exp)
		require.NoError(t, err)
	}
	_, err := cache.Award(ctx, "100000000000000002", "6", 10000)
	require.NoError(t, err)

	top, err := cache.Top(ctx, testGuildID, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)

	assert.Equal(t, 1, top[0].Rank)
	assert.Equal(t, "2", top[0].MemberID)
	assert.Equal(t, int64(500), top[0].Exp)

	// ties are broken by member ID
	assert.Equal(t, 2, top[1].Rank)
	assert.Equal(t, "3", top[1].MemberID)
	assert.Equal(t, 3, top[2].Rank)
	assert.Equal(t, "4", top[2].MemberID)

	// Top doesn't evict
	assert.Equal(t, len(awards), cache.GuildLen(testGuildID))
}

func TestLevelCache_Reset(t *testing.T) {
	t.Parallel()
	cache, _, db := newTestLevelCache(t)
	ctx := context.Background()

	_, err := cache.Award(ctx, testGuildID, "1", 100)
	require.NoError(t, err)
	require.NoError(t, cache.FlushAll(ctx))
	_, err = cache.Award(ctx, testGuildID, "1", 100)
	require.NoError(t, err)

	require.NoError(t, cache.Reset(ctx, testGuildID, "1"))
	assert.Equal(t, 0, cache.GuildLen(testGuildID))

	var count int64
	require.NoError(t, db.DB().Model(&MemberProgress{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	progress, found, err := cache.Get(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), progress.Exp)
}

func TestLevelCache_RemoveGuild(t *testing.T) {
	t.Parallel()
	cache, guilds, db := newTestLevelCache(t)
	ctx := context.Background()

	_, err := cache.Award(ctx, testGuildID, "1", 100)
	require.NoError(t, err)
	require.NoError(t, cache.FlushGuild(ctx, testGuildID, false))
	_, err = cache.Award(ctx, testGuildID, "1", 100)
	require.NoError(t, err)

	cache.RemoveGuild(testGuildID)
	require.NoError(t, guilds.Remove(ctx, testGuildID))
	assert.Equal(t, 0, cache.Len())

	// member rows are deleted along with the guild
	var count int64
	require.NoError(t, db.DB().Model(&MemberProgress{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	// flushing afterwards doesn't resurrect anything
	require.NoError(t, cache.FlushAll(ctx))
	require.NoError(t, db.DB().Model(&MemberProgress{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

// TestLevelCache_ConcurrentAwards checks that no awards are lost when
// members are awarded concurrently with flushes
func TestLevelCache_ConcurrentAwards(t *testing.T) {
	t.Parallel()
	cache, _, db := newTestLevelCache(t)
	ctx := context.Background()

	const (
		members = 5
		awards  = 40
	)

	wg := &sync.WaitGroup{}
	for m := 0; m < members; m++ {
		memberID := fmt.Sprintf("%d", m+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < awards; i++ {
				_, err := cache.Award(ctx, testGuildID, memberID, 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			assert.NoError(t, cache.FlushAll(ctx))
		}
	}()
	wg.Wait()

	require.NoError(t, cache.FlushAll(ctx))

	var rows []MemberProgress
	require.NoError(t, db.DB().Find(&rows).Error)
	require.Len(t, rows, members)
	for _, row := range rows {
		assert.Equalf(t, int64(awards), row.Exp, "member %s", row.MemberID)
		assert.Equal(t, LevelForExp(awards), row.Level)
	}
}
