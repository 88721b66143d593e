package zeta

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

const testMemberID = "500000000000000001"

func TestLevelCommand(t *testing.T) {
	z, session := newTestZeta(t)
	ctx := context.Background()
	seedMember(t, z, "1")

	z.handleMessageCreate(ctx, newTestMessage("1", ".level"))
	msg := session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "user1", msg.Embed.Title)
	assert.Equal(t, "You are currently on level : 2\nWith exp : 60", msg.Embed.Description)

	// members with no progress are told to start chatting
	z.handleMessageCreate(ctx, newTestMessage("1", ".level <@"+testMemberID+">"))
	msg = session.waitForMessage(t)
	assert.Equal(
		t,
		"user"+testMemberID+" hasn't been ranked yet! tell them to send some messages to start.",
		msg.Content,
	)
}

func TestLeaderboardCommand(t *testing.T) {
	z, session := newTestZeta(t)
	ctx := context.Background()
	seedMember(t, z, "1")
	_, err := z.levels.Award(ctx, testGuildID, testMemberID, 500)
	require.NoError(t, err)
	session.addMember(
		&discordgo.Member{
			Nick: "top member",
			User: &discordgo.User{ID: testMemberID, Username: "top"},
		},
	)

	z.handleMessageCreate(ctx, newTestMessage("1", ".leaderboard"))
	msg := session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "Server leaderboard", msg.Embed.Title)
	require.Len(t, msg.Embed.Fields, 2)
	assert.Equal(t, "1.top member", msg.Embed.Fields[0].Name)
	assert.Equal(t, "Level: 5 Exp: 500", msg.Embed.Fields[0].Value)
	assert.Equal(t, "2.user1", msg.Embed.Fields[1].Name)
}

func TestGiveExpCommand(t *testing.T) {
	z, session := newTestZeta(t)
	ctx := context.Background()
	session.setPermissions("1", discordgo.PermissionManageMessages)
	seedMember(t, z, "1")

	z.handleMessageCreate(ctx, newTestMessage("1", ".giveexp <@"+testMemberID+"> 150"))
	msg := session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "Added 150 points to <@"+testMemberID+">", msg.Embed.Description)

	levelUp := session.waitForMessage(t)
	require.NotNil(t, levelUp.Embed)
	assert.Equal(t, "GZ on level 3, <@"+testMemberID+">", levelUp.Embed.Description)

	progress, _, err := z.levels.Get(ctx, testGuildID, testMemberID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), progress.Exp)
}

func TestSetMultiplierCommand(t *testing.T) {
	z, session := newTestZeta(t)
	ctx := context.Background()
	session.setPermissions("1", discordgo.PermissionManageMessages)
	seedMember(t, z, "1")

	z.handleMessageCreate(ctx, newTestMessage("1", ".setmultiplier "+testMemberID+" 4"))
	msg := session.waitForMessage(t)
	assert.Equal(t, "user"+testMemberID+"'s multiplier has been set to 4", msg.Content)

	progress, _, err := z.levels.Get(ctx, testGuildID, testMemberID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), progress.Boost)

	// messages now award 4x the exp
	_, err = z.levels.Award(ctx, testGuildID, testMemberID, 0)
	require.NoError(t, err)
	progress, _, err = z.levels.Get(ctx, testGuildID, testMemberID)
	require.NoError(t, err)
	assert.Equal(t, int64(4*defaultAwardPerBoost), progress.Exp)
}

func TestResetCommand(t *testing.T) {
	z, session := newTestZeta(t)
	ctx := context.Background()
	session.setPermissions("1", discordgo.PermissionManageMessages)
	seedMember(t, z, "1")
	_, err := z.levels.Award(ctx, testGuildID, testMemberID, 500)
	require.NoError(t, err)

	z.handleMessageCreate(ctx, newTestMessage("1", ".reset "+testMemberID))
	msg := session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "Reset the level and exp of <@"+testMemberID+">", msg.Embed.Description)

	var count int64
	require.NoError(
		t,
		z.db.DB().Model(&MemberProgress{}).Where("member_id = ?", testMemberID).Count(&count).Error,
	)
	assert.Equal(t, int64(0), count)
}

func TestUpdateDBCommand(t *testing.T) {
	z, session := newTestZeta(t)
	ctx := context.Background()
	seedMember(t, z, testOwnerID)

	z.handleMessageCreate(ctx, newTestMessage(testOwnerID, ".update_db"))
	msg := session.waitForMessage(t)
	assert.Equal(t, "db updated", msg.Content)

	// the award for the command message itself is cached again afterwards
	var stored MemberProgress
	require.NoError(
		t,
		z.db.DB().Take(&stored, "guild_id = ? AND member_id = ?", testGuildID, testOwnerID).Error,
	)
	assert.Equal(t, int64(60), stored.Exp)
	assert.Equal(t, 1, z.levels.Len())
}

func TestHandleGuildMemberRemove(t *testing.T) {
	z, _ := newTestZeta(t)
	ctx := context.Background()
	seedMember(t, z, testMemberID)

	z.handleGuildMemberRemove(
		ctx,
		&discordgo.GuildMemberRemove{
			Member: &discordgo.Member{
				GuildID: testGuildID,
				User:    &discordgo.User{ID: testMemberID},
			},
		},
	)
	assert.Equal(t, 0, z.levels.Len())
	_, found, err := z.levels.Get(ctx, testGuildID, testMemberID)
	require.NoError(t, err)
	assert.False(t, found)
}
