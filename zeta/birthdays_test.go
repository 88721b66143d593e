package zeta

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestParseBirthday(t *testing.T) {
	t.Parallel()
	bd, err := ParseBirthday("29 02 2000")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2000, time.February, 29, 0, 0, 0, 0, time.UTC), bd)

	bd, err = ParseBirthday(" 1   7 1990 ")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1990, time.July, 1, 0, 0, 0, 0, time.UTC), bd)

	for _, s := range []string{"", "29 02 2001", "32 01 2000", "01/02/2000", "01 01 3000"} {
		_, err = ParseBirthday(s)
		assert.ErrorIsf(t, err, errInvalidBirthday, "input: %q", s)
	}
}

func TestParseAlertTime(t *testing.T) {
	t.Parallel()
	at, err := ParseAlertTime("9 5")
	require.NoError(t, err)
	assert.Equal(t, "09:05", at.Format(birthdayAlertTimeLayout))

	at, err = ParseAlertTime("23:30")
	require.NoError(t, err)
	assert.Equal(t, "23:30", at.Format(birthdayAlertTimeLayout))

	_, err = ParseAlertTime("24 00")
	assert.Error(t, err)
	_, err = ParseAlertTime("noon")
	assert.Error(t, err)
}

func TestBirthdayOn(t *testing.T) {
	t.Parallel()
	leapling := time.Date(2000, time.February, 29, 0, 0, 0, 0, time.UTC)
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
	}

	assert.True(t, birthdayOn(leapling, day(2024, time.February, 29)))
	assert.False(t, birthdayOn(leapling, day(2024, time.February, 28)))
	assert.True(t, birthdayOn(leapling, day(2023, time.February, 28)))
	assert.True(t, birthdayOn(leapling, day(2100, time.February, 28)))
	assert.False(t, birthdayOn(leapling, day(2023, time.March, 1)))

	regular := time.Date(1995, time.December, 25, 0, 0, 0, 0, time.UTC)
	assert.True(t, birthdayOn(regular, day(2030, time.December, 25)))
	assert.False(t, birthdayOn(regular, day(2030, time.December, 24)))
}

func TestIsLeapYear(t *testing.T) {
	t.Parallel()
	assert.True(t, isLeapYear(2000))
	assert.True(t, isLeapYear(2024))
	assert.False(t, isLeapYear(1900))
	assert.False(t, isLeapYear(2023))
}

func newTestBirthdayAlerts(t testing.TB) (*BirthdayAlerts, *mockDiscordSession, *GuildSettings) {
	t.Helper()
	db := setupTestDB(t)
	logger := testLogger(t)
	session := newMockDiscordSession(t)
	guilds := NewGuildSettings(db, "", logger)
	scheduler := NewScheduler(logger)
	t.Cleanup(
		func() {
			_ = scheduler.Stop(context.Background())
		},
	)
	b := NewBirthdayAlerts(session, db, guilds, scheduler, 20*time.Minute, logger)
	return b, session, guilds
}

func TestBirthdayAlerts_SetBirthday(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBirthdayAlerts(t)
	ctx := context.Background()

	bd, err := b.Birthday(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Nil(t, bd)

	require.NoError(
		t,
		b.SetBirthday(ctx, testGuildID, "1", time.Date(1999, time.May, 4, 15, 0, 0, 0, time.UTC)),
	)
	bd, err = b.Birthday(ctx, testGuildID, "1")
	require.NoError(t, err)
	require.NotNil(t, bd)
	assert.Equal(t, "1999-05-04", bd.UTC().Format(birthdayKeyDateLayout))
}

// TestBirthdayAlerts_Poll checks that a Feb 29 birthday is celebrated on
// Feb 28 in a non-leap year, and other members aren't alerted
func TestBirthdayAlerts_Poll(t *testing.T) {
	t.Parallel()
	b, session, guilds := newTestBirthdayAlerts(t)
	ctx := context.Background()

	_, err := guilds.SetBirthdayChannel(ctx, testGuildID, testChannelID)
	require.NoError(t, err)
	_, err = guilds.SetBirthdayAlertTime(ctx, testGuildID, time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, b.SetBirthday(ctx, testGuildID, "1", time.Date(2000, time.February, 29, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, b.SetBirthday(ctx, testGuildID, "2", time.Date(1990, time.March, 1, 0, 0, 0, 0, time.UTC)))

	// the alert time is in the past, so the alert is sent immediately
	b.now = func() time.Time {
		return time.Date(2023, time.February, 28, 9, 50, 0, 0, time.UTC)
	}
	n, err := b.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := session.waitForMessage(t)
	assert.Equal(t, testChannelID, msg.ChannelID)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "user1 has their birthday today!", msg.Embed.Title)
	assert.Equal(t, "Wish <@1> a happy birthday!", msg.Embed.Description)
	session.assertNoMessage(t)
}

func TestBirthdayAlerts_PollOutsideWindow(t *testing.T) {
	t.Parallel()
	b, _, guilds := newTestBirthdayAlerts(t)
	ctx := context.Background()

	_, err := guilds.SetBirthdayChannel(ctx, testGuildID, testChannelID)
	require.NoError(t, err)
	_, err = guilds.SetBirthdayAlertTime(ctx, testGuildID, time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, b.SetBirthday(ctx, testGuildID, "1", time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)))

	b.now = func() time.Time {
		return time.Date(2099, time.January, 1, 9, 0, 0, 0, time.UTC)
	}
	n, err := b.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// in the window, but the alert is pending so later polls skip it
	b.now = func() time.Time {
		return time.Date(2099, time.January, 1, 9, 45, 0, 0, time.UTC)
	}
	n, err = b.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = b.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, b.scheduler.Pending("birthday:"+testGuildID+":1:2099-01-01"))

	// guilds with the plugin disabled aren't alerted
	require.True(t, b.scheduler.Cancel("birthday:"+testGuildID+":1:2099-01-01"))
	_, err = guilds.SetPlugin(ctx, testGuildID, PluginBirthdays, false)
	require.NoError(t, err)
	n, err = b.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBirthdayCommands(t *testing.T) {
	z, session := newTestZeta(t)
	ctx := context.Background()
	seedMember(t, z, "1")
	session.setPermissions("1", discordgo.PermissionAdministrator)

	z.handleMessageCreate(ctx, newTestMessage("1", ".setbd 31 12 1999"))
	msg := session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "Your day is on 31 December 1999", msg.Embed.Description)

	z.handleMessageCreate(ctx, newTestMessage("1", ".setbd 31 13 1999"))
	msg = session.waitForMessage(t)
	assert.Equal(t, "Invalid date format, please try again, using `DD MM YYYY`", msg.Content)

	z.handleMessageCreate(ctx, newTestMessage("1", ".bday"))
	msg = session.waitForMessage(t)
	assert.Equal(t, "user1's birthday is on 31 December", msg.Content)

	z.handleMessageCreate(ctx, newTestMessage("1", ".bday <@"+testMemberID+">"))
	msg = session.waitForMessage(t)
	assert.Equal(
		t,
		"Couldn't find user"+testMemberID+"'s birthday in this server, tell them to set it using `.setbd`",
		msg.Content,
	)

	z.handleMessageCreate(ctx, newTestMessage("1", ".bdchannel <#"+testChannelID+">"))
	msg = session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "The channel <#"+testChannelID+"> will be used for auto birthday alerts", msg.Embed.Description)

	z.handleMessageCreate(ctx, newTestMessage("1", ".bdalerttime 7 30"))
	msg = session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "Birthday alerts will be sent out on this server at 07:30 (UTC)", msg.Embed.Description)

	guild, err := z.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testChannelID, guild.BirthdayChannelID)
	assert.Equal(t, "07:30", guild.BirthdayAlertTime)
}
