package zeta

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"net/http"
	"testing"
)

func restError(status int) error {
	return fmt.Errorf(
		"error adding role: %w",
		&discordgo.RESTError{Response: &http.Response{StatusCode: status}},
	)
}

func TestRESTErrorStatus(t *testing.T) {
	t.Parallel()
	assert.True(t, isForbidden(restError(http.StatusForbidden)))
	assert.False(t, isForbidden(restError(http.StatusNotFound)))
	assert.True(t, isNotFound(restError(http.StatusNotFound)))
	assert.False(t, isNotFound(fmt.Errorf("plain error")))
	assert.False(t, isForbidden(&discordgo.RESTError{}))
}

func TestSessionLogAttrs(t *testing.T) {
	t.Parallel()
	assert.Len(t, sessionLogAttrs(nil), 3)

	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.SessionID = "abc"
	s.State.User = &discordgo.User{ID: "1", Username: "zeta"}
	attrs := sessionLogAttrs(s)
	assert.Equal(t, "abc", attrs[1])
}

func TestDiscord_ConnectionHandlers(t *testing.T) {
	z, session := newTestZeta(t)

	z.discord.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, z.discord.connected.Load())
	assert.Equal(t, int64(1), z.discord.metricConnects.Load())

	session.mu.Lock()
	assert.Equal(t, DefaultDiscordCustomStatus, session.status)
	session.mu.Unlock()

	z.discord.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, z.discord.connected.Load())
	assert.Equal(t, int64(1), z.discord.metricDisconnects.Load())
}
