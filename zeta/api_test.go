package zeta

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery"
)

// apiRequest serves a request against the API's router. If cookie is
// set, it's sent as the Cookie header.
func apiRequest(
	t testing.TB,
	z *Zeta,
	method, path, body, cookie string,
) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	w := httptest.NewRecorder()
	z.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// loginTestAdmin runs first time setup, logs in, and returns the
// session cookie
func loginTestAdmin(t testing.TB, z *Zeta) string {
	t.Helper()
	w := apiRequest(
		t, z, http.MethodPost, apiPathSetup,
		fmt.Sprintf(
			`{"username":%q,"password":%q,"confirm_password":%q}`,
			testAdminUsername, testAdminPassword, testAdminPassword,
		),
		"",
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = apiRequest(
		t, z, http.MethodPost, apiPathLogin,
		fmt.Sprintf(`{"username":%q,"password":%q}`, testAdminUsername, testAdminPassword),
		"",
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookie := w.Header().Get("Set-Cookie")
	require.NotEmpty(t, cookie)
	name, _, _ := strings.Cut(cookie, ";")
	return name
}

func TestAPI_SetupAndLogin(t *testing.T) {
	z, _ := newTestZeta(t)

	w := apiRequest(t, z, http.MethodGet, apiPathSetupStatus, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeJSON[setupResponse](t, w).Required)

	// nothing is reachable until setup is done
	w = apiRequest(t, z, http.MethodGet, apiPrefix+apiPathLoggedIn, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(
		t, z, http.MethodPost, apiPathSetup,
		`{"username":"admin","password":"short","confirm_password":"short"}`, "",
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = apiRequest(
		t, z, http.MethodPost, apiPathSetup,
		`{"username":"admin","password":"password123","confirm_password":"password124"}`, "",
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	cookie := loginTestAdmin(t, z)
	assert.False(t, z.pendingSetup.Load())

	stored := z.RuntimeConfig()
	assert.Equal(t, testAdminUsername, stored.AdminUsername)
	assert.NotEqual(t, testAdminPassword, stored.AdminPassword)

	// setup can't be run twice
	w = apiRequest(
		t, z, http.MethodPost, apiPathSetup,
		`{"username":"evil","password":"password123","confirm_password":"password123"}`, "",
	)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = apiRequest(t, z, http.MethodGet, apiPrefix+apiPathLoggedIn, "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, w).Username)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	w = apiRequest(t, z, http.MethodGet, apiPrefix+apiPathLoggedIn, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, z, http.MethodPost, apiPathLogout, "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	loggedOut, _, _ := strings.Cut(w.Header().Get("Set-Cookie"), ";")
	w = apiRequest(t, z, http.MethodGet, apiPrefix+apiPathLoggedIn, "", loggedOut)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	z, _ := newTestZeta(t)
	loginTestAdmin(t, z)
	z.api.loginRequestLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	w := apiRequest(
		t, z, http.MethodPost, apiPathLogin,
		fmt.Sprintf(`{"username":%q,"password":"wrong"}`, testAdminUsername), "",
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(
		t, z, http.MethodPost, apiPathLogin,
		fmt.Sprintf(`{"username":%q,"password":%q}`, testAdminUsername, testAdminPassword), "",
	)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_NotReady(t *testing.T) {
	z, _ := newTestZeta(t)
	cookie := loginTestAdmin(t, z)

	z.initialized.Store(false)
	w := apiRequest(t, z, http.MethodGet, apiPrefix+apiPathConfig, "", cookie)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = apiRequest(t, z, http.MethodGet, apiHealthCheck, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeJSON[healthCheckResponse](t, w).Ready)
}

func TestAPI_HealthCheck(t *testing.T) {
	z, _ := newTestZeta(t)
	seedMember(t, z, "1")

	w := apiRequest(t, z, http.MethodGet, apiHealthCheck, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeJSON[healthCheckResponse](t, w)
	assert.True(t, health.Ready)
	assert.False(t, health.DiscordGatewayConnected)
	assert.Equal(t, 1, health.CachedMembers)
	assert.Equal(t, 1, health.CachedGuilds)

	assert.Equal(t, 1, z.api.RequestCounts()["GET "+apiHealthCheck])
}

func TestAPI_RuntimeConfig(t *testing.T) {
	z, _ := newTestZeta(t)
	cookie := loginTestAdmin(t, z)

	w := apiRequest(t, z, http.MethodGet, apiPrefix+apiPathConfig, "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decodeJSON[map[string]any](t, w)
	assert.Equal(t, DefaultDiscordCustomStatus, cfg["discord_custom_status"])
	assert.NotContains(t, cfg, "admin_password")

	w = apiRequest(t, z, http.MethodPatch, apiPrefix+apiPathConfig, `{"log_level":"LOUD"}`, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(
		t, z, http.MethodPatch, apiPrefix+apiPathConfig,
		`{"discord_custom_status":"levelling up","recover_panic":false,"log_level":"WARN"}`,
		cookie,
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	updated := decodeJSON[map[string]any](t, w)
	assert.Equal(t, "levelling up", updated["discord_custom_status"])
	assert.Equal(t, false, updated["recover_panic"])
	assert.Equal(t, "WARN", updated["log_level"])

	current := z.RuntimeConfig()
	assert.Equal(t, "levelling up", current.DiscordCustomStatus)
	assert.False(t, current.RecoverPanic)

	// other instances are told to reload
	select {
	case <-z.triggerRuntimeConfigRefreshCh:
	default:
		t.Fatal("expected a runtime config refresh")
	}
}

func TestAPI_Guilds(t *testing.T) {
	z, _ := newTestZeta(t)
	cookie := loginTestAdmin(t, z)
	ctx := context.Background()
	_, err := z.levels.Award(ctx, testGuildID, "1", 300)
	require.NoError(t, err)
	_, err = z.levels.Award(ctx, testGuildID, "2", 100)
	require.NoError(t, err)

	w := apiRequest(t, z, http.MethodGet, apiPrefix+apiPathGuilds, "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	guilds := decodeJSON[[]Guild](t, w)
	require.Len(t, guilds, 1)
	assert.Equal(t, testGuildID, guilds[0].ID)

	guildPath := apiPrefix + "/guilds/" + testGuildID
	w = apiRequest(t, z, http.MethodGet, guildPath, "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, z.config.Discord.DefaultPrefix, decodeJSON[Guild](t, w).Prefix)

	w = apiRequest(t, z, http.MethodGet, apiPrefix+"/guilds/999", "", cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, z, http.MethodPatch, guildPath, `{"birthday_alert_time":"25:99"}`, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = apiRequest(t, z, http.MethodPatch, apiPrefix+"/guilds/999", `{"prefix":"!"}`, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(
		t, z, http.MethodPatch, guildPath,
		`{"prefix":"!","levelling":false,"birthday_alert_time":"08:15"}`,
		cookie,
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	guild := decodeJSON[Guild](t, w)
	assert.Equal(t, "!", guild.Prefix)
	assert.False(t, guild.Levelling)
	assert.Equal(t, "08:15", guild.BirthdayAlertTime)

	// the cached settings are updated too
	cached, err := z.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "!", cached.Prefix)

	w = apiRequest(t, z, http.MethodGet, guildPath+"/leaderboard?limit=1", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	board := decodeJSON[[]LeaderboardEntry](t, w)
	require.Len(t, board, 1)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "1", board[0].MemberID)
	assert.Equal(t, int64(300), board[0].Exp)

	w = apiRequest(t, z, http.MethodGet, guildPath+"/leaderboard?limit=1000", "", cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, z, http.MethodGet, guildPath+"/members/2", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	progress := decodeJSON[MemberProgress](t, w)
	assert.Equal(t, int64(100), progress.Exp)
	assert.Equal(t, LevelForExp(100), progress.Level)

	w = apiRequest(t, z, http.MethodGet, guildPath+"/members/3", "", cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_FlushAndCommandLogs(t *testing.T) {
	z, session := newTestZeta(t)
	cookie := loginTestAdmin(t, z)
	ctx := context.Background()
	seedMember(t, z, "1")

	z.handleMessageCreate(ctx, newTestMessage("1", ".help"))
	session.waitForMessage(t)

	w := apiRequest(t, z, http.MethodPost, apiPrefix+apiPathFlushLevels, "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "flushed 1 cached entries", decodeJSON[httpReply](t, w).Message)

	var stored MemberProgress
	require.NoError(t, z.db.DB().Take(&stored, "member_id = ?", "1").Error)
	assert.Greater(t, stored.Exp, int64(60))

	require.Eventually(
		t, func() bool {
			w = apiRequest(t, z, http.MethodGet, apiPrefix+apiPathCommandLogs+"?command=help", "", cookie)
			return w.Code == http.StatusOK && len(decodeJSON[[]CommandLog](t, w)) == 1
		}, 5*time.Second, 20*time.Millisecond,
	)
	logs := decodeJSON[[]CommandLog](t, w)
	assert.Equal(t, "1", logs[0].UserID)
	assert.Equal(t, testGuildID, logs[0].GuildID)

	w = apiRequest(t, z, http.MethodGet, apiPrefix+apiPathCommandLogs+"?user_id=abc", "", cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Quit(t *testing.T) {
	z, _ := newTestZeta(t)
	cookie := loginTestAdmin(t, z)

	w := apiRequest(t, z, http.MethodPost, apiPrefix+apiPathQuit, "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quitting", decodeJSON[httpReply](t, w).Message)

	select {
	case <-z.signalStop:
	default:
		t.Fatal("expected a stop signal")
	}
}
