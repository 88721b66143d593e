package zeta

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestHashPassword(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	valid, err := VerifyPassword(hash, "hunter22")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyPassword(hash, "hunter23")
	require.NoError(t, err)
	assert.False(t, valid)

	// salted, so the same password hashes differently
	other, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)

	_, err = VerifyPassword("plaintext", "hunter22")
	assert.Error(t, err)
	_, err = VerifyPassword("$argon2id$v=19$m=x$salt$hash", "hunter22")
	assert.Error(t, err)
}

func TestSnowflakeFromMention(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		id    string
		ok    bool
	}{
		{input: "<@500000000000000001>", id: "500000000000000001", ok: true},
		{input: "<@!500000000000000001>", id: "500000000000000001", ok: true},
		{input: "<@&600000000000000001>", id: "600000000000000001", ok: true},
		{input: "<#200000000000000001>", id: "200000000000000001", ok: true},
		{input: " 200000000000000001 ", id: "200000000000000001", ok: true},
		{input: "12345", ok: false},
		{input: "@everyone", ok: false},
		{input: "<@50000000000000000a>", ok: false},
		{input: "1234567890123456789012", ok: false},
	}
	for _, tc := range tests {
		id, ok := snowflakeFromMention(tc.input)
		assert.Equalf(t, tc.ok, ok, "input: %q", tc.input)
		assert.Equalf(t, tc.id, id, "input: %q", tc.input)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "🎂🎂", truncate("🎂🎂🎂", 2))
}

func TestChunkItems(t *testing.T) {
	t.Parallel()
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunkItems(2, 1, 2, 3, 4, 5))
	assert.Equal(t, [][]int{{1, 2, 3}}, chunkItems(5, 1, 2, 3))
	assert.Empty(t, chunkItems[int](3))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 16)

	// rounded up to an even length
	s, err = generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, s, 8)
}

func TestMemberDisplayName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", memberDisplayName(nil))
	user := &discordgo.User{Username: "zeta", GlobalName: "Zeta"}
	assert.Equal(t, "Zeta", memberDisplayName(&discordgo.Member{User: user}))
	assert.Equal(t, "nick", memberDisplayName(&discordgo.Member{User: user, Nick: "nick"}))
	assert.Equal(t, "plain", memberDisplayName(&discordgo.Member{User: &discordgo.User{Username: "plain"}}))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	fallback := testLogger(t)
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	assert.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "hash"
	v := cfg.LogValue().String()
	assert.NotContains(t, v, "hash")
	assert.Contains(t, v, "[redacted]")
	assert.Contains(t, v, DefaultDiscordCustomStatus)
}
