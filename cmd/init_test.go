package cmd

import (
	"context"
	"errors"
	"github.com/AshutoshRajSingh/Zeta/zeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	restoreEnv(t)
	dbPath := filepath.Join(t.TempDir(), "data", "zeta.sqlite3")
	t.Setenv("ZETA_DATABASE_TYPE", "sqlite")
	t.Setenv("ZETA_DATABASE", dbPath)

	// the first pair doesn't match, so the prompt repeats
	passwords := []string{"hunter2", "hunter3", "hunter2", "hunter2"}
	original := readPassword
	t.Cleanup(
		func() {
			readPassword = original
		},
	)
	readPassword = func() ([]byte, error) {
		if len(passwords) == 0 {
			return nil, errors.New("no more passwords")
		}
		p := passwords[0]
		passwords = passwords[1:]
		return []byte(p), nil
	}

	output := execute(t, "admin\n", "init")
	assert.Contains(t, output, "Created default runtime config.")
	assert.Contains(t, output, "Admin username:")
	assert.Contains(t, output, "Passwords do not match, try again.")
	assert.Contains(t, output, "Admin credentials saved.")
	assert.Contains(t, output, "Initialization complete")
	assert.Empty(t, passwords)

	_, err := os.Stat(dbPath)
	require.NoError(t, err)

	db, err := zeta.CreateDB(context.Background(), "sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	for _, table := range []string{
		"guilds",
		"server_members",
		"tags",
		"mutes",
		"selfrole_menus",
		"selfroles",
		"config",
	} {
		assert.True(t, mg.HasTable(table), table)
	}
	assert.True(t, mg.HasTable(&zeta.CommandLog{}))

	runtimeConfig, created, err := zeta.InitRuntimeConfig(context.Background(), db)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "admin", runtimeConfig.AdminUsername)
	assert.NotEqual(t, "hunter2", runtimeConfig.AdminPassword)

	valid, err := zeta.VerifyPassword(runtimeConfig.AdminPassword, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	// a second run leaves the credentials alone
	output = execute(t, "", "init")
	assert.Contains(t, output, "Admin credentials are already set.")
	assert.NotContains(t, output, "Created default runtime config.")
}
