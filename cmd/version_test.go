package cmd

import (
	"github.com/AshutoshRajSingh/Zeta/zeta"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	version, commit, built := zeta.Version, zeta.CommitSHA, zeta.BuildTime
	t.Cleanup(
		func() {
			zeta.Version, zeta.CommitSHA, zeta.BuildTime = version, commit, built
		},
	)
	zeta.Version = "20261019"
	zeta.CommitSHA = "abc123"
	zeta.BuildTime = "2026-10-19T12:00:00Z"

	output := execute(t, "", "version")
	assert.Equal(t, "version=20261019 commit=abc123 built: 2026-10-19T12:00:00Z\n", output)
}
