package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v2"
)

func TestDefaultDatabaseURLIsPostgres(t *testing.T) {
	require := require.New(t)

	app := newApp()
	var dbFlag *cli.StringFlag
	for _, f := range app.Flags {
		if sf, ok := f.(*cli.StringFlag); ok && sf.Name == "database-url" {
			dbFlag = sf
		}
	}
	require.NotNil(dbFlag)

	// GormStore.Migrate and the pairwise advisory locks are Postgres-only,
	// so the out-of-the-box DSN must point at Postgres.
	require.True(strings.HasPrefix(dbFlag.Value, "postgres://"), "default DSN: %s", dbFlag.Value)
}
