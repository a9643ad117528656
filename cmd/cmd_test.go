package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"feedsync/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	run := func(args ...string) error {
		return RootApp().Run(append([]string{"feedsync", "--database", path, "--log-level", "error"}, args...))
	}

	require.NoError(t, run("migrate"))
	require.NoError(t, run("user", "add", "reader@example.com"))
	require.NoError(t, run("source", "add", "--user", "reader@example.com", "--name", "blog", "--url", "https://blog.example.com/feed.xml", "--folder", "tech"))
	require.NoError(t, run("source", "list", "--user", "reader@example.com"))
	require.NoError(t, run("entry", "add", "--user", "reader@example.com", "--url", "https://example.com/saved"))

	assert.Error(t, run("source", "add", "--user", "reader@example.com", "--kind", "gopher", "--name", "x", "--url", "https://x.example.com"))
	assert.Error(t, run("source", "add", "--user", "nobody@example.com", "--name", "y", "--url", "https://y.example.com"))

	database, err := db.Open(db.DriverSQLite, path, 1)
	require.NoError(t, err)
	ctx := context.Background()
	user, err := database.GetUserByEmail(ctx, "reader@example.com")
	require.NoError(t, err)
	list, err := database.ListSources(ctx, user.Id)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tech", list[0].Folder)
	require.NoError(t, database.Close())

	require.NoError(t, run("source", "remove", "--user", "reader@example.com", "--name", "blog"))
	require.NoError(t, run("prune"))
	require.NoError(t, run("rollback"))
}

func TestInvalidConfig(t *testing.T) {
	err := RootApp().Run([]string{"feedsync", "--driver", "oracle", "migrate"})
	assert.Error(t, err)
}
