package database

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"testing/fstest"

	"github.com/observer/duochat/internal/store"
	"github.com/observer/duochat/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Migration Discovery Tests
// =============================================================================

func TestMigrationNames_SortedAndFiltered(t *testing.T) {
	fsys := fstest.MapFS{
		"m/000002_add_index.up.sql": {Data: []byte("SELECT 1")},
		"m/000001_init.up.sql":      {Data: []byte("SELECT 1")},
		"m/000001_init.down.sql":    {Data: []byte("SELECT 1")},
		"m/README.md":               {Data: []byte("docs")},
		"m/nested/000003_x.up.sql":  {Data: []byte("SELECT 1")},
	}

	files, err := migrationNames(fsys, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_init.up.sql", "000002_add_index.up.sql"}, files)
}

func TestMigrationVersion(t *testing.T) {
	v, err := migrationVersion("000001_init.up.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = migrationVersion("000042_messages.up.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = migrationVersion("init.up.sql")
	assert.Error(t, err)
}

func TestEmbeddedMigrations_Present(t *testing.T) {
	files, err := migrationNames(migrationFiles, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "000001_init.up.sql", files[0])
}

// =============================================================================
// Postgres Contract Tests (need TEST_DATABASE_URL)
// =============================================================================

func TestStore_Contract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Pool.Close)
	require.NoError(t, EnsureSchema(ctx, db, logger))

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := db.Pool.Exec(ctx, `TRUNCATE messages, conversations, credentials, users CASCADE`)
		require.NoError(t, err)
		return NewStore(db)
	})
}
