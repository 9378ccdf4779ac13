package archive_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/balancectl/internal/archive"
	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) archive.Config {
	t.Helper()

	cfg := archive.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "telemetry.db")
	cfg.BatchSize = 3
	cfg.BatchTimeout = time.Hour

	return cfg
}

func query(t *testing.T, repo archive.Repository, stream uint16, from, to float64) ([]float64, [][]byte) {
	t.Helper()

	var (
		ts       []float64
		payloads [][]byte
	)
	err := repo.Query(context.Background(), stream, from, to, func(at float64, p []byte) error {
		ts = append(ts, at)
		payloads = append(payloads, p)
		return nil
	})
	require.NoError(t, err)

	return ts, payloads
}

func TestConfigValidate(t *testing.T) {
	cfg := archive.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Enabled = true
	cfg.DBPath = ""
	assert.True(t, errors.HasCode(cfg.Validate(), archive.ErrInvalidDBPath))

	cfg = archive.DefaultConfig()
	cfg.Window = 0
	assert.True(t, errors.HasCode(cfg.Validate(), archive.ErrInvalidConfig))
}

func TestNewSelectsStore(t *testing.T) {
	repo, err := archive.New(archive.DefaultConfig(), logger.Default())
	require.NoError(t, err)
	assert.IsType(t, &archive.Memory{}, repo)

	repo, err = archive.New(sqliteConfig(t), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	assert.NotNil(t, repo)
}

func TestRepositoryQueryFlushesPending(t *testing.T) {
	repo, err := archive.NewRepository(sqliteConfig(t), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	for i := 1; i <= 5; i++ {
		require.NoError(t, repo.Append(1, float64(i), []byte{byte(i)}))
	}
	require.NoError(t, repo.Append(2, 3, []byte{0xFF}))
	require.NoError(t, repo.Append(1, 3, []byte{0xEE}))

	ts, payloads := query(t, repo, 1, 2, 4)
	assert.Equal(t, []float64{2, 3, 4}, ts)
	assert.Equal(t, [][]byte{{2}, {3}, {4}}, payloads, "duplicate timestamps keep the first record")

	ts, _ = query(t, repo, 2, 0, 10)
	assert.Equal(t, []float64{3}, ts)
}

func TestRepositoryPersists(t *testing.T) {
	cfg := sqliteConfig(t)

	repo, err := archive.NewRepository(cfg, logger.Default())
	require.NoError(t, err)
	require.NoError(t, repo.Append(1, 0.5, []byte("abc")))
	require.NoError(t, repo.Close())

	err = repo.Append(1, 1, nil)
	assert.True(t, errors.HasCode(err, archive.ErrClosed))

	repo, err = archive.NewRepository(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ts, payloads := query(t, repo, 1, 0, 1)
	assert.Equal(t, []float64{0.5}, ts)
	assert.Equal(t, []byte("abc"), payloads[0])
}

func TestSchemaMismatchBacksUp(t *testing.T) {
	cfg := sqliteConfig(t)

	repo, err := archive.NewRepository(cfg, logger.Default())
	require.NoError(t, err)
	require.NoError(t, repo.Append(1, 1, []byte{1}))
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'))`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err = archive.NewRepository(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ts, _ := query(t, repo, 1, 0, 10)
	assert.Empty(t, ts)

	backups, err := os.ReadDir(filepath.Join(filepath.Dir(cfg.DBPath), "backups"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestMemoryWindow(t *testing.T) {
	m := archive.NewMemory(2 * time.Second)

	for _, ts := range []float64{1, 2, 4, 3, 3} {
		require.NoError(t, m.Append(7, ts, []byte{byte(ts)}))
	}
	assert.Equal(t, 3, m.Len(7))

	ts, payloads := query(t, m, 7, 0, 10)
	assert.Equal(t, []float64{2, 3, 4}, ts)
	assert.Equal(t, [][]byte{{2}, {3}, {4}}, payloads)

	require.NoError(t, m.Append(7, 10, nil))
	ts, _ = query(t, m, 7, 0, 10)
	assert.Equal(t, []float64{10}, ts)
}

func TestAppendDoesNotWaitForDatabase(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.BatchSize = 2

	repo, err := archive.NewRepository(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	// a second connection holding the write lock stalls every flush
	blocker, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { blocker.Close() })

	tx, err := blocker.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO records (stream_id, timestamp, payload) VALUES (9, 0, x'00')")
	require.NoError(t, err)

	var worst time.Duration
	for i := 0; i < 40; i++ {
		start := time.Now()
		require.NoError(t, repo.Append(1, float64(i), []byte{byte(i)}))
		worst = max(worst, time.Since(start))
	}
	assert.Less(t, worst, 50*time.Millisecond)

	require.NoError(t, tx.Rollback())

	ts, _ := query(t, repo, 1, 0, 100)
	assert.Len(t, ts, 40)
	assert.Equal(t, 0.0, ts[0])
	assert.Equal(t, 39.0, ts[39])
}

func TestQueryHonoursContext(t *testing.T) {
	repo, err := archive.NewRepository(sqliteConfig(t), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = repo.Query(ctx, 1, 0, 1, func(float64, []byte) error { return nil })
	assert.True(t, errors.HasCode(err, archive.ErrQueryFailed))
}
