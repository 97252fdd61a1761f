package backup_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/backup"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) cleaner(cfg backup.CleanerConfig) *backup.Cleaner {
	return backup.NewCleaner(f.store, f.identity, f.driver, cfg,
		backup.WithCleanerClock(func() time.Time { return now }))
}

// stored adds a backup record with one file in storage.
func (f *fixture) stored(t *testing.T, status types.BackupStatus, age time.Duration, name string) *types.Backup {
	t.Helper()
	b := f.addBackup(t, status, age, "sagenet_backups/"+name+"/")
	put(t, f, b.Path+"config.yaml")
	return b
}

func put(t *testing.T, f *fixture, key string) {
	t.Helper()
	require.NoError(t, f.driver.Write(context.Background(), key, strings.NewReader("x"), 1))
}

func statuses(t *testing.T, f *fixture) map[string]types.BackupStatus {
	t.Helper()
	backups, err := f.store.ListBackupsByNetwork("net1")
	require.NoError(t, err)
	out := make(map[string]types.BackupStatus)
	for _, b := range backups {
		out[b.UUID] = b.Status
	}
	return out
}

func TestCleanRetention(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 9; i++ {
		f.stored(t, types.BackupCompleted, time.Duration(i)*24*time.Hour, fmt.Sprintf("day%d", i))
	}

	deleted, err := f.cleaner(backup.DefaultCleanerConfig()).Clean(context.Background())
	require.NoError(t, err)

	require.Len(t, deleted, 2)
	assert.ElementsMatch(t,
		[]string{"sagenet_backups/day7/", "sagenet_backups/day8/"},
		[]string{deleted[0].Path, deleted[1].Path},
		"the oldest backups go first")

	left := statuses(t, f)
	assert.Len(t, left, 7)
	assert.NotContains(t, left, "b-sagenet_backups/day8/")

	keys, err := f.driver.List(context.Background(), "sagenet_backups/day8/")
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = f.driver.List(context.Background(), "sagenet_backups/day0/")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestCleanSweepsStuckBackups(t *testing.T) {
	f := newFixture(t)
	f.stored(t, types.BackupCompleted, time.Hour, "ok")
	old := f.stored(t, types.BackupError, 4*24*time.Hour, "failed-old")
	f.stored(t, types.BackupInProgress, 24*time.Hour, "running")
	oldQueued := f.stored(t, types.BackupQueued, 5*24*time.Hour, "queued-old")

	deleted, err := f.cleaner(backup.DefaultCleanerConfig()).Clean(context.Background())
	require.NoError(t, err)

	var paths []string
	for _, b := range deleted {
		paths = append(paths, b.Path)
	}
	assert.ElementsMatch(t, []string{old.Path, oldQueued.Path}, paths,
		"stuck backups are swept even when retention is not exceeded")
	assert.Len(t, statuses(t, f), 2)
}

func TestCleanStorageFailure(t *testing.T) {
	f := newFixture(t)
	b := f.stored(t, types.BackupError, 4*24*time.Hour, "failed-old")
	f.driver.before = func(op, key string) error {
		if op == "delete" {
			return errors.New("access denied")
		}
		return nil
	}

	deleted, err := f.cleaner(backup.DefaultCleanerConfig()).Clean(context.Background())
	require.Error(t, err)
	assert.Empty(t, deleted)
	assert.Equal(t, types.BackupDeleteErr, statuses(t, f)[b.UUID])
}

func TestCleanWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	f.identity.self = nil
	deleted, err := f.cleaner(backup.DefaultCleanerConfig()).Clean(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestCleanNow(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 8; i++ {
		f.stored(t, types.BackupCompleted, time.Duration(i)*24*time.Hour, fmt.Sprintf("day%d", i))
	}
	cfg := backup.DefaultCleanerConfig()
	cfg.CleanNowTimeout = 5 * time.Second
	c := f.cleaner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	deleted, err := c.CleanNow(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "sagenet_backups/day7/", deleted[0].Path)

	// A second call waits for a fresh cycle that finds nothing to do.
	deleted, err = c.CleanNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestCleanNowTimesOut(t *testing.T) {
	f := newFixture(t)
	cfg := backup.DefaultCleanerConfig()
	cfg.CleanNowTimeout = 50 * time.Millisecond
	c := f.cleaner(cfg)

	_, err := c.CleanNow(context.Background())
	assert.ErrorIs(t, err, backup.ErrCleanerNeverRan)
}
