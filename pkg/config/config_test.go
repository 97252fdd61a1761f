package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/types"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.HomeDir, cfg.HomeDir)
	assert.Equal(t, 24*time.Hour+10*time.Minute, cfg.Backup.MaxAge)
	assert.Equal(t, 7, cfg.Cleaner.MaxBackups)
	assert.Equal(t, 6*time.Hour, cfg.Hello.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Restore.Window)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, types.StorageDriverLocal, cfg.Backup.Storage.Driver)
	assert.Empty(t, cfg.File)

	limit, err := cfg.Admin.MessageLimit()
	require.NoError(t, err)
	assert.Equal(t, 16<<20, limit)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sagenet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
home_dir: /srv/sagenet
log:
  level: debug
backup:
  max_age: 12h
  storage:
    driver: s3
    endpoint: https://s3.example.com
    bucket: backups
cleaner:
  max_backups: 14
admin:
  max_message_size: 4MB
`), 0o600))
	t.Setenv("SAGENET_BACKUP_SECRET_KEY", "hunter2")
	t.Setenv("SAGENET_HELLO_INTERVAL", "30m")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--log-level", "warn"}))
	v := New()
	require.NoError(t, BindFlags(v, fs))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/srv/sagenet", cfg.HomeDir)
	assert.Equal(t, "warn", cfg.Log.Level, "flags win over the file")
	assert.Equal(t, 12*time.Hour, cfg.Backup.MaxAge)
	assert.Equal(t, 14, cfg.Cleaner.MaxBackups)
	assert.Equal(t, 30*time.Minute, cfg.Hello.Interval)
	assert.Equal(t, types.StorageDriverS3, cfg.Backup.Storage.Driver)
	assert.Equal(t, "backups", cfg.Backup.Storage.Bucket)
	assert.Equal(t, "hunter2", cfg.Backup.Credentials().SecretKey)
	assert.Equal(t, path, cfg.Backup.ConfigFile)
	assert.Equal(t, path, cfg.RestoreTargets().ConfigFile)

	limit, err := cfg.Admin.MessageLimit()
	require.NoError(t, err)
	assert.Equal(t, 4_000_000, limit)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"message size":   "SAGENET_ADMIN_MAX_MESSAGE_SIZE",
		"retention":      "SAGENET_CLEANER_MAX_BACKUPS",
		"storage driver": "SAGENET_BACKUP_STORAGE_DRIVER",
	}
	values := map[string]string{
		"message size":   "lots",
		"retention":      "0",
		"storage driver": "ftp",
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env, values[name])
			_, err := Load(New())
			assert.Error(t, err)
		})
	}

	v := New()
	v.Set(FileKey, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load(v)
	assert.Error(t, err)
}

func TestShowMasksSecrets(t *testing.T) {
	t.Setenv("SAGENET_BACKUP_SECRET_KEY", "hunter2")
	v := New()
	var buf bytes.Buffer
	require.NoError(t, Show(v, &buf))
	assert.NotContains(t, buf.String(), "hunter2")

	var shown map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &shown))
	b := shown["backup"].(map[string]any)
	assert.Equal(t, "********", b["secret_key"])
	assert.Equal(t, "24h10m0s", b["max_age"])
}
