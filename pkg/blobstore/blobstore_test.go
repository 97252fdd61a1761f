package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sagenet/pkg/types"
)

func newFakeS3(t *testing.T, prefix string) Driver {
	t.Helper()
	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket("backups"))
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)

	d, err := New(types.StorageConfig{
		Driver:   types.StorageDriverS3,
		Endpoint: server.URL,
		Bucket:   "backups",
		Region:   "us-east-1",
		Prefix:   prefix,
	}, types.StorageCredentials{AccessKey: "test", SecretKey: "test"})
	require.NoError(t, err)
	return d
}

func newLocal(t *testing.T, prefix string) Driver {
	t.Helper()
	d, err := New(types.StorageConfig{Driver: types.StorageDriverLocal, BaseDir: t.TempDir(), Prefix: prefix}, types.StorageCredentials{})
	require.NoError(t, err)
	return d
}

func drivers(t *testing.T) map[string]Driver {
	return map[string]Driver{
		"local":        newLocal(t, ""),
		"local-prefix": newLocal(t, "fleet/a"),
		"s3":           newFakeS3(t, ""),
		"s3-prefix":    newFakeS3(t, "fleet/a"),
	}
}

func put(t *testing.T, d Driver, key, body string) {
	t.Helper()
	require.NoError(t, d.Write(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func TestDriverRoundTrip(t *testing.T) {
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put(t, d, "home_20240101/config.yaml", "a: 1")
			put(t, d, "home_20240101/db/sagenet.db.zst", "dump")
			put(t, d, "home_20240102/config.yaml", "a: 2")

			r, err := d.Read(ctx, "home_20240101/config.yaml")
			require.NoError(t, err)
			body, err := io.ReadAll(r)
			r.Close()
			require.NoError(t, err)
			assert.Equal(t, "a: 1", string(body))

			keys, err := d.List(ctx, "home_20240101/")
			require.NoError(t, err)
			assert.Equal(t, []string{"home_20240101/config.yaml", "home_20240101/db/sagenet.db.zst"}, keys)

			require.NoError(t, d.Delete(ctx, "home_20240101/"))
			keys, err = d.List(ctx, "home_")
			require.NoError(t, err)
			assert.Equal(t, []string{"home_20240102/config.yaml"}, keys)

			_, err = d.Read(ctx, "home_20240101/config.yaml")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDriverRejectsEscapingKeys(t *testing.T) {
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			err := d.Write(context.Background(), "../outside", bytes.NewReader(nil), 0)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestUploadAndFetchDir(t *testing.T) {
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := t.TempDir()
			require.NoError(t, os.MkdirAll(filepath.Join(src, "identity"), 0o700))
			require.NoError(t, os.WriteFile(filepath.Join(src, "config.yaml"), []byte("x"), 0o600))
			require.NoError(t, os.WriteFile(filepath.Join(src, "identity", "self_node.json"), []byte(`{"uuid":"u1"}`), 0o600))

			files, size, err := UploadDir(ctx, d, src, "home_20240101")
			require.NoError(t, err)
			assert.Equal(t, 2, files)
			assert.EqualValues(t, 14, size)

			dst := t.TempDir()
			files, _, err = FetchDir(ctx, d, "home_20240101", dst)
			require.NoError(t, err)
			assert.Equal(t, 2, files)

			data, err := os.ReadFile(filepath.Join(dst, "identity", "self_node.json"))
			require.NoError(t, err)
			assert.Equal(t, `{"uuid":"u1"}`, string(data))
		})
	}
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(types.StorageConfig{Driver: "ftp"}, types.StorageCredentials{})
	assert.Error(t, err)

	_, err = New(types.StorageConfig{Driver: types.StorageDriverS3}, types.StorageCredentials{})
	assert.Error(t, err, "s3 needs endpoint and bucket")
}
