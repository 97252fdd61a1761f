package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuemby/sagenet/pkg/types"
)

var (
	// ErrNotFound is returned when no object exists under a key
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey is returned for keys that escape the store root
	ErrInvalidKey = errors.New("invalid key")
)

// Driver stores backup files under slash separated keys
type Driver interface {
	// Write stores r under key. size may be -1 when unknown.
	Write(ctx context.Context, key string, r io.Reader, size int64) error
	// Read opens the object under key. Missing objects yield ErrNotFound.
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes every object whose key starts with prefix.
	Delete(ctx context.Context, prefix string) error
}

// New builds the driver described by cfg
func New(cfg types.StorageConfig, creds types.StorageCredentials) (Driver, error) {
	switch cfg.Driver {
	case types.StorageDriverS3:
		return NewS3Driver(cfg, creds)
	case types.StorageDriverLocal, "":
		return NewLocalDriver(cfg.BaseDir, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimSuffix(strings.TrimPrefix(key, "/"), "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// UploadDir writes every regular file under dir to prefix/<relative path>
// and returns how many files and bytes were stored.
func UploadDir(ctx context.Context, d Driver, dir, prefix string) (files int, size int64, err error) {
	err = filepath.WalkDir(dir, func(p string, entry fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := d.Write(ctx, path.Join(prefix, filepath.ToSlash(rel)), f, info.Size()); err != nil {
			return err
		}
		files++
		size += info.Size()
		return nil
	})
	return files, size, err
}

// FetchDir copies every object under prefix into dir, recreating the key
// layout below prefix.
func FetchDir(ctx context.Context, d Driver, prefix, dir string) (files int, size int64, err error) {
	keys, err := d.List(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}
	base := strings.TrimSuffix(prefix, "/") + "/"
	for _, key := range keys {
		rel, err := cleanKey(strings.TrimPrefix(key, base))
		if err != nil {
			return files, size, err
		}
		n, err := fetchFile(ctx, d, key, filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return files, size, err
		}
		files++
		size += n
	}
	return files, size, nil
}

func fetchFile(ctx context.Context, d Driver, key, dst string) (int64, error) {
	r, err := d.Read(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("fetch %s: %w", key, err)
	}
	return n, nil
}
