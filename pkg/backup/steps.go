package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/sagenet/pkg/blobstore"
	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Object names inside a backup directory
const (
	ConfigObject  = "config.yaml"
	DBObject      = "db/sagenet.db.zst"
	IdentityDir   = "identity/"
	KeysObject    = "keys/keys.json"
	ContentPrefix = "content"
)

type step struct {
	name string
	run  func(ctx context.Context, self *types.Node, b *types.Backup) (int64, error)
}

func (o *Orchestrator) steps() []step {
	return []step{
		{"config", o.backupConfig},
		{"database", o.backupDB},
		{"identity", o.backupIdentity},
		{"keys", o.backupKeys},
		{"content", o.backupContent},
	}
}

// runSteps performs every step in order and stops at the first failure.
func (o *Orchestrator) runSteps(ctx context.Context, self *types.Node, b *types.Backup, logger zerolog.Logger) (int64, error) {
	var total int64
	for _, s := range o.steps() {
		n, err := s.run(ctx, self, b)
		if err != nil {
			return total, fmt.Errorf("%s: %w", s.name, err)
		}
		logger.Info().Str("step", s.name).Str("size", humanize.IBytes(uint64(n))).Msg("Backup step done")
		total += n
	}
	return total, nil
}

func (o *Orchestrator) backupConfig(ctx context.Context, self *types.Node, b *types.Backup) (int64, error) {
	if o.cfg.ConfigFile == "" {
		return 0, nil
	}
	n, err := o.writeFile(ctx, b.Path+ConfigObject, o.cfg.ConfigFile)
	if errors.Is(err, fs.ErrNotExist) {
		o.logger.Warn().Str("file", o.cfg.ConfigFile).Msg("Config file not found, not backing up")
		return 0, nil
	}
	return n, err
}

// backupDB compresses a consistent dump of the object store into a temp
// file, then uploads it with a known size.
func (o *Orchestrator) backupDB(ctx context.Context, self *types.Node, b *types.Backup) (int64, error) {
	tmp, err := os.CreateTemp("", "sagenet-dump-*.zst")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		return 0, err
	}
	raw, err := o.dumper.Dump(enc)
	if err != nil {
		enc.Close()
		return 0, fmt.Errorf("dump: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		return 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	o.logger.Debug().
		Str("raw", humanize.IBytes(uint64(raw))).
		Str("compressed", humanize.IBytes(uint64(info.Size()))).
		Msg("Database dumped")
	if err := o.driver.Write(ctx, b.Path+DBObject, tmp, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// backupIdentity copies the identity files. self_node.json is required;
// the sage files only exist on nodes that have a sage.
func (o *Orchestrator) backupIdentity(ctx context.Context, self *types.Node, b *types.Backup) (int64, error) {
	home := o.identity.HomeDir()
	var total int64
	for _, name := range []string{identity.SelfNodeFile, identity.SageNodeFile, identity.SageKeyFile} {
		n, err := o.writeFile(ctx, b.Path+IdentityDir+name, filepath.Join(home, name))
		if errors.Is(err, fs.ErrNotExist) && name != identity.SelfNodeFile {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// backupKeys stores this node's key records.
func (o *Orchestrator) backupKeys(ctx context.Context, self *types.Node, b *types.Backup) (int64, error) {
	keys, err := o.store.ListNodeKeysByNode(self.UUID)
	if err != nil {
		return 0, err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := o.driver.Write(ctx, b.Path+KeysObject, bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (o *Orchestrator) backupContent(ctx context.Context, self *types.Node, b *types.Backup) (int64, error) {
	if o.cfg.ContentDir == "" {
		return 0, nil
	}
	if _, err := os.Stat(o.cfg.ContentDir); errors.Is(err, fs.ErrNotExist) {
		o.logger.Warn().Str("dir", o.cfg.ContentDir).Msg("Content directory not found, not backing up")
		return 0, nil
	}
	files, size, err := blobstore.UploadDir(ctx, o.driver, o.cfg.ContentDir, b.Path+ContentPrefix)
	if err != nil {
		return size, err
	}
	o.logger.Debug().Int("files", files).Msg("Content mirrored")
	return size, nil
}

func (o *Orchestrator) writeFile(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := o.driver.Write(ctx, key, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
