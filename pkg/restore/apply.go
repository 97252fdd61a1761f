package restore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/sagenet/pkg/backup"
	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/klauspost/compress/zstd"
)

// Targets says where Apply puts the staged files
type Targets struct {
	HomeDir string
	// DBFile is replaced by the staged database dump.
	DBFile string
	// ConfigFile and ContentDir are restored when set and staged.
	ConfigFile string
	ContentDir string
}

// Apply installs a staged restore before the object store is opened. The
// self identity comes back marked as restored so NodeIdentity finalizes the
// restore with the sage; the marker stays until then. Apply reports false
// when nothing was staged.
func Apply(t Targets) (bool, error) {
	staging := identity.StagingPath(t.HomeDir)
	if _, err := os.Stat(identity.MarkerPath(t.HomeDir)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	entries, err := os.ReadDir(staging)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(entries) == 0) {
		// Already applied, waiting for the sage to acknowledge.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logger := log.WithComponent("restore")

	if err := decompress(filepath.Join(staging, filepath.FromSlash(backup.DBObject)), t.DBFile); err != nil {
		return false, fmt.Errorf("restore database: %w", err)
	}

	idDir := filepath.Join(staging, filepath.FromSlash(backup.IdentityDir))
	self, err := readNode(idDir, identity.SelfNodeFile)
	if err != nil {
		return false, fmt.Errorf("restore identity: %w", err)
	}
	self.WasRestored = true
	if err := identity.WriteFile(t.HomeDir, identity.SelfNodeFile, self); err != nil {
		return false, err
	}
	for _, name := range []string{identity.SageNodeFile, identity.SageKeyFile} {
		if err := copyFile(filepath.Join(idDir, name), filepath.Join(t.HomeDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("restore %s: %w", name, err)
		}
	}

	if t.ConfigFile != "" {
		if err := copyFile(filepath.Join(staging, backup.ConfigObject), t.ConfigFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("restore config: %w", err)
		}
	}
	if t.ContentDir != "" {
		if err := copyTree(filepath.Join(staging, backup.ContentPrefix), t.ContentDir); err != nil {
			return false, fmt.Errorf("restore content: %w", err)
		}
	}

	if err := os.RemoveAll(staging); err != nil {
		return false, err
	}
	logger.Info().Str("node", self.UUID).Msg("Staged restore applied")
	return true, nil
}

func readNode(dir, name string) (*types.Node, error) {
	n, err := identity.ReadNode(dir, name)
	if err != nil {
		return nil, err
	}
	if n == nil || n.UUID == "" {
		return nil, fmt.Errorf("%s: no node identity", name)
	}
	return n, nil
}

func decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()
	return writeAtomic(dst, dec)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dst, in)
}

func copyTree(src, dst string) error {
	err := filepath.WalkDir(src, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		return copyFile(p, filepath.Join(dst, rel))
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
