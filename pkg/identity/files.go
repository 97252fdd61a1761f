package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/sagenet/pkg/types"
)

// Files kept in the node's home directory
const (
	SelfNodeFile = "self_node.json"
	SageNodeFile = "sage_node.json"
	SageKeyFile  = "sage_key.json"

	// RestoreMarkerFile exists while a staged restore has not been
	// acknowledged by the sage.
	RestoreMarkerFile = ".restore"

	// RestoreStagingDir receives backup files fetched during a restore.
	RestoreStagingDir = "restore"
)

// MarkerPath returns the restore marker location under home.
func MarkerPath(home string) string {
	return filepath.Join(home, RestoreMarkerFile)
}

// StagingPath returns the restore staging directory under home.
func StagingPath(home string) string {
	return filepath.Join(home, RestoreStagingDir)
}

// readJSON decodes path into a new T. A missing file yields nil, nil.
func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &v, nil
}

// writeJSON replaces path atomically with the encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteFile stores v as JSON at name under home, replacing any previous
// content. Activation and restore use it to lay down identity files.
func WriteFile(home, name string, v any) error {
	return writeJSON(filepath.Join(home, name), v)
}

// ReadNode decodes the node file name under dir. A missing file yields
// nil, nil.
func ReadNode(dir, name string) (*types.Node, error) {
	return readJSON[types.Node](filepath.Join(dir, name))
}
