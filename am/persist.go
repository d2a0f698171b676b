package am

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/labshot/labshot/errors"
)

// Persist writes cfg to path as TOML. The write goes to a temp file in the
// same directory followed by a rename, so readers never observe a torn file.
func Persist(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "creating config directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".labshot-*.toml")
	if err != nil {
		return errors.Wrap(err, "creating temp config file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp config file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp config file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp config file")
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "setting config file permissions")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "replacing config file %s", path)
	}
	return nil
}
