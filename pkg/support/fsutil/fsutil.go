// Package fsutil holds the few file system helpers the trainer needs to
// resolve and prepare its data and output directories.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists reports whether the file or directory exists. It returns an
// error only when the file system refused to answer.
func FileExists(p string) (bool, error) {
	_, err := os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, errors.Wrapf(err, "stat %q", p)
	}
}

// EnsureDir creates dir and any missing parents. It is a no-op if dir
// already exists.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating directory %q", dir)
	}
	return nil
}

// ReplaceTildeInDir expands a leading "~" or "~user" prefix to the
// corresponding home directory. Anything else is returned unchanged.
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], "/")
	var usr *user.User
	var err error
	switch userName {
	case "":
		usr, err = user.Current()
	default:
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "resolving home directory for path %q", dir)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}
