package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrRemoteFilesystem is returned for database paths on network mounts, where
// SQLite file locking is unreliable.
var ErrRemoteFilesystem = errors.New("sqlite database on network filesystem")

var errDetectUnsupported = errors.New("filesystem detection unsupported on this platform")

var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "smbfs", "smb2", "webdav"}

// checkLocal inspects the nearest existing ancestor of path with detect.
// Platforms without detection pass.
func checkLocal(path string, detect func(string) (string, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}

	dir := abs
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}

	fsType, err := detect(dir)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if isRemote(fsType) {
		return fmt.Errorf("%w: %q is on %s; point state.path at local disk", ErrRemoteFilesystem, path, fsType)
	}
	return nil
}

func isRemote(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, name := range remoteFilesystems {
		if fsType == name {
			return true
		}
	}
	return false
}
