package gotq

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpaceFunc returns the bytes available to the user on the filesystem
// holding path.
type FreeSpaceFunc func(path string) (uint64, error)

// DiskFree reports the free space of the mount holding path, or of its
// nearest existing ancestor when path does not exist yet.
func DiskFree(path string) (uint64, error) {

	usage, err := disk.Usage(existingAncestor(path))

	if err != nil {
		return 0, errors.Annotatef(err, "reading disk usage of %s", path)
	}

	return usage.Free, nil
}

func existingAncestor(path string) string {

	path = filepath.Clean(path)

	for {

		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(path)

		if parent == path {
			return path
		}

		path = parent
	}
}
