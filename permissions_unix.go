//go:build !windows
// +build !windows

package gotq

import "os"

func setPermissions(path string, perm uint32) error {

	if perm == 0 {
		return nil
	}

	return os.Chmod(path, os.FileMode(perm).Perm())
}

// makeWritable gives the owner write access back to a file that still has
// chunks to receive, its final bits may be read-only.
func makeWritable(path string) error {

	info, err := os.Stat(path)

	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return err
	}

	if mode := info.Mode().Perm(); mode&0o200 == 0 {
		return os.Chmod(path, mode|0o200)
	}

	return nil
}
