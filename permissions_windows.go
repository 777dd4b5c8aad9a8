//go:build windows
// +build windows

package gotq

// Unix permission bits mean nothing here, chmod would only toggle the
// read-only attribute.
func setPermissions(path string, perm uint32) error {
	return nil
}

func makeWritable(path string) error {
	return nil
}
