//go:build !windows

package integrity

import "os"

// atomicRename renames src to dst atomically. On POSIX, rename(2) already
// atomically replaces an existing destination within the same filesystem.
func atomicRename(src, dst string) error {
	return os.Rename(src, dst)
}
