//go:build windows

package integrity

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// atomicRename renames src to dst atomically on Windows. Plain os.Rename
// refuses to replace an existing file on this platform, so this calls
// MoveFileEx directly with MOVEFILE_REPLACE_EXISTING (the spec's Open
// Question §E.3 names this as the required primitive without prescribing
// a library; golang.org/x/sys is the teacher's own indirect dependency
// already carrying the windows build tag for go-winio, so it is the
// natural choice here too).
func atomicRename(src, dst string) error {
	srcPtr, err := windows.UTF16PtrFromString(src)
	if err != nil {
		return fmt.Errorf("encode src path: %w", err)
	}
	dstPtr, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return fmt.Errorf("encode dst path: %w", err)
	}
	return windows.MoveFileEx(srcPtr, dstPtr, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}
