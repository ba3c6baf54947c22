//go:build !windows

package capability

import (
	stderrors "errors"
	"fmt"
	"os"
	"syscall"
)

// openNoFollowRead opens a capability document for reading. O_NOFOLLOW
// refuses a symlink planted at the final path component.
func openNoFollowRead(path string) (*os.File, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("refusing to read symlink %s", path)
		}
		if stderrors.Is(err, syscall.ENOENT) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}
