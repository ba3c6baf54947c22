//go:build windows

package ops

import (
	"os"

	"github.com/hpungsan/prism/internal/errors"
)

// openFileNoFollow has no O_NOFOLLOW on Windows; ValidatePath rejects
// symlinks before this is reached.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound(path)
		}
		return nil, err
	}
	return f, nil
}

func openFileNoFollowRead(path string) (*os.File, error) {
	return openFileNoFollow(path, os.O_RDONLY, 0)
}
