//go:build windows

package capability

import "os"

// openNoFollowRead opens a capability document for reading.
// Windows has no O_NOFOLLOW; symlink creation there needs privileges.
func openNoFollowRead(path string) (*os.File, error) {
	return os.Open(path)
}
