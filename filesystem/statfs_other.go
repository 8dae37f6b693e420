//go:build !linux && !darwin && !windows

package filesystem

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/pkg/sftp"
)

// StatFS is not available on this platform
func StatFS(path string) (*sftp.StatVFS, error) {
	return nil, fmt.Errorf("%w: statfs on %s", errors.ErrUnsupported, runtime.GOOS)
}
