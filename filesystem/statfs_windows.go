//go:build windows

package filesystem

import (
	"fmt"

	"github.com/pkg/sftp"
	"golang.org/x/sys/windows"
)

// StatFS returns the file system status of the volume containing path.
// Windows reports bytes only, so a 4096 byte block is assumed.
func StatFS(path string) (*sftp.StatVFS, error) {
	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes uint64
	dir, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	err = windows.GetDiskFreeSpaceEx(dir, &freeBytesAvailable, &totalNumberOfBytes, &totalNumberOfFreeBytes)
	if err != nil {
		return nil, fmt.Errorf("error getting file system info: %w", err)
	}

	const bsize = 4096
	return &sftp.StatVFS{
		Bsize:   bsize,
		Frsize:  bsize,
		Blocks:  totalNumberOfBytes / bsize,
		Bfree:   totalNumberOfFreeBytes / bsize,
		Bavail:  freeBytesAvailable / bsize,
		Namemax: 255,
	}, nil
}
