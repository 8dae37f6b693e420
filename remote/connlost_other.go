//go:build !unix && !windows

package remote

func isConnErrno(err error) bool {
	return false
}
