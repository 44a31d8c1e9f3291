//go:build linux || darwin

package xattr

import (
	"errors"

	"golang.org/x/sys/unix"
)

func setxattr(path, name string, value []byte) error {
	return unix.Setxattr(path, name, value, 0)
}

func getxattr(path, name string) ([]byte, error) {
	// First call sizes the buffer.
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func removexattr(path, name string) error {
	return unix.Removexattr(path, name)
}

// fallbackError reports whether the error means the filesystem cannot hold
// xattrs at all, in which case the sidecar index takes over.
func fallbackError(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPERM)
}
