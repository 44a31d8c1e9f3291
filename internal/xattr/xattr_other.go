//go:build !linux && !darwin

package xattr

import "errors"

var errUnsupported = errors.New("extended attributes not supported on this platform")

func setxattr(path, name string, value []byte) error { return errUnsupported }

func getxattr(path, name string) ([]byte, error) { return nil, errUnsupported }

func removexattr(path, name string) error { return errUnsupported }

func fallbackError(err error) bool { return errors.Is(err, errUnsupported) }
