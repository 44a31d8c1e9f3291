//go:build !linux

package autolock

import "errors"

var errUnsupported = errors.New("open-file enumeration not supported on this platform")

// listOpenFiles has no portable implementation; the worker idles.
func listOpenFiles() (map[string]int64, error) {
	return nil, errUnsupported
}
