//go:build linux

package autolock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// listOpenFiles walks /proc/<pid>/fd and resolves each descriptor to its
// target path. Processes we may not inspect are skipped silently.
func listOpenFiles() (map[string]int64, error) {
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	open := make(map[string]int64)
	buf := make([]byte, 4096)
	for _, proc := range procs {
		pid, err := strconv.ParseInt(proc.Name(), 10, 64)
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", proc.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			n, err := unix.Readlink(filepath.Join(fdDir, fd.Name()), buf)
			if err != nil || n <= 0 {
				continue
			}
			target := string(buf[:n])
			// Sockets, pipes and deleted files are not documents.
			if !strings.HasPrefix(target, "/") || strings.HasSuffix(target, " (deleted)") {
				continue
			}
			open[target] = pid
		}
	}
	return open, nil
}
