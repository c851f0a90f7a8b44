//go:build !windows

package torrent

import "golang.org/x/sys/unix"

// setSockReuseAddr sets SO_REUSEADDR on fd so a listener can rebind a port
// still in TIME_WAIT after a restart, per §4.10.
func setSockReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
