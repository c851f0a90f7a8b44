//go:build windows

package torrent

import "golang.org/x/sys/windows"

// setSockReuseAddr sets SO_REUSEADDR on fd so a listener can rebind a port
// still in TIME_WAIT after a restart, per §4.10.
func setSockReuseAddr(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
