package platform

import "golang.org/x/sys/unix"

// IsTerminal reports whether fd is attached to a terminal. The console
// logger uses this to resolve the tty colour policy: ANSI codes are only
// emitted when a human will see them.
func IsTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}
