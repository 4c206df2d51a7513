//go:build unix

package progress

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminalWidth probes the controlling terminal's column count via
// TIOCGWINSZ, mirroring the Python original's
// fcntl.ioctl(fd, termios.TIOCGWINSZ, ...) call. Any failure (not a
// terminal, ioctl unsupported) yields the spec's documented fallback.
func terminalWidth() int {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return defaultWidth
	}
	return int(ws.Col)
}
