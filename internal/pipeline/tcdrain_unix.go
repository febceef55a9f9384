//go:build linux

package pipeline

import (
	"os"

	"golang.org/x/sys/unix"
)

// termDrain issues the TCSBRK(fd, 1) ioctl, Linux's tcdrain(3)
// equivalent: block until all output written to the terminal has been
// transmitted.
func termDrain(f *os.File) error {
	return unix.IoctlSetInt(int(f.Fd()), unix.TCSBRK, 1)
}
