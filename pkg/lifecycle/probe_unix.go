//go:build linux || darwin

package lifecycle

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// InForeground implements ForegroundProbe
func (p TerminalProbe) InForeground() (bool, error) {
	tty, err := os.OpenFile(p.path(), os.O_RDONLY, 0)
	if err != nil {
		// ENXIO: no controlling terminal
		if errors.Is(err, unix.ENXIO) || errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer tty.Close()

	tpgrp, err := unix.IoctlGetInt(int(tty.Fd()), unix.TIOCGPGRP)
	if err != nil {
		if errors.Is(err, unix.ENOTTY) {
			return false, nil
		}
		return false, err
	}

	return tpgrp == unix.Getpgrp(), nil
}
