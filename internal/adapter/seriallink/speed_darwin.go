//go:build darwin

package seriallink

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint64{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// setSpeed relies on Darwin speeds being the numeric rate.
func setSpeed(fd int, baud int) error {
	speed, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	t, err := unix.IoctlGetTermios(fd, unix.TIOCGETA)
	if err != nil {
		return err
	}
	t.Ispeed = speed
	t.Ospeed = speed
	return unix.IoctlSetTermios(fd, unix.TIOCSETA, t)
}

var defaultGlobs = []string{"/dev/cu.usbserial*", "/dev/cu.usbmodem*"}
