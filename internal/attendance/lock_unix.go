//go:build unix

package attendance

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory flock so readers in other processes (the publisher,
// a dashboard) never see a half-written row.
func lockFile(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
