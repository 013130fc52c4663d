//go:build unix

package safety

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// probeLock reports whether another open file description holds an
// exclusive flock on dir. The probe lock is released before returning.
func probeLock(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
