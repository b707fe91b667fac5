//go:build darwin || dragonfly || freebsd || illumos || linux || netbsd || openbsd

package bitcask

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

func lockExclusive(file *os.File) error {
	err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return ErrLocked
	}
	return errors.Wrap(err, "flock")
}
