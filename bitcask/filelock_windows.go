//go:build windows

package bitcask

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func lockExclusive(file *os.File) error {
	flags := uint32(windows.LOCKFILE_FAIL_IMMEDIATELY | windows.LOCKFILE_EXCLUSIVE_LOCK)
	err := windows.LockFileEx(windows.Handle(file.Fd()), flags, 0, 1, 0, &windows.Overlapped{})
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return ErrLocked
	}
	return errors.Wrap(err, "LockFileEx")
}
