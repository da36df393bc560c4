//go:build windows

package cache

import (
	"os"

	"golang.org/x/sys/windows"

	"github.com/wippyai/wasm-sandbox/errors"
)

func withFileLock(path string, exclusive bool, fn func() error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.IO(errors.PhaseCache, "open lock file", path, err)
	}
	defer f.Close()

	var flags uint32
	if exclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(h, flags, 0, 1, 0, ol); err != nil {
		return errors.IO(errors.PhaseCache, "lock", path, err)
	}
	defer windows.UnlockFileEx(h, 0, 1, 0, ol)
	return fn()
}
