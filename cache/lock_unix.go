//go:build !windows

package cache

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox/errors"
)

func withFileLock(path string, exclusive bool, fn func() error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.IO(errors.PhaseCache, "open lock file", path, err)
	}
	defer f.Close()

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := flock(f, how); err != nil {
		return errors.IO(errors.PhaseCache, "lock", path, err)
	}
	defer flock(f, unix.LOCK_UN)
	return fn()
}

func flock(f *os.File, how int) error {
	fd := int(f.Fd())
	for {
		err := unix.Flock(fd, how)
		if err == nil || err != unix.EINTR {
			return err
		}
	}
}
