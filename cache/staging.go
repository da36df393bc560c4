package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/wippyai/wasm-sandbox/errors"
)

var tempfileCount atomic.Uint64

// stagingName returns a temp file name unique to this process and call, so
// concurrent processes never share a staging file.
func stagingName(dst string) string {
	return fmt.Sprintf("%s.tmp.%d.%d", filepath.Base(dst), os.Getpid(), tempfileCount.Add(1))
}

// stage populates a temporary file in the staging area and publishes it at
// dst with a single rename once fill, fsync and close have all succeeded.
// The temporary file is removed on every other path.
func (m *Manager) stage(dst string, fill func(io.Writer) error) (err error) {
	tmp := filepath.Join(m.root, stagingDir, stagingName(dst))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.IO(errors.PhaseCache, "create staging file", tmp, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if err := fill(f); err != nil {
		return errors.IO(errors.PhaseCache, "write staging file", tmp, err)
	}
	if err := f.Sync(); err != nil {
		return errors.IO(errors.PhaseCache, "sync staging file", tmp, err)
	}
	if err := f.Close(); err != nil {
		return errors.IO(errors.PhaseCache, "close staging file", tmp, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.IO(errors.PhaseCache, "create directory", filepath.Dir(dst), err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.IO(errors.PhaseCache, "publish staging file", dst, err)
	}
	return nil
}

func (m *Manager) writeAtomic(dst string, data []byte) error {
	return m.stage(dst, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
