package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
)

// staleStaging is how old a staging file must be before Verify treats it as
// left behind by a crashed writer.
const staleStaging = time.Hour

// VerifyReport lists what Verify found and removed.
type VerifyReport struct {
	Corrupt  []string `json:"corrupt,omitempty"`
	Orphaned []string `json:"orphaned,omitempty"`
	Stale    []string `json:"stale,omitempty"`
	Checked  int      `json:"checked"`
}

// Evicted is the number of entries removed.
func (r VerifyReport) Evicted() int {
	return len(r.Corrupt) + len(r.Orphaned)
}

// Verify re-hashes every module and source against its metadata, evicting
// corrupt entries, metadata without content and content without metadata.
// Stale staging files are removed as well.
func (m *Manager) Verify(ctx context.Context) (VerifyReport, error) {
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	var rep VerifyReport
	if err := m.verifyModules(ctx, &rep); err != nil {
		return rep, err
	}
	if err := m.verifySources(ctx, &rep); err != nil {
		return rep, err
	}
	if err := m.sweepStaging(&rep); err != nil {
		return rep, err
	}
	m.logger.Info("verified cache",
		zap.Int("checked", rep.Checked),
		zap.Int("corrupt", len(rep.Corrupt)),
		zap.Int("orphaned", len(rep.Orphaned)))
	return rep, nil
}

func (m *Manager) verifyModules(ctx context.Context, rep *VerifyReport) error {
	metaDir := filepath.Join(m.dir(Metadata), string(Modules))
	seen := make(map[string]bool)

	metas, err := os.ReadDir(metaDir)
	if err != nil {
		return errors.IO(errors.PhaseCache, "read directory", metaDir, err)
	}
	for _, de := range metas {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := de.Name()
		if de.IsDir() || filepath.Ext(name) != metaExt {
			continue
		}
		encoded := strings.TrimSuffix(name, metaExt)
		seen[encoded] = true
		key := digest.NewDigestFromEncoded(digest.SHA256, encoded)
		rep.Checked++

		err := m.withKeyLock(ctx, "module-"+encoded, func() error {
			_, err := m.loadModuleLocked(key)
			return err
		})
		switch errors.KindOf(err) {
		case "":
		case errors.KindCacheCorruption:
			rep.Corrupt = append(rep.Corrupt, key.String())
		case errors.KindNotFound:
			rep.Orphaned = append(rep.Orphaned, key.String())
		default:
			return err
		}
	}

	mods, err := os.ReadDir(m.dir(Modules))
	if err != nil {
		return errors.IO(errors.PhaseCache, "read directory", m.dir(Modules), err)
	}
	for _, de := range mods {
		name := de.Name()
		if de.IsDir() || filepath.Ext(name) != moduleExt {
			continue
		}
		encoded := strings.TrimSuffix(name, moduleExt)
		if seen[encoded] {
			continue
		}
		key := digest.NewDigestFromEncoded(digest.SHA256, encoded)
		rep.Checked++
		// A writer renames the artifact before writing its metadata, so the
		// metadata is checked again under the writer lock.
		var orphan bool
		err := m.withKeyLock(ctx, "module-"+encoded, func() error {
			if _, err := os.Stat(m.moduleMetaPath(key)); !os.IsNotExist(err) {
				return nil
			}
			orphan = true
			m.evict(filepath.Join(m.dir(Modules), name))
			return nil
		})
		if err != nil {
			return err
		}
		if orphan {
			rep.Orphaned = append(rep.Orphaned, key.String())
		}
	}
	return nil
}

func (m *Manager) verifySources(ctx context.Context, rep *VerifyReport) error {
	metaRoot := filepath.Join(m.dir(Metadata), string(Sources))
	seen := make(map[string]bool)

	err := filepath.WalkDir(metaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != metaExt {
			return nil
		}
		rel, err := filepath.Rel(metaRoot, strings.TrimSuffix(path, metaExt))
		if err != nil {
			return err
		}
		group, name := filepath.Split(rel)
		group = filepath.Clean(group)
		seen[rel] = true
		rep.Checked++

		var rerr error
		if rerr = validGroupName(group, name); rerr == nil {
			rerr = m.withKeyLock(ctx, pathKey("source", group, name), func() error {
				_, _, err := m.readSourceLocked(group, name)
				return err
			})
		}

		switch errors.KindOf(rerr) {
		case "":
		case errors.KindCacheCorruption:
			rep.Corrupt = append(rep.Corrupt, filepath.ToSlash(rel))
		case errors.KindNotFound, errors.KindInvalidInput:
			m.evict(path)
			rep.Orphaned = append(rep.Orphaned, filepath.ToSlash(rel))
		default:
			return rerr
		}
		return nil
	})
	if err != nil {
		return errors.IO(errors.PhaseCache, "verify sources", metaRoot, err)
	}

	srcRoot := m.dir(Sources)
	err = filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if seen[rel] {
			return nil
		}
		rep.Checked++
		group, name := filepath.Split(rel)
		group = filepath.Clean(group)
		if validGroupName(group, name) != nil {
			m.evict(path)
			rep.Orphaned = append(rep.Orphaned, filepath.ToSlash(rel))
			return nil
		}
		var orphan bool
		lerr := m.withKeyLock(ctx, pathKey("source", group, name), func() error {
			if _, err := os.Stat(m.sourceMetaPath(group, name)); !os.IsNotExist(err) {
				return nil
			}
			orphan = true
			m.evict(path)
			return nil
		})
		if lerr != nil {
			return lerr
		}
		if orphan {
			rep.Orphaned = append(rep.Orphaned, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return errors.IO(errors.PhaseCache, "verify sources", srcRoot, err)
	}
	return nil
}

func (m *Manager) sweepStaging(rep *VerifyReport) error {
	dir := filepath.Join(m.root, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.IO(errors.PhaseCache, "read directory", dir, err)
	}
	cutoff := time.Now().Add(-staleStaging)
	for _, de := range entries {
		if de.IsDir() || !strings.Contains(de.Name(), ".tmp.") {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		m.evict(filepath.Join(dir, de.Name()))
		rep.Stale = append(rep.Stale, de.Name())
	}
	return nil
}
