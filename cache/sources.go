package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
)

// validName rejects names that could escape their namespace.
func validName(field, s string) error {
	if s == "" || s == "." || s == ".." ||
		strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return errors.New(errors.PhaseCache, errors.KindInvalidInput).
			Path(field).Value(s).Detail("invalid %s %q", field, s).Build()
	}
	return nil
}

func validGroupName(group, name string) error {
	if err := validName("group", group); err != nil {
		return err
	}
	return validName("name", name)
}

// pathKey names the writer lock of a group/name destination.
func pathKey(kind, group, name string) string {
	return kind + "-" + digest.FromString(group+"/"+name).Encoded()
}

func (m *Manager) sourcePath(group, name string) string {
	return filepath.Join(m.dir(Sources), group, name)
}

func (m *Manager) sourceMetaPath(group, name string) string {
	return filepath.Join(m.dir(Metadata), string(Sources), group, name+metaExt)
}

func (m *Manager) legacyPath(group, name string) string {
	return filepath.Join(m.dir(Metadata), legacyDir, group, name)
}

// PutSource stores a generated source or derived file under group/name.
func (m *Manager) PutSource(ctx context.Context, group, name string, data []byte) (Entry, error) {
	if err := validGroupName(group, name); err != nil {
		return Entry{}, err
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	d := digest.FromBytes(data)
	entry := Entry{
		ContentHash:      d,
		ArtifactHash:     d,
		Namespace:        Sources,
		Group:            group,
		Name:             name,
		CreatedAt:        time.Now().UTC(),
		GeneratorVersion: m.generatorVersion,
		Size:             int64(len(data)),
	}
	err := m.withKeyLock(ctx, pathKey("source", group, name), func() error {
		if err := m.writeAtomic(m.sourcePath(group, name), data); err != nil {
			return err
		}
		return m.writeEntry(m.sourceMetaPath(group, name), entry)
	})
	if err != nil {
		return Entry{}, err
	}
	m.metrics.RecordWrite(string(Sources))
	return entry, nil
}

// ReadSource returns a verified source. A digest mismatch evicts the entry
// and returns KindCacheCorruption.
func (m *Manager) ReadSource(group, name string) ([]byte, Entry, error) {
	if err := validGroupName(group, name); err != nil {
		return nil, Entry{}, err
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()
	return m.readSourceLocked(group, name)
}

func (m *Manager) readSourceLocked(group, name string) ([]byte, Entry, error) {
	metaPath := m.sourceMetaPath(group, name)
	entry, err := readEntry(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Entry{}, errors.NotFound(errors.PhaseCache, "source", group+"/"+name)
		}
		if errors.KindOf(err) == errors.KindInvalidInput {
			return nil, Entry{}, m.evictCorrupt(Sources, group+"/"+name, []string{metaPath, m.sourcePath(group, name)}, err)
		}
		return nil, Entry{}, errors.IO(errors.PhaseCache, "read metadata", metaPath, err)
	}
	data, err := os.ReadFile(m.sourcePath(group, name))
	if err != nil {
		if os.IsNotExist(err) {
			m.evict(metaPath)
			return nil, Entry{}, errors.NotFound(errors.PhaseCache, "source", group+"/"+name)
		}
		return nil, Entry{}, errors.IO(errors.PhaseCache, "read source", m.sourcePath(group, name), err)
	}
	if actual := digest.FromBytes(data); actual != entry.ArtifactHash {
		return nil, Entry{}, m.evictCorrupt(Sources, group+"/"+name, []string{m.sourcePath(group, name), metaPath},
			errors.Corruption(m.sourcePath(group, name), entry.ArtifactHash.String(), actual.String()))
	}
	return data, entry, nil
}

// HasSource reports whether group/name is stored with content digest d.
func (m *Manager) HasSource(group, name string, d digest.Digest) bool {
	if validGroupName(group, name) != nil {
		return false
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	entry, err := readEntry(m.sourceMetaPath(group, name))
	if err != nil || entry.ContentHash != d {
		return false
	}
	data, err := os.ReadFile(m.sourcePath(group, name))
	return err == nil && digest.FromBytes(data) == d
}

// ListSources returns the metadata of every stored source, sorted by group
// then name.
func (m *Manager) ListSources() ([]Entry, error) {
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	var out []Entry
	root := filepath.Join(m.dir(Metadata), string(Sources))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != metaExt {
			return nil
		}
		e, err := readEntry(path)
		if err != nil {
			m.logger.Warn("skip unreadable source metadata", zap.String("path", path), zap.Error(err))
			return nil
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, errors.IO(errors.PhaseCache, "list sources", root, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// PutLegacyMetadata stores an integrity file carried over from a legacy
// layout under metadata/legacy/group/name.
func (m *Manager) PutLegacyMetadata(ctx context.Context, group, name string, data []byte) error {
	if err := validGroupName(group, name); err != nil {
		return err
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	err := m.withKeyLock(ctx, pathKey("legacy", group, name), func() error {
		return m.writeAtomic(m.legacyPath(group, name), data)
	})
	if err == nil {
		m.metrics.RecordWrite(string(Metadata))
	}
	return err
}

// HasLegacyMetadata reports whether group/name is stored with digest d.
func (m *Manager) HasLegacyMetadata(group, name string, d digest.Digest) bool {
	if validGroupName(group, name) != nil {
		return false
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	data, err := os.ReadFile(m.legacyPath(group, name))
	return err == nil && digest.FromBytes(data) == d
}

// ReadLegacyMetadata returns a stored legacy integrity file.
func (m *Manager) ReadLegacyMetadata(group, name string) ([]byte, error) {
	if err := validGroupName(group, name); err != nil {
		return nil, err
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	data, err := os.ReadFile(m.legacyPath(group, name))
	if os.IsNotExist(err) {
		return nil, errors.NotFound(errors.PhaseCache, "legacy metadata", group+"/"+name)
	}
	if err != nil {
		return nil, errors.IO(errors.PhaseCache, "read legacy metadata", m.legacyPath(group, name), err)
	}
	return data, nil
}
