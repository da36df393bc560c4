package cache

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/metrics"
)

// Namespace is one of the three disjoint storage areas under the cache root.
type Namespace string

const (
	Modules  Namespace = "modules"
	Sources  Namespace = "sources"
	Metadata Namespace = "metadata"
)

// Namespaces lists the cache namespaces.
func Namespaces() []Namespace {
	return []Namespace{Modules, Sources, Metadata}
}

const (
	stagingDir   = "staging"
	nativeDir    = "native"
	legacyDir    = "legacy"
	rootLockFile = ".lock"
	moduleExt    = ".wasm"
	metaExt      = ".json"
)

// DefaultGeneratorVersion is recorded in entries when no version is configured.
const DefaultGeneratorVersion = "wasm-sandbox/1"

// Manager owns the on-disk cache. It is safe for concurrent use, and for use
// by several processes sharing a root.
type Manager struct {
	logger           *zap.Logger
	metrics          *metrics.Metrics
	keys             keyedMutex
	root             string
	publicDir        string
	generatorVersion string
	clearMu          sync.RWMutex
	generation       atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records cache activity on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithGeneratorVersion sets the generator version stamped on new entries.
func WithGeneratorVersion(v string) Option {
	return func(m *Manager) { m.generatorVersion = v }
}

// WithPublicDir names the published documentation directory. Open fails if
// the cache root and this directory overlap.
func WithPublicDir(dir string) Option {
	return func(m *Manager) { m.publicDir = dir }
}

// Open prepares the cache layout under root, creating missing directories.
func Open(root string, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.InvalidConfiguration("cache.root", root, "cache root must be set")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.IO(errors.PhaseCache, "resolve cache root", root, err)
	}
	m := &Manager{
		root:             abs,
		logger:           zap.NewNop(),
		generatorVersion: DefaultGeneratorVersion,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.publicDir != "" {
		pub, err := filepath.Abs(m.publicDir)
		if err != nil {
			return nil, errors.IO(errors.PhaseCache, "resolve public dir", m.publicDir, err)
		}
		if overlaps(abs, pub) {
			return nil, errors.InvalidConfiguration("cache.public_dir", pub,
				"cache root and public documentation directory must be disjoint")
		}
		m.publicDir = pub
	}
	if err := m.ensureLayout(); err != nil {
		return nil, err
	}
	return m, nil
}

func overlaps(a, b string) bool {
	within := func(parent, child string) bool {
		rel, err := filepath.Rel(parent, child)
		if err != nil {
			return false
		}
		return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
	}
	return within(a, b) || within(b, a)
}

func (m *Manager) ensureLayout() error {
	dirs := []string{
		m.dir(Modules),
		filepath.Join(m.dir(Modules), nativeDir),
		m.dir(Sources),
		filepath.Join(m.dir(Metadata), string(Modules)),
		filepath.Join(m.dir(Metadata), string(Sources)),
		filepath.Join(m.dir(Metadata), legacyDir),
		filepath.Join(m.root, stagingDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return errors.IO(errors.PhaseCache, "create directory", d, err)
		}
	}
	return nil
}

// Root returns the absolute cache root.
func (m *Manager) Root() string { return m.root }

// PublicDir returns the configured documentation directory, or "".
func (m *Manager) PublicDir() string { return m.publicDir }

// Generation increments on every Clear.
func (m *Manager) Generation() uint64 { return m.generation.Load() }

// NativeCacheDir is where the runtime keeps natively compiled code. It lives
// inside the modules namespace so Clear removes the compiled code with the
// artifacts.
func (m *Manager) NativeCacheDir() string {
	return filepath.Join(m.dir(Modules), nativeDir)
}

func (m *Manager) dir(ns Namespace) string {
	return filepath.Join(m.root, string(ns))
}

// ModulePath returns the artifact path for key.
func (m *Manager) ModulePath(key digest.Digest) string {
	return filepath.Join(m.dir(Modules), key.Encoded()+moduleExt)
}

func (m *Manager) moduleMetaPath(key digest.Digest) string {
	return filepath.Join(m.dir(Metadata), string(Modules), key.Encoded()+metaExt)
}

// Entry is the metadata record stored for every artifact and source.
type Entry struct {
	CreatedAt        time.Time     `json:"created_at"`
	ContentHash      digest.Digest `json:"content_hash"`
	ArtifactHash     digest.Digest `json:"artifact_hash"`
	Namespace        Namespace     `json:"namespace"`
	Group            string        `json:"group,omitempty"`
	Name             string        `json:"name,omitempty"`
	GeneratorVersion string        `json:"generator_version"`
	Size             int64         `json:"size"`
}

// Artifact is a verified compiled-module artifact read from the cache. Its
// bytes are shared and must not be modified.
type Artifact struct {
	m          *Manager
	bytes      []byte
	Entry      Entry
	Key        digest.Digest
	generation uint64
}

// Bytes returns the artifact contents.
func (a *Artifact) Bytes() []byte { return a.bytes }

// Valid reports whether the cache has not been cleared since a was read.
func (a *Artifact) Valid() bool {
	return a.m.generation.Load() == a.generation
}

func validateKey(key digest.Digest) error {
	if err := key.Validate(); err != nil {
		return errors.New(errors.PhaseCache, errors.KindInvalidInput).
			Value(string(key)).Cause(err).Detail("invalid content hash").Build()
	}
	if key.Algorithm() != digest.SHA256 {
		return errors.New(errors.PhaseCache, errors.KindInvalidInput).
			Value(string(key)).Detail("unsupported digest algorithm %s", key.Algorithm()).Build()
	}
	return nil
}

// HasModule reports whether key has a metadata record. It does not verify.
func (m *Manager) HasModule(key digest.Digest) bool {
	if validateKey(key) != nil {
		return false
	}
	_, err := os.Stat(m.moduleMetaPath(key))
	return err == nil
}

// LoadModule reads and verifies the artifact stored under key. A missing
// entry is a NotFound error. An artifact whose digest no longer matches its
// metadata is evicted and reported as KindCacheCorruption.
func (m *Manager) LoadModule(ctx context.Context, key digest.Digest) (*Artifact, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	a, err := m.loadModuleLocked(key)
	m.metrics.RecordLookup(err == nil)
	return a, err
}

func (m *Manager) loadModuleLocked(key digest.Digest) (*Artifact, error) {
	metaPath := m.moduleMetaPath(key)
	entry, err := readEntry(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(errors.PhaseCache, "module", key.String())
		}
		if errors.KindOf(err) == errors.KindInvalidInput {
			return nil, m.evictCorrupt(Modules, key.String(), []string{metaPath, m.ModulePath(key)}, err)
		}
		return nil, errors.IO(errors.PhaseCache, "read metadata", metaPath, err)
	}
	data, err := os.ReadFile(m.ModulePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			m.evict(metaPath)
			return nil, errors.NotFound(errors.PhaseCache, "module", key.String())
		}
		return nil, errors.IO(errors.PhaseCache, "read artifact", m.ModulePath(key), err)
	}
	if actual := digest.FromBytes(data); actual != entry.ArtifactHash || entry.ContentHash != key {
		return nil, m.evictCorrupt(Modules, key.String(), []string{m.ModulePath(key), metaPath},
			errors.Corruption(m.ModulePath(key), entry.ArtifactHash.String(), actual.String()))
	}
	return &Artifact{
		m:          m,
		Key:        key,
		Entry:      entry,
		bytes:      data,
		generation: m.generation.Load(),
	}, nil
}

// PutModule stores artifact under key. Writes to one key are serialized in
// and across processes; a writer that finds a verified entry already present
// returns it instead of writing again.
func (m *Manager) PutModule(ctx context.Context, key digest.Digest, artifact []byte) (*Artifact, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	var out *Artifact
	err := m.withKeyLock(ctx, "module-"+key.Encoded(), func() error {
		if existing, err := m.loadModuleLocked(key); err == nil {
			out = existing
			return nil
		}
		entry := Entry{
			ContentHash:      key,
			ArtifactHash:     digest.FromBytes(artifact),
			Namespace:        Modules,
			CreatedAt:        time.Now().UTC(),
			GeneratorVersion: m.generatorVersion,
			Size:             int64(len(artifact)),
		}
		if err := m.writeAtomic(m.ModulePath(key), artifact); err != nil {
			return err
		}
		if err := m.writeEntry(m.moduleMetaPath(key), entry); err != nil {
			return err
		}
		m.metrics.RecordWrite(string(Modules))
		m.logger.Debug("stored module artifact",
			zap.String("key", key.String()),
			zap.Int64("size", entry.Size))
		out = &Artifact{m: m, Key: key, Entry: entry, bytes: artifact, generation: m.generation.Load()}
		return nil
	})
	return out, err
}

// RemoveModule deletes the artifact and metadata stored under key.
func (m *Manager) RemoveModule(ctx context.Context, key digest.Digest) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()
	return m.withKeyLock(ctx, "module-"+key.Encoded(), func() error {
		m.evict(m.ModulePath(key), m.moduleMetaPath(key))
		return nil
	})
}

func (m *Manager) evict(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("evict cache file", zap.String("path", p), zap.Error(err))
		}
	}
}

func (m *Manager) evictCorrupt(ns Namespace, name string, paths []string, cause error) error {
	m.evict(paths...)
	m.metrics.RecordCorruption(string(ns))
	m.logger.Warn("evicted corrupt cache entry",
		zap.String("namespace", string(ns)),
		zap.String("entry", name),
		zap.Error(cause))
	if errors.KindOf(cause) == errors.KindCacheCorruption {
		return cause
	}
	return errors.New(errors.PhaseCache, errors.KindCacheCorruption).
		Path(paths[0]).Cause(cause).Detail("unreadable metadata").Build()
}

func readEntry(path string) (Entry, error) {
	var e Entry
	data, err := os.ReadFile(path)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, errors.ParseFailed("cache entry", err)
	}
	return e, nil
}

func (m *Manager) writeEntry(path string, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindIO, err, "encode cache entry")
	}
	return m.writeAtomic(path, data)
}

// Clear deletes and recreates every namespace and the staging area.
// Artifacts read before the call report Valid() == false afterwards.
func (m *Manager) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.clearMu.Lock()
	defer m.clearMu.Unlock()

	return withFileLock(filepath.Join(m.root, rootLockFile), true, func() error {
		if err := m.clearModules(); err != nil {
			return err
		}
		for _, d := range []string{m.dir(Sources), m.dir(Metadata), filepath.Join(m.root, stagingDir)} {
			if err := os.RemoveAll(d); err != nil {
				return errors.IO(errors.PhaseCache, "remove namespace", d, err)
			}
		}
		m.generation.Add(1)
		if err := m.ensureLayout(); err != nil {
			return err
		}
		m.logger.Info("cleared cache", zap.String("root", m.root), zap.Uint64("generation", m.generation.Load()))
		return nil
	})
}

// clearModules empties the modules namespace. Native code files are removed
// but their directories stay, since a live runtime writes into the versioned
// directory it created at startup and never recreates it.
func (m *Manager) clearModules() error {
	native := m.NativeCacheDir()
	entries, err := os.ReadDir(m.dir(Modules))
	if err != nil && !os.IsNotExist(err) {
		return errors.IO(errors.PhaseCache, "read namespace", m.dir(Modules), err)
	}
	for _, e := range entries {
		p := filepath.Join(m.dir(Modules), e.Name())
		if p == native {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return errors.IO(errors.PhaseCache, "remove module", p, err)
		}
	}
	err = filepath.WalkDir(native, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.IO(errors.PhaseCache, "clear native code", native, err)
	}
	return nil
}

// NamespaceStats reports entry count and size of one namespace.
type NamespaceStats struct {
	Namespace Namespace `json:"namespace"`
	Entries   int       `json:"entries"`
	Bytes     int64     `json:"bytes"`
}

// Stats summarizes the cache.
type Stats struct {
	Root       string           `json:"root"`
	Namespaces []NamespaceStats `json:"namespaces"`
	Generation uint64           `json:"generation"`
}

// TotalBytes sums all namespaces.
func (s Stats) TotalBytes() int64 {
	var n int64
	for _, ns := range s.Namespaces {
		n += ns.Bytes
	}
	return n
}

// Stats counts entries and bytes per namespace. Native code under the
// modules namespace counts toward bytes but not entries.
func (m *Manager) Stats() (Stats, error) {
	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	st := Stats{Root: m.root, Generation: m.generation.Load()}
	for _, ns := range Namespaces() {
		s := NamespaceStats{Namespace: ns}
		native := m.NativeCacheDir()
		err := filepath.WalkDir(m.dir(ns), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			s.Bytes += info.Size()
			if ns == Modules && strings.HasPrefix(path, native+string(filepath.Separator)) {
				return nil
			}
			s.Entries++
			return nil
		})
		if err != nil {
			return Stats{}, errors.IO(errors.PhaseCache, "walk namespace", m.dir(ns), err)
		}
		st.Namespaces = append(st.Namespaces, s)
	}
	return st, nil
}
