package migrate

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/metrics"
)

// Compiler precompiles module bytes into the cache and returns their key.
// The engine satisfies it.
type Compiler interface {
	Compile(ctx context.Context, src []byte) (digest.Digest, error)
}

// Manager moves derived artifacts out of legacy directories into a cache.
type Manager struct {
	cache    *cache.Manager
	compiler Compiler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   *metrics.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the migration logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics counts migrated items by status on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTracer wraps each run in a span.
func WithTracer(t *metrics.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// New creates a migration manager writing into c. Modules are compiled
// through compiler so only valid modules land in the cache.
func New(c *cache.Manager, compiler Compiler, opts ...Option) (*Manager, error) {
	if c == nil {
		return nil, errors.InvalidConfiguration("cache", nil, "migration requires a cache")
	}
	if compiler == nil {
		return nil, errors.InvalidConfiguration("compiler", nil, "migration requires a compiler")
	}
	m := &Manager{cache: c, compiler: compiler, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run migrates legacyDir. With dryRun the plan is computed and returned
// without modifying the legacy directory or the cache.
//
// Items are processed one at a time. A failing item is marked Failed with
// its error and the run continues; the returned error is reserved for
// problems with the run itself, such as an unreadable legacy directory.
func (m *Manager) Run(ctx context.Context, legacyDir string, dryRun bool) (plan *Plan, err error) {
	ctx, span := m.tracer.StartSpan(ctx, "migrate", metrics.AttrDryRun.Bool(dryRun))
	defer func() { metrics.EndSpan(span, err) }()

	plan, err = m.Scan(ctx, legacyDir)
	if err != nil {
		return nil, err
	}
	plan.DryRun = dryRun

	for i := range plan.Items {
		if err := ctx.Err(); err != nil {
			return plan, errors.Wrap(errors.PhaseMigrate, errors.KindCancelled, err, "migration interrupted")
		}
		it := &plan.Items[i]
		if dryRun {
			m.preview(it)
			continue
		}
		m.apply(ctx, it)
		m.metrics.RecordMigration(it.Status.String())
		m.logItem(it)
	}
	if !dryRun {
		pruneEmptyDirs(plan)
	}

	s := plan.Summary()
	m.logger.Info("migration finished",
		zap.String("dir", plan.Root),
		zap.Bool("dry_run", dryRun),
		zap.Int("moved", s.Moved),
		zap.Int("skipped", s.Skipped),
		zap.Int("failed", s.Failed),
		zap.Int("pending", s.Pending))
	return plan, nil
}

// Scan walks legacyDir and classifies every regular file. Documentation and
// unknown files are left out of the plan. Items are ordered by path.
func (m *Manager) Scan(ctx context.Context, legacyDir string) (*Plan, error) {
	root, err := filepath.Abs(legacyDir)
	if err != nil {
		return nil, errors.IO(errors.PhaseMigrate, "resolve legacy dir", legacyDir, err)
	}
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil, errors.NotFound(errors.PhaseMigrate, "legacy directory", legacyDir)
	}
	if err != nil {
		return nil, errors.IO(errors.PhaseMigrate, "stat legacy dir", root, err)
	}
	if !info.IsDir() {
		return nil, errors.InvalidInput(errors.PhaseMigrate, root+" is not a directory")
	}
	if within(m.cache.Root(), root) || within(root, m.cache.Root()) {
		return nil, errors.InvalidConfiguration("legacy_dir", root, "legacy directory overlaps the cache root")
	}

	plan := &Plan{Root: root}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if IsDocumentation(path) {
			plan.Documents++
			return nil
		}
		ns, ok := classify(path)
		if !ok {
			return nil
		}
		group, name := placement(root, rel)
		plan.Items = append(plan.Items, Item{
			LegacyPath: path,
			Namespace:  ns,
			Group:      group,
			Name:       name,
		})
		return nil
	})
	if err != nil {
		return nil, errors.IO(errors.PhaseMigrate, "scan legacy dir", root, err)
	}
	sort.Slice(plan.Items, func(i, j int) bool { return plan.Items[i].LegacyPath < plan.Items[j].LegacyPath })
	return plan, nil
}

// preview fills the key and marks items that are already migrated.
func (m *Manager) preview(it *Item) {
	data, err := os.ReadFile(it.LegacyPath)
	if err != nil {
		it.fail(errors.IO(errors.PhaseMigrate, "read", it.LegacyPath, err))
		return
	}
	it.Key = digest.FromBytes(data)
	if m.present(it) {
		it.Status = Skipped
	}
}

// verified is present with a full check of module artifacts. A corrupt
// artifact is evicted by the cache and then rewritten from the legacy copy.
func (m *Manager) verified(ctx context.Context, it *Item) bool {
	if it.Namespace != cache.Modules {
		return m.present(it)
	}
	_, err := m.cache.LoadModule(ctx, it.Key)
	return err == nil
}

// apply migrates one item and removes its legacy copy. The legacy file is
// kept whenever the cache did not end up holding it.
func (m *Manager) apply(ctx context.Context, it *Item) {
	data, err := os.ReadFile(it.LegacyPath)
	if err != nil {
		it.fail(errors.IO(errors.PhaseMigrate, "read", it.LegacyPath, err))
		return
	}
	it.Key = digest.FromBytes(data)

	if m.verified(ctx, it) {
		it.Status = Skipped
	} else if err := m.store(ctx, it, data); err != nil {
		it.fail(err)
		return
	} else {
		it.Status = Moved
	}

	if err := os.Remove(it.LegacyPath); err != nil && !os.IsNotExist(err) {
		it.fail(errors.IO(errors.PhaseMigrate, "remove legacy copy", it.LegacyPath, err))
	}
}

// present reports whether the cache already holds it. Modules are checked
// by metadata only so that previews never read or evict artifacts.
func (m *Manager) present(it *Item) bool {
	switch it.Namespace {
	case cache.Modules:
		return m.cache.HasModule(it.Key)
	case cache.Sources:
		return m.cache.HasSource(it.Group, it.Name, it.Key)
	default:
		return m.cache.HasLegacyMetadata(it.Group, it.Name, it.Key)
	}
}

func (m *Manager) store(ctx context.Context, it *Item, data []byte) error {
	switch it.Namespace {
	case cache.Modules:
		key, err := m.compiler.Compile(ctx, data)
		if err != nil {
			return err
		}
		if key != it.Key {
			return errors.New(errors.PhaseMigrate, errors.KindMigrationFailure).
				Path(it.LegacyPath).
				Detail("compiler stored key %s, expected %s", key, it.Key).Build()
		}
		return nil
	case cache.Sources:
		_, err := m.cache.PutSource(ctx, it.Group, it.Name, data)
		return err
	default:
		return m.cache.PutLegacyMetadata(ctx, it.Group, it.Name, data)
	}
}

func (m *Manager) logItem(it *Item) {
	fields := []zap.Field{
		zap.String("path", it.LegacyPath),
		zap.String("namespace", string(it.Namespace)),
		zap.Stringer("status", it.Status),
	}
	if it.Err != nil {
		m.logger.Warn("migration item failed", append(fields, zap.Error(it.Err))...)
		return
	}
	m.logger.Debug("migration item", append(fields, zap.String("key", it.Key.String()))...)
}

// classify maps a legacy file to its cache namespace by extension.
func classify(path string) (cache.Namespace, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wasm":
		return cache.Modules, true
	case ".ts", ".js", ".mjs", ".cjs", ".json", ".wat", ".go", ".py":
		return cache.Sources, true
	case ".sha256", ".hash", ".digest":
		return cache.Metadata, true
	}
	return "", false
}

// IsDocumentation reports whether path is published documentation that
// migration always leaves in place.
func IsDocumentation(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt", ".rst", ".html":
		return true
	}
	return false
}

// placement derives the cache group and name for rel. The first directory
// is the group; files at the top level use the legacy directory's own name.
// Deeper paths are flattened with "__".
func placement(root, rel string) (group, name string) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 1 {
		return filepath.Base(root), parts[0]
	}
	return parts[0], strings.Join(parts[1:], "__")
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// pruneEmptyDirs removes directories that held migrated items and are now
// empty, walking up towards the legacy root, which is kept.
func pruneEmptyDirs(plan *Plan) {
	seen := make(map[string]bool)
	var dirs []string
	for _, it := range plan.Items {
		if it.Status == Failed || it.Status == Pending {
			continue
		}
		for dir := filepath.Dir(it.LegacyPath); dir != plan.Root && within(plan.Root, dir); dir = filepath.Dir(dir) {
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	// Deepest first so parents empty out before they are tried.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
}
