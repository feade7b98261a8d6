package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "pipeorch/pkg/logx"
)

var ErrNotFound = errors.New("pipeline not found")

// Pipeline is a discovered manifest.
type Pipeline struct {
	Name         string
	Dir          string
	ManifestPath string
	Manifest     Manifest
}

// IsEnabled defaults to true when the manifest omits the flag.
func (p *Pipeline) IsEnabled() bool {
	return p != nil && (p.Manifest.Enabled == nil || *p.Manifest.Enabled)
}

// HasSchedules reports whether the manifest declares anything the reconciler owns.
func (p *Pipeline) HasSchedules() bool {
	if p == nil {
		return false
	}
	m := p.Manifest
	return len(m.Schedules) > 0 || m.Restart != nil || strings.TrimSpace(m.RunOnceAt) != ""
}

// HasRunConfig reports whether id is declared; nil (the default) always exists.
// A manifest without run_configs accepts any id.
func (p *Pipeline) HasRunConfig(id *string) bool {
	if id == nil || len(p.Manifest.RunConfigs) == 0 {
		return true
	}
	for _, rc := range p.Manifest.RunConfigs {
		if rc.ID == *id {
			return true
		}
	}
	return false
}

// Catalog caches discovered pipelines until a forced refresh.
type Catalog struct {
	root string
	log  logx.Logger

	mu       sync.RWMutex
	loaded   bool
	byName   map[string]*Pipeline
	ordered  []*Pipeline
	lastScan time.Time
}

func NewCatalog(root string, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{root: root, log: log, byName: map[string]*Pipeline{}}
}

// DiscoverAll returns every valid pipeline ordered by name. force rescans disk.
// Invalid manifests are logged and skipped; duplicate names keep the first by path.
func (c *Catalog) DiscoverAll(ctx context.Context, force bool) ([]*Pipeline, error) {
	c.mu.RLock()
	if c.loaded && !force {
		out := append([]*Pipeline(nil), c.ordered...)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	found, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Pipeline, len(found))
	ordered := make([]*Pipeline, 0, len(found))
	for _, p := range found {
		if prev, dup := byName[p.Name]; dup {
			c.log.Warn("duplicate pipeline name; keeping first",
				logx.String("pipeline", p.Name),
				logx.String("kept", prev.ManifestPath),
				logx.String("ignored", p.ManifestPath))
			continue
		}
		byName[p.Name] = p
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	c.mu.Lock()
	c.byName, c.ordered, c.loaded, c.lastScan = byName, ordered, true, time.Now()
	c.mu.Unlock()

	c.log.Debug("pipelines discovered", logx.Int("count", len(ordered)), logx.String("root", c.root))
	return append([]*Pipeline(nil), ordered...), nil
}

// Resolve looks a pipeline up by name, discovering on first use.
func (c *Catalog) Resolve(ctx context.Context, name string) (*Pipeline, error) {
	if _, err := c.DiscoverAll(ctx, false); err != nil {
		return nil, err
	}
	c.mu.RLock()
	p, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "pipeline %q", name)
	}
	return p, nil
}

// Dirs lists the root and every pipeline directory (for the watcher).
func (c *Catalog) Dirs() []string {
	dirs := []string{c.root}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return dirs
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, filepath.Join(c.root, e.Name()))
		}
	}
	return dirs
}

// scan walks one level below root. A missing root yields no pipelines.
func (c *Catalog) scan(ctx context.Context) ([]*Pipeline, error) {
	entries, err := os.ReadDir(c.root)
	if errors.Is(err, os.ErrNotExist) {
		c.log.Warn("pipelines root does not exist", logx.String("root", c.root))
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read pipelines root %s", c.root)
	}

	var out []*Pipeline
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(c.root, e.Name())
		path, ok := manifestIn(dir)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			c.log.Warn("read manifest failed", logx.String("path", path), logx.Err(err))
			continue
		}
		m, err := ParseManifest(path, data)
		if err != nil {
			c.log.Warn("invalid manifest skipped", logx.String("path", path), logx.Err(err))
			continue
		}
		name := strings.TrimSpace(m.Name)
		if name == "" {
			name = e.Name()
		}
		out = append(out, &Pipeline{Name: name, Dir: dir, ManifestPath: path, Manifest: m})
	}
	return out, nil
}

func manifestIn(dir string) (string, bool) {
	for _, n := range ManifestNames {
		p := filepath.Join(dir, n)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}
