package pipeline

import (
	"context"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"pipeorch/internal/fswatch"
	logx "pipeorch/pkg/logx"
)

// Watch blocks until ctx is done, calling onChange (debounced) whenever a
// manifest is written, removed or renamed, or a pipeline directory appears or
// disappears.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	root := filepath.Clean(c.root)
	return fswatch.Run(ctx, fswatch.Options{
		Name:     "pipelines",
		Dirs:     c.Dirs,
		Debounce: debounce,
		Match: func(ev fsnotify.Event) bool {
			if ev.Op == fsnotify.Chmod {
				return false
			}
			if filepath.Dir(filepath.Clean(ev.Name)) == root {
				// Directory create/remove/rename directly under root.
				return true
			}
			return slices.Contains(ManifestNames, filepath.Base(ev.Name))
		},
		OnChange: onChange,
		Log:      c.log.With(logx.String("root", root)),
	})
}
