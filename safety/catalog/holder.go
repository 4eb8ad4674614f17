package catalog

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current catalog to concurrent readers. Readers never block; a reload swaps the whole catalog.
type Holder struct {
	cur atomic.Pointer[Catalog]
}

func NewHolder(c *Catalog) (*Holder, error) {
	h := &Holder{}
	if _, err := h.Swap(c); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the active catalog. Never nil for a Holder built with NewHolder.
func (h *Holder) Current() *Catalog {
	return h.cur.Load()
}

// Swap installs a compiled catalog and returns the previous one.
func (h *Holder) Swap(c *Catalog) (*Catalog, error) {
	if !c.Compiled() {
		return nil, ErrNotCompiled
	}
	return h.cur.Swap(c), nil
}

// WatchFile reloads the catalog at path whenever the file changes, until ctx is done. A catalog that fails to load is logged and the previous one stays active.
func (h *Holder) WatchFile(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// watch the directory, so editors which replace the file (rename over) are picked up
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			c, err := LoadFile(path)
			if err != nil {
				logger.Error("failed to reload pattern catalog", "path", path, "err", err)
				continue
			}
			old, _ := h.Swap(c)
			if old == nil || old.Version != c.Version {
				logger.Info("pattern catalog reloaded", "path", path, "version", c.Version)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog file watcher error", "err", err)
		}
	}
}
