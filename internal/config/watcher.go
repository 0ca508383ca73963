package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/codexlearn/codex/pkg/entitlements"
)

const (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// LoadCatalogFile reads a plan catalog from a JSON file.
func LoadCatalogFile(path string) (*entitlements.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := entitlements.LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// CatalogWatcher reloads the plans file when it changes.
type CatalogWatcher struct {
	path     string
	onReload func(*entitlements.Catalog)
	watcher  *fsnotify.Watcher

	mu          sync.Mutex
	lastModTime time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewCatalogWatcher creates a watcher for path. onReload receives every catalog
// that loads and validates; invalid files are logged and ignored.
func NewCatalogWatcher(path string, onReload func(*entitlements.Catalog)) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &CatalogWatcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(cw.path); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// Start begins watching in the background.
func (cw *CatalogWatcher) Start() {
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch plans directory, falling back to polling")
		go cw.pollForChanges()
		return
	}
	go cw.watchForChanges()
	log.Info().Str("path", cw.path).Msg("Started watching plans file for changes")
}

// Run watches until ctx is done or Stop is called.
func (cw *CatalogWatcher) Run(ctx context.Context) error {
	cw.Start()
	select {
	case <-ctx.Done():
	case <-cw.stopChan:
	}
	cw.Stop()
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (cw *CatalogWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// Reload loads the plans file now, for example on SIGHUP.
func (cw *CatalogWatcher) Reload() error {
	c, err := LoadCatalogFile(cw.path)
	if err != nil {
		return err
	}
	if stat, err := os.Stat(cw.path); err == nil {
		cw.mu.Lock()
		cw.lastModTime = stat.ModTime()
		cw.mu.Unlock()
	}
	log.Info().Str("path", cw.path).Int("plans", c.Len()).Msg("Reloaded plan catalog")
	if cw.onReload != nil {
		cw.onReload(c)
	}
	return nil
}

func (cw *CatalogWatcher) reload() {
	if err := cw.Reload(); err != nil {
		log.Error().Err(err).Str("path", cw.path).Msg("Failed to reload plan catalog, keeping previous plans")
	}
}

func (cw *CatalogWatcher) watchForChanges() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("event", event.Op.String()).Msg("Detected plans file change")
			// Editors write in bursts; reload once they settle.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Plans watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *CatalogWatcher) pollForChanges() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.path)
			if err != nil {
				continue
			}
			cw.mu.Lock()
			changed := stat.ModTime().After(cw.lastModTime)
			cw.mu.Unlock()
			if changed {
				log.Info().Msg("Detected plans file change via polling")
				cw.reload()
			}
		case <-cw.stopChan:
			return
		}
	}
}
