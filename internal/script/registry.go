package script

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Registry caches the scripts found in a definition directory. Readers get
// an immutable snapshot; Reload builds a complete new snapshot and swaps it
// in with a single pointer store.
type Registry struct {
	dir    string
	logger *slog.Logger

	snapshot atomic.Pointer[map[string]*Script]
	reloads  singleflight.Group

	// OnReload, if set, is called with the number of cached scripts after
	// every successful reload.
	OnReload func(count int)

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	watchCancel   context.CancelFunc
	watchWg       sync.WaitGroup
	watchDebounce time.Duration
}

// NewRegistry creates an empty registry over dir. Call Reload to populate it.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	r := &Registry{
		dir:           dir,
		logger:        logger.With("component", "scripts"),
		watchDebounce: defaultWatchDebounce,
	}
	empty := make(map[string]*Script)
	r.snapshot.Store(&empty)
	return r
}

// Get returns the cached script for slug.
func (r *Registry) Get(slug string) (*Script, bool) {
	s, ok := (*r.snapshot.Load())[slug]
	return s, ok
}

// Len returns the number of cached scripts.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// List returns the cached scripts sorted by slug.
func (r *Registry) List() []*Script {
	snap := *r.snapshot.Load()
	out := make([]*Script, 0, len(snap))
	for _, s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Reload rescans the definition directory and replaces the whole cache.
// Concurrent callers share one rescan. On error the previous snapshot is
// kept.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	ch := r.reloads.DoChan("reload", func() (any, error) {
		scripts, err := LoadDir(r.dir, r.logger)
		if err != nil {
			return 0, err
		}
		r.snapshot.Store(&scripts)
		r.logger.Info("scripts reloaded", "dir", r.dir, "count", len(scripts))
		if r.OnReload != nil {
			r.OnReload(len(scripts))
		}
		return len(scripts), nil
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, fmt.Errorf("reloading scripts: %w", res.Err)
		}
		return res.Val.(int), nil
	}
}

// Watch reloads the registry whenever a file in the definition directory
// changes, debouncing bursts of events. It returns once the watcher is
// running; the watch stops when ctx is cancelled or Close is called.
func (r *Registry) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating scripts watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", r.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.watcher = watcher
	r.watchCancel = cancel

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher, r.watchDebounce)

	r.logger.Info("watching scripts directory", "dir", r.dir)
	return nil
}

// Close stops the directory watch, if any.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if _, err := r.Reload(context.Background()); err != nil {
				r.logger.Warn("script reload after change failed", "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.logger.Debug("script file changed", "file", event.Name, "op", event.Op.String())
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("scripts watch error", "error", err)
		}
	}
}
