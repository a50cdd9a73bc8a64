package blob

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatcherConfig tunes the blob directory watcher.
type WatcherConfig struct {
	// Debounce batches rapid filesystem events into one trigger.
	Debounce time.Duration
}

// Watcher observes a blob directory and fires a callback when its
// contents settle after a change. The callback typically runs a
// coordination pass; debouncing keeps a burst of file writes from
// triggering a scan per event.
type Watcher struct {
	dir      *DirStore
	cfg      WatcherConfig
	log      *zap.Logger
	onChange func()

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending bool
	lastAt  time.Time

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatcher builds a watcher over a DirStore. onChange fires after
// events settle.
func NewWatcher(dir *DirStore, cfg WatcherConfig, log *zap.Logger, onChange func()) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		dir:      dir,
		cfg:      cfg,
		log:      log.Named("blobwatch"),
		onChange: onChange,
		watcher:  fw,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately; watching stops when ctx
// is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir.Root()); err != nil {
		return fmt.Errorf("failed to watch blob directory: %w", err)
	}
	// Fan-out subdirectories exist already; new ones are added as
	// their create events arrive.
	entries, err := filepath.Glob(filepath.Join(w.dir.Root(), "??"))
	if err == nil {
		for _, e := range entries {
			_ = w.watcher.Add(e)
		}
	}

	w.wg.Add(2)
	go w.consumeEvents(ctx)
	go w.fireDebounced(ctx)
	return nil
}

// Close stops the watcher and waits for its goroutines. Safe to call
// whether or not the Start context was cancelled first.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	w.wg.Wait()
	return err
}

func (w *Watcher) consumeEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// A new fan-out subdirectory needs its own watch.
			base := filepath.Base(event.Name)
			if event.Op&fsnotify.Create != 0 && len(base) == 2 {
				_ = w.watcher.Add(event.Name)
			}

			if len(base) == 2 || isContentHash(base) {
				w.mu.Lock()
				w.pending = true
				w.lastAt = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) fireDebounced(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			ready := w.pending && time.Since(w.lastAt) >= w.cfg.Debounce
			if ready {
				w.pending = false
			}
			w.mu.Unlock()

			if ready {
				w.log.Debug("blob directory changed, triggering rescan")
				w.onChange()
			}
		}
	}
}
