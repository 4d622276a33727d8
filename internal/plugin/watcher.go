package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherClosed is returned when using a closed watcher.
var ErrWatcherClosed = errors.New("watcher is closed")

// DefaultDebounce is how long the watcher waits for a burst of file events
// to settle before rescanning.
const DefaultDebounce = 250 * time.Millisecond

// Watcher rescans a Store when its roots change on disk, e.g. after an
// install or a manual copy into a plugin directory.
type Watcher struct {
	mu sync.Mutex

	store    *Store
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func([]string)
	logger   *zap.Logger

	timer   *time.Timer
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the settle delay.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOnChange sets a callback receiving the plugin names after each rescan.
func WithOnChange(fn func(names []string)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher starts watching the roots of store and their immediate
// subdirectories. Missing roots are ignored.
func NewWatcher(store *Store, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:    store,
		fsw:      fsw,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, root := range store.Roots() {
		w.watchTree(root)
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// watchTree watches root and each plugin directory inside it.
func (w *Watcher) watchTree(root string) {
	if err := w.fsw.Add(root); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("cannot watch plugin root", zap.String("root", root), zap.Error(err))
		}
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			_ = w.fsw.Add(filepath.Join(root, e.Name()))
		}
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			// New plugin directories need their own watch.
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(ev.Name)
				}
			}
			w.schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", zap.Error(err))
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.rescan)
}

func (w *Watcher) rescan() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	if err := w.store.Refresh(); err != nil {
		w.logger.Warn("plugin rescan incomplete", zap.Error(err))
	}
	names := w.store.Names()
	w.logger.Debug("plugin roots changed", zap.Int("plugins", len(names)))

	if w.onChange != nil {
		w.onChange(names)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.closeCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
