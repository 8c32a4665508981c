package profile

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/ravel/internal/log"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Registry whenever its user profile directory
// changes, with debouncing so editor save bursts trigger one reload.
type Watcher struct {
	registry  *Registry
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	reloaded  chan struct{}
	done      chan struct{}
}

// NewWatcher creates a watcher over the registry's user directory.
func NewWatcher(registry *Registry, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		registry:  registry,
		fsWatcher: fsw,
		debounce:  debounce,
		reloaded:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The returned channel receives a signal after
// each completed reload.
func (w *Watcher) Start() (<-chan struct{}, error) {
	if err := w.fsWatcher.Add(w.registry.UserDir()); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.registry.UserDir(), err)
	}
	go w.loop()
	return w.reloaded, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !relevantEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
				continue
			}
			if !timer.Stop() {
				// Drain the timer channel if it already fired
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true

		case <-timerC(timer):
			if !pending {
				continue
			}
			pending = false
			if err := w.registry.Reload(); err != nil {
				log.ErrorErr(log.CatProfile, "profile reload failed", err)
				continue
			}
			// Non-blocking send, drop if nobody is listening
			select {
			case w.reloaded <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatProfile, "profile watcher error", err)

		case <-w.done:
			return
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func relevantEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := strings.ToLower(event.Name)
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}
