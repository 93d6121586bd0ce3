package presence

import (
	"log/slog"
	"sync"
)

// Watcher is invoked with the resource name and its freshly recomputed
// aggregated view on every effective mutation (spec §4.4).
type Watcher func(resource string, view PresenceDoc)

// watcherRegistry is an ordered list of watchers, registered once at
// startup. Invocations are fire-and-forget: a panicking watcher must not
// affect engine state or abort sibling watchers (spec §4.4, §7).
type watcherRegistry struct {
	mu       sync.RWMutex
	watchers []Watcher
	logger   *slog.Logger
}

func newWatcherRegistry(logger *slog.Logger) *watcherRegistry {
	return &watcherRegistry{logger: logger}
}

// register adds a watcher to the end of the list.
func (w *watcherRegistry) register(watcher Watcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchers = append(w.watchers, watcher)
}

// notify invokes every registered watcher with (resource, view), in
// registration order. A watcher that panics is recovered and logged; it
// never prevents later watchers in the list from running, and never
// propagates to the caller.
func (w *watcherRegistry) notify(resource string, view PresenceDoc) {
	w.mu.RLock()
	watchers := make([]Watcher, len(w.watchers))
	copy(watchers, w.watchers)
	w.mu.RUnlock()

	for _, watcher := range watchers {
		w.invokeSafely(watcher, resource, view)
	}
}

func (w *watcherRegistry) invokeSafely(watcher Watcher, resource string, view PresenceDoc) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher callback panicked",
				slog.String("resource", resource), slog.Any("panic", r))
		}
	}()
	watcher(resource, view)
}
