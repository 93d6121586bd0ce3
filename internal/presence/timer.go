package presence

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tipmeet/tippresence/internal/storage"
)

// timerKey identifies one pending expiry: a (resource, tag) pair (spec §3,
// §4.2).
type timerKey struct {
	resource string
	tag      string
}

func (k timerKey) mirrorField() string {
	return k.resource + ":" + k.tag
}

func parseMirrorField(field string) (resource, tag string, ok bool) {
	idx := strings.LastIndex(field, ":")
	if idx < 0 {
		return "", "", false
	}
	return field[:idx], field[idx+1:], true
}

// timerEntry pairs a scheduled timer with the generation it was installed
// under. The generation lets fire() and the engine tell a timer's own
// expiry apart from one that has since been superseded by a fresh
// set() call, even though both race through two separate locks (the
// registry's own mu and the engine's mu) on their way to onExpire.
type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// timerRegistry is the in-memory map of (resource, tag) -> scheduled
// handle, mirrored to durable storage under sys:status_timers (spec §4.2).
// It owns no knowledge of status content; onExpire is invoked with the
// expired key and the generation that was current when the timer fired,
// once a timer fires.
type timerRegistry struct {
	mu       sync.Mutex
	timers   map[timerKey]timerEntry
	nextGen  uint64
	store    storage.Store
	logger   *slog.Logger
	onExpire func(resource, tag string, gen uint64)
	nowFunc  func() time.Time
}

func newTimerRegistry(store storage.Store, logger *slog.Logger, onExpire func(resource, tag string, gen uint64)) *timerRegistry {
	return &timerRegistry{
		timers:   make(map[timerKey]timerEntry),
		store:    store,
		logger:   logger,
		onExpire: onExpire,
		nowFunc:  time.Now,
	}
}

// set installs or resets the timer for (resource, tag), firing after delay.
// If memOnly is true, the durable mirror is not written (used by recover,
// which is reconstructing state the mirror already has — spec §4.2 step 4).
//
// Every install/reset is stamped with a fresh generation. A reset on an
// active timer must not let the old timer's callback take effect (spec
// §5); Stop() alone cannot guarantee that, because the old timer's
// goroutine may already be running by the time Stop() is called. The
// generation stamped here is what lets a straggling old callback recognize
// itself as stale once it reaches the engine (see Engine.onTimerExpire).
func (r *timerRegistry) set(ctx context.Context, resource, tag string, delay time.Duration, memOnly bool) {
	k := timerKey{resource, tag}

	r.mu.Lock()
	_, hadExisting := r.timers[k]
	if hadExisting {
		r.timers[k].timer.Stop()
	}
	r.nextGen++
	gen := r.nextGen
	t := time.AfterFunc(delay, func() {
		r.fire(k, gen)
	})
	r.timers[k] = timerEntry{timer: t, gen: gen}
	r.mu.Unlock()

	if !hadExisting {
		recordActiveTimers(ctx, 1)
	}
	if !memOnly {
		r.mirror(ctx, resource, tag, delay)
	}
}

// cancel drops the in-memory timer and its durable mirror entry for
// (resource, tag). Not an error if absent.
func (r *timerRegistry) cancel(ctx context.Context, resource, tag string) {
	k := timerKey{resource, tag}

	r.mu.Lock()
	entry, ok := r.timers[k]
	if ok {
		delete(r.timers, k)
	}
	r.mu.Unlock()

	if ok {
		entry.timer.Stop()
		recordActiveTimers(ctx, -1)
	}

	if err := r.store.HDel(ctx, storage.TimersTable(), k.mirrorField()); err != nil {
		r.logger.Warn("failed to drop timer mirror entry",
			slog.String("resource", resource), slog.String("tag", tag), slog.String("error", err.Error()))
	}
}

// fire runs when a scheduled time.Timer expires. It only removes its own
// registry entry if that entry still carries the generation it was
// installed under — if a newer set() has already replaced it, this fire is
// for a timer that no longer owns (resource, tag), and the entry belongs
// to the newer timer instead. Either way, onExpire is invoked with this
// fire's own generation so the engine (serialised on its own mutex) can
// make the final call on staleness against whatever is current by the time
// it actually runs.
func (r *timerRegistry) fire(k timerKey, gen uint64) {
	r.mu.Lock()
	entry, ok := r.timers[k]
	removedSelf := ok && entry.gen == gen
	if removedSelf {
		delete(r.timers, k)
	}
	r.mu.Unlock()

	if removedSelf {
		recordActiveTimers(context.Background(), -1)
	}
	r.onExpire(k.resource, k.tag, gen)
}

// superseded reports whether a timer fire carrying gen is stale: true if
// the registry currently holds a DIFFERENT generation for (resource, tag),
// meaning a set() call installed a fresh timer after this one fired.
// Called by the engine under its own mutex, serialised with whatever
// Put/Update installed the newer timer, so this is the authoritative
// staleness check — the registry's own mutex alone cannot see across that
// race (see set()'s doc comment).
func (r *timerRegistry) superseded(resource, tag string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.timers[timerKey{resource, tag}]
	return ok && entry.gen != gen
}

func (r *timerRegistry) mirror(ctx context.Context, resource, tag string, delay time.Duration) {
	expiresAt := float64(r.nowFunc().Add(delay).Unix())
	k := timerKey{resource, tag}
	value := strconv.FormatFloat(expiresAt, 'f', -1, 64)
	if err := r.store.HSet(ctx, storage.TimersTable(), k.mirrorField(), value); err != nil {
		r.logger.Warn("failed to mirror timer",
			slog.String("resource", resource), slog.String("tag", tag), slog.String("error", err.Error()))
	}
}

// activeCount reports how many timers are currently scheduled, backing the
// presence_active_timers counter (spec §5).
func (r *timerRegistry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// recover rebuilds in-memory timers from the durable mirror, per spec
// §4.2: expired entries trigger immediate removal, live entries get a
// memory-only timer at their remaining delay. Corrupt entries are logged
// and skipped; recover is idempotent because set()/cancel() are themselves
// idempotent on the in-memory map. Already-expired entries never entered
// the in-memory map this run, so they carry no generation; gen 0 is passed
// through and superseded() trivially reports false for them (no entry
// exists yet to race against).
func (r *timerRegistry) recover(ctx context.Context) {
	entries, err := r.store.HGetAll(ctx, storage.TimersTable())
	if err != nil {
		r.logger.Error("failed to load timer mirror for recovery", slog.String("error", err.Error()))
		return
	}

	now := r.nowFunc()
	for field, expiresAtStr := range entries {
		resource, tag, ok := parseMirrorField(field)
		if !ok {
			r.logger.Warn("corrupt timer mirror key, skipping", slog.String("field", field))
			continue
		}
		expiresAt, err := strconv.ParseFloat(expiresAtStr, 64)
		if err != nil {
			r.logger.Warn("corrupt timer mirror value, skipping",
				slog.String("field", field), slog.String("value", expiresAtStr))
			continue
		}

		expiry := time.Unix(int64(expiresAt), 0)
		if expiry.Before(now) {
			r.onExpire(resource, tag, 0)
			continue
		}
		r.set(ctx, resource, tag, expiry.Sub(now), true)
	}
}
