// Package presence implements the presence engine of spec.md: a
// per-resource multi-tag status store with an expiry-timer subsystem,
// deterministic aggregation, and watcher fan-out (components B-E of
// SPEC_FULL.md §1). Adapters (HTTP, AMQP) are built against Engine's
// exported methods; they never touch storage or the timer registry
// directly.
package presence

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tipmeet/tippresence/internal/storage"
)

const tagAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const tagLength = 10

// Engine is the presence engine of spec.md §4.1. It is safe for
// concurrent use; every public method serialises on a single mutex, which
// is the simplest of the three concurrency options spec.md §5 allows for a
// non-cooperative-event-loop language.
type Engine struct {
	store    storage.Store
	logger   *slog.Logger
	timers   *timerRegistry
	watchers *watcherRegistry
	stats    Stats

	mu sync.Mutex

	clock func() time.Time
	seq   atomic.Int64
}

// New constructs a presence Engine over the given storage backend.
// Recovery (spec §4.2) is wired through store.AddCallbackOnConnected, so it
// runs as soon as the backend reports itself ready.
func New(store storage.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		store:  store,
		logger: logger,
		clock:  time.Now,
	}
	// Seed Seq from the wall clock so statuses put after a restart still
	// sort after the ones already persisted in storage.
	e.seq.Store(e.clock().UnixNano())
	e.watchers = newWatcherRegistry(logger)
	e.timers = newTimerRegistry(store, logger, e.onTimerExpire)
	store.AddCallbackOnConnected(func(ctx context.Context) {
		e.timers.recover(ctx)
	})
	return e
}

// Watch registers a callback invoked with (resource, aggregated view) on
// every effective mutation of that resource (spec §4.4).
func (e *Engine) Watch(w Watcher) {
	e.watchers.register(w)
}

// Put installs or overwrites a status report for (resource, tag) and
// returns the tag used (spec §4.1 Put).
func (e *Engine) Put(ctx context.Context, resource string, doc PresenceDoc, expiresS int, priority int, tag string) (string, error) {
	if expiresS <= 0 || expiresS > MaxExpireSeconds {
		return "", ErrExpireLimitExceeded
	}
	if status, ok := doc.StatusValue(); !ok || (status != "online" && status != "offline") {
		return "", ErrUnknownStatus
	}
	if tag == "" {
		t, err := randomTag()
		if err != nil {
			return "", fmt.Errorf("presence: generate tag: %w", err)
		}
		tag = t
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	expiresAt := float64(e.clock().Unix() + int64(expiresS))
	st := Status{Presence: doc, ExpiresAt: expiresAt, Priority: priority, Seq: e.seq.Add(1)}
	serialized, err := st.Serialize()
	if err != nil {
		return "", fmt.Errorf("presence: serialize status: %w", err)
	}

	if err := e.store.HSet(ctx, storage.ResourceTable(resource), tag, serialized); err != nil {
		return "", fmt.Errorf("presence: put status: %w", err)
	}
	if err := e.store.SAdd(ctx, storage.ResourcesSet(), resource); err != nil {
		return "", fmt.Errorf("presence: index resource: %w", err)
	}
	e.timers.set(ctx, resource, tag, time.Duration(expiresS)*time.Second, false)

	e.stats.putStatuses.Add(1)
	recordCounter(ctx, "presence_put_statuses", "status put operations")
	e.logger.Info("put status",
		slog.String("resource", resource), slog.String("tag", tag),
		slog.Int("expires_s", expiresS), slog.Int("priority", priority))

	e.notifyLocked(ctx, resource)
	return tag, nil
}

// Update replaces the expiry of an existing (resource, tag) status (spec
// §4.1 Update). Returns ok=false if no such status exists.
func (e *Engine) Update(ctx context.Context, resource, tag string, expiresS int) (ok bool, err error) {
	if expiresS <= 0 || expiresS > MaxExpireSeconds {
		return false, ErrExpireLimitExceeded
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	raw, getErr := e.store.HGet(ctx, storage.ResourceTable(resource), tag)
	if getErr != nil {
		if getErr == storage.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("presence: get status: %w", getErr)
	}
	st, parseErr := ParseStatus(raw)
	if parseErr != nil {
		return false, fmt.Errorf("presence: parse status: %w", parseErr)
	}

	st.ExpiresAt = float64(e.clock().Unix() + int64(expiresS))
	serialized, err := st.Serialize()
	if err != nil {
		return false, fmt.Errorf("presence: serialize status: %w", err)
	}
	if err := e.store.HSet(ctx, storage.ResourceTable(resource), tag, serialized); err != nil {
		return false, fmt.Errorf("presence: update status: %w", err)
	}
	e.timers.set(ctx, resource, tag, time.Duration(expiresS)*time.Second, false)

	e.stats.updatedStatuses.Add(1)
	recordCounter(ctx, "presence_updated_statuses", "status update operations")
	e.logger.Info("update status",
		slog.String("resource", resource), slog.String("tag", tag), slog.Int("expires_s", expiresS))

	e.notifyLocked(ctx, resource)
	return true, nil
}

// Get returns the live (tag, status) pairs for resource, or a single pair
// if tag is non-empty. Expired entries are pruned (Remove invoked) before
// returning and are never part of the result (spec §4.1 Get).
func (e *Engine) Get(ctx context.Context, resource string, tag string) ([]TaggedStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, err := e.activeStatusesLocked(ctx, resource)
	if err != nil {
		return nil, err
	}

	e.stats.gottenStatuses.Add(1)
	recordCounter(ctx, "presence_gotten_statuses", "status get operations")

	if tag == "" {
		return active, nil
	}
	for _, ts := range active {
		if ts.Tag == tag {
			return []TaggedStatus{ts}, nil
		}
	}
	return nil, nil
}

// Remove deletes the status for (resource, tag) and cancels its timer.
// Returns ok=false if no such status existed (spec §4.1 Remove).
func (e *Engine) Remove(ctx context.Context, resource, tag string) (ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(ctx, resource, tag)
}

// Dump enumerates every live resource and its active statuses (spec §4.1
// Dump). Expired entries are pruned during enumeration.
func (e *Engine) Dump(ctx context.Context) (map[string][]TaggedStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resources, err := e.store.SGetAll(ctx, storage.ResourcesSet())
	if err != nil {
		return nil, fmt.Errorf("presence: list resources: %w", err)
	}

	result := make(map[string][]TaggedStatus, len(resources))
	for _, resource := range resources {
		active, err := e.activeStatusesLocked(ctx, resource)
		if err != nil {
			return nil, err
		}
		result[resource] = active
	}

	e.stats.dumpedStatuses.Add(1)
	recordCounter(ctx, "presence_dumped_statuses", "status dump operations")
	return result, nil
}

// Aggregated returns the single winning presence document for resource,
// computed per spec §4.3 over its currently-live statuses.
func (e *Engine) Aggregated(ctx context.Context, resource string) (PresenceDoc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	active, err := e.activeStatusesLocked(ctx, resource)
	if err != nil {
		return nil, err
	}
	return Aggregate(active), nil
}

// Stats returns a snapshot of the engine's counters (a supplement from
// the original's stats endpoint; see SPEC_FULL.md §4).
func (e *Engine) Stats() Snapshot {
	return e.stats.snapshot(e.timers.activeCount())
}

// onTimerExpire is the timer registry's expiry callback: it removes the
// expired status and notifies watchers, mirroring spec §4.1 Remove's
// effect without requiring the caller to hold the engine lock up front.
//
// gen is the generation the firing timer was installed under. A reset on
// an active timer (Put/Update re-arming the same tag) must not let the
// superseded timer's callback remove the freshly written status (spec
// §5) — but timerRegistry.fire can only check that under its own mutex,
// before this callback ever gets to e.mu, so a timer can still reach here
// after a newer one has been installed. superseded re-checks under e.mu,
// serialised with whatever Put/Update installed the replacement, and is
// the authoritative check.
func (e *Engine) onTimerExpire(resource, tag string, gen uint64) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timers.superseded(resource, tag, gen) {
		e.logger.Debug("ignoring superseded timer expiry",
			slog.String("resource", resource), slog.String("tag", tag))
		return
	}
	e.removeLocked(ctx, resource, tag)
}

func (e *Engine) removeLocked(ctx context.Context, resource, tag string) bool {
	table := storage.ResourceTable(resource)
	if _, err := e.store.HGet(ctx, table, tag); err != nil {
		if err == storage.ErrNotFound {
			return false
		}
		e.logger.Error("remove status: lookup failed",
			slog.String("resource", resource), slog.String("tag", tag), slog.String("error", err.Error()))
		return false
	}

	e.timers.cancel(ctx, resource, tag)

	if err := e.store.HDel(ctx, table, tag); err != nil {
		e.logger.Error("remove status: delete failed",
			slog.String("resource", resource), slog.String("tag", tag), slog.String("error", err.Error()))
	}

	remaining, err := e.store.HGetAll(ctx, table)
	if err == nil && len(remaining) == 0 {
		if err := e.store.SRem(ctx, storage.ResourcesSet(), resource); err != nil {
			e.logger.Warn("remove status: failed to drop resource from index",
				slog.String("resource", resource), slog.String("error", err.Error()))
		}
	}

	e.stats.removedStatuses.Add(1)
	recordCounter(ctx, "presence_removed_statuses", "status remove operations")
	e.logger.Info("remove status", slog.String("resource", resource), slog.String("tag", tag))

	e.notifyLocked(ctx, resource)
	return true
}

// activeStatusesLocked reads every tag of resource, prunes expired ones
// (invoking removeLocked for each — the lazy sweep of spec §4.1 Get), and
// returns the survivors in the order storage reports them.
func (e *Engine) activeStatusesLocked(ctx context.Context, resource string) ([]TaggedStatus, error) {
	raw, err := e.store.HGetAll(ctx, storage.ResourceTable(resource))
	if err != nil {
		return nil, fmt.Errorf("presence: get statuses: %w", err)
	}

	now := e.clock().Unix()
	var active []TaggedStatus
	var expired []string
	for tag, serialized := range raw {
		st, parseErr := ParseStatus(serialized)
		if parseErr != nil {
			e.logger.Warn("corrupt status entry, skipping",
				slog.String("resource", resource), slog.String("tag", tag), slog.String("error", parseErr.Error()))
			continue
		}
		if int64(st.ExpiresAt) < now {
			expired = append(expired, tag)
			continue
		}
		active = append(active, TaggedStatus{Tag: tag, Status: st})
	}

	for _, tag := range expired {
		e.removeLocked(ctx, resource, tag)
	}

	return active, nil
}

// notifyLocked recomputes the aggregated view for resource and fans it out
// to every watcher. Must be called with e.mu held.
func (e *Engine) notifyLocked(ctx context.Context, resource string) {
	active, err := e.activeStatusesLocked(ctx, resource)
	if err != nil {
		e.logger.Error("notify: failed to recompute aggregate",
			slog.String("resource", resource), slog.String("error", err.Error()))
		return
	}
	view := Aggregate(active)
	e.watchers.notify(resource, view)
}

func randomTag() (string, error) {
	b := make([]byte, tagLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i, v := range b {
		b[i] = tagAlphabet[int(v)%len(tagAlphabet)]
	}
	return string(b), nil
}
