// Package storage defines the key/value contract the presence engine
// needs from its backend: a hash-map primitive per resource, a set
// primitive for the live-resources index, and a connected-lifecycle hook
// used to trigger timer recovery.
//
// The engine is agnostic to whether an implementation is in-memory or
// backed by a real store; both implementations here satisfy the same
// Store interface.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by HGet when the table or field does not exist,
// matching the engine contract in spec §4.5 ("future... failing with
// NotFound for missing keys").
var ErrNotFound = errors.New("storage: not found")

// Store is the abstraction the presence engine is built against. All
// operations take a context so callers can bound the suspension point
// described in spec §5.
type Store interface {
	// HSet writes a single field of a hash.
	HSet(ctx context.Context, table, field, value string) error
	// HGet reads a single field of a hash. Returns ErrNotFound if the
	// table or the field is absent.
	HGet(ctx context.Context, table, field string) (string, error)
	// HGetAll reads every field of a hash. Returns an empty map (not an
	// error) if the table does not exist.
	HGetAll(ctx context.Context, table string) (map[string]string, error)
	// HDel removes a single field from a hash. Not an error if absent.
	HDel(ctx context.Context, table, field string) error
	// HDrop removes an entire hash.
	HDrop(ctx context.Context, table string) error
	// HSetN writes multiple fields of a hash in one round trip.
	HSetN(ctx context.Context, table string, fields map[string]string) error

	// SAdd adds a member to a set.
	SAdd(ctx context.Context, set, member string) error
	// SRem removes a member from a set. Not an error if absent.
	SRem(ctx context.Context, set, member string) error
	// SGetAll returns every member of a set, in insertion order when the
	// backend can provide it. The presence engine's aggregation tie-break
	// does not depend on this order (it uses Status.Seq).
	SGetAll(ctx context.Context, set string) ([]string, error)

	// AddCallbackOnConnected registers fn to run once the backend is
	// connected and ready. Implementations with no separate connected
	// lifecycle event (e.g. a backend that is only ever constructed once
	// already-connected) run fn synchronously before returning.
	AddCallbackOnConnected(fn func(context.Context))
}

// Storage key templates, per spec §6.2.
const (
	resourcesSetKey = "sys:resources"
	timersTableKey  = "sys:status_timers"
)

// ResourceTable returns the hash key holding one resource's tag->status map.
func ResourceTable(resource string) string {
	return "res:" + resource
}

// ResourcesSet returns the key of the global live-resources index set.
func ResourcesSet() string {
	return resourcesSetKey
}

// TimersTable returns the key of the durable timer mirror hash.
func TimersTable() string {
	return timersTableKey
}
