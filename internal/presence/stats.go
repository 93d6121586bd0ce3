package presence

import (
	"context"
	"sync/atomic"

	metrics "github.com/tipmeet/tippresence/utils/metrics-go"
)

// Stats holds the monotonic counters named in spec §5 and §8. They are
// only ever incremented from the engine's own operations. The active-timer
// count is not held here: Snapshot.ActivePresenceTimers is read from the
// timer registry's live count.
type Stats struct {
	putStatuses     atomic.Int64
	updatedStatuses atomic.Int64
	removedStatuses atomic.Int64
	gottenStatuses  atomic.Int64
	dumpedStatuses  atomic.Int64
}

// Snapshot is a point-in-time read of the counters, used by the HTTP
// /stats endpoint (a supplement from the original tippresence/http/stats.py;
// see SPEC_FULL.md §4).
type Snapshot struct {
	PresencePut          int64 `json:"presence_put"`
	PresenceGotten       int64 `json:"presence_gotten"`
	PresenceRemoved      int64 `json:"presence_removed"`
	PresenceUpdated      int64 `json:"presence_updated"`
	PresenceDumped       int64 `json:"presence_dumped"`
	ActivePresenceTimers int64 `json:"active_presence"`
}

func (s *Stats) snapshot(activeTimers int) Snapshot {
	return Snapshot{
		PresencePut:          s.putStatuses.Load(),
		PresenceGotten:       s.gottenStatuses.Load(),
		PresenceRemoved:      s.removedStatuses.Load(),
		PresenceUpdated:      s.updatedStatuses.Load(),
		PresenceDumped:       s.dumpedStatuses.Load(),
		ActivePresenceTimers: int64(activeTimers),
	}
}

const metricsUnitCount = "1"

func recordCounter(ctx context.Context, name, description string) {
	mc := metrics.GetMetricCreator()
	_ = mc.RecordCounter(ctx, name, 1, metricsUnitCount, description, nil)
}

func recordActiveTimers(ctx context.Context, delta int64) {
	mc := metrics.GetMetricCreator()
	_ = mc.RecordUpDownCounter(ctx, "presence_active_timers", delta, metricsUnitCount,
		"number of pending status expiry timers", nil)
}
