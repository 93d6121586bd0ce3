package presence

import "encoding/json"

// PresenceDoc is an opaque JSON object carrying at least a "status" field
// restricted to "online"/"offline"; any other fields pass through
// untouched (spec §3).
type PresenceDoc map[string]interface{}

// StatusValue returns the doc's "status" field and whether it was present
// and a string.
func (d PresenceDoc) StatusValue() (string, bool) {
	v, ok := d["status"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// OfflineSentinel is the aggregated view returned when a resource has no
// live statuses (spec §4.3).
func OfflineSentinel() PresenceDoc {
	return PresenceDoc{"status": "offline"}
}

func isOnline(d PresenceDoc) bool {
	s, _ := d.StatusValue()
	return s == "online"
}

// Status is one status report for a (resource, tag) pair: an opaque
// presence document, its absolute wall-clock expiry and a priority used
// for aggregation (spec §3).
//
// Seq is a monotonically increasing sequence number stamped by the engine
// on every Put (spec §3 doesn't name it — storage is a plain key/value
// hash with no ordered iteration, so the original's "first occurrence in
// a dict scan" tie-break has no direct analogue in a map[string]string;
// Seq reproduces the same "earliest insertion wins" behavior explicitly
// instead of depending on a storage backend's iteration order, which Go's
// own map type does not provide).
type Status struct {
	Presence  PresenceDoc `json:"presence"`
	ExpiresAt float64     `json:"expiresat"`
	Priority  int         `json:"priority"`
	Seq       int64       `json:"seq"`
}

// Serialize encodes a Status in the wire shape of spec §6.2.
func (s Status) Serialize() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseStatus decodes a Status from the wire shape written by Serialize.
func ParseStatus(s string) (Status, error) {
	var st Status
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// TaggedStatus pairs a tag with its Status, the unit the engine and
// aggregator both operate on.
type TaggedStatus struct {
	Tag    string
	Status Status
}

// key is the aggregation ordering key from spec §4.3:
// key(s) = 2*priority + (1 if online else 0).
func key(s Status) int {
	online := 0
	if isOnline(s.Presence) {
		online = 1
	}
	return 2*s.Priority + online
}

// Aggregate picks the winning status among the given (tag, status) pairs
// per spec §4.3: highest key wins, ties broken by earliest insertion
// (lowest Seq) regardless of the order statuses are passed in, since Seq
// — not slice position — is the source of truth for insertion order. If
// statuses is empty, the sentinel offline doc is returned.
func Aggregate(statuses []TaggedStatus) PresenceDoc {
	if len(statuses) == 0 {
		return OfflineSentinel()
	}
	best := statuses[0]
	bestKey := key(best.Status)
	for _, ts := range statuses[1:] {
		k := key(ts.Status)
		if k > bestKey || (k == bestKey && ts.Status.Seq < best.Status.Seq) {
			best = ts
			bestKey = k
		}
	}
	return best.Status.Presence
}
