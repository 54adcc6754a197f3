// Package cache provides the two-tier TTL store behind the fetch layer: a fast
// in-memory tier that is authoritative for the current process, and a best-effort
// durable tier that survives restarts.
//
// Freshness is evaluated when an entry is read; nothing is expired in the
// background. Durable-tier failures never reach callers.
package cache

import "time"

// Entry is a cached, decoded upstream payload.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Payload     any       `json:"payload"`
	StoredAt    time.Time `json:"storedAt"`
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// IsFresh reports whether the entry is younger than ttl at now.
// A non-positive ttl is never fresh.
func IsFresh(e Entry, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return e.Age(now) < ttl
}

// Stats is a diagnostic snapshot of both tiers.
type Stats struct {
	FastTierCount          int   `json:"fastTierCount"`
	DurableTierCount       int   `json:"durableTierCount"`
	DurableTierApproxBytes int64 `json:"durableTierApproxBytes"`
}
