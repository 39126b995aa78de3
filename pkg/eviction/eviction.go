// Package eviction decides which cache entries to remove.
//
// A Policy is a pure function over a snapshot of the cache index. It never
// touches the disk itself; the store applies its decisions.
package eviction

import (
	"sort"
	"time"
)

// Reason explains why an entry was selected for eviction.
type Reason string

const (
	// ReasonTTL marks entries older than the configured time-to-live.
	ReasonTTL = Reason("ttl")
	// ReasonSize marks entries removed to bring the cache under its size budget.
	ReasonSize = Reason("size")
)

// Item is the per-entry metadata needed to run eviction without reading payloads.
type Item struct {
	Key      string
	StoredAt time.Time
	Size     int64
}

// Decision is a single key selected for removal.
type Decision struct {
	Key    string
	Reason Reason
}

// Policy holds the limits an index snapshot is evaluated against.
//
// A negative TimeToLive disables the TTL sweep, a non-positive MaxSize
// disables the size sweep.
type Policy struct {
	MaxSize    int64
	TimeToLive time.Duration
}

// Expired reports whether an entry stored at storedAt is stale at now.
// An entry whose age equals the TTL exactly is still fresh.
func (p Policy) Expired(storedAt, now time.Time) bool {
	if p.TimeToLive < 0 {
		return false
	}
	return now.Sub(storedAt) > p.TimeToLive
}

// Plan returns the keys to evict from items, TTL-expired entries first and
// then the oldest entries until the total size fits in MaxSize.
//
// protect names a key the size sweep must skip (normally the entry that was
// just written), so an entry larger than MaxSize survives until the next
// write. It is still subject to the TTL sweep.
func (p Policy) Plan(items []Item, now time.Time, protect string) []Decision {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	SortOldestFirst(sorted)

	var (
		decisions []Decision
		survivors = sorted[:0:0]
		total     int64
	)
	for _, it := range sorted {
		if p.Expired(it.StoredAt, now) {
			decisions = append(decisions, Decision{Key: it.Key, Reason: ReasonTTL})
			continue
		}
		survivors = append(survivors, it)
		total += it.Size
	}

	if p.MaxSize <= 0 {
		return decisions
	}

	for _, it := range survivors {
		if total <= p.MaxSize {
			break
		}
		if it.Key == protect {
			continue
		}
		decisions = append(decisions, Decision{Key: it.Key, Reason: ReasonSize})
		total -= it.Size
	}

	return decisions
}

// SortOldestFirst orders items by StoredAt ascending with ties broken by key.
func SortOldestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].StoredAt.Equal(items[j].StoredAt) {
			return items[i].StoredAt.Before(items[j].StoredAt)
		}
		return items[i].Key < items[j].Key
	})
}
