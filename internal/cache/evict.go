package cache

import (
	"sort"
	"time"
)

// Bounds caps the cache. Both limits are enforced; whichever is hit first
// triggers eviction.
type Bounds struct {
	MaxEntries int
	MaxBytes   int64
}

// Evict applies the eviction policy to a snapshot of entries: expired
// entries go first, then least-recently-accessed entries until both bounds
// hold. Survivors keep their input order.
func Evict(entries []Entry, bounds Bounds, now time.Time) (survivors, evicted []Entry) {
	live := make([]int, 0, len(entries))
	var total int64
	for i, e := range entries {
		if e.Expired(now) {
			evicted = append(evicted, e)
			continue
		}
		live = append(live, i)
		total += e.SizeBytes
	}

	order := append([]int(nil), live...)
	sort.Slice(order, func(a, b int) bool {
		return lessRecent(entries[order[a]], entries[order[b]])
	})

	drop := make(map[int]bool)
	count := len(live)
	for _, i := range order {
		if withinBounds(count, total, bounds) {
			break
		}
		drop[i] = true
		count--
		total -= entries[i].SizeBytes
	}

	for _, i := range live {
		if drop[i] {
			evicted = append(evicted, entries[i])
		} else {
			survivors = append(survivors, entries[i])
		}
	}
	return survivors, evicted
}

func withinBounds(count int, bytes int64, b Bounds) bool {
	if b.MaxEntries > 0 && count > b.MaxEntries {
		return false
	}
	if b.MaxBytes > 0 && bytes > b.MaxBytes {
		return false
	}
	return true
}

// lessRecent orders by last access, oldest first. AccessSeq breaks ties
// between accesses within the same clock tick.
func lessRecent(a, b Entry) bool {
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	if a.AccessSeq != b.AccessSeq {
		return a.AccessSeq < b.AccessSeq
	}
	return a.Key < b.Key
}
