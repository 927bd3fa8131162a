package cache

import "time"

// CacheMetrics provides observability for cache stores.
//
// This is optional. Stores accept a nil CacheMetrics and then skip collection.
type CacheMetrics interface {
	// ObserveLookup records a Get with its outcome.
	ObserveLookup(hit bool, duration time.Duration)

	// ObserveCommit records a committed artifact.
	ObserveCommit(bytes int64, duration time.Duration)

	// RecordOccupancy records the current entry count and byte total.
	RecordOccupancy(entries int, bytes int64)
}

// ObserveLookup is a nil-safe helper for CacheMetrics.ObserveLookup.
func ObserveLookup(m CacheMetrics, hit bool, start time.Time) {
	if m != nil {
		m.ObserveLookup(hit, time.Since(start))
	}
}

// ObserveCommit is a nil-safe helper for CacheMetrics.ObserveCommit.
func ObserveCommit(m CacheMetrics, bytes int64, start time.Time) {
	if m != nil {
		m.ObserveCommit(bytes, time.Since(start))
	}
}

// RecordOccupancy is a nil-safe helper for CacheMetrics.RecordOccupancy.
func RecordOccupancy(m CacheMetrics, s Stats) {
	if m != nil {
		m.RecordOccupancy(s.Entries, s.Size)
	}
}
