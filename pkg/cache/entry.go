package cache

import "time"

// Entry is a cached value with its freshness window and schema version.
type Entry[T any] struct {
	Data      T         `json:"data"`
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   string    `json:"version"`
}

// Fresh reports whether now is before the entry's expiry.
func (e Entry[T]) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Source tells where a Fetch result came from.
type Source string

const (
	SourceMemory  Source = "memory"
	SourceDurable Source = "durable"
	SourceRemote  Source = "remote"
)

// Result is the outcome of a read-through Fetch.
type Result[T any] struct {
	Entry[T]
	Source Source
	// Stale is set when the entry is past its expiry and was served because
	// a fresher value could not be fetched.
	Stale bool
	// FetchErr is the refresh failure behind a stale result.
	FetchErr error
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Name              string
	Version           string
	Entries           int
	Expired           int
	Hits              int64
	Misses            int64
	HitRate           float64 // hits / (hits + misses); 1 when there were no reads
	StaleServed       int64
	DurableErrors     int64
	VersionMismatches int64
	Evictions         int64
	Inflight          int
	Retained          int
	LastCleanup       CleanupReport
}

// Requests is the number of reads the hit rate is based on.
func (s Stats) Requests() int64 { return s.Hits + s.Misses }

// ExpiredRatio is the share of memory entries past their expiry.
func (s Stats) ExpiredRatio() float64 {
	if s.Entries == 0 {
		return 0
	}
	return float64(s.Expired) / float64(s.Entries)
}

// CleanupReport summarizes one cleanup sweep.
type CleanupReport struct {
	At       time.Time
	Scanned  int
	Removed  int
	Retained int
}
