package dedup

import (
	"context"
	"fmt"
	"time"
)

// Entry is the cached fingerprint record for a previously processed alert.
// The mapping fingerprint -> entry is also the external persistence format.
type Entry struct {
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	SizeEstimate int64     `json:"size_estimate"`
}

// Store is the persistence interface for the dedup cache. The cache loads
// the whole mapping at startup and writes it back on flush.
type Store interface {
	Load(ctx context.Context) (map[string]*Entry, error)
	Save(ctx context.Context, entries map[string]*Entry) error
}

// CacheIOError reports a cache load/flush failure. It is recoverable: the
// cache fails open (starts empty) rather than stopping the daemon.
type CacheIOError struct {
	Op  string
	Err error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("dedup cache %s: %v", e.Op, e.Err)
}

func (e *CacheIOError) Unwrap() error { return e.Err }
