// Package source defines the collector contract the engine polls once per
// iteration, plus the concrete SIEM collectors.
package source

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/rampart/internal/alert"
)

// Collector fetches new alerts from one configured source. Poll is called
// once per iteration; implementations track their own high-water mark so
// repeated polls do not re-yield the full backlog (the dedup cache covers
// whatever they do re-yield).
type Collector interface {
	Name() string
	Poll(ctx context.Context) ([]*alert.Alert, error)
}

// CollectorError reports that one source failed to yield alerts this
// iteration. Recoverable: the iteration continues with other sources.
type CollectorError struct {
	Source string
	Err    error
}

func (e *CollectorError) Error() string {
	return fmt.Sprintf("collector %s: %v", e.Source, e.Err)
}

func (e *CollectorError) Unwrap() error { return e.Err }
