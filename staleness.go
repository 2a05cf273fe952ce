package cbsync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RefreshDecision says whether a full catalog re-scan is needed.
type RefreshDecision int

const (
	// ServeFromCache: counts match and the local cache is fresh.
	ServeFromCache RefreshDecision = iota

	// RefreshCountChanged: the upstream aggregate count differs from the
	// last recorded one (or none was recorded).
	RefreshCountChanged

	// RefreshCacheExpired: counts match but the local cache is past its TTL.
	RefreshCacheExpired

	// RefreshCountUnknown: the aggregate count could not be fetched and
	// the local cache is stale, so a scan is the only option left.
	RefreshCountUnknown
)

func (d RefreshDecision) String() string {
	switch d {
	case ServeFromCache:
		return "serve-from-cache"
	case RefreshCountChanged:
		return "count-changed"
	case RefreshCacheExpired:
		return "cache-expired"
	case RefreshCountUnknown:
		return "count-unknown"
	}
	return "unknown"
}

// NeedsRefresh reports whether the decision requires a full re-scan.
func (d RefreshDecision) NeedsRefresh() bool {
	return d != ServeFromCache
}

// StalenessDetector decides between serving the cached catalog and
// forcing a full upstream enumeration. The two-level check (O(1) count
// comparison before any O(volumes) scan) is the cost-control core: a full
// enumeration probes up to 2N candidate ids upstream.
type StalenessDetector struct {
	store  *Store
	maxAge time.Duration
	log    zerolog.Logger
}

// NewStalenessDetector builds a detector over the given store with the
// given cache TTL.
func NewStalenessDetector(store *Store, maxAge time.Duration, log zerolog.Logger) *StalenessDetector {
	return &StalenessDetector{
		store:  store,
		maxAge: maxAge,
		log:    log.With().Str("component", "staleness").Logger(),
	}
}

// Decide classifies the current cache state. currentCount is the fresh
// upstream aggregate count; countKnown is false when it could not be
// fetched.
func (d *StalenessDetector) Decide(ctx context.Context, currentCount int, countKnown bool) RefreshDecision {
	var decision RefreshDecision
	switch {
	case countKnown && d.store.UpstreamCountChanged(ctx, currentCount):
		decision = RefreshCountChanged
	case d.store.IsCacheValid(ctx, d.maxAge):
		decision = ServeFromCache
	case countKnown:
		decision = RefreshCacheExpired
	default:
		decision = RefreshCountUnknown
	}

	last, _ := d.store.LastUpstreamCount(ctx)
	d.log.Debug().
		Stringer("decision", decision).
		Int("upstream_count", currentCount).
		Bool("count_known", countKnown).
		Int("last_count", last).
		Msg("staleness check")
	return decision
}
