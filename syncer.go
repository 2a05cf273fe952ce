package cbsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Catalog is the upstream volume catalog the syncer enumerates.
// *CatalogClient satisfies it.
type Catalog interface {
	TotalVolumes(ctx context.Context) (int, error)
	VolumeByID(ctx context.Context, id int) (*VolumeDetail, error)
}

const consecutiveMissLimit = 15

// Syncer mirrors the upstream catalog into the local store. Upstream
// has no reliable listing endpoint, so a refresh probes volume ids
// sequentially: ids are assigned in increasing order but deletions leave
// gaps, so the scan continues to twice the reported total and stops
// early once it is past the total and a long run of ids comes back
// missing.
type Syncer struct {
	catalog   Catalog
	store     *Store
	detector  *StalenessDetector
	translate PathTranslator

	probeDelay    time.Duration
	fallbackLimit int

	log zerolog.Logger
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithProbeDelay sets the courtesy pause between id probes.
func WithProbeDelay(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.probeDelay = d }
}

// WithFallbackLimit sets the id ceiling used when the upstream count is
// unavailable.
func WithFallbackLimit(n int) SyncerOption {
	return func(s *Syncer) { s.fallbackLimit = n }
}

// NewSyncer builds a syncer. translate may be nil when upstream and
// local folder layouts match.
func NewSyncer(catalog Catalog, store *Store, detector *StalenessDetector, translate PathTranslator, log zerolog.Logger, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		catalog:       catalog,
		store:         store,
		detector:      detector,
		translate:     translate,
		probeDelay:    100 * time.Millisecond,
		fallbackLimit: 100,
		log:           log.With().Str("component", "syncer").Logger(),
	}
	if s.translate == nil {
		s.translate = identityPath
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RefreshResult summarizes one catalog refresh.
type RefreshResult struct {
	Decision RefreshDecision
	Volumes  int
	Probed   int
	Misses   int
	Duration time.Duration
}

// RefreshIfStale runs the staleness check and only enumerates upstream
// when the cache cannot be served. The cheap path is two store reads and
// one upstream stats call.
func (s *Syncer) RefreshIfStale(ctx context.Context) (*RefreshResult, error) {
	count, err := s.catalog.TotalVolumes(ctx)
	countKnown := err == nil
	if err != nil {
		s.log.Warn().Err(err).Msg("upstream count unavailable")
	}

	decision := s.detector.Decide(ctx, count, countKnown)
	if !decision.NeedsRefresh() {
		vols := s.store.Volumes(ctx, 0)
		return &RefreshResult{Decision: decision, Volumes: len(vols)}, nil
	}

	res, err := s.refresh(ctx, count, countKnown)
	if err != nil {
		return nil, err
	}
	res.Decision = decision
	return res, nil
}

// Refresh unconditionally enumerates the upstream catalog and replaces
// the cached volume list.
func (s *Syncer) Refresh(ctx context.Context) (*RefreshResult, error) {
	count, err := s.catalog.TotalVolumes(ctx)
	countKnown := err == nil
	if err != nil {
		s.log.Warn().Err(err).Msg("upstream count unavailable")
	}
	res, err := s.refresh(ctx, count, countKnown)
	if err != nil {
		return nil, err
	}
	res.Decision = RefreshCountChanged
	return res, nil
}

func (s *Syncer) refresh(ctx context.Context, upstreamCount int, countKnown bool) (*RefreshResult, error) {
	start := time.Now()

	target := upstreamCount
	if !countKnown || target <= 0 {
		if last, ok := s.store.LastUpstreamCount(ctx); ok && last > 0 {
			target = last
		} else {
			target = s.fallbackLimit
		}
		s.log.Warn().Int("target", target).Msg("scanning without upstream count")
	}
	maxCheck := target * 2

	s.log.Info().Int("target", target).Int("max_check", maxCheck).Msg("catalog scan started")

	var (
		volumes []Volume
		probed  int
		misses  int
		consec  int
	)
scan:
	for id := 1; id <= maxCheck; id++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("catalog scan interrupted: %w", err)
		}

		detail, err := s.catalog.VolumeByID(ctx, id)
		probed++
		switch {
		case err == nil:
			consec = 0
			volumes = append(volumes, s.record(ctx, detail))
			if len(volumes) >= target {
				// Every expected volume accounted for.
				break scan
			}
		case errors.Is(err, ErrNotFound):
			// Deleted volumes leave holes in the id space.
			misses++
			consec++
			if id >= target && consec >= consecutiveMissLimit {
				s.log.Debug().Int("id", id).Msg("miss run past target, stopping scan")
				break scan
			}
		default:
			return nil, fmt.Errorf("probe volume %d: %w", id, err)
		}

		if s.probeDelay > 0 && id < maxCheck {
			select {
			case <-time.After(s.probeDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("catalog scan interrupted: %w", ctx.Err())
			}
		}
	}

	if !s.store.StoreVolumes(ctx, volumes) {
		return nil, fmt.Errorf("persist volume list")
	}

	res := &RefreshResult{
		Volumes:  len(volumes),
		Probed:   probed,
		Misses:   misses,
		Duration: time.Since(start),
	}
	s.log.Info().
		Int("volumes", res.Volumes).
		Int("probed", res.Probed).
		Int("misses", res.Misses).
		Dur("took", res.Duration).
		Msg("catalog scan finished")
	return res, nil
}

// record caches one volume's detail and returns its summary row.
func (s *Syncer) record(ctx context.Context, detail *VolumeDetail) Volume {
	folder := s.translate(detail.Folder)
	if detail.Folder == "" {
		folder = fmt.Sprintf("Volume %d", detail.ID)
	}

	s.store.StoreVolumeDetail(ctx, detail.ID, detail)

	return Volume{
		ID:              detail.ID,
		Folder:          folder,
		Status:          VolumeStatusAvailable,
		LastUpdated:     time.Now().UTC(),
		TotalIssues:     len(detail.Issues),
		IssuesWithFiles: len(detail.IssuesWithFiles()),
	}
}

// NewIssueSummary pairs a volume with issues that gained files since the
// last processing pass.
type NewIssueSummary struct {
	VolumeID int
	Issues   []Issue
}

// DetectNewIssues scans every cached volume for file-bearing issues that
// have no processing record yet.
func (s *Syncer) DetectNewIssues(ctx context.Context) []NewIssueSummary {
	var out []NewIssueSummary
	for _, v := range s.store.Volumes(ctx, 0) {
		if issues := s.store.DetectNewIssues(ctx, v.ID); len(issues) > 0 {
			out = append(out, NewIssueSummary{VolumeID: v.ID, Issues: issues})
		}
	}
	return out
}
