package cbsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MetadataFetcher fetches one issue's metadata by its provider id.
// *MetadataClient satisfies it.
type MetadataFetcher interface {
	IssueMetadata(ctx context.Context, sourceID int64) (*IssueMetadata, error)
}

// Injector rewrites one archive with a metadata document.
// *Rewriter satisfies it.
type Injector interface {
	Inject(ctx context.Context, archivePath string, volumeID int, doc []byte) error
}

// Processor walks a volume's file-bearing issues, fetches metadata for
// each, and injects the generated document into every archive file.
// Issues already marked processed are skipped unless the caller forces a
// re-run, so repeated passes only pay for new work.
type Processor struct {
	store      *Store
	fetcher    MetadataFetcher
	injector   Injector
	translate  PathTranslator
	fetchDelay time.Duration
	log        zerolog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithFetchDelay sets the courtesy pause between metadata fetches.
func WithFetchDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.fetchDelay = d }
}

// NewProcessor builds a processor. translate may be nil when upstream
// file paths are directly usable.
func NewProcessor(store *Store, fetcher MetadataFetcher, injector Injector, translate PathTranslator, log zerolog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:      store,
		fetcher:    fetcher,
		injector:   injector,
		translate:  translate,
		fetchDelay: time.Second,
		log:        log.With().Str("component", "processor").Logger(),
	}
	if p.translate == nil {
		p.translate = identityPath
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IssueResult records the outcome for one issue within a volume run.
type IssueResult struct {
	SourceID    int64
	IssueNumber string
	Skipped     bool
	Processed   bool
	Injected    bool
	Err         error
}

// VolumeResult summarizes one volume processing run.
type VolumeResult struct {
	VolumeID int
	Issues   []IssueResult
	Duration time.Duration
}

// Processed counts issues that fetched metadata this run.
func (r *VolumeResult) Processed() int {
	n := 0
	for _, i := range r.Issues {
		if i.Processed {
			n++
		}
	}
	return n
}

// Failed counts issues that errored this run.
func (r *VolumeResult) Failed() int {
	n := 0
	for _, i := range r.Issues {
		if i.Err != nil {
			n++
		}
	}
	return n
}

// ProcessVolume runs the metadata pipeline for one volume. Issues whose
// status row already says processed are skipped unless force is set.
// Per-issue failures are recorded and the run continues; the volume's
// rollup flags are recomputed from scratch at the end.
func (p *Processor) ProcessVolume(ctx context.Context, volumeID int, force bool) (*VolumeResult, error) {
	start := time.Now()

	detail, ok := p.store.VolumeDetail(ctx, volumeID)
	if !ok {
		return nil, fmt.Errorf("process volume %d: %w", volumeID, ErrNotFound)
	}

	res := &VolumeResult{VolumeID: volumeID}
	candidates := detail.IssuesWithFiles()

	p.log.Info().Int("volume_id", volumeID).Int("issues", len(candidates)).Bool("force", force).Msg("processing volume")

	for i, issue := range candidates {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("processing interrupted: %w", err)
		}
		if issue.SourceID == 0 {
			// Unmatched issue; nothing to fetch metadata by.
			continue
		}

		ir := p.processIssue(ctx, volumeID, issue, force)
		res.Issues = append(res.Issues, ir)

		if !ir.Skipped && p.fetchDelay > 0 && i < len(candidates)-1 {
			select {
			case <-time.After(p.fetchDelay):
			case <-ctx.Done():
				return res, fmt.Errorf("processing interrupted: %w", ctx.Err())
			}
		}
	}

	p.rollupVolume(ctx, volumeID)

	res.Duration = time.Since(start)
	p.log.Info().
		Int("volume_id", volumeID).
		Int("processed", res.Processed()).
		Int("failed", res.Failed()).
		Dur("took", res.Duration).
		Msg("volume processed")
	return res, nil
}

func (p *Processor) processIssue(ctx context.Context, volumeID int, issue Issue, force bool) IssueResult {
	ir := IssueResult{SourceID: issue.SourceID, IssueNumber: issue.IssueNumber}

	if !force {
		if st, ok := p.store.IssueStatusFor(ctx, volumeID, issue.SourceID); ok && st.MetadataProcessed {
			ir.Skipped = true
			return ir
		}
	}

	meta, err := p.fetcher.IssueMetadata(ctx, issue.SourceID)
	if err != nil {
		ir.Err = fmt.Errorf("fetch metadata: %w", err)
		p.log.Warn().Err(err).Int("volume_id", volumeID).Int64("comicvine_id", issue.SourceID).Msg("metadata fetch failed")
		return ir
	}

	doc, err := BuildComicInfo(meta).Marshal()
	if err != nil {
		ir.Err = err
		return ir
	}

	injectedAll := len(issue.Files) > 0
	for _, f := range issue.Files {
		local := p.translate(f.Path)
		if err := p.injector.Inject(ctx, local, volumeID, doc); err != nil {
			injectedAll = false
			if errors.Is(err, ErrUnsupportedArchive) {
				p.log.Debug().Str("file", local).Msg("skipping non-zip archive")
				continue
			}
			ir.Err = fmt.Errorf("inject %s: %w", local, err)
			p.log.Warn().Err(err).Int("volume_id", volumeID).Str("file", local).Msg("injection failed")
		}
	}

	ir.Processed = true
	ir.Injected = injectedAll

	processed := true
	p.store.UpdateIssueStatus(ctx, volumeID, issue.SourceID, IssueStatusUpdate{
		IssueNumber: &issue.IssueNumber,
		Processed:   &processed,
		Injected:    &injectedAll,
	})
	return ir
}

// rollupVolume recomputes the volume's summary flags from its issue
// status rows.
func (p *Processor) rollupVolume(ctx context.Context, volumeID int) {
	detail, ok := p.store.VolumeDetail(ctx, volumeID)
	if !ok {
		return
	}

	statuses := p.store.IssueStatuses(ctx, volumeID)
	bySource := make(map[int64]IssueStatus, len(statuses))
	for _, st := range statuses {
		bySource[st.SourceID] = st
	}

	allProcessed := true
	allInjected := true
	anyProcessed := false
	candidates := 0
	for _, issue := range detail.IssuesWithFiles() {
		if issue.SourceID == 0 {
			continue
		}
		candidates++
		st, ok := bySource[issue.SourceID]
		if ok && st.MetadataProcessed {
			anyProcessed = true
		} else {
			allProcessed = false
		}
		if !ok || !st.MetadataInjected {
			allInjected = false
		}
	}
	if candidates == 0 {
		// Nothing here can ever be fetched; the volume is trivially done
		// so the periodic sweep stops re-selecting it.
		allInjected = false
	}

	p.store.UpdateVolumeStatus(ctx, volumeID, map[string]interface{}{
		"metadata_processed": allProcessed,
		"metadata_injected":  allInjected,
		"xml_generated":      anyProcessed,
	})
}

// ProcessNewIssues processes only issues that gained files since the last
// pass, leaving already-processed issues alone.
func (p *Processor) ProcessNewIssues(ctx context.Context, volumeID int) (*VolumeResult, error) {
	start := time.Now()

	newIssues := p.store.DetectNewIssues(ctx, volumeID)
	res := &VolumeResult{VolumeID: volumeID}
	if len(newIssues) == 0 {
		return res, nil
	}

	p.log.Info().Int("volume_id", volumeID).Int("new_issues", len(newIssues)).Msg("processing new issues")

	for i, issue := range newIssues {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("processing interrupted: %w", err)
		}

		ir := p.processIssue(ctx, volumeID, issue, false)
		res.Issues = append(res.Issues, ir)

		if p.fetchDelay > 0 && i < len(newIssues)-1 {
			select {
			case <-time.After(p.fetchDelay):
			case <-ctx.Done():
				return res, fmt.Errorf("processing interrupted: %w", ctx.Err())
			}
		}
	}

	p.rollupVolume(ctx, volumeID)
	res.Duration = time.Since(start)
	return res, nil
}
