package cbsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SchedulerConfig holds the background loop intervals and bounds.
type SchedulerConfig struct {
	// RefreshInterval is how often the catalog staleness check runs.
	RefreshInterval time.Duration

	// ProcessInterval is how often volumes needing metadata are swept.
	ProcessInterval time.Duration

	// CleanupInterval is how often stale scratch dirs are removed.
	CleanupInterval time.Duration

	// MaxConcurrent bounds simultaneous volume processing runs.
	MaxConcurrent int

	// ScratchRetention is the minimum age before a scratch dir is swept.
	ScratchRetention time.Duration

	// AutoProcess enables the periodic processing sweep. Refresh and
	// cleanup run regardless.
	AutoProcess bool
}

// DefaultSchedulerConfig returns the stock intervals.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RefreshInterval:  time.Hour,
		ProcessInterval:  2 * time.Hour,
		CleanupInterval:  30 * time.Minute,
		MaxConcurrent:    5,
		ScratchRetention: 24 * time.Hour,
	}
}

// Operation is a handle on one scheduled run. Wait blocks until it
// finishes.
type Operation struct {
	ID      string
	Kind    string
	Started time.Time

	done chan struct{}
	err  error
}

// Wait blocks until the operation completes or ctx is cancelled.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operation) finish(err error) {
	o.err = err
	close(o.done)
}

func newOperation(kind string) *Operation {
	return &Operation{
		ID:      uuid.NewString(),
		Kind:    kind,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
}

// SchedulerStats is a snapshot of the scheduler's counters.
type SchedulerStats struct {
	Running          bool
	LastRefresh      time.Time
	LastProcessSweep time.Time
	RefreshRuns      int
	ProcessRuns      int
	ProcessFailures  int
	ScratchSwept     int
}

// Scheduler drives the periodic refresh, processing, and cleanup loops.
type Scheduler struct {
	cfg       SchedulerConfig
	syncer    *Syncer
	processor *Processor
	rewriter  *Rewriter
	store     *Store
	log       zerolog.Logger

	mu       sync.Mutex
	running  bool
	draining bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	sem      chan struct{}
	stats    SchedulerStats
}

// NewScheduler builds a scheduler over the given pipeline components.
func NewScheduler(cfg SchedulerConfig, syncer *Syncer, processor *Processor, rewriter *Rewriter, store *Store, log zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{
		cfg:       cfg,
		syncer:    syncer,
		processor: processor,
		rewriter:  rewriter,
		store:     store,
		log:       log.With().Str("component", "scheduler").Logger(),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start launches the background loops. It is an error to start a running
// scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.draining = false
	s.stopChan = make(chan struct{})
	s.stats.Running = true

	s.wg.Add(1)
	go s.refreshLoop(ctx)

	if s.cfg.AutoProcess {
		s.wg.Add(1)
		go s.processLoop(ctx)
	}

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.log.Info().
		Dur("refresh_interval", s.cfg.RefreshInterval).
		Dur("process_interval", s.cfg.ProcessInterval).
		Dur("cleanup_interval", s.cfg.CleanupInterval).
		Bool("auto_process", s.cfg.AutoProcess).
		Msg("scheduler started")
	return nil
}

// Stop halts the loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.draining = true
	s.stats.Running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// addWorker registers a goroutine with the lifecycle WaitGroup. It
// refuses once Stop has begun waiting, so a late trigger cannot race the
// shutdown Wait.
func (s *Scheduler) addWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.wg.Add(1)
	return true
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	// Run once at startup so a fresh daemon has a catalog to work with.
	s.runRefresh(ctx)

	for {
		select {
		case <-ticker.C:
			s.runRefresh(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	res, err := s.syncer.RefreshIfStale(ctx)
	s.mu.Lock()
	s.stats.RefreshRuns++
	s.stats.LastRefresh = time.Now()
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled refresh failed")
		return
	}
	if res.Decision.NeedsRefresh() {
		// A real refresh may have surfaced issues that gained files.
		for _, summary := range s.syncer.DetectNewIssues(ctx) {
			s.log.Info().Int("volume_id", summary.VolumeID).Int("new_issues", len(summary.Issues)).Msg("new issues detected")
		}
	}
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runProcessSweep(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runProcessSweep(ctx context.Context) {
	pending := s.store.VolumesNeedingMetadata(ctx)
	s.mu.Lock()
	s.stats.LastProcessSweep = time.Now()
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	s.log.Info().Int("volumes", len(pending)).Msg("processing sweep started")

	var wg sync.WaitGroup
	for _, v := range pending {
		select {
		case s.sem <- struct{}{}:
		case <-s.stopChan:
			wg.Wait()
			return
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(volumeID int) {
			defer wg.Done()
			defer func() { <-s.sem }()

			_, err := s.processor.ProcessVolume(ctx, volumeID, false)
			s.mu.Lock()
			s.stats.ProcessRuns++
			if err != nil {
				s.stats.ProcessFailures++
			}
			s.mu.Unlock()
			if err != nil {
				s.log.Error().Err(err).Int("volume_id", volumeID).Msg("scheduled processing failed")
			}
		}(v.ID)
	}
	wg.Wait()
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := s.rewriter.SweepScratch(s.cfg.ScratchRetention)
			s.mu.Lock()
			s.stats.ScratchSwept += n
			s.mu.Unlock()
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// TriggerRefresh starts an on-demand catalog refresh and returns a
// handle to wait on.
func (s *Scheduler) TriggerRefresh(ctx context.Context) *Operation {
	op := newOperation("refresh")
	if !s.addWorker() {
		op.finish(fmt.Errorf("scheduler stopped"))
		return op
	}
	go func() {
		defer s.wg.Done()
		_, err := s.syncer.Refresh(ctx)
		s.mu.Lock()
		s.stats.RefreshRuns++
		s.stats.LastRefresh = time.Now()
		s.mu.Unlock()
		op.finish(err)
	}()
	s.log.Info().Str("operation", op.ID).Msg("manual refresh triggered")
	return op
}

// TriggerProcess starts an on-demand processing run for one volume.
// force re-processes issues already marked processed.
func (s *Scheduler) TriggerProcess(ctx context.Context, volumeID int, force bool) *Operation {
	op := newOperation("process")
	if !s.addWorker() {
		op.finish(fmt.Errorf("scheduler stopped"))
		return op
	}
	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			op.finish(ctx.Err())
			return
		}
		defer func() { <-s.sem }()

		_, err := s.processor.ProcessVolume(ctx, volumeID, force)
		s.mu.Lock()
		s.stats.ProcessRuns++
		if err != nil {
			s.stats.ProcessFailures++
		}
		s.mu.Unlock()
		op.finish(err)
	}()
	s.log.Info().Str("operation", op.ID).Int("volume_id", volumeID).Msg("manual processing triggered")
	return op
}
