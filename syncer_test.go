package cbsync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog serves a fixed set of volume ids, with optional holes and a
// broken stats endpoint.
type fakeCatalog struct {
	volumes    map[int]*VolumeDetail
	total      int
	statsErr   error
	probeCalls int
}

func (f *fakeCatalog) TotalVolumes(ctx context.Context) (int, error) {
	if f.statsErr != nil {
		return 0, f.statsErr
	}
	return f.total, nil
}

func (f *fakeCatalog) VolumeByID(ctx context.Context, id int) (*VolumeDetail, error) {
	f.probeCalls++
	if d, ok := f.volumes[id]; ok {
		return d, nil
	}
	return nil, ErrNotFound
}

func catalogWith(ids ...int) *fakeCatalog {
	f := &fakeCatalog{volumes: map[int]*VolumeDetail{}, total: len(ids)}
	for _, id := range ids {
		f.volumes[id] = &VolumeDetail{
			ID:     id,
			Folder: "/comics-1/Volume",
			Issues: []Issue{{ID: id * 10, SourceID: int64(id * 100), IssueNumber: "1",
				Files: []IssueFile{{ID: id, Path: "/comics-1/Volume/001.cbz"}}}},
		}
	}
	return f
}

func newTestSyncer(t *testing.T, catalog Catalog, store *Store) *Syncer {
	t.Helper()
	detector := NewStalenessDetector(store, time.Hour, zerolog.Nop())
	return NewSyncer(catalog, store, detector, NewPathTranslator("/comics-1", "comics"), zerolog.Nop(),
		WithProbeDelay(0), WithFallbackLimit(10))
}

func TestRefreshFindsVolumesWithGaps(t *testing.T) {
	store := newTestStore(t)
	catalog := catalogWith(1, 2, 5) // ids 3 and 4 deleted upstream
	syncer := newTestSyncer(t, catalog, store)

	res, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Volumes)

	vols := store.Volumes(context.Background(), 0)
	require.Len(t, vols, 3)
	assert.Equal(t, []int{1, 2, 5}, []int{vols[0].ID, vols[1].ID, vols[2].ID})
	assert.Equal(t, "comics/Volume", vols[0].Folder)
}

func TestRefreshStopsAtTargetCount(t *testing.T) {
	store := newTestStore(t)
	// Dense id space: every id up to the total exists.
	catalog := catalogWith(1, 2, 3, 4)
	syncer := newTestSyncer(t, catalog, store)

	res, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Volumes)
	// All four expected volumes found by id 4; no probing beyond it.
	assert.Equal(t, 4, catalog.probeCalls)
}

func TestRefreshScansPastTarget(t *testing.T) {
	store := newTestStore(t)
	// Volume 6 sits past the reported total of 4.
	catalog := catalogWith(1, 2, 3, 6)
	catalog.total = 4
	syncer := newTestSyncer(t, catalog, store)

	res, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Volumes)
	// Scan bounded by twice the reported total.
	assert.LessOrEqual(t, catalog.probeCalls, 8)
}

func TestRefreshStopsAfterMissRun(t *testing.T) {
	store := newTestStore(t)
	catalog := catalogWith(1, 2)
	catalog.total = 20 // inflated: ids 3..40 are all misses
	syncer := newTestSyncer(t, catalog, store)

	res, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Volumes)
	// Ids 3..20 all miss, so the run is already long when the probe
	// reaches the target. Scan stops there instead of going to the 2x
	// ceiling of 40.
	assert.Equal(t, 20, catalog.probeCalls)
}

func TestRefreshFallbackWhenStatsUnavailable(t *testing.T) {
	store := newTestStore(t)
	catalog := catalogWith(1, 2, 3)
	catalog.statsErr = ErrUnavailable
	syncer := newTestSyncer(t, catalog, store)

	res, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Volumes)
	// Fallback limit of 10 bounds the scan at 20.
	assert.LessOrEqual(t, catalog.probeCalls, 20)
}

func TestRefreshIfStaleServesFreshCache(t *testing.T) {
	store := newTestStore(t)
	catalog := catalogWith(1, 2)
	syncer := newTestSyncer(t, catalog, store)

	res, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Volumes)
	probesAfterScan := catalog.probeCalls

	// Second call: count unchanged, cache fresh, no probing.
	res, err = syncer.RefreshIfStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ServeFromCache, res.Decision)
	assert.Equal(t, 2, res.Volumes)
	assert.Equal(t, probesAfterScan, catalog.probeCalls)
}

func TestRefreshIfStaleDetectsCountChange(t *testing.T) {
	store := newTestStore(t)
	catalog := catalogWith(1, 2)
	syncer := newTestSyncer(t, catalog, store)

	_, err := syncer.Refresh(context.Background())
	require.NoError(t, err)

	// A volume appears upstream.
	catalog.volumes[3] = &VolumeDetail{ID: 3, Folder: "/comics-1/Third"}
	catalog.total = 3

	res, err := syncer.RefreshIfStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshCountChanged, res.Decision)
	assert.Equal(t, 3, res.Volumes)
}

func TestRefreshCancelled(t *testing.T) {
	store := newTestStore(t)
	catalog := catalogWith(1, 2, 3)
	syncer := newTestSyncer(t, catalog, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := syncer.Refresh(ctx)
	require.Error(t, err)
}

func TestSyncerDetectNewIssues(t *testing.T) {
	store := newTestStore(t)
	catalog := catalogWith(1, 2)
	syncer := newTestSyncer(t, catalog, store)

	_, err := syncer.Refresh(context.Background())
	require.NoError(t, err)

	// Mark volume 1's issue as seen.
	tr := true
	require.True(t, store.UpdateIssueStatus(context.Background(), 1, 100, IssueStatusUpdate{Processed: &tr}))

	summaries := syncer.DetectNewIssues(context.Background())
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].VolumeID)
	require.Len(t, summaries[0].Issues, 1)
	assert.Equal(t, int64(200), summaries[0].Issues[0].SourceID)
}
