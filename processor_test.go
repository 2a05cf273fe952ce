package cbsync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []int64
	fail  map[int64]error
}

func (f *fakeFetcher) IssueMetadata(ctx context.Context, sourceID int64) (*IssueMetadata, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sourceID)
	f.mu.Unlock()
	if err, ok := f.fail[sourceID]; ok {
		return nil, err
	}
	meta := &IssueMetadata{
		ID:          sourceID,
		Name:        fmt.Sprintf("Issue %d", sourceID),
		IssueNumber: "1",
	}
	meta.Volume.Name = "Test Volume"
	return meta, nil
}

type fakeInjector struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeInjector) Inject(ctx context.Context, archivePath string, volumeID int, doc []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, archivePath)
	f.mu.Unlock()
	if err, ok := f.fail[archivePath]; ok {
		return err
	}
	return nil
}

func seedVolume(t *testing.T, store *Store, volumeID int) {
	t.Helper()
	ctx := context.Background()
	require.True(t, store.StoreVolumes(ctx, []Volume{{ID: volumeID}}))
	require.True(t, store.StoreVolumeDetail(ctx, volumeID, testDetail(volumeID,
		Issue{ID: 1, SourceID: 100, IssueNumber: "1",
			Files: []IssueFile{{ID: 1, Path: "/comics-1/Test Volume/001.cbz"}}},
		Issue{ID: 2, SourceID: 101, IssueNumber: "2",
			Files: []IssueFile{{ID: 2, Path: "/comics-1/Test Volume/002.cbz"}, {ID: 3, Path: "/comics-1/Test Volume/002-alt.cbz"}}},
		Issue{ID: 3, SourceID: 102, IssueNumber: "3"},
	)))
}

func newTestProcessor(t *testing.T, store *Store, fetcher *fakeFetcher, injector *fakeInjector) *Processor {
	t.Helper()
	return NewProcessor(store, fetcher, injector,
		NewPathTranslator("/comics-1", "comics"), zerolog.Nop(), WithFetchDelay(0))
}

func TestProcessVolume(t *testing.T) {
	store := newTestStore(t)
	seedVolume(t, store, 42)
	fetcher := &fakeFetcher{}
	injector := &fakeInjector{}
	proc := newTestProcessor(t, store, fetcher, injector)

	res, err := proc.ProcessVolume(context.Background(), 42, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed())
	assert.Zero(t, res.Failed())

	// Only the two file-bearing issues hit the fetcher; issue 102 has no
	// files.
	assert.Equal(t, []int64{100, 101}, fetcher.calls)
	// Every file of every issue got an injection, with translated paths.
	assert.Equal(t, []string{
		"comics/Test Volume/001.cbz",
		"comics/Test Volume/002.cbz",
		"comics/Test Volume/002-alt.cbz",
	}, injector.calls)

	st, ok := store.IssueStatusFor(context.Background(), 42, 100)
	require.True(t, ok)
	assert.True(t, st.MetadataProcessed)
	assert.True(t, st.MetadataInjected)

	v, ok := store.Volume(context.Background(), 42)
	require.True(t, ok)
	assert.True(t, v.MetadataProcessed)
	assert.True(t, v.XMLGenerated)
	assert.True(t, v.MetadataInjected)
}

func TestProcessVolumeSecondRunSkips(t *testing.T) {
	store := newTestStore(t)
	seedVolume(t, store, 42)
	fetcher := &fakeFetcher{}
	injector := &fakeInjector{}
	proc := newTestProcessor(t, store, fetcher, injector)

	_, err := proc.ProcessVolume(context.Background(), 42, false)
	require.NoError(t, err)
	fetches := len(fetcher.calls)

	res, err := proc.ProcessVolume(context.Background(), 42, false)
	require.NoError(t, err)
	assert.Zero(t, res.Processed())
	assert.Len(t, fetcher.calls, fetches)

	// force re-runs everything.
	res, err = proc.ProcessVolume(context.Background(), 42, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed())
	assert.Len(t, fetcher.calls, fetches*2)
}

func TestProcessVolumeContinuesPastFetchFailure(t *testing.T) {
	store := newTestStore(t)
	seedVolume(t, store, 42)
	fetcher := &fakeFetcher{fail: map[int64]error{100: ErrUnavailable}}
	injector := &fakeInjector{}
	proc := newTestProcessor(t, store, fetcher, injector)

	res, err := proc.ProcessVolume(context.Background(), 42, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed())
	assert.Equal(t, 1, res.Failed())

	// The failed issue has no status row and stays eligible.
	_, ok := store.IssueStatusFor(context.Background(), 42, 100)
	assert.False(t, ok)
	st, ok := store.IssueStatusFor(context.Background(), 42, 101)
	require.True(t, ok)
	assert.True(t, st.MetadataProcessed)

	// Volume rollup stays down until every issue is done.
	v, ok := store.Volume(context.Background(), 42)
	require.True(t, ok)
	assert.False(t, v.MetadataProcessed)
	assert.True(t, v.XMLGenerated)
}

func TestProcessVolumeInjectFailureKeepsProcessed(t *testing.T) {
	store := newTestStore(t)
	seedVolume(t, store, 42)
	fetcher := &fakeFetcher{}
	injector := &fakeInjector{fail: map[string]error{
		"comics/Test Volume/002-alt.cbz": fmt.Errorf("disk full"),
	}}
	proc := newTestProcessor(t, store, fetcher, injector)

	res, err := proc.ProcessVolume(context.Background(), 42, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed())

	// Issue 101 fetched fine but one of its files failed injection.
	st, ok := store.IssueStatusFor(context.Background(), 42, 101)
	require.True(t, ok)
	assert.True(t, st.MetadataProcessed)
	assert.False(t, st.MetadataInjected)

	v, ok := store.Volume(context.Background(), 42)
	require.True(t, ok)
	assert.True(t, v.MetadataProcessed)
	assert.False(t, v.MetadataInjected)
}

func TestProcessVolumeAllFetchesFail(t *testing.T) {
	store := newTestStore(t)
	seedVolume(t, store, 42)
	fetcher := &fakeFetcher{fail: map[int64]error{100: ErrUnavailable, 101: ErrUnavailable}}
	proc := newTestProcessor(t, store, fetcher, &fakeInjector{})

	res, err := proc.ProcessVolume(context.Background(), 42, false)
	require.NoError(t, err)
	assert.Zero(t, res.Processed())
	assert.Equal(t, 2, res.Failed())

	// No document was ever produced, so none of the flags go up.
	v, ok := store.Volume(context.Background(), 42)
	require.True(t, ok)
	assert.False(t, v.MetadataProcessed)
	assert.False(t, v.XMLGenerated)
	assert.False(t, v.MetadataInjected)
}

func TestProcessVolumeUnmatchedIssuesOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.True(t, store.StoreVolumes(ctx, []Volume{{ID: 7}}))
	require.True(t, store.StoreVolumeDetail(ctx, 7, testDetail(7,
		Issue{ID: 1, SourceID: 0, IssueNumber: "1",
			Files: []IssueFile{{ID: 1, Path: "/comics-1/Test Volume/001.cbz"}}},
	)))
	fetcher := &fakeFetcher{}
	proc := newTestProcessor(t, store, fetcher, &fakeInjector{})

	res, err := proc.ProcessVolume(ctx, 7, false)
	require.NoError(t, err)
	assert.Empty(t, res.Issues)
	assert.Empty(t, fetcher.calls)

	// Nothing is fetchable, so the volume counts as done and leaves the
	// pending pool instead of being re-selected every sweep.
	v, ok := store.Volume(ctx, 7)
	require.True(t, ok)
	assert.True(t, v.MetadataProcessed)
	assert.False(t, v.XMLGenerated)
	assert.Empty(t, store.VolumesNeedingMetadata(ctx))
}

func TestProcessVolumeUnknown(t *testing.T) {
	store := newTestStore(t)
	proc := newTestProcessor(t, store, &fakeFetcher{}, &fakeInjector{})

	_, err := proc.ProcessVolume(context.Background(), 99, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessNewIssues(t *testing.T) {
	store := newTestStore(t)
	seedVolume(t, store, 42)
	fetcher := &fakeFetcher{}
	injector := &fakeInjector{}
	proc := newTestProcessor(t, store, fetcher, injector)

	// Issue 100 was handled in an earlier pass.
	tr := true
	require.True(t, store.UpdateIssueStatus(context.Background(), 42, 100, IssueStatusUpdate{Processed: &tr, Injected: &tr}))

	res, err := proc.ProcessNewIssues(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed())
	assert.Equal(t, []int64{101}, fetcher.calls)

	// Everything handled now, so rollup goes up.
	v, ok := store.Volume(context.Background(), 42)
	require.True(t, ok)
	assert.True(t, v.MetadataProcessed)
}
