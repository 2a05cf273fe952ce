package cbsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogTotalVolumes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/volumes/stats", r.URL.Path)
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))
		fmt.Fprint(w, `{"error": null, "result": {"volumes": 37, "issues": 412}}`)
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, "key", zerolog.Nop())
	total, err := c.TotalVolumes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 37, total)
}

func TestCatalogVolumeByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/volumes/12", r.URL.Path)
		fmt.Fprint(w, `{"error": null, "result": {
			"folder": "/comics-1/DC/Batgirl (2025)",
			"issues": [
				{"id": 9, "comicvine_id": 912345, "issue_number": "1",
				 "files": [{"id": 3, "filepath": "/comics-1/DC/Batgirl (2025)/001.cbz", "size": 1024}]}
			]
		}}`)
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, "key", zerolog.Nop())
	detail, err := c.VolumeByID(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, 12, detail.ID)
	assert.Equal(t, "/comics-1/DC/Batgirl (2025)", detail.Folder)
	require.Len(t, detail.Issues, 1)
	assert.Equal(t, int64(912345), detail.Issues[0].SourceID)
	require.Len(t, detail.Issues[0].Files, 1)
	assert.Equal(t, "/comics-1/DC/Batgirl (2025)/001.cbz", detail.Issues[0].Files[0].Path)
	assert.False(t, detail.CachedAt.IsZero())
}

func TestCatalogVolumeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": "VolumeNotFound", "result": {}}`)
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, "key", zerolog.Nop())
	_, err := c.VolumeByID(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogHTTPNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewCatalogClient(srv.URL, "key", zerolog.Nop())
	_, err := c.VolumeByID(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, "key", zerolog.Nop())
	_, err := c.TotalVolumes(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCatalogUnreachable(t *testing.T) {
	c := NewCatalogClient("http://127.0.0.1:1", "key", zerolog.Nop())
	_, err := c.TotalVolumes(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
