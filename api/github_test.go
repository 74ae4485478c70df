package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mrnavastar/emuman/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releasesJSON = `[
  {
    "tag_name": "v0.0.4",
    "body": "Fixes and speedups\n\n# Packages\nlots of files",
    "published_at": "2025-10-01T12:30:00Z",
    "assets": [
      {
        "name": "Eden-Linux-v0.0.4-amd64.AppImage",
        "browser_download_url": "https://example.com/Eden-Linux-v0.0.4-amd64.AppImage",
        "size": 104857600,
        "digest": "sha256:abc123"
      },
      {
        "name": "Eden-Windows-v0.0.4-amd64-msvc.zip",
        "browser_download_url": "https://example.com/Eden-Windows-v0.0.4-amd64-msvc.zip",
        "size": 52428800
      }
    ]
  },
  {
    "tag_name": "v0.0.3",
    "body": "",
    "published_at": "2025-08-01T00:00:00Z",
    "assets": []
  }
]`

func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	old := GITHUB_API_BASE
	GITHUB_API_BASE = srv.URL
	t.Cleanup(func() {
		GITHUB_API_BASE = old
		srv.Close()
	})
}

func TestFetchReleases(t *testing.T) {
	var perPage, path string
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		perPage = r.URL.Query().Get("per_page")
		w.Write([]byte(releasesJSON))
	})

	releases, err := FetchReleases(context.Background(), "eden-emulator/Releases", util.Stable, 15)
	require.NoError(t, err)
	assert.Equal(t, "/repos/eden-emulator/Releases/releases", path)
	assert.Equal(t, "15", perPage)

	require.Len(t, releases, 2)
	first := releases[0]
	assert.Equal(t, "v0.0.4", first.Tag)
	assert.Equal(t, util.Stable, first.Branch)
	assert.Equal(t, "Fixes and speedups", first.Changelog)
	assert.True(t, first.Published.Equal(time.Date(2025, 10, 1, 12, 30, 0, 0, time.UTC)))

	require.Len(t, first.Assets, 2)
	assert.Equal(t, "abc123", first.Assets[0].Sha256)
	assert.Equal(t, int64(104857600), first.Assets[0].Size)
	assert.Equal(t, "", first.Assets[1].Sha256)
	assert.Empty(t, releases[1].Assets)
}

func TestFetchReleasesError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"API rate limit exceeded"}`))
	})

	_, err := FetchReleases(context.Background(), "eden-emulator/Releases", util.Stable, 15)
	assert.Error(t, err)
}

func TestLatestRelease(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/releases/latest") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"tag_name":"20.1.5","assets":[{"name":"Firmware 20.1.5.zip","browser_download_url":"https://example.com/fw.zip","size":10,"digest":"sha256:ff"}]}`))
	})

	release, err := LatestRelease(context.Background(), "THZoria/NX_Firmware")
	require.NoError(t, err)
	assert.Equal(t, "20.1.5", release.Tag)
	require.Len(t, release.Assets, 1)
	assert.Equal(t, "ff", release.Assets[0].Sha256)
}

func TestExtractChangelog(t *testing.T) {
	nightly := "Build info\n## Changelog:\n**Fixes**\n- one\n## Downloads\nfiles"
	assert.Equal(t, "## Changelog:\n**Fixes**\n\n- one", ExtractChangelog(nightly, util.Nightly))

	unmarked := strings.Repeat("x", 900)
	assert.Len(t, ExtractChangelog(unmarked, util.Nightly), 800)

	wide := ExtractChangelog("a"+strings.Repeat("更", 900), util.Nightly)
	assert.True(t, utf8.ValidString(wide))
	assert.Equal(t, 800, utf8.RuneCountInString(wide))
	assert.True(t, strings.HasSuffix(wide, "更"))

	assert.Equal(t, "notes", ExtractChangelog("notes\n# Packages\nfiles", util.Stable))
	assert.Equal(t, "notes", ExtractChangelog("  notes  ", util.Stable))
}
