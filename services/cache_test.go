package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu       sync.Mutex
	releases map[util.Branch][]util.Release
	fail     map[util.Branch]error
	calls    int
}

func (f *fakeFeed) fetch(ctx context.Context, repo string, branch util.Branch, limit int) ([]util.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[branch]; err != nil {
		return nil, err
	}
	return f.releases[branch], nil
}

func newReleaseCache(t *testing.T) (*ReleaseCache, *fakeFeed, *time.Time) {
	t.Helper()
	feed := &fakeFeed{
		releases: map[util.Branch][]util.Release{
			util.Stable: {
				{Branch: util.Stable, Tag: "v0.0.3"},
				{Branch: util.Stable, Tag: "v0.0.4-rc1"},
				{Branch: util.Stable, Tag: "v0.0.4"},
			},
			util.Nightly: {
				{Branch: util.Nightly, Tag: "nightly-27001"},
				{Branch: util.Nightly, Tag: "nightly-27100"},
			},
		},
		fail: map[util.Branch]error{},
	}

	c := NewReleaseCache(t.TempDir(), fileutils.DefaultConfig())
	c.Fetch = feed.fetch
	clock := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	return c, feed, &clock
}

func tagsOf(releases []util.Release) []string {
	var tags []string
	for _, r := range releases {
		tags = append(tags, r.Tag)
	}
	return tags
}

func TestReleaseCacheServesFreshData(t *testing.T) {
	c, feed, clock := newReleaseCache(t)
	ctx := context.Background()

	releases, err := c.Releases(ctx, false)
	require.NoError(t, err)
	assert.Len(t, releases[util.Stable], 3)
	assert.Equal(t, 2, feed.calls)
	assert.FileExists(t, c.File)

	_, err = c.Releases(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, feed.calls)

	*clock = clock.Add(2 * time.Hour)
	_, err = c.Releases(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 4, feed.calls)

	_, err = c.Releases(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 6, feed.calls)
}

func TestReleaseCacheKeepsStaleBranch(t *testing.T) {
	c, feed, _ := newReleaseCache(t)
	ctx := context.Background()

	_, err := c.Releases(ctx, false)
	require.NoError(t, err)
	before, err := os.ReadFile(c.File)
	require.NoError(t, err)

	feed.fail[util.Nightly] = errors.New("rate limited")
	feed.releases[util.Stable] = append(feed.releases[util.Stable], util.Release{Branch: util.Stable, Tag: "v0.0.5"})

	releases, err := c.Releases(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"nightly-27001", "nightly-27100"}, tagsOf(releases[util.Nightly]))
	assert.Len(t, releases[util.Stable], 4)

	after, err := os.ReadFile(c.File)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestReleaseCacheReportsBranchWithoutData(t *testing.T) {
	c, feed, _ := newReleaseCache(t)
	feed.fail[util.Nightly] = errors.New("offline")

	releases, err := c.Releases(context.Background(), false)
	assert.ErrorContains(t, err, "nightly")
	assert.Len(t, releases[util.Stable], 3)
	assert.Empty(t, releases[util.Nightly])
	assert.NoFileExists(t, c.File)
	assert.Nil(t, c.Cached())
}

func TestReleaseCacheFind(t *testing.T) {
	c, _, _ := newReleaseCache(t)
	ctx := context.Background()

	latest, err := c.Find(ctx, util.Stable, "")
	require.NoError(t, err)
	assert.Equal(t, "v0.0.4", latest.Tag)

	latest, err = c.Find(ctx, util.Nightly, "latest")
	require.NoError(t, err)
	assert.Equal(t, "nightly-27100", latest.Tag)

	rc, err := c.Find(ctx, util.Stable, "v0.0.4-rc1")
	require.NoError(t, err)
	assert.Equal(t, "v0.0.4-rc1", rc.Tag)

	_, err = c.Find(ctx, util.Stable, "v9.9.9")
	assert.True(t, errors.Is(err, util.ErrNotFound))

	assert.Equal(t, []string{"v0.0.4", "v0.0.4-rc1", "v0.0.3"}, c.Tags(util.Stable))
}

func TestScanCache(t *testing.T) {
	store, _ := newStore(t)
	dir := store.BranchDir(util.Stable)
	makeBuild(t, filepath.Join(dir, "Eden-Linux-v0.0.4-amd64"))
	tags := []string{"v0.0.4"}

	scans := NewScanCache(t.TempDir())
	assert.False(t, scans.ScanValid(dir, util.Stable))

	result, err := scans.CachedScan(store, util.Stable, tags)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"v0.0.4": "Eden-Linux-v0.0.4-amd64"}, result)
	assert.True(t, scans.ScanValid(dir, util.Stable))

	cached, ok := scans.Get(dir, util.Stable, []string{"v0.0.4"})
	require.True(t, ok)
	assert.Equal(t, result, cached)

	_, ok = scans.Get(dir, util.Stable, []string{"v0.0.4", "v0.0.5"})
	assert.False(t, ok)
	_, ok = scans.Get(dir, util.Nightly, tags)
	assert.False(t, ok)

	makeBuild(t, filepath.Join(dir, "Eden-Linux-v0.0.5-amd64"))
	assert.False(t, scans.ScanValid(dir, util.Stable))

	require.NoError(t, scans.SaveScan(dir, util.Stable, tags, result))
	assert.True(t, scans.ScanValid(dir, util.Stable))
	scans.InvalidateScan(dir, util.Stable)
	assert.False(t, scans.ScanValid(dir, util.Stable))
}

func TestScanCacheSurvivesGarbage(t *testing.T) {
	store, _ := newStore(t)
	dir := store.BranchDir(util.Stable)
	makeBuild(t, filepath.Join(dir, "Eden-Linux-v0.0.4-amd64"))

	scans := NewScanCache(t.TempDir())
	writeFile(t, scans.File, "{not json")
	assert.False(t, scans.ScanValid(dir, util.Stable))

	_, err := scans.CachedScan(store, util.Stable, nil)
	require.NoError(t, err)
	assert.True(t, scans.ScanValid(dir, util.Stable))
}
