package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mrnavastar/emuman/api"
	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
	"golang.org/x/sync/singleflight"
)

const releaseCacheAge = time.Hour

type FetchFunc func(ctx context.Context, repo string, branch util.Branch, limit int) ([]util.Release, error)

type releaseFile struct {
	Timestamp int64                          `json:"timestamp"`
	Releases  map[util.Branch][]util.Release `json:"releases"`
}

/*
ReleaseCache keeps the release lists of both branches in cache/releases.json. A list
younger than an hour is served as it is. Otherwise both branches are fetched again,
and a branch whose fetch fails keeps its previous list. The file is only rewritten
when every branch was fetched.
*/
type ReleaseCache struct {
	File   string
	Repos  map[util.Branch]string
	Limit  int
	MaxAge time.Duration
	Fetch  FetchFunc

	group singleflight.Group
	mu    sync.Mutex
	now   func() time.Time
}

func NewReleaseCache(cacheDir string, cfg fileutils.Config) *ReleaseCache {
	return &ReleaseCache{
		File: filepath.Join(cacheDir, "releases.json"),
		Repos: map[util.Branch]string{
			util.Stable:  cfg.MasterRepo,
			util.Nightly: cfg.NightlyRepo,
		},
		Limit:  cfg.FetchLimit,
		MaxAge: releaseCacheAge,
		Fetch:  api.FetchReleases,
		now:    time.Now,
	}
}

func (c *ReleaseCache) load() (releaseFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var file releaseFile
	data, err := os.ReadFile(c.File)
	if err != nil {
		return file, false
	}
	if err := json.Unmarshal(data, &file); err != nil {
		util.Log.Warn("failed to load release cache", util.Log.Args("path", c.File, "error", err.Error()))
		return releaseFile{}, false
	}
	return file, file.Releases != nil
}

func (c *ReleaseCache) save(releases map[util.Branch][]util.Release) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(releaseFile{Timestamp: c.now().Unix(), Releases: releases}, "", "  ")
	if err != nil {
		return err
	}
	return fileutils.WriteFileAtomic(c.File, data, 0644)
}

// Releases returns the releases of every branch. The returned error lists the
// branches that could neither be fetched nor served from an older cache; the other
// branches are still returned alongside it.
func (c *ReleaseCache) Releases(ctx context.Context, force bool) (map[util.Branch][]util.Release, error) {
	old, ok := c.load()
	if ok && !force && c.now().Sub(time.Unix(old.Timestamp, 0)) < c.MaxAge {
		util.Log.Debug("using fresh cached release data")
		return old.Releases, nil
	}

	type result struct {
		releases map[util.Branch][]util.Release
		err      error
	}
	v, _, _ := c.group.Do("releases", func() (interface{}, error) {
		releases, err := c.sync(ctx, old.Releases)
		return result{releases, err}, nil
	})
	r := v.(result)
	return r.releases, r.err
}

func (c *ReleaseCache) sync(ctx context.Context, old map[util.Branch][]util.Release) (map[util.Branch][]util.Release, error) {
	releases := map[util.Branch][]util.Release{}
	failed := false
	var errs []error

	for _, branch := range util.Branches {
		repo := c.Repos[branch]
		util.Log.Info("fetching releases", util.Log.Args("branch", string(branch), "repo", repo))
		list, err := c.Fetch(ctx, repo, branch, c.Limit)
		if err == nil {
			releases[branch] = list
			continue
		}

		failed = true
		util.Log.Error("fetch failed", util.Log.Args("branch", string(branch), "error", err.Error()))
		if stale := old[branch]; len(stale) > 0 {
			releases[branch] = stale
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", branch, err))
	}

	if !failed {
		if err := c.save(releases); err != nil {
			util.Log.Error("failed to save release cache", util.Log.Args("error", err.Error()))
		}
	}
	return releases, errors.Join(errs...)
}

// Cached returns whatever the cache file holds, however old.
func (c *ReleaseCache) Cached() map[util.Branch][]util.Release {
	file, _ := c.load()
	return file.Releases
}

// Tags lists the cached tags of branch, newest first.
func (c *ReleaseCache) Tags(branch util.Branch) []string {
	var tags []string
	for _, r := range c.Cached()[branch] {
		tags = append(tags, r.Tag)
	}
	return SortTags(branch, tags)
}

// Find looks a release up by tag, syncing first when the cache is stale.
func (c *ReleaseCache) Find(ctx context.Context, branch util.Branch, tag string) (util.Release, error) {
	releases, err := c.Releases(ctx, false)
	list := releases[branch]
	if len(list) == 0 && err != nil {
		return util.Release{}, err
	}
	if tag == "" || strings.EqualFold(tag, "latest") {
		if len(list) == 0 {
			return util.Release{}, fmt.Errorf("%w: no %s releases", util.ErrNotFound, branch)
		}
		tags := make([]string, 0, len(list))
		for _, r := range list {
			tags = append(tags, r.Tag)
		}
		tag = SortTags(branch, tags)[0]
	}
	for _, r := range list {
		if r.Tag == tag {
			return r, nil
		}
	}
	return util.Release{}, fmt.Errorf("%w: %s release %s", util.ErrNotFound, branch, tag)
}

type scanEntry struct {
	Hash      string            `json:"hash"`
	Tags      []string          `json:"tags"`
	Result    map[string]string `json:"result"`
	Timestamp int64             `json:"timestamp"`
}

// ScanCache remembers scan results per directory and branch together with a hash of
// the directory listing. An entry is valid while the directory still hashes the same.
type ScanCache struct {
	File string

	mu sync.Mutex
}

func NewScanCache(cacheDir string) *ScanCache {
	return &ScanCache{File: filepath.Join(cacheDir, "scan.json")}
}

func scanKey(dir string, branch util.Branch) string {
	return dir + ":" + string(branch)
}

func (s *ScanCache) read() map[string]scanEntry {
	entries := map[string]scanEntry{}
	data, err := os.ReadFile(s.File)
	if err != nil {
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]scanEntry{}
	}
	return entries
}

func (s *ScanCache) write(entries map[string]scanEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return fileutils.WriteFileAtomic(s.File, data, 0644)
}

func (s *ScanCache) ScanValid(dir string, branch util.Branch) bool {
	_, ok := s.Get(dir, branch, nil)
	return ok
}

// Get returns the cached scan of dir when the directory is unchanged and, if tags is
// not nil, the scan was made against the same tags.
func (s *ScanCache) Get(dir string, branch util.Branch, tags []string) (map[string]string, bool) {
	hash, err := fileutils.DirHash(dir)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	entry, ok := s.read()[scanKey(dir, branch)]
	s.mu.Unlock()
	if !ok || entry.Hash != hash {
		return nil, false
	}
	if tags != nil && !sameTags(entry.Tags, tags) {
		return nil, false
	}
	return entry.Result, true
}

func (s *ScanCache) SaveScan(dir string, branch util.Branch, tags []string, result map[string]string) error {
	hash, err := fileutils.DirHash(dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.read()
	entries[scanKey(dir, branch)] = scanEntry{
		Hash:      hash,
		Tags:      append([]string(nil), tags...),
		Result:    result,
		Timestamp: time.Now().Unix(),
	}
	return s.write(entries)
}

func (s *ScanCache) InvalidateScan(dir string, branch util.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.read()
	if _, ok := entries[scanKey(dir, branch)]; !ok {
		return
	}
	delete(entries, scanKey(dir, branch))
	if err := s.write(entries); err != nil {
		util.Log.Warn("failed to invalidate scan cache", util.Log.Args("dir", dir, "error", err.Error()))
	}
}

// CachedScan runs store.Scan for branch unless an unchanged result is cached.
func (s *ScanCache) CachedScan(store *VersionStore, branch util.Branch, tags []string) (map[string]string, error) {
	dir := store.BranchDir(branch)
	if tags == nil {
		tags = []string{}
	}
	if result, ok := s.Get(dir, branch, tags); ok {
		util.Log.Debug("using cached scan", util.Log.Args("dir", dir))
		return result, nil
	}
	result, err := store.Scan(branch, tags)
	if err != nil {
		return nil, err
	}
	if fileutils.IsDir(dir) {
		if err := s.SaveScan(dir, branch, tags, result); err != nil {
			util.Log.Warn("failed to save scan cache", util.Log.Args("dir", dir, "error", err.Error()))
		}
	}
	return result, nil
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
