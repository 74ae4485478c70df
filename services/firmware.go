package services

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	"github.com/mrnavastar/emuman/api"
	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
	"golang.org/x/mod/semver"
)

const firmwareCacheAge = 24 * time.Hour

var (
	firmwareVersion = regexp.MustCompile(`\d+\.\d+\.\d+`)
	firmwareLogLine = regexp.MustCompile(`Installed firmware:\s*(\d+\.\d+\.\d+)`)
)

type FirmwareUpdate struct {
	Current   string
	Latest    string
	Url       string
	Sha256    string
	Size      int64
	HasUpdate bool
	FromCache bool
}

type FirmwareManager struct {
	UserData   string
	Dir        string
	CacheFile  string
	Repo       string
	Guard      *Guard
	Downloader Fetcher

	Latest func(ctx context.Context, repo string) (util.Release, error)
	now    func() time.Time

	mu      sync.Mutex
	logSeen map[string]logVersion
}

type logVersion struct {
	mtime   time.Time
	version string
}

func NewFirmwareManager(userData, dir, cacheDir, repo string, guard *Guard, downloader Fetcher) *FirmwareManager {
	return &FirmwareManager{
		UserData:   userData,
		Dir:        dir,
		CacheFile:  filepath.Join(cacheDir, "firmware.json"),
		Repo:       repo,
		Guard:      guard,
		Downloader: downloader,
		Latest:     api.LatestRelease,
		now:        time.Now,
		logSeen:    map[string]logVersion{},
	}
}

func (f *FirmwareManager) ListLocal() ([]util.FirmwarePackage, error) {
	entries, err := os.ReadDir(f.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var packages []util.FirmwarePackage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		version := e.Name()
		if m := firmwareVersion.FindString(e.Name()); m != "" {
			version = m
		}
		packages = append(packages, util.FirmwarePackage{
			Name:    e.Name(),
			Version: version,
			Path:    filepath.Join(f.Dir, e.Name()),
			Size:    info.Size(),
		})
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name > packages[j].Name })
	return packages, nil
}

// InstalledVersion reports the firmware the emulator runs: the version its log last
// announced, unless EmuMan recorded an install after that log was written.
func (f *FirmwareManager) InstalledVersion() string {
	logVer, logTime := f.versionFromLogs()
	recVer, recTime := f.record()
	if recVer != "" && recTime.After(logTime) {
		return recVer
	}
	return logVer
}

func (f *FirmwareManager) versionFromLogs() (string, time.Time) {
	paths := []string{fileutils.EmulatorLog(f.UserData)}
	if system := fileutils.EmulatorLog(fileutils.SystemDataPath()); system != paths[0] {
		paths = append(paths, system)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var version string
	var newest time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		v, ok := f.logSeen[p]
		if !ok || !v.mtime.Equal(info.ModTime()) {
			parsed, err := ParseFirmwareFromLog(p)
			if err != nil {
				util.Log.Warn("failed to read emulator log", util.Log.Args("path", p, "error", err.Error()))
				continue
			}
			v = logVersion{mtime: info.ModTime(), version: parsed}
			f.logSeen[p] = v
		}
		if v.version != "" && (version == "" || v.mtime.After(newest)) {
			version, newest = v.version, v.mtime
		}
	}
	return version, newest
}

// ParseFirmwareFromLog returns the first firmware version the emulator log reports.
func ParseFirmwareFromLog(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := firmwareLogLine.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1], nil
		}
	}
	return "", scanner.Err()
}

func (f *FirmwareManager) readCache() []byte {
	data, err := os.ReadFile(f.CacheFile)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return []byte("{}")
	}
	return data
}

// updateCache merges values into the cache file, leaving unrelated keys as they are.
func (f *FirmwareManager) updateCache(values map[string]interface{}) error {
	data := f.readCache()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		encoded, err := json.Marshal(values[k])
		if err != nil {
			return err
		}
		data, err = jsonparser.Set(data, encoded, strings.Split(k, ".")...)
		if err != nil {
			return err
		}
	}
	return fileutils.WriteFileAtomic(f.CacheFile, data, 0644)
}

func (f *FirmwareManager) record() (string, time.Time) {
	data := f.readCache()
	version, _ := jsonparser.GetString(data, "installed", "version")
	ts, _ := jsonparser.GetInt(data, "installed", "timestamp")
	if version == "" {
		return "", time.Time{}
	}
	return version, time.Unix(ts, 0)
}

func (f *FirmwareManager) recordInstall(version string) {
	err := f.updateCache(map[string]interface{}{
		"installed.version":   version,
		"installed.timestamp": f.now().Unix(),
	})
	if err != nil {
		util.Log.Warn("failed to save local firmware record", util.Log.Args("error", err.Error()))
	}
}

type cachedFirmware struct {
	version, url, sha256 string
	size                 int64
	fetched              time.Time
}

func (f *FirmwareManager) cached() cachedFirmware {
	data := f.readCache()
	var c cachedFirmware
	c.version, _ = jsonparser.GetString(data, "version")
	c.url, _ = jsonparser.GetString(data, "download_url")
	c.sha256, _ = jsonparser.GetString(data, "sha256")
	c.size, _ = jsonparser.GetInt(data, "size")
	ts, _ := jsonparser.GetInt(data, "timestamp")
	c.fetched = time.Unix(ts, 0)
	return c
}

// CheckForUpdate compares the installed firmware with the newest one published. The
// remote answer is cached for a day; when the request fails the cached answer is used.
func (f *FirmwareManager) CheckForUpdate(ctx context.Context, force bool) (FirmwareUpdate, error) {
	current := f.InstalledVersion()
	c := f.cached()

	fromCache := func() FirmwareUpdate {
		return FirmwareUpdate{
			Current:   current,
			Latest:    c.version,
			Url:       c.url,
			Sha256:    c.sha256,
			Size:      c.size,
			HasUpdate: current != "" && CompareVersions(current, c.version),
			FromCache: true,
		}
	}

	if !force && c.version != "" && f.now().Sub(c.fetched) < firmwareCacheAge {
		return fromCache(), nil
	}

	release, err := f.Latest(ctx, f.Repo)
	if err != nil {
		if c.version != "" {
			util.Log.Warn("failed to fetch firmware updates, using cached version", util.Log.Args("version", c.version, "error", err.Error()))
			return fromCache(), nil
		}
		return FirmwareUpdate{Current: current}, err
	}

	update := FirmwareUpdate{Current: current, Latest: release.Tag}
	for _, asset := range release.Assets {
		if strings.HasSuffix(strings.ToLower(asset.Name), ".zip") {
			update.Url, update.Sha256, update.Size = asset.Url, asset.Sha256, asset.Size
			break
		}
	}
	update.HasUpdate = current != "" && CompareVersions(current, update.Latest)

	err = f.updateCache(map[string]interface{}{
		"version":      update.Latest,
		"download_url": update.Url,
		"sha256":       update.Sha256,
		"size":         update.Size,
		"timestamp":    f.now().Unix(),
	})
	if err != nil {
		util.Log.Warn("failed to cache firmware info", util.Log.Args("error", err.Error()))
	}
	return update, nil
}

// CompareVersions reports whether remote is newer than current.
func CompareVersions(current, remote string) bool {
	c := firmwareVersion.FindString(current)
	r := firmwareVersion.FindString(remote)
	if c == "" || r == "" {
		return false
	}
	return semver.Compare("v"+r, "v"+c) > 0
}

// DownloadAndInstall fetches the firmware package into the firmware folder, checks
// its digest and installs it.
func (f *FirmwareManager) DownloadAndInstall(ctx context.Context, update FirmwareUpdate) (int, error) {
	release, err := f.Guard.Acquire("firmware install")
	if err != nil {
		return 0, err
	}
	defer release()

	if update.Url == "" {
		return 0, fmt.Errorf("%w: firmware %s", util.ErrNoAsset, update.Latest)
	}
	name := path.Base(update.Url)
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name = "firmware-" + update.Latest + ".zip"
	}
	dest := filepath.Join(f.Dir, name)

	if err := f.Downloader.Download(ctx, update.Url, dest); err != nil {
		os.Remove(dest)
		return 0, err
	}

	expected := update.Sha256
	if expected == "" {
		if c := f.cached(); c.version == update.Latest {
			expected = c.sha256
		}
	}
	if err := fileutils.VerifySHA256(dest, expected); err != nil {
		os.Remove(dest)
		return 0, err
	}
	return f.install(ctx, dest, update.Latest)
}

// Install copies the NCA files of a firmware zip into the NAND registered folder,
// replacing what was there.
func (f *FirmwareManager) Install(zipPath string, version string) (int, error) {
	release, err := f.Guard.Acquire("firmware install")
	if err != nil {
		return 0, err
	}
	defer release()
	return f.install(context.Background(), zipPath, version)
}

func (f *FirmwareManager) install(ctx context.Context, zipPath string, version string) (int, error) {
	if version == "" {
		version = firmwareVersion.FindString(filepath.Base(zipPath))
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("invalid firmware archive: %w", err)
	}
	defer reader.Close()

	var ncas []*zip.File
	for _, file := range reader.File {
		if !file.FileInfo().IsDir() && strings.HasSuffix(strings.ToLower(file.Name), ".nca") {
			ncas = append(ncas, file)
		}
	}
	if len(ncas) == 0 {
		return 0, util.ErrNoFirmware
	}

	registered := fileutils.NandRegisteredDir(f.UserData)
	suffix := uuid.NewString()[:8]
	incoming := registered + ".new-" + suffix
	if err := os.MkdirAll(incoming, 0755); err != nil {
		return 0, err
	}
	defer os.RemoveAll(incoming)

	for _, file := range ncas {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := copyZipEntry(file, filepath.Join(incoming, path.Base(file.Name))); err != nil {
			return 0, err
		}
	}

	old := registered + ".old-" + suffix
	hadOld := fileutils.Exists(registered)
	if hadOld {
		if err := os.Rename(registered, old); err != nil {
			return 0, fmt.Errorf("cannot replace firmware, is the emulator running? %w", err)
		}
	}
	if err := os.Rename(incoming, registered); err != nil {
		if hadOld {
			os.Rename(old, registered)
		}
		return 0, err
	}
	if hadOld {
		os.RemoveAll(old)
	}

	if version != "" {
		f.recordInstall(version)
	}
	util.Log.Info("firmware installed", util.Log.Args("version", version, "files", len(ncas), "path", registered))
	return len(ncas), nil
}

func copyZipEntry(file *zip.File, dst string) error {
	in, err := file.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
