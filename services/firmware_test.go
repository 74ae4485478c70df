package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLatest struct {
	release util.Release
	err     error
	calls   int
}

func (f *fakeLatest) fetch(ctx context.Context, repo string) (util.Release, error) {
	f.calls++
	return f.release, f.err
}

func newFirmware(t *testing.T, fetcher Fetcher) (*FirmwareManager, *fakeLatest) {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("APPDATA", t.TempDir())
	dir := t.TempDir()

	latest := &fakeLatest{release: util.Release{
		Tag: "20.1.5",
		Assets: []util.Asset{
			{Name: "Firmware 20.1.5.zip", Url: "https://example.com/Firmware.20.1.5.zip", Size: 10},
		},
	}}
	f := NewFirmwareManager(filepath.Join(dir, "user"), filepath.Join(dir, "firmware"), filepath.Join(dir, "cache"), "THZoria/NX_Firmware", NewGuard(), fetcher)
	f.Latest = latest.fetch
	return f, latest
}

func writeEmulatorLog(t *testing.T, f *FirmwareManager, version string, age time.Duration) {
	t.Helper()
	path := fileutils.EmulatorLog(f.UserData)
	writeFile(t, path, "[ 0.1] Core started\n[ 0.2] Installed firmware: "+version+"\n")
	past := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, past, past))
}

func firmwareZip(t *testing.T) []byte {
	return makeZip(t, map[string]string{
		"Firmware/0a1b.nca":          "nca-a",
		"Firmware/sub/2c3d.cnmt.nca": "nca-b",
		"readme.txt":                 "not firmware",
	})
}

func TestInstalledVersionFromLog(t *testing.T) {
	f, _ := newFirmware(t, nil)
	assert.Equal(t, "", f.InstalledVersion())

	writeEmulatorLog(t, f, "19.0.1", time.Hour)
	assert.Equal(t, "19.0.1", f.InstalledVersion())
}

func TestInstallFirmware(t *testing.T) {
	f, _ := newFirmware(t, nil)
	writeEmulatorLog(t, f, "19.0.1", time.Hour)

	registered := fileutils.NandRegisteredDir(f.UserData)
	writeFile(t, filepath.Join(registered, "stale.nca"), "old")

	zipPath := filepath.Join(t.TempDir(), "Firmware 20.1.5.zip")
	require.NoError(t, os.WriteFile(zipPath, firmwareZip(t), 0644))

	count, err := f.Install(zipPath, "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.FileExists(t, filepath.Join(registered, "0a1b.nca"))
	assert.FileExists(t, filepath.Join(registered, "2c3d.cnmt.nca"))
	assert.NoFileExists(t, filepath.Join(registered, "stale.nca"))
	assert.NoFileExists(t, filepath.Join(registered, "readme.txt"))

	assert.Equal(t, "20.1.5", f.InstalledVersion())

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(registered), "registered.*"))
	assert.Empty(t, leftovers)
}

func TestInstallFirmwareWithoutNCA(t *testing.T) {
	f, _ := newFirmware(t, nil)
	registered := fileutils.NandRegisteredDir(f.UserData)
	writeFile(t, filepath.Join(registered, "keep.nca"), "old")

	zipPath := filepath.Join(t.TempDir(), "empty.zip")
	require.NoError(t, os.WriteFile(zipPath, makeZip(t, map[string]string{"readme.txt": "x"}), 0644))

	_, err := f.Install(zipPath, "1.0.0")
	assert.True(t, errors.Is(err, util.ErrNoFirmware))
	assert.FileExists(t, filepath.Join(registered, "keep.nca"))
}

func TestCheckForUpdateCaches(t *testing.T) {
	f, latest := newFirmware(t, nil)
	writeEmulatorLog(t, f, "19.0.1", time.Hour)

	update, err := f.CheckForUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "19.0.1", update.Current)
	assert.Equal(t, "20.1.5", update.Latest)
	assert.True(t, update.HasUpdate)
	assert.False(t, update.FromCache)
	assert.Equal(t, "https://example.com/Firmware.20.1.5.zip", update.Url)

	update, err = f.CheckForUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, update.FromCache)
	assert.Equal(t, "20.1.5", update.Latest)
	assert.Equal(t, 1, latest.calls)

	_, err = f.CheckForUpdate(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.calls)
}

func TestCheckForUpdateFallsBackToCache(t *testing.T) {
	f, latest := newFirmware(t, nil)

	_, err := f.CheckForUpdate(context.Background(), false)
	require.NoError(t, err)

	latest.err = errors.New("rate limited")
	update, err := f.CheckForUpdate(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, update.FromCache)
	assert.Equal(t, "20.1.5", update.Latest)
}

func TestCheckForUpdateWithoutCacheFails(t *testing.T) {
	f, latest := newFirmware(t, nil)
	latest.err = errors.New("offline")

	_, err := f.CheckForUpdate(context.Background(), false)
	assert.Error(t, err)
}

func TestCacheKeepsInstalledRecord(t *testing.T) {
	f, _ := newFirmware(t, nil)
	f.recordInstall("19.0.1")

	_, err := f.CheckForUpdate(context.Background(), true)
	require.NoError(t, err)

	version, _ := f.record()
	assert.Equal(t, "19.0.1", version)
	assert.Equal(t, "20.1.5", f.cached().version)
}

func TestDownloadAndInstall(t *testing.T) {
	data := firmwareZip(t)
	fetcher := &fakeFetcher{data: data}
	f, _ := newFirmware(t, fetcher)

	update := FirmwareUpdate{Latest: "20.1.5", Url: "https://example.com/Firmware.20.1.5.zip", Sha256: digest(data)}
	count, err := f.DownloadAndInstall(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	packages, err := f.ListLocal()
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "20.1.5", packages[0].Version)
	assert.Equal(t, "20.1.5", f.InstalledVersion())
}

func TestDownloadAndInstallBadDigest(t *testing.T) {
	fetcher := &fakeFetcher{data: firmwareZip(t)}
	f, _ := newFirmware(t, fetcher)

	update := FirmwareUpdate{Latest: "20.1.5", Url: "https://example.com/Firmware.20.1.5.zip", Sha256: "00"}
	_, err := f.DownloadAndInstall(context.Background(), update)
	assert.True(t, errors.Is(err, util.ErrChecksum))

	packages, err := f.ListLocal()
	require.NoError(t, err)
	assert.Empty(t, packages)
	assert.NoDirExists(t, fileutils.NandRegisteredDir(f.UserData))
}

func TestCompareVersions(t *testing.T) {
	assert.True(t, CompareVersions("19.0.1", "20.1.5"))
	assert.True(t, CompareVersions("19.0.1", "19.0.10"))
	assert.False(t, CompareVersions("20.1.5", "20.1.5"))
	assert.False(t, CompareVersions("20.1.5", "Firmware 19.0.1"))
	assert.False(t, CompareVersions("", "20.1.5"))
}

func TestParseFirmwareFromLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eden_log.txt")
	writeFile(t, path, "nothing here\n")
	version, err := ParseFirmwareFromLog(path)
	require.NoError(t, err)
	assert.Equal(t, "", version)
}
