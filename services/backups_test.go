package services

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTitle = "0100000000001000"

func newBackups(t *testing.T, maxSlots int) (*SaveBackupManager, string) {
	t.Helper()
	dir := t.TempDir()
	saves := filepath.Join(dir, "nand", "user", "save")
	m := NewSaveBackupManager(filepath.Join(dir, "backups"), saves, NewGuard(), maxSlots)

	clock := time.Date(2025, 10, 1, 12, 0, 0, 0, time.Local)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return m, saves
}

func titleSave(saves string) string {
	return filepath.Join(saves, "0000000000000000", "0123456789ABCDEF0123456789ABCDEF", testTitle, "save.bin")
}

func slotDigests(t *testing.T, slots []util.BackupSlot) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, s := range slots {
		sum, err := fileutils.SHA256File(s.Path)
		require.NoError(t, err)
		out[s.Path] = sum
	}
	return out
}

func TestSnapshotCreatesImmutableSlots(t *testing.T) {
	m, saves := newBackups(t, 0)
	writeFile(t, titleSave(saves), "level 1")

	first, err := m.Snapshot(testTitle, "before boss")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, testTitle, first.TitleId)
	assert.Equal(t, "before-boss", first.Note)
	assert.FileExists(t, first.Path)
	if runtime.GOOS != "windows" {
		info, err := os.Stat(first.Path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0444), info.Mode().Perm())
	}

	second, err := m.Snapshot(testTitle, "")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Index)

	slots, err := m.List(testTitle)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, 2, slots[0].Index)
	assert.Equal(t, "before-boss", slots[1].Note)
}

func TestSnapshotFindsTitleCaseInsensitively(t *testing.T) {
	m, saves := newBackups(t, 0)
	save := filepath.Join(saves, "0000000000000000", "0123456789ABCDEF0123456789ABCDEF", "0100abcdef001000", "save.bin")
	writeFile(t, save, "level 1")

	slot, err := m.Snapshot("0100ABCDEF001000", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root, "0100ABCDEF001000"), filepath.Dir(slot.Path))
}

func TestSnapshotRejectsEmptyOrMissing(t *testing.T) {
	m, saves := newBackups(t, 0)

	_, err := m.Snapshot(AllTitles, "")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, os.MkdirAll(filepath.Join(saves, "0000000000000000"), 0755))
	_, err = m.Snapshot(AllTitles, "")
	assert.True(t, errors.Is(err, util.ErrEmptySaves))

	_, err = m.Snapshot(testTitle, "")
	assert.True(t, errors.Is(err, util.ErrNotFound))

	_, err = m.Snapshot("not-a-title", "")
	assert.Error(t, err)
}

func TestRestoreLeavesSlotsAlone(t *testing.T) {
	m, saves := newBackups(t, 0)
	save := titleSave(saves)
	writeFile(t, save, "level 1")

	first, err := m.Snapshot(testTitle, "")
	require.NoError(t, err)
	writeFile(t, save, "level 2")
	_, err = m.Snapshot(testTitle, "")
	require.NoError(t, err)
	writeFile(t, save, "level 3")
	writeFile(t, filepath.Join(filepath.Dir(save), "extra.bin"), "new file")

	slots, err := m.List("")
	require.NoError(t, err)
	before := slotDigests(t, slots)

	require.NoError(t, m.Restore(first))

	data, err := os.ReadFile(save)
	require.NoError(t, err)
	assert.Equal(t, "level 1", string(data))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(save), "extra.bin"))

	slots, err = m.List("")
	require.NoError(t, err)
	assert.Equal(t, before, slotDigests(t, slots))

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(filepath.Dir(save)), "*.old-*"))
	assert.Empty(t, leftovers)
}

func TestRestoreWholeSaveDir(t *testing.T) {
	m, saves := newBackups(t, 0)
	save := titleSave(saves)
	writeFile(t, save, "level 1")

	slot, err := m.Snapshot(AllTitles, "")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(saves))

	require.NoError(t, m.Restore(slot))
	data, err := os.ReadFile(save)
	require.NoError(t, err)
	assert.Equal(t, "level 1", string(data))
}

func TestRetentionPrunesOldestOfTitleOnly(t *testing.T) {
	m, saves := newBackups(t, 2)
	writeFile(t, titleSave(saves), "level 1")

	all, err := m.Snapshot(AllTitles, "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Snapshot(testTitle, "")
		require.NoError(t, err)
	}

	slots, err := m.List(testTitle)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, 3, slots[0].Index)
	assert.Equal(t, 2, slots[1].Index)
	assert.FileExists(t, all.Path)
}

func TestDeleteRemovesOneSlot(t *testing.T) {
	m, saves := newBackups(t, 0)
	writeFile(t, titleSave(saves), "level 1")

	first, err := m.Snapshot(testTitle, "")
	require.NoError(t, err)
	second, err := m.Snapshot(testTitle, "")
	require.NoError(t, err)

	got, err := m.Get(testTitle, 1)
	require.NoError(t, err)
	require.NoError(t, m.Delete(got))

	assert.NoFileExists(t, first.Path)
	assert.FileExists(t, second.Path)

	err = m.Delete(util.BackupSlot{Path: filepath.Join(t.TempDir(), "slot-0001_2025-01-01_00-00-00.zip")})
	assert.Error(t, err)
}

func TestBackupBusy(t *testing.T) {
	m, saves := newBackups(t, 0)
	writeFile(t, titleSave(saves), "level 1")

	release, err := m.Guard.Acquire("install stable v0.0.4")
	require.NoError(t, err)
	_, err = m.Snapshot(testTitle, "")
	assert.True(t, errors.Is(err, util.ErrBusy))
	release()

	_, err = m.Snapshot(testTitle, "")
	assert.NoError(t, err)
}

func TestNormalizeTitle(t *testing.T) {
	got, err := NormalizeTitle("0100abcdef001000")
	require.NoError(t, err)
	assert.Equal(t, "0100ABCDEF001000", got)

	got, err = NormalizeTitle("")
	require.NoError(t, err)
	assert.Equal(t, AllTitles, got)

	_, err = NormalizeTitle("0100")
	assert.Error(t, err)
}
