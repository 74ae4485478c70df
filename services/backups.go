package services

import (
	"archive/zip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
)

// AllTitles names the slots that hold the whole save directory.
const AllTitles = "all"

const slotTimeLayout = "2006-01-02_15-04-05"

var (
	slotName   = regexp.MustCompile(`^slot-(\d{4,})_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})(?:_(.+))?\.zip$`)
	titleId    = regexp.MustCompile(`^[0-9A-Fa-f]{16}$`)
	noteFilter = regexp.MustCompile(`[^A-Za-z0-9.-]+`)
)

/*
SaveBackupManager snapshots the emulator's save directory, or a single title's save
folder inside it, into numbered zip slots under Root/<title>/. A slot is written once
under a temporary name, renamed into place and made read-only. Restores read a slot and
never write to it.
*/
type SaveBackupManager struct {
	Root     string
	SaveDir  string
	Guard    *Guard
	MaxSlots int

	now func() time.Time
}

func NewSaveBackupManager(root string, saveDir string, guard *Guard, maxSlots int) *SaveBackupManager {
	return &SaveBackupManager{
		Root:     root,
		SaveDir:  saveDir,
		Guard:    guard,
		MaxSlots: maxSlots,
		now:      time.Now,
	}
}

func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" || strings.EqualFold(title, AllTitles) {
		return AllTitles, nil
	}
	if !titleId.MatchString(title) {
		return "", fmt.Errorf("invalid title id %q", title)
	}
	return strings.ToUpper(title), nil
}

// TitleDir finds the save folder of a title. Saves live a few levels down
// (save/<zero id>/<user id>/<title id>), so the first match within three levels wins.
func (m *SaveBackupManager) TitleDir(title string) (string, error) {
	if title == AllTitles {
		return m.SaveDir, nil
	}
	var found string
	err := filepath.WalkDir(m.SaveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(m.SaveDir, path)
		depth := len(strings.Split(rel, string(filepath.Separator)))
		if rel != "." && strings.EqualFold(d.Name(), title) {
			found = path
			return fs.SkipAll
		}
		if rel != "." && depth >= 3 {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: saves for title %s", util.ErrNotFound, title)
	}
	return found, nil
}

func (m *SaveBackupManager) Snapshot(title string, note string) (util.BackupSlot, error) {
	release, err := m.Guard.Acquire("backup")
	if err != nil {
		return util.BackupSlot{}, err
	}
	defer release()
	return m.snapshot(title, note)
}

// snapshot does the work of Snapshot for callers already holding the guard.
func (m *SaveBackupManager) snapshot(title string, note string) (util.BackupSlot, error) {
	title, err := NormalizeTitle(title)
	if err != nil {
		return util.BackupSlot{}, err
	}
	src, err := m.TitleDir(title)
	if err != nil {
		return util.BackupSlot{}, err
	}
	if empty, err := isEmptyTree(src); err != nil {
		return util.BackupSlot{}, err
	} else if empty {
		return util.BackupSlot{}, fmt.Errorf("%w: %s", util.ErrEmptySaves, src)
	}

	rel, err := filepath.Rel(m.SaveDir, src)
	if err != nil {
		return util.BackupSlot{}, err
	}

	existing, err := m.List(title)
	if err != nil {
		return util.BackupSlot{}, err
	}
	index := 1
	for _, slot := range existing {
		if slot.Index >= index {
			index = slot.Index + 1
		}
	}

	created := m.now().Truncate(time.Second)
	note = strings.Trim(noteFilter.ReplaceAllString(note, "-"), "-")
	name := fmt.Sprintf("slot-%04d_%s", index, created.Format(slotTimeLayout))
	if note != "" {
		name += "_" + note
	}
	path := filepath.Join(m.Root, title, name+".zip")

	size, err := fileutils.ZipDir(src, path, filepath.ToSlash(rel))
	if err != nil {
		return util.BackupSlot{}, fmt.Errorf("backup failed: %w", err)
	}
	if err := os.Chmod(path, 0444); err != nil {
		util.Log.Warn("could not make slot read-only", util.Log.Args("path", path, "error", err.Error()))
	}
	util.Log.Info("backup created", util.Log.Args("title", title, "slot", index, "path", path))

	slot := util.BackupSlot{TitleId: title, Index: index, Created: created, Path: path, Note: note, Size: size}
	m.prune(title)
	return slot, nil
}

// prune drops the oldest slots of title beyond MaxSlots.
func (m *SaveBackupManager) prune(title string) {
	if m.MaxSlots <= 0 {
		return
	}
	slots, err := m.List(title)
	if err != nil {
		util.Log.Warn("could not list slots for pruning", util.Log.Args("title", title, "error", err.Error()))
		return
	}
	for _, slot := range slots[min(len(slots), m.MaxSlots):] {
		if err := removeSlotFile(slot.Path); err != nil {
			util.Log.Warn("could not prune slot", util.Log.Args("path", slot.Path, "error", err.Error()))
			continue
		}
		util.Log.Info("pruned backup", util.Log.Args("title", title, "slot", slot.Index))
	}
}

// List returns the slots of title, or of every title when title is empty, newest first.
func (m *SaveBackupManager) List(title string) ([]util.BackupSlot, error) {
	var titles []string
	if title == "" {
		entries, err := os.ReadDir(m.Root)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				titles = append(titles, e.Name())
			}
		}
	} else {
		normalized, err := NormalizeTitle(title)
		if err != nil {
			return nil, err
		}
		titles = []string{normalized}
	}

	var slots []util.BackupSlot
	for _, t := range titles {
		entries, err := os.ReadDir(filepath.Join(m.Root, t))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			slot, ok := parseSlot(t, filepath.Join(m.Root, t), e)
			if ok {
				slots = append(slots, slot)
			}
		}
	}

	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Created.Equal(slots[j].Created) {
			return slots[i].Created.After(slots[j].Created)
		}
		if slots[i].TitleId != slots[j].TitleId {
			return slots[i].TitleId < slots[j].TitleId
		}
		return slots[i].Index > slots[j].Index
	})
	return slots, nil
}

func parseSlot(title string, dir string, e fs.DirEntry) (util.BackupSlot, bool) {
	if e.IsDir() {
		return util.BackupSlot{}, false
	}
	match := slotName.FindStringSubmatch(e.Name())
	if match == nil {
		return util.BackupSlot{}, false
	}
	index, err := strconv.Atoi(match[1])
	if err != nil {
		return util.BackupSlot{}, false
	}
	created, err := time.ParseInLocation(slotTimeLayout, match[2], time.Local)
	if err != nil {
		return util.BackupSlot{}, false
	}
	info, err := e.Info()
	if err != nil {
		return util.BackupSlot{}, false
	}
	return util.BackupSlot{
		TitleId: title,
		Index:   index,
		Created: created,
		Path:    filepath.Join(dir, e.Name()),
		Note:    match[3],
		Size:    info.Size(),
	}, true
}

// Get finds a slot by title and index.
func (m *SaveBackupManager) Get(title string, index int) (util.BackupSlot, error) {
	slots, err := m.List(title)
	if err != nil {
		return util.BackupSlot{}, err
	}
	for _, slot := range slots {
		if slot.Index == index {
			return slot, nil
		}
	}
	return util.BackupSlot{}, fmt.Errorf("%w: backup %s #%d", util.ErrNotFound, title, index)
}

// Restore replaces the saves a slot was taken from with its contents. The slot is
// unpacked next to the target first and swapped in with renames, so a failed
// extraction leaves the current saves in place.
func (m *SaveBackupManager) Restore(slot util.BackupSlot) error {
	release, err := m.Guard.Acquire("restore")
	if err != nil {
		return err
	}
	defer release()

	rel, err := slotOrigin(slot.Path)
	if err != nil {
		return err
	}
	target, err := fileutils.SafeJoin(m.SaveDir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	suffix := uuid.NewString()[:8]
	incoming := target + ".restore-" + suffix
	if err := fileutils.Unzip(slot.Path, incoming); err != nil {
		os.RemoveAll(incoming)
		return fmt.Errorf("restore failed: %w", err)
	}

	old := target + ".old-" + suffix
	hadTarget := fileutils.Exists(target)
	if hadTarget {
		if err := os.Rename(target, old); err != nil {
			os.RemoveAll(incoming)
			return err
		}
	}
	if err := os.Rename(incoming, target); err != nil {
		if hadTarget {
			os.Rename(old, target)
		}
		os.RemoveAll(incoming)
		return err
	}
	if hadTarget {
		if err := os.RemoveAll(old); err != nil {
			util.Log.Warn("could not remove replaced saves", util.Log.Args("path", old, "error", err.Error()))
		}
	}
	util.Log.Info("restored backup", util.Log.Args("slot", slot.Path, "target", target))
	return nil
}

// slotOrigin reads the save-relative folder a slot was taken from out of the archive
// comment.
func slotOrigin(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	rel := strings.TrimSpace(reader.Comment)
	if rel == "" {
		rel = "."
	}
	return filepath.FromSlash(rel), nil
}

// Delete removes exactly one slot.
func (m *SaveBackupManager) Delete(slot util.BackupSlot) error {
	if !isWithin(m.Root, slot.Path) {
		return fmt.Errorf("%s is not a backup slot", slot.Path)
	}
	if err := removeSlotFile(slot.Path); err != nil {
		return err
	}
	util.Log.Info("deleted backup", util.Log.Args("path", slot.Path))
	return nil
}

func removeSlotFile(path string) error {
	os.Chmod(path, 0644)
	return os.Remove(path)
}

func isEmptyTree(dir string) (bool, error) {
	empty := true
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			empty = false
			return fs.SkipAll
		}
		return nil
	})
	return empty, err
}
