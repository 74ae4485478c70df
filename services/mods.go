package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
)

const disabledSuffix = ".disabled"

// ModToggleManager handles LayeredFS mods laid out as load/<title id>/<mod>. A mod
// is switched off by renaming its folder with a .disabled suffix; its files are
// never touched.
type ModToggleManager struct {
	LoadDir string
}

func NewModToggleManager(loadDir string) *ModToggleManager {
	return &ModToggleManager{LoadDir: loadDir}
}

func (m *ModToggleManager) List() (map[string][]util.ModEntry, error) {
	titles, err := os.ReadDir(m.LoadDir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]util.ModEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	mods := map[string][]util.ModEntry{}
	for _, title := range titles {
		if !title.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(m.LoadDir, title.Name()))
		if err != nil {
			return nil, err
		}
		list := []util.ModEntry{}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			list = append(list, util.ModEntry{
				TitleId: title.Name(),
				Name:    strings.TrimSuffix(e.Name(), disabledSuffix),
				Path:    filepath.Join(m.LoadDir, title.Name(), e.Name()),
				Enabled: !strings.HasSuffix(e.Name(), disabledSuffix),
			})
		}
		sort.Slice(list, func(i, j int) bool { return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name) })
		mods[title.Name()] = list
	}
	return mods, nil
}

func (m *ModToggleManager) Get(title string, name string) (util.ModEntry, error) {
	name = strings.TrimSuffix(name, disabledSuffix)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return util.ModEntry{}, fmt.Errorf("invalid mod name %q", name)
	}
	dir, err := m.titleDir(title)
	if err != nil {
		return util.ModEntry{}, err
	}
	enabled := filepath.Join(dir, name)
	disabled := enabled + disabledSuffix
	hasEnabled, hasDisabled := fileutils.IsDir(enabled), fileutils.IsDir(disabled)

	switch {
	case hasEnabled && hasDisabled:
		return util.ModEntry{}, fmt.Errorf("%w: %s", util.ErrModConflict, name)
	case hasEnabled:
		return util.ModEntry{TitleId: filepath.Base(dir), Name: name, Path: enabled, Enabled: true}, nil
	case hasDisabled:
		return util.ModEntry{TitleId: filepath.Base(dir), Name: name, Path: disabled, Enabled: false}, nil
	}
	return util.ModEntry{}, fmt.Errorf("%w: mod %s for %s", util.ErrNotFound, name, title)
}

// titleDir matches the title folder case-insensitively, title ids being hex.
func (m *ModToggleManager) titleDir(title string) (string, error) {
	entries, err := os.ReadDir(m.LoadDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && strings.EqualFold(e.Name(), title) {
			return filepath.Join(m.LoadDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no mods for %s", util.ErrNotFound, title)
}

func (m *ModToggleManager) Enable(title string, name string) (util.ModEntry, error) {
	return m.set(title, name, true)
}

func (m *ModToggleManager) Disable(title string, name string) (util.ModEntry, error) {
	return m.set(title, name, false)
}

func (m *ModToggleManager) Toggle(title string, name string) (util.ModEntry, error) {
	mod, err := m.Get(title, name)
	if err != nil {
		return util.ModEntry{}, err
	}
	return m.set(title, name, !mod.Enabled)
}

func (m *ModToggleManager) set(title string, name string, enable bool) (util.ModEntry, error) {
	mod, err := m.Get(title, name)
	if err != nil {
		return util.ModEntry{}, err
	}
	if mod.Enabled == enable {
		return mod, nil
	}

	dir := filepath.Dir(mod.Path)
	next := filepath.Join(dir, mod.Name)
	if !enable {
		next += disabledSuffix
	}
	if err := os.Rename(mod.Path, next); err != nil {
		return util.ModEntry{}, err
	}
	util.Log.Info("toggled mod", util.Log.Args("from", mod.Path, "to", next))

	mod.Path = next
	mod.Enabled = enable
	return mod, nil
}

func (m *ModToggleManager) EnsureLoadDir() (string, error) {
	return m.LoadDir, os.MkdirAll(m.LoadDir, 0755)
}
