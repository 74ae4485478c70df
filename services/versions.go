package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
	"golang.org/x/mod/semver"
)

const currentLink = "current"

var (
	stableTag  = regexp.MustCompile(`v\d+\.\d+\.\d+(-rc\d+)?`)
	nightlyDay = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	buildNum   = regexp.MustCompile(`\d{5,}`)
	rcSuffix   = regexp.MustCompile(`-rc(\d+)`)
)

// VersionStore keeps track of installed emulator builds in the state file and of the
// "current" link in the install directory that points at the active build.
type VersionStore struct {
	mu    sync.Mutex
	dir   string
	state fileutils.State
}

func OpenVersionStore(home string, installDir string) (*VersionStore, error) {
	state, err := fileutils.LoadStateFrom(home)
	if err != nil {
		return nil, err
	}
	return &VersionStore{dir: installDir, state: state}, nil
}

func (s *VersionStore) Dir() string {
	return s.dir
}

func (s *VersionStore) BranchDir(branch util.Branch) string {
	return filepath.Join(s.dir, string(branch))
}

// commit saves versions as the new state. The in-memory state only changes once the
// file has been written.
func (s *VersionStore) commit(versions []util.InstalledVersion) error {
	next := s.state
	next.Versions = versions
	if err := fileutils.SaveAppState(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *VersionStore) snapshot() []util.InstalledVersion {
	return append([]util.InstalledVersion(nil), s.state.Versions...)
}

// Register records a new, inactive version. A version with the same branch and tag
// is rejected.
func (s *VersionStore) Register(v util.InstalledVersion) (util.InstalledVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.Versions {
		if existing.Branch == v.Branch && existing.Tag == v.Tag {
			return util.InstalledVersion{}, fmt.Errorf("%w: %s %s", util.ErrAlreadyInstalled, v.Branch, v.Tag)
		}
	}
	if v.Id == "" {
		v.Id = uuid.NewString()
	}
	if v.Installed.IsZero() {
		v.Installed = time.Now()
	}
	if v.Build == "" {
		v.Build = ShortVersion(v.Tag)
	}
	v.Active = false

	if err := s.commit(append(s.snapshot(), v)); err != nil {
		return util.InstalledVersion{}, err
	}
	util.Log.Info("version registered", util.Log.Args("id", v.Id, "branch", string(v.Branch), "tag", v.Tag, "path", v.Path))
	return v, nil
}

// List returns the versions of branch, or of every branch when branch is empty,
// newest first.
func (s *VersionStore) List(branch util.Branch) []util.InstalledVersion {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []util.InstalledVersion
	for _, v := range s.state.Versions {
		if branch == "" || v.Branch == branch {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Branch != b.Branch {
			return a.Branch < b.Branch
		}
		if c := CompareTags(a.Branch, a.Tag, b.Tag); c != 0 {
			return c > 0
		}
		return a.Installed.After(b.Installed)
	})
	return out
}

// Get looks a version up by id, by an unambiguous id prefix, or by tag.
func (s *VersionStore) Get(ref string) (util.InstalledVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []util.InstalledVersion
	for _, v := range s.state.Versions {
		if v.Id == ref {
			return v, nil
		}
		if strings.HasPrefix(v.Id, ref) || v.Tag == ref {
			matches = append(matches, v)
		}
	}
	if len(matches) == 1 && ref != "" {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return util.InstalledVersion{}, fmt.Errorf("%q matches %d versions", ref, len(matches))
	}
	return util.InstalledVersion{}, fmt.Errorf("%w: version %s", util.ErrNotFound, ref)
}

func (s *VersionStore) Find(branch util.Branch, tag string) (util.InstalledVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.state.Versions {
		if v.Branch == branch && v.Tag == tag {
			return v, true
		}
	}
	return util.InstalledVersion{}, false
}

func (s *VersionStore) Active() (util.InstalledVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.state.Versions {
		if v.Active {
			return v, true
		}
	}
	return util.InstalledVersion{}, false
}

// Activate makes id the only active version. The current link is swapped first and
// the state written after; if writing the state fails the link is pointed back.
func (s *VersionStore) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.snapshot()
	var target, previous *util.InstalledVersion
	for i := range versions {
		if versions[i].Active {
			previous = &s.state.Versions[i]
		}
		if versions[i].Id == id {
			target = &versions[i]
		}
	}
	if target == nil {
		return fmt.Errorf("%w: version %s", util.ErrNotFound, id)
	}
	for i := range versions {
		versions[i].Active = versions[i].Id == id
	}

	if err := s.link(target.Path); err != nil {
		return err
	}
	if err := s.commit(versions); err != nil {
		if previous != nil {
			s.link(previous.Path)
		} else {
			os.Remove(filepath.Join(s.dir, currentLink))
		}
		return err
	}
	util.Log.Info("version activated", util.Log.Args("id", id, "branch", string(target.Branch), "tag", target.Tag))
	return nil
}

// link points dir/current at path by creating a temporary link and renaming it over
// the old one. Platforms without symlink support keep only the state flag.
func (s *VersionStore) link(path string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	current := filepath.Join(s.dir, currentLink)
	tmp := current + ".tmp-" + uuid.NewString()[:8]
	if err := os.Symlink(path, tmp); err != nil {
		if runtime.GOOS == "windows" {
			util.Log.Warn("symlinks unavailable, tracking active version in state only", util.Log.Args("error", err.Error()))
			return nil
		}
		return err
	}
	if err := os.Rename(tmp, current); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Remove deletes an inactive version and its directory.
func (s *VersionStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.snapshot()
	for i, v := range versions {
		if v.Id != id {
			continue
		}
		if v.Active {
			return fmt.Errorf("%w: %s %s", util.ErrActiveVersion, v.Branch, v.Tag)
		}
		if err := s.commit(append(versions[:i], versions[i+1:]...)); err != nil {
			return err
		}
		if v.Path != "" && isWithin(s.dir, v.Path) {
			if err := os.RemoveAll(v.Path); err != nil {
				return err
			}
		}
		util.Log.Info("version removed", util.Log.Args("id", id, "tag", v.Tag))
		return nil
	}
	return fmt.Errorf("%w: version %s", util.ErrNotFound, id)
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Scan maps known release tags to the folder names found in the branch directory.
// Only entries that carry the branch's naming scheme and contain an executable
// count. With no known tags every valid entry is reported under its short version.
func (s *VersionStore) Scan(branch util.Branch, knownTags []string) (map[string]string, error) {
	base := s.BranchDir(branch)
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	found := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		lower := strings.ToLower(name)
		isDir := e.IsDir()

		if !isDir && (strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".7z") || strings.HasSuffix(lower, ".aria2")) {
			continue
		}
		if branch == util.Stable && !isDir && !strings.HasSuffix(lower, ".appimage") && !strings.HasSuffix(lower, ".deb") {
			continue
		}
		if !IsForBranch(name, branch) {
			continue
		}

		short := ShortVersion(name)
		matched := ""
		if len(knownTags) == 0 {
			matched = short
		}
		for _, tag := range knownTags {
			if (branch == util.Stable && tag == short) || (branch == util.Nightly && strings.Contains(tag, short)) {
				matched = tag
				break
			}
		}
		if matched == "" {
			continue
		}
		if FindExecutable(filepath.Join(base, name)) != "" {
			found[matched] = name
		}
	}
	return found, nil
}

// Reconcile registers scanned folders the state does not know about and forgets
// versions of branch whose folder has disappeared.
func (s *VersionStore) Reconcile(branch util.Branch, knownTags []string) (added int, dropped int, err error) {
	found, err := s.Scan(branch, knownTags)
	if err != nil {
		return 0, 0, err
	}
	return s.ReconcileScanned(branch, found)
}

// ReconcileScanned is Reconcile for a scan result obtained elsewhere, such as the
// scan cache.
func (s *VersionStore) ReconcileScanned(branch util.Branch, found map[string]string) (added int, dropped int, err error) {
	s.mu.Lock()
	var kept []util.InstalledVersion
	known := map[string]bool{}
	for _, v := range s.state.Versions {
		if v.Branch == branch && !fileutils.Exists(v.Path) {
			dropped++
			util.Log.Warn("installed version vanished", util.Log.Args("tag", v.Tag, "path", v.Path))
			continue
		}
		known[v.Path] = true
		kept = append(kept, v)
	}
	if dropped > 0 {
		if err := s.commit(kept); err != nil {
			s.mu.Unlock()
			return 0, 0, err
		}
	}
	s.mu.Unlock()

	tags := make([]string, 0, len(found))
	for tag := range found {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		path := filepath.Join(s.BranchDir(branch), found[tag])
		if known[path] {
			continue
		}
		if _, exists := s.Find(branch, tag); exists {
			continue
		}
		installed := time.Now()
		if info, err := os.Stat(path); err == nil {
			installed = info.ModTime()
		}
		_, err := s.Register(util.InstalledVersion{
			Branch:     branch,
			Tag:        tag,
			Build:      ShortVersion(found[tag]),
			Path:       path,
			Executable: FindExecutable(path),
			Installed:  installed,
		})
		if err != nil {
			return added, dropped, err
		}
		added++
	}
	return added, dropped, nil
}

// ShortVersion pulls the display version out of a file or folder name: a vX.Y.Z tag,
// a nightly date, or a build number of five or more digits.
func ShortVersion(name string) string {
	if m := stableTag.FindString(name); m != "" {
		return m
	}
	if m := nightlyDay.FindString(name); m != "" {
		return m
	}
	if m := buildNum.FindString(name); m != "" {
		return m
	}
	return name
}

func IsForBranch(name string, branch util.Branch) bool {
	if branch == util.Stable {
		return stableTag.MatchString(name)
	}
	return buildNum.MatchString(name)
}

// FindExecutable locates the emulator inside an installed entry: the binary at the
// top of a folder, inside a single nested folder left by deep archives, an AppImage,
// or the lone package file a .deb or .exe asset was installed as. A plain file is its
// own executable.
func FindExecutable(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if !info.IsDir() {
		return path
	}

	exe := filepath.Join(path, fileutils.ExecutableName())
	if fileutils.Exists(exe) {
		return exe
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return ""
	}
	if len(entries) == 1 && entries[0].IsDir() {
		nested := filepath.Join(path, entries[0].Name(), fileutils.ExecutableName())
		if fileutils.Exists(nested) {
			return nested
		}
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".appimage") {
			return filepath.Join(path, e.Name())
		}
	}
	if len(entries) == 1 && entries[0].Type().IsRegular() {
		if kind, err := fileutils.DetectKind(entries[0].Name()); err == nil && kind == fileutils.KindBinary {
			return filepath.Join(path, entries[0].Name())
		}
	}
	return ""
}

// CompareTags orders two tags of the same branch. Stable tags compare as versions with
// release candidates below the final release; nightly tags compare by their build.
func CompareTags(branch util.Branch, a, b string) int {
	if branch == util.Stable {
		return compareStable(a, b)
	}
	sa, sb := ShortVersion(a), ShortVersion(b)
	na, errA := strconv.Atoi(sa)
	nb, errB := strconv.Atoi(sb)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(sa, sb)
}

func compareStable(a, b string) int {
	ba, bb := stableBase(a), stableBase(b)
	if c := semver.Compare(ba, bb); c != 0 {
		return c
	}
	ra, rb := rcWeight(a), rcWeight(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

func stableBase(tag string) string {
	m := stableTag.FindString(tag)
	if m == "" {
		return ""
	}
	if i := strings.Index(m, "-"); i != -1 {
		m = m[:i]
	}
	return m
}

func rcWeight(tag string) int {
	m := rcSuffix.FindStringSubmatch(tag)
	if m == nil {
		return 999
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// SortTags orders tags newest first.
func SortTags(branch util.Branch, tags []string) []string {
	out := append([]string(nil), tags...)
	sort.SliceStable(out, func(i, j int) bool { return CompareTags(branch, out[i], out[j]) > 0 })
	return out
}
