package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mrnavastar/emuman/util"
)

const DefaultDebounce = 500 * time.Millisecond

// WatchInstallDir watches dir and the branch folders directly below it until ctx is
// cancelled. Changes are batched: once no event arrived for debounce, onChange gets
// the names of the branch folders that changed. Staging folders, the current link
// and aria2 control files are ignored.
func WatchInstallDir(ctx context.Context, dir string, debounce time.Duration, onChange func(changed []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create install watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !ignoredEntry(e.Name()) {
			if err := watcher.Add(filepath.Join(dir, e.Name())); err != nil {
				util.Log.Warn("cannot watch folder", util.Log.Args("path", e.Name(), "error", err.Error()))
			}
		}
	}

	util.Log.Debug("starting install watcher", util.Log.Args("dir", dir))
	defer util.Log.Debug("install watcher stopped", util.Log.Args("dir", dir))

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := map[string]bool{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(dir, event.Name)
			if err != nil || rel == "." {
				continue
			}
			parts := strings.Split(rel, string(filepath.Separator))
			if ignoredEntry(parts[0]) || (len(parts) > 1 && ignoredEntry(parts[1])) {
				continue
			}
			if len(parts) == 1 && event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					watcher.Add(event.Name)
				}
			}
			pending[parts[0]] = true
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			util.Log.Error("install watcher error", util.Log.Args("error", err.Error()))
		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for name := range pending {
				changed = append(changed, name)
			}
			sort.Strings(changed)
			pending = map[string]bool{}
			if len(changed) > 0 {
				onChange(changed)
			}
		}
	}
}

func ignoredEntry(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(name, ".staging-") ||
		name == currentLink || strings.HasPrefix(name, currentLink+".tmp-") ||
		strings.HasSuffix(lower, ".aria2")
}
