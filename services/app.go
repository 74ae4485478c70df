package services

import (
	"context"
	"path/filepath"

	"github.com/mrnavastar/emuman/api"
	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
)

// App bundles the managers of one EmuMan home, all sharing a single Guard.
type App struct {
	Home       string
	Config     fileutils.Config
	UserData   string
	Guard      *Guard
	Downloader *fileutils.Downloader

	Store     *VersionStore
	Installer *Installer
	Backups   *SaveBackupManager
	Mods      *ModToggleManager
	Keys      *KeysManager
	Firmware  *FirmwareManager
	Releases  *ReleaseCache
	Scans     *ScanCache
}

// OpenApp loads the config and state of the home remembered by init.
func OpenApp() (*App, error) {
	home, err := fileutils.HomeDir()
	if err != nil {
		return nil, err
	}
	return Open(home)
}

func Open(home string) (*App, error) {
	cfg, err := fileutils.LoadConfig(home)
	if err != nil {
		return nil, err
	}
	store, err := OpenVersionStore(home, cfg.InstallDir)
	if err != nil {
		return nil, err
	}
	api.SetToken(fileutils.Token())

	exe := ""
	if active, ok := store.Active(); ok {
		exe = active.Executable
	}
	userData := fileutils.UserDataPath(exe, cfg.UserDataDir)
	cacheDir := filepath.Join(home, "cache")

	guard := NewGuard()
	downloader := fileutils.NewDownloader(cfg, home)
	backups := NewSaveBackupManager(cfg.BackupDir, fileutils.SaveDir(userData), guard, cfg.MaxBackups)

	firmware := NewFirmwareManager(userData, cfg.FirmwareDir, cacheDir, cfg.FirmwareRepo, guard, downloader)

	return &App{
		Home:       home,
		Config:     cfg,
		UserData:   userData,
		Guard:      guard,
		Downloader: downloader,
		Store:      store,
		Installer: &Installer{
			Store:                store,
			Downloader:           downloader,
			Backups:              backups,
			Guard:                guard,
			DownloadDir:          filepath.Join(home, "downloads"),
			KeepArchive:          cfg.KeepArchive,
			BackupBeforeActivate: cfg.BackupBeforeActivate,
		},
		Backups:  backups,
		Mods:     NewModToggleManager(fileutils.LoadDir(userData)),
		Keys:     NewKeysManager(fileutils.KeysDir(userData)),
		Firmware: firmware,
		Releases: NewReleaseCache(cacheDir, cfg),
		Scans:    NewScanCache(cacheDir),
	}, nil
}

// Refresh brings the state of branch in line with its install folder. The folder is
// only scanned again when it changed since the last refresh or force is set.
func (a *App) Refresh(branch util.Branch, force bool) (added int, dropped int, err error) {
	dir := a.Store.BranchDir(branch)
	tags := a.Releases.Tags(branch)
	if tags == nil {
		tags = []string{}
	}
	if force {
		a.Scans.InvalidateScan(dir, branch)
	} else if _, ok := a.Scans.Get(dir, branch, tags); ok {
		return 0, 0, nil
	}

	found, err := a.Scans.CachedScan(a.Store, branch, tags)
	if err != nil {
		return 0, 0, err
	}
	return a.Store.ReconcileScanned(branch, found)
}

// Sync refreshes the release lists and then both install folders.
func (a *App) Sync(ctx context.Context, force bool) (map[util.Branch][]util.Release, error) {
	releases, fetchErr := a.Releases.Releases(ctx, force)
	for _, branch := range util.Branches {
		if _, _, err := a.Refresh(branch, force); err != nil {
			return releases, err
		}
	}
	return releases, fetchErr
}

// Watch keeps the state in line with the install folder until ctx is cancelled.
func (a *App) Watch(ctx context.Context, onRefresh func(branch util.Branch, added int, dropped int)) error {
	return WatchInstallDir(ctx, a.Store.Dir(), DefaultDebounce, func(changed []string) {
		for _, name := range changed {
			branch, err := util.ParseBranch(name)
			if err != nil || string(branch) != name {
				continue
			}
			a.Scans.InvalidateScan(a.Store.BranchDir(branch), branch)
			added, dropped, err := a.Refresh(branch, true)
			if err != nil {
				util.Log.Error("refresh after change failed", util.Log.Args("branch", name, "error", err.Error()))
				continue
			}
			if onRefresh != nil {
				onRefresh(branch, added, dropped)
			}
		}
	})
}

// Preferences returns the asset features of the builds already installed.
func (a *App) Preferences(branch util.Branch) []string {
	return PreferenceTokens(a.Store.List(branch))
}
