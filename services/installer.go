package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
)

// Fetcher downloads url to dest. fileutils.Downloader is the production one.
type Fetcher interface {
	Download(ctx context.Context, url string, dest string) error
}

type InstallRequest struct {
	Branch   util.Branch
	Tag      string
	Asset    util.Asset
	Activate bool
}

type Installer struct {
	Store       *VersionStore
	Downloader  Fetcher
	Backups     *SaveBackupManager
	Guard       *Guard
	DownloadDir string

	KeepArchive          bool
	BackupBeforeActivate bool
}

// Install downloads, verifies and unpacks a release asset into its own folder and
// registers it, activating it when asked. Until the folder is renamed into the
// branch directory nothing outside the download and staging area is touched, and
// every failure cleans those up. A failed activation unregisters and removes the new
// folder again.
func (in *Installer) Install(ctx context.Context, req InstallRequest) (util.InstalledVersion, error) {
	release, err := in.Guard.Acquire("install " + string(req.Branch) + " " + req.Tag)
	if err != nil {
		return util.InstalledVersion{}, err
	}
	defer release()

	if req.Asset.Url == "" || req.Asset.Name == "" {
		return util.InstalledVersion{}, util.ErrNoAsset
	}
	if _, err := fileutils.DetectKind(req.Asset.Name); err != nil {
		return util.InstalledVersion{}, err
	}
	if _, exists := in.Store.Find(req.Branch, req.Tag); exists {
		return util.InstalledVersion{}, fmt.Errorf("%w: %s %s", util.ErrAlreadyInstalled, req.Branch, req.Tag)
	}

	branchDir := in.Store.BranchDir(req.Branch)
	final := filepath.Join(branchDir, InstallDirName(req.Branch, req.Tag, req.Asset.Name))
	if fileutils.Exists(final) {
		return util.InstalledVersion{}, fmt.Errorf("%w: %s already exists, run scan to adopt it", util.ErrAlreadyInstalled, final)
	}

	archive, err := in.fetch(ctx, req.Asset)
	if err != nil {
		return util.InstalledVersion{}, err
	}

	staging := filepath.Join(in.Store.Dir(), ".staging-"+uuid.NewString())
	defer os.RemoveAll(staging)

	if _, err := fileutils.ExtractArchive(archive, staging); err != nil {
		return util.InstalledVersion{}, fmt.Errorf("extract %s: %w", req.Asset.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return util.InstalledVersion{}, err
	}
	if FindExecutable(staging) == "" {
		return util.InstalledVersion{}, fmt.Errorf("%w in %s", util.ErrNoExecutable, req.Asset.Name)
	}

	if err := os.MkdirAll(branchDir, 0755); err != nil {
		return util.InstalledVersion{}, err
	}
	if err := os.Rename(staging, final); err != nil {
		return util.InstalledVersion{}, err
	}

	version, err := in.Store.Register(util.InstalledVersion{
		Branch:     req.Branch,
		Tag:        req.Tag,
		Build:      ShortVersion(req.Tag),
		AssetName:  req.Asset.Name,
		Path:       final,
		Executable: FindExecutable(final),
	})
	if err != nil {
		os.RemoveAll(final)
		return util.InstalledVersion{}, err
	}

	if req.Activate {
		if err := in.activate(version); err != nil {
			if rmErr := in.Store.Remove(version.Id); rmErr != nil {
				util.Log.Error("failed to roll back install", util.Log.Args("tag", version.Tag, "error", rmErr.Error()))
			}
			return util.InstalledVersion{}, fmt.Errorf("activate %s: %w", version.Tag, err)
		}
		version.Active = true
	}

	if !in.KeepArchive {
		if err := os.Remove(archive); err == nil {
			util.Log.Info("deleted archive", util.Log.Args("path", archive))
		}
	}
	return version, nil
}

// Activate switches to an installed version, taking a save snapshot first when
// configured to.
func (in *Installer) Activate(id string) error {
	release, err := in.Guard.Acquire("activate " + id)
	if err != nil {
		return err
	}
	defer release()

	version, err := in.Store.Get(id)
	if err != nil {
		return err
	}
	return in.activate(version)
}

func (in *Installer) activate(version util.InstalledVersion) error {
	if in.BackupBeforeActivate && in.Backups != nil {
		slot, err := in.Backups.snapshot(AllTitles, "before-"+version.Tag)
		switch {
		case err == nil:
			util.Log.Info("saves backed up before switching", util.Log.Args("slot", slot.Path))
		case errors.Is(err, util.ErrEmptySaves), errors.Is(err, os.ErrNotExist):
			util.Log.Info("no saves to back up before switching")
		default:
			return fmt.Errorf("backup before activation: %w", err)
		}
	}
	return in.Store.Activate(version.Id)
}

// fetch downloads the asset into the download dir and verifies its digest. A kept
// archive that still verifies is reused.
func (in *Installer) fetch(ctx context.Context, asset util.Asset) (string, error) {
	if err := os.MkdirAll(in.DownloadDir, 0755); err != nil {
		return "", err
	}
	archive := filepath.Join(in.DownloadDir, filepath.Base(asset.Name))

	if asset.Sha256 != "" && fileutils.Exists(archive) && fileutils.VerifySHA256(archive, asset.Sha256) == nil {
		util.Log.Info("reusing downloaded archive", util.Log.Args("path", archive))
		return archive, nil
	}

	if err := in.Downloader.Download(ctx, asset.Url, archive); err != nil {
		os.Remove(archive)
		return "", fmt.Errorf("download %s: %w", asset.Name, err)
	}
	if err := fileutils.VerifySHA256(archive, asset.Sha256); err != nil {
		os.Remove(archive)
		return "", err
	}
	return archive, nil
}

var archiveSuffixes = []string{".tar.gz", ".tar.xz", ".tgz", ".zip", ".7z", ".appimage", ".deb", ".exe"}

// InstallDirName derives the folder an asset is installed into from its file name.
// The name must still identify the tag when scanned, so the tag is prepended when
// the asset name does not carry it.
func InstallDirName(branch util.Branch, tag string, assetName string) string {
	base := filepath.Base(assetName)
	lower := strings.ToLower(base)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			base = base[:len(base)-len(suffix)]
			break
		}
	}

	short := ShortVersion(base)
	identifies := IsForBranch(base, branch)
	if branch == util.Stable {
		identifies = identifies && short == ShortVersion(tag)
	} else {
		identifies = identifies && strings.Contains(tag, short)
	}
	if identifies {
		return base
	}
	return strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(tag) + "_" + base
}
