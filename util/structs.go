package util

import (
	"fmt"
	"strings"
	"time"
)

type Branch string

const (
	Stable  Branch = "stable"
	Nightly Branch = "nightly"
)

var Branches = []Branch{Stable, Nightly}

// ParseBranch accepts the branch names used on the command line. "master" is the
// upstream name of the stable channel.
func ParseBranch(s string) (Branch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable", "master", "":
		return Stable, nil
	case "nightly":
		return Nightly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBranch, s)
}

type InstalledVersion struct {
	Id         string
	Branch     Branch
	Tag        string
	Build      string
	AssetName  string
	Path       string
	Executable string
	Installed  time.Time
	Active     bool
}

type BackupSlot struct {
	TitleId string
	Index   int
	Created time.Time
	Path    string
	Note    string
	Size    int64
}

type ModEntry struct {
	TitleId string
	Name    string
	Path    string
	Enabled bool
}

type Asset struct {
	Name   string
	Url    string
	Size   int64
	Sha256 string
}

type Release struct {
	Branch    Branch
	Tag       string
	Changelog string
	Published time.Time
	Assets    []Asset
}

type KeyStatus struct {
	Dir       string
	ProdKeys  bool
	TitleKeys bool
}

type FirmwarePackage struct {
	Name    string
	Version string
	Path    string
	Size    int64
}
