package services

import (
	"runtime"
	"sort"
	"strings"

	"github.com/mrnavastar/emuman/util"
)

var preferenceFeatures = []string{"msvc", "clang", "mingw", "appimage", "deb"}

func isArm(goarch string) bool {
	return goarch == "arm64"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsForPlatform reports whether a release asset can run on goos/goarch, judging by
// its file name alone.
func IsForPlatform(name string, goos string, goarch string) bool {
	name = strings.ToLower(name)
	if name == "" {
		return false
	}

	if isArm(goarch) {
		if containsAny(name, "x86_64", "amd64") {
			return false
		}
	} else if containsAny(name, "arm64", "aarch64") {
		return false
	}

	switch goos {
	case "windows":
		return strings.Contains(name, "windows") && containsAny(name, "msvc", "clang", "msys2", "mingw")
	case "linux":
		if containsAny(name, "windows", "macos", "freebsd", "android") {
			return false
		}
		for _, ext := range []string{".appimage", ".appbundle", ".deb", ".tar.gz", ".zip", ".7z"} {
			if strings.HasSuffix(name, ext) {
				return true
			}
		}
	}
	return false
}

// Score ranks an asset for goos/goarch. Features in prefs, usually taken from the
// builds already installed, weigh in so the same flavour is picked again.
func Score(name string, prefs []string, goos string, goarch string) int {
	name = strings.ToLower(name)
	score := 0
	for _, p := range prefs {
		if strings.Contains(name, p) {
			score += 15
		}
	}

	switch goos {
	case "windows":
		if containsAny(name, "windows", "win64") {
			score += 50
		}
	case "linux":
		if strings.Contains(name, "linux") {
			score += 50
		}
		if strings.Contains(name, "appimage") {
			score += 20
		}
	}

	if isArm(goarch) {
		if containsAny(name, "arm64", "aarch64") {
			score += 10
		}
	} else if containsAny(name, "x86_64", "amd64", "x64") {
		score += 10
	}

	if strings.Contains(name, "standard") {
		score += 5
	}
	if containsAny(name, "generic", "mingw") {
		score -= 2
	}
	return score
}

// RankAssets returns the assets that run on this machine, best first.
func RankAssets(assets []util.Asset, prefs []string) []util.Asset {
	var valid []util.Asset
	for _, a := range assets {
		if IsForPlatform(a.Name, runtime.GOOS, runtime.GOARCH) {
			valid = append(valid, a)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return Score(valid[i].Name, prefs, runtime.GOOS, runtime.GOARCH) > Score(valid[j].Name, prefs, runtime.GOOS, runtime.GOARCH)
	})
	return valid
}

// PickAsset selects the best asset for this machine, or the one named exactly when
// name is set.
func PickAsset(assets []util.Asset, prefs []string, name string) (util.Asset, error) {
	if name != "" {
		for _, a := range assets {
			if strings.EqualFold(a.Name, name) {
				return a, nil
			}
		}
		return util.Asset{}, util.ErrNoAsset
	}
	ranked := RankAssets(assets, prefs)
	if len(ranked) == 0 {
		return util.Asset{}, util.ErrNoAsset
	}
	return ranked[0], nil
}

func PreferenceTokens(installed []util.InstalledVersion) []string {
	var tokens []string
	for _, f := range preferenceFeatures {
		for _, v := range installed {
			if strings.Contains(strings.ToLower(v.AssetName+" "+v.Path), f) {
				tokens = append(tokens, f)
				break
			}
		}
	}
	return tokens
}
