package services

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mrnavastar/emuman/util"
	"github.com/mrnavastar/emuman/util/fileutils"
)

var keyFiles = []string{"prod.keys", "title.keys"}

type KeysManager struct {
	Dir string
}

func NewKeysManager(dir string) *KeysManager {
	return &KeysManager{Dir: dir}
}

func (k *KeysManager) Status() util.KeyStatus {
	return util.KeyStatus{
		Dir:       k.Dir,
		ProdKeys:  fileutils.Exists(filepath.Join(k.Dir, "prod.keys")),
		TitleKeys: fileutils.Exists(filepath.Join(k.Dir, "title.keys")),
	}
}

// Import copies a .keys file into the keys directory under its own name.
func (k *KeysManager) Import(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	if info.IsDir() || !strings.HasSuffix(strings.ToLower(info.Name()), ".keys") {
		return "", fmt.Errorf("%s is not a key file", src)
	}
	dst := filepath.Join(k.Dir, info.Name())
	if err := fileutils.CopyFile(src, dst); err != nil {
		return "", err
	}
	util.Log.Info("imported key file", util.Log.Args("from", src, "to", dst))
	return dst, nil
}

// KeySearchRoots lists where other emulators of the same console keep their keys.
func KeySearchRoots() []string {
	home, _ := os.UserHomeDir()
	roaming := filepath.Join(home, ".config")
	if runtime.GOOS == "windows" {
		roaming = os.Getenv("APPDATA")
	}
	roots := []string{
		filepath.Join(roaming, "yuzu", "keys"),
		filepath.Join(roaming, "Ryujinx", "system"),
		filepath.Join(roaming, "suyu", "keys"),
	}
	if runtime.GOOS != "windows" {
		share := filepath.Join(home, ".local", "share")
		roots = append(roots,
			filepath.Join(share, "yuzu", "keys"),
			filepath.Join(share, "suyu", "keys"),
		)
	}
	return roots
}

// AutoDetect returns the key files found in roots.
func (k *KeysManager) AutoDetect(roots []string) []string {
	var found []string
	for _, root := range roots {
		for _, name := range keyFiles {
			path := filepath.Join(root, name)
			if fileutils.Exists(path) {
				found = append(found, path)
			}
		}
	}
	return found
}
