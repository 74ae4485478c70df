package fileutils

import (
	"archive/zip"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mrnavastar/emuman/util"
	"github.com/zalando/go-keyring"
)

// Setup creates the EmuMan home layout, writes a default config and an empty state
// when they are missing, and remembers home in the keyring.
func Setup(home string) error {
	home, err := filepath.Abs(home)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, keyringHome, home); err != nil {
		return err
	}
	return InitHome(home)
}

func InitHome(home string) error {
	for _, dir := range []string{"versions", "downloads", "backups/saves", "cache", "logs", "resources/bin"} {
		if err := os.MkdirAll(filepath.Join(home, dir), 0755); err != nil {
			return err
		}
	}
	if !Exists(filepath.Join(home, ConfigFile)) {
		if err := SaveConfig(home, DefaultConfig()); err != nil {
			return err
		}
	}
	if !Exists(filepath.Join(home, StateFile)) {
		return WriteFileAtomic(filepath.Join(home, StateFile), []byte("{}"), 0644)
	}
	return nil
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySHA256 passes when expected is empty, there being nothing to verify against.
func VerifySHA256(path string, expected string) error {
	if expected == "" {
		return nil
	}
	got, err := SHA256File(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: expected %s, got %s", util.ErrChecksum, expected, got)
	}
	util.Log.Info("sha256 verified", util.Log.Args("file", filepath.Base(path), "sha256", got))
	return nil
}

// FixExecutable adds the executable bits on unix systems. It is a no-op when the
// file is already executable.
func FixExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode()&0111 == 0111 {
		return nil
	}
	util.Log.Debug("applying executable permission", util.Log.Args("path", path))
	return os.Chmod(path, info.Mode()|0111)
}

// DirHash fingerprints the top level of dir: directory names with mtimes, and file
// names with sizes and mtimes. Archives are ignored so an in-flight download does not
// change the hash.
func DirHash(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var items []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return "", err
		}
		name := e.Name()
		if e.IsDir() {
			items = append(items, fmt.Sprintf("dir:%s:%d", name, info.ModTime().Unix()))
			continue
		}
		lower := strings.ToLower(name)
		if strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".7z") {
			continue
		}
		items = append(items, fmt.Sprintf("file:%s:%d:%d", name, info.Size(), info.ModTime().Unix()))
	}
	sum := md5.Sum([]byte(strings.Join(items, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// ZipDir compresses every regular file below src into dst, storing comment as the
// archive comment. The archive is written under a temporary name and renamed into
// place once complete.
func ZipDir(src, dst string, comment string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), ".partial-*.zip")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	zw := zip.NewWriter(f)
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		zw.Close()
		f.Close()
		return 0, err
	}
	if err := zw.SetComment(comment); err != nil {
		zw.Close()
		f.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// SafeJoin joins an archive entry name onto dir, refusing names that would escape it.
func SafeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return target, nil
}
