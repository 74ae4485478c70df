package fileutils

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/mrnavastar/emuman/util"
	"github.com/ulikunitz/xz"
)

type ArchiveKind string

const (
	KindBinary ArchiveKind = "binary"
	KindZip    ArchiveKind = "zip"
	KindTarGz  ArchiveKind = "tar.gz"
	KindTarXz  ArchiveKind = "tar.xz"
	Kind7z     ArchiveKind = "7z"
)

func DetectKind(name string) (ArchiveKind, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".appimage"), strings.HasSuffix(lower, ".deb"), strings.HasSuffix(lower, ".exe"):
		return KindBinary, nil
	case strings.HasSuffix(lower, ".zip"):
		return KindZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return KindTarGz, nil
	case strings.HasSuffix(lower, ".tar.xz"):
		return KindTarXz, nil
	case strings.HasSuffix(lower, ".7z"):
		return Kind7z, nil
	}
	return "", fmt.Errorf("%w: %s", util.ErrUnsupported, filepath.Base(name))
}

// ExtractArchive unpacks src into dst. Single-file packages (AppImage, deb) are copied
// as they are. Afterwards the emulator binary and any AppImage below dst are made
// executable.
func ExtractArchive(src, dst string) (ArchiveKind, error) {
	kind, err := DetectKind(src)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return kind, err
	}
	util.Log.Info("extracting", util.Log.Args("archive", filepath.Base(src), "kind", string(kind), "target", dst))

	switch kind {
	case KindBinary:
		target := filepath.Join(dst, filepath.Base(src))
		if err := CopyFile(src, target); err != nil {
			return kind, err
		}
		return kind, FixExecutable(target)
	case KindZip:
		err = Unzip(src, dst)
	case KindTarGz:
		err = untarCompressed(src, dst, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) })
	case KindTarXz:
		err = untarCompressed(src, dst, func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) })
	case Kind7z:
		err = un7z(src, dst)
	}
	if err != nil {
		return kind, err
	}
	return kind, fixExtractedBinaries(dst)
}

func fixExtractedBinaries(dir string) error {
	exe := ExecutableName()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == exe || strings.HasSuffix(strings.ToLower(d.Name()), ".appimage") {
			if err := FixExecutable(path); err != nil {
				util.Log.Warn("chmod failed", util.Log.Args("path", path, "error", err.Error()))
			}
		}
		return nil
	})
}

func writeEntry(dst, name string, mode fs.FileMode, r io.Reader) error {
	target, err := SafeJoin(dst, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func makeDir(dst, name string) error {
	target, err := SafeJoin(dst, name)
	if err != nil {
		return err
	}
	return os.MkdirAll(target, 0755)
}

// Unzip extracts every entry of the zip at src below dst.
func Unzip(src, dst string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			if err := makeDir(dst, file.Name); err != nil {
				return err
			}
			continue
		}
		if err := extractZipFile(file, dst); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(file *zip.File, dst string) error {
	f, err := file.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	return writeEntry(dst, file.Name, file.Mode(), f)
}

func untarCompressed(src, dst string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := decompress(f)
	if err != nil {
		return err
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := makeDir(dst, header.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(dst, header.Name, fs.FileMode(header.Mode), tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			target, err := SafeJoin(dst, header.Name)
			if err != nil {
				return err
			}
			linked := filepath.Join(filepath.Dir(filepath.FromSlash(header.Name)), filepath.FromSlash(header.Linkname))
			if _, err := SafeJoin(dst, linked); err != nil || filepath.IsAbs(header.Linkname) {
				return fmt.Errorf("illegal symlink in archive: %s -> %s", header.Name, header.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func un7z(src, dst string) error {
	reader, err := sevenzip.OpenReader(src)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			if err := makeDir(dst, file.Name); err != nil {
				return err
			}
			continue
		}
		if err := extract7zFile(file, dst); err != nil {
			return err
		}
	}
	return nil
}

func extract7zFile(file *sevenzip.File, dst string) error {
	f, err := file.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	return writeEntry(dst, file.Name, file.Mode(), f)
}
