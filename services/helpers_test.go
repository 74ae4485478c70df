package services

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/mrnavastar/emuman/util/fileutils"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*VersionStore, string) {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, fileutils.InitHome(home))
	store, err := OpenVersionStore(home, filepath.Join(home, "versions"))
	require.NoError(t, err)
	return store, home
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// makeBuild creates an installed build folder holding the emulator binary.
func makeBuild(t *testing.T, path string) string {
	t.Helper()
	exe := filepath.Join(path, fileutils.ExecutableName())
	writeFile(t, exe, "elf")
	return exe
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type fakeFetcher struct {
	data  []byte
	err   error
	calls int
	urls  []string
}

func (f *fakeFetcher) Download(ctx context.Context, url string, dest string) error {
	f.calls++
	f.urls = append(f.urls, url)
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, f.data, 0644)
}
