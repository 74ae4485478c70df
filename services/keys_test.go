package services

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysImportAndStatus(t *testing.T) {
	k := NewKeysManager(filepath.Join(t.TempDir(), "keys"))
	status := k.Status()
	assert.False(t, status.ProdKeys)
	assert.False(t, status.TitleKeys)

	src := filepath.Join(t.TempDir(), "prod.keys")
	writeFile(t, src, "header_key = 00")

	dst, err := k.Import(src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(k.Dir, "prod.keys"), dst)
	assert.True(t, k.Status().ProdKeys)
	assert.False(t, k.Status().TitleKeys)
}

func TestKeysImportRejectsOtherFiles(t *testing.T) {
	k := NewKeysManager(filepath.Join(t.TempDir(), "keys"))
	src := filepath.Join(t.TempDir(), "notes.txt")
	writeFile(t, src, "x")

	_, err := k.Import(src)
	assert.Error(t, err)
	_, err = k.Import(filepath.Join(t.TempDir(), "missing.keys"))
	assert.Error(t, err)
}

func TestKeysAutoDetect(t *testing.T) {
	root := t.TempDir()
	yuzu := filepath.Join(root, "yuzu", "keys")
	ryujinx := filepath.Join(root, "Ryujinx", "system")
	writeFile(t, filepath.Join(yuzu, "prod.keys"), "a")
	writeFile(t, filepath.Join(yuzu, "title.keys"), "b")
	writeFile(t, filepath.Join(ryujinx, "prod.keys"), "c")

	k := NewKeysManager(filepath.Join(root, "eden", "keys"))
	found := k.AutoDetect([]string{yuzu, ryujinx, filepath.Join(root, "suyu", "keys")})
	assert.Equal(t, []string{
		filepath.Join(yuzu, "prod.keys"),
		filepath.Join(yuzu, "title.keys"),
		filepath.Join(ryujinx, "prod.keys"),
	}, found)
}
