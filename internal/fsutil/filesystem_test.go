package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFileSystem_GlobFrames(t *testing.T) {
	t.Parallel()
	m := NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("/src", 0o755))
	for _, name := range []string{"IM-0001.dcm", "IM-0002.dcm", "IM-0010.dcm", "notes.txt"} {
		require.NoError(t, m.WriteFile(filepath.Join("/src", name), []byte("x"), 0o644))
	}

	got, err := m.Glob("/src/*0002.dcm")
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/IM-0002.dcm"}, got)

	got, err = m.Glob("/src/*.dcm")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = m.Glob("/src/[")
	assert.Error(t, err)
}

func TestMemoryFileSystem_ReadDirSkipsNested(t *testing.T) {
	t.Parallel()
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/src/b.dcm", nil, 0o644))
	require.NoError(t, m.WriteFile("/src/a.dcm", nil, 0o644))
	require.NoError(t, m.WriteFile("/src/sub/c.dcm", nil, 0o644))

	names, err := m.ReadDir("/src")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.dcm", "b.dcm"}, names)

	_, err = m.ReadDir("/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMemoryFileSystem_RenameAndRemove(t *testing.T) {
	t.Parallel()
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/dst/.IM-0001.dcm.partial", []byte("frame"), 0o644))
	require.NoError(t, m.Rename("/dst/.IM-0001.dcm.partial", "/dst/IM-0001.dcm"))

	assert.False(t, m.Exists("/dst/.IM-0001.dcm.partial"))
	data, err := m.ReadFile("/dst/IM-0001.dcm")
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))

	info, err := m.Stat("/dst")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, m.Remove("/dst/IM-0001.dcm"))
	assert.ErrorIs(t, m.Remove("/dst/IM-0001.dcm"), os.ErrNotExist)
	assert.Error(t, m.Rename("/nope", "/dst/x"))
}

func TestOSFileSystem(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fs := OSFileSystem{}

	require.NoError(t, fs.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, fs.WriteFile(filepath.Join(dir, "IM-0003.dcm"), []byte("3"), 0o644))
	require.NoError(t, fs.WriteFile(filepath.Join(dir, "IM-0004.dcm"), []byte("4"), 0o644))

	names, err := fs.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"IM-0003.dcm", "IM-0004.dcm"}, names)

	matches, err := fs.Glob(filepath.Join(dir, "*0004.dcm"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "IM-0004.dcm")}, matches)

	require.NoError(t, fs.Rename(filepath.Join(dir, "IM-0004.dcm"), filepath.Join(dir, "IM-0005.dcm")))
	assert.True(t, fs.Exists(filepath.Join(dir, "IM-0005.dcm")))
	require.NoError(t, fs.Remove(filepath.Join(dir, "IM-0005.dcm")))
	assert.False(t, fs.Exists(filepath.Join(dir, "IM-0005.dcm")))
}
