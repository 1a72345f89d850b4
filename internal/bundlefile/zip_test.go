package bundlefile

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
	"github.com/OpenLiberty/open-liberty-sub342/internal/testutil"
)

func writeTestZip(t *testing.T, dir, name string) string {
	t.Helper()
	b := testutil.NewBundle("org.example."+name, "1.0.0").
		WithFile("OSGI-INF/config.xml", "<config/>").
		WithFile("lib/native.so", "elf")
	return b.WriteZip(t, filepath.Join(dir, name+".jar"))
}

func TestZipEntry(t *testing.T) {
	path := writeTestZip(t, t.TempDir(), "a")
	z, err := OpenZip(path, nil)
	require.NoError(t, err)
	defer z.Close()

	data, err := ReadEntry(z, manifest.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Bundle-SymbolicName: org.example.a")

	e, ok := z.Entry("/OSGI-INF/config.xml")
	require.True(t, ok)
	assert.Equal(t, int64(len("<config/>")), e.Size)

	_, ok = z.Entry("missing")
	assert.False(t, ok)

	_, err = OpenEntry(z, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestZipEntries(t *testing.T) {
	path := writeTestZip(t, t.TempDir(), "a")
	z, err := OpenZip(path, nil)
	require.NoError(t, err)
	defer z.Close()

	names, err := z.Entries("**/*.xml")
	require.NoError(t, err)
	assert.Equal(t, []string{"OSGI-INF/config.xml"}, names)

	_, err = z.Entries("[")
	assert.Error(t, err)
}

func TestOpenZipInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jar")
	require.NoError(t, writeFile(path, "not a zip"))
	_, err := OpenZip(path, nil)
	assert.Error(t, err)
}

func TestZipReopensAfterEviction(t *testing.T) {
	dir := t.TempDir()
	mru := NewMRUList(2, nil)

	var files []*ZipBundleFile
	for i := 0; i < 3; i++ {
		z, err := OpenZip(writeTestZip(t, dir, fmt.Sprintf("b%d", i)), mru)
		require.NoError(t, err)
		files = append(files, z)
	}
	defer func() {
		for _, z := range files {
			z.Close()
		}
	}()

	assert.Equal(t, 2, mru.Len())
	assert.False(t, files[0].IsOpen())
	assert.True(t, files[2].IsOpen())

	data, err := ReadEntry(files[0], "OSGI-INF/config.xml")
	require.NoError(t, err)
	assert.Equal(t, "<config/>", string(data))
	assert.True(t, files[0].IsOpen())
	assert.Equal(t, 2, mru.Len())
}

func TestZipPinnedReaderSurvivesEviction(t *testing.T) {
	dir := t.TempDir()
	mru := NewMRUList(1, nil)

	a, err := OpenZip(writeTestZip(t, dir, "a"), mru)
	require.NoError(t, err)
	defer a.Close()

	rc, err := OpenEntry(a, "OSGI-INF/config.xml")
	require.NoError(t, err)

	b, err := OpenZip(writeTestZip(t, dir, "b"), mru)
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, a.IsOpen(), "archive with an open reader must stay open")
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<config/>", string(data))
	require.NoError(t, rc.Close())

	assert.Equal(t, 1, mru.Len())
	assert.False(t, a.IsOpen(), "unpinned archive is trimmed once the reader closes")
}

func TestZipClose(t *testing.T) {
	mru := NewMRUList(4, nil)
	z, err := OpenZip(writeTestZip(t, t.TempDir(), "a"), mru)
	require.NoError(t, err)
	require.Equal(t, 1, mru.Len())

	rc, err := OpenEntry(z, manifest.Path)
	require.NoError(t, err)

	require.NoError(t, z.Close())
	assert.Equal(t, 0, mru.Len())
	assert.True(t, z.IsOpen(), "open reader keeps the archive alive")

	_, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.False(t, z.IsOpen())

	_, ok := z.Entry(manifest.Path)
	assert.False(t, ok)
	_, err = z.Entries("**")
	assert.ErrorIs(t, err, ErrClosed)
}
