// Package testutil provides bundle builders and helpers shared by package
// tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
)

// Bundle describes test bundle content.
type Bundle struct {
	Headers manifest.Headers
	// Files maps slash separated entry names to content.
	Files map[string]string
}

// NewBundle returns a bundle with a symbolic name, version and one class.
func NewBundle(bsn, version string) Bundle {
	return Bundle{
		Headers: manifest.Headers{
			manifest.BundleManifestVersion: "2",
			manifest.BundleSymbolicName:    bsn,
			manifest.BundleVersion:         version,
		},
		Files: map[string]string{
			"org/example/Main.class": "cafebabe-" + bsn,
		},
	}
}

// With returns a copy of b with an extra header.
func (b Bundle) With(key, value string) Bundle {
	out := b.clone()
	out.Headers[key] = value
	return out
}

// WithFile returns a copy of b with an extra entry.
func (b Bundle) WithFile(name, content string) Bundle {
	out := b.clone()
	out.Files[name] = content
	return out
}

func (b Bundle) clone() Bundle {
	out := Bundle{Headers: b.Headers.Clone(), Files: make(map[string]string, len(b.Files))}
	if out.Headers == nil {
		out.Headers = make(manifest.Headers)
	}
	for k, v := range b.Files {
		out.Files[k] = v
	}
	return out
}

// ManifestBytes renders the bundle manifest.
func (b Bundle) ManifestBytes(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, manifest.Write(&buf, b.Headers))
	return buf.Bytes()
}

// ZipBytes returns the bundle as a zip archive.
func (b Bundle) ZipBytes(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create(manifest.Path)
	require.NoError(t, err)
	_, err = w.Write(b.ManifestBytes(t))
	require.NoError(t, err)

	names := make([]string, 0, len(b.Files))
	for name := range b.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(b.Files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// WriteZip writes the bundle archive to path.
func (b Bundle) WriteZip(t testing.TB, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, b.ZipBytes(t), 0o644))
	return path
}

// WriteDir writes the bundle as an exploded directory at dir.
func (b Bundle) WriteDir(t testing.TB, dir string) string {
	t.Helper()
	mf := filepath.Join(dir, filepath.FromSlash(manifest.Path))
	require.NoError(t, os.MkdirAll(filepath.Dir(mf), 0o755))
	require.NoError(t, os.WriteFile(mf, b.ManifestBytes(t), 0o644))
	for name, content := range b.Files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}
