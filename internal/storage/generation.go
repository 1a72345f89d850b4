package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/bundlefile"
	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/paths"
)

// maxLibAttempts bounds the LIB_TEMP disambiguator.
const maxLibAttempts = 100

// Generation is one installed revision of a module's content. It is
// immutable once attached to the container, except for hook data and the
// open state of its bundle file.
type Generation struct {
	info  *BundleInfo
	id    int64
	paths paths.GenerationPaths

	// mu is held from creation until Unlock, and briefly by save.
	mu     sync.Mutex
	locked atomic.Bool

	content      string
	contentType  ContentType
	isDirectory  bool
	lastModified int64
	packageInfo  bool
	multiRelease bool
	cached       manifest.Headers
	hooks        []Hook

	fileMu     sync.Mutex
	bundleFile bundlefile.BundleFile
	headers    manifest.Headers
	deleted    bool
}

// Unlock publishes a generation returned by CreateGeneration. Extra calls
// are ignored.
func (g *Generation) Unlock() {
	if g.locked.CompareAndSwap(true, false) {
		g.mu.Unlock()
	}
}

// ID returns the generation id.
func (g *Generation) ID() int64 { return g.id }

// BundleInfo returns the owning module record.
func (g *Generation) BundleInfo() *BundleInfo { return g.info }

// Content returns the content path; empty for Connect content.
func (g *Generation) Content() string { return g.content }

// ContentType returns who owns the content.
func (g *Generation) ContentType() ContentType { return g.contentType }

// IsDirectory reports whether the content is an exploded directory.
func (g *Generation) IsDirectory() bool { return g.isDirectory }

// LastModified returns the content timestamp recorded at install.
func (g *Generation) LastModified() time.Time { return time.UnixMilli(g.lastModified) }

// HasPackageInfo reports whether the manifest carries package
// specification or implementation attributes.
func (g *Generation) HasPackageInfo() bool { return g.packageInfo }

// IsMultiRelease reports whether the content has runtime-version variants.
func (g *Generation) IsMultiRelease() bool { return g.multiRelease }

// Dir returns the generation's directory under the storage root.
func (g *Generation) Dir() string { return g.paths.Dir }

// CachedHeaders returns the persisted header subset.
func (g *Generation) CachedHeaders() manifest.Headers { return g.cached.Clone() }

// Hook returns the attached hook for a factory key.
func (g *Generation) Hook(key string) (Hook, bool) {
	i, ok := g.info.storage.hooks.index(key)
	if !ok || g.hooks[i] == nil {
		return nil, false
	}
	return g.hooks[i], true
}

// SetContent attaches content to the generation. It is the only way to set
// content and may only be called before the generation is unlocked.
func (g *Generation) SetContent(path string, t ContentType) error {
	if !t.valid() {
		return fmt.Errorf("%w: unknown content type %d", ErrInvalidContent, t)
	}
	if t == ContentConnect {
		g.content = ""
		g.contentType = t
		g.isDirectory = false
		g.lastModified = 0
	} else {
		if path == "" {
			return fmt.Errorf("%w: empty %s content path", ErrInvalidContent, t)
		}
		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidContent, err)
		}
		g.content = path
		g.contentType = t
		g.isDirectory = fi.IsDir()
		g.lastModified = contentModTime(path, fi)
	}

	headers, err := g.readHeaders()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidContent, err)
	}
	g.setHeaders(headers)
	return nil
}

func (g *Generation) setHeaders(h manifest.Headers) {
	g.fileMu.Lock()
	g.headers = h
	g.fileMu.Unlock()

	g.cached = make(manifest.Headers)
	for _, key := range g.info.storage.cachedKeys {
		if v, ok := h.Get(key); ok {
			g.cached[key] = v
		}
	}
	g.multiRelease = h.IsMultiRelease()
	g.packageInfo = hasPackageInfo(h)
}

func hasPackageInfo(h manifest.Headers) bool {
	for k := range h {
		if strings.HasPrefix(k, "Specification-") || strings.HasPrefix(k, "Implementation-") {
			return true
		}
	}
	return false
}

// contentModTime returns the timestamp used for staleness checks. For
// directories the manifest is authoritative since the directory time moves
// with unrelated files.
func contentModTime(path string, fi os.FileInfo) int64 {
	if fi.IsDir() {
		if mf, err := os.Stat(filepath.Join(path, filepath.FromSlash(manifest.Path))); err == nil {
			return mf.ModTime().UnixMilli()
		}
	}
	return fi.ModTime().UnixMilli()
}

// currentModTime stats the content again.
func (g *Generation) currentModTime() (int64, error) {
	fi, err := os.Stat(g.content)
	if err != nil {
		return 0, err
	}
	return contentModTime(g.content, fi), nil
}

func (g *Generation) readHeaders() (manifest.Headers, error) {
	if g.contentType == ContentConnect {
		return g.info.storage.connectHeaders(g.info.location)
	}
	bf, err := g.BundleFile()
	if err != nil {
		return nil, err
	}
	rc, err := bundlefile.OpenEntry(bf, manifest.Path)
	if errors.Is(err, bundlefile.ErrNotFound) {
		return make(manifest.Headers), nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return manifest.Parse(rc)
}

// Headers returns the full header map, reading it from the content when
// only the cached subset is in memory.
func (g *Generation) Headers() (manifest.Headers, error) {
	g.fileMu.Lock()
	h := g.headers
	g.fileMu.Unlock()
	if h != nil {
		return h.Clone(), nil
	}

	h, err := g.readHeaders()
	if err != nil {
		return nil, err
	}
	g.fileMu.Lock()
	g.headers = h
	g.fileMu.Unlock()
	return h.Clone(), nil
}

// BundleFile returns the content reader, opening it on first use.
func (g *Generation) BundleFile() (bundlefile.BundleFile, error) {
	g.fileMu.Lock()
	defer g.fileMu.Unlock()

	if g.deleted {
		return nil, fmt.Errorf("generation %d/%d: %w", g.info.id, g.id, os.ErrNotExist)
	}
	if g.contentType == ContentConnect {
		return nil, fmt.Errorf("%w: connect content has no file", ErrInvalidContent)
	}
	if g.bundleFile == nil {
		bf, err := bundlefile.Open(g.content, g.info.storage.mru)
		if err != nil {
			return nil, err
		}
		g.bundleFile = bf
	}
	return g.bundleFile, nil
}

func (g *Generation) closeBundleFile(deleted bool) {
	g.fileMu.Lock()
	defer g.fileMu.Unlock()
	if g.bundleFile != nil {
		g.bundleFile.Close()
		g.bundleFile = nil
	}
	if deleted {
		g.deleted = true
	}
}

// Descriptor derives the container descriptor. Multi-release content uses
// the highest versioned manifest not newer than the runtime.
func (g *Generation) Descriptor() (container.Descriptor, error) {
	headers, err := g.Headers()
	if err != nil {
		return container.Descriptor{}, err
	}
	var overlay manifest.Headers
	if g.multiRelease {
		overlay, err = g.versionedHeaders(g.info.storage.runtimeVersion)
		if err != nil {
			return container.Descriptor{}, err
		}
	}
	return container.BuildDescriptor(headers, overlay)
}

func (g *Generation) versionedHeaders(runtime int) (manifest.Headers, error) {
	if g.contentType == ContentConnect {
		return nil, nil
	}
	bf, err := g.BundleFile()
	if err != nil {
		return nil, err
	}
	for v := runtime; v >= 9; v-- {
		rc, err := bundlefile.OpenEntry(bf, manifest.VersionedPath(v))
		if errors.Is(err, bundlefile.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		h, err := manifest.Parse(rc)
		rc.Close()
		return h, err
	}
	return nil, nil
}

// StorageFile returns the path of a file in the generation's data area. The
// parent root is consulted when the file exists only there.
func (g *Generation) StorageFile(name string) (string, error) {
	p, err := g.paths.Extract(name)
	if err != nil {
		return "", err
	}
	return g.info.storage.lookup(p), nil
}

// ExtractEntry returns a filesystem path for a content entry, extracting it
// from archives into the generation's data area.
func (g *Generation) ExtractEntry(name string) (string, error) {
	if g.contentType == ContentConnect {
		return "", fmt.Errorf("%w: connect content has no file", ErrInvalidContent)
	}
	if g.isDirectory {
		p := filepath.Join(g.content, filepath.FromSlash(strings.TrimPrefix(name, "/")))
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s: %w", name, bundlefile.ErrNotFound)
		}
		return p, nil
	}

	p, err := g.StorageFile(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if g.info.storage.readOnly {
		return "", ErrStorageReadOnly
	}

	bf, err := g.BundleFile()
	if err != nil {
		return "", err
	}
	rc, err := bundlefile.OpenEntry(bf, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	if err := writeAtomic(p, rc); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", name, err)
	}
	return p, nil
}

// ExtractNativeLibrary copies a native library entry into LIB_TEMP. When a
// same-named library is present and cannot be replaced, a numbered
// subdirectory is tried next.
func (g *Generation) ExtractNativeLibrary(name string) (string, error) {
	s := g.info.storage
	src, err := g.ExtractEntry(name)
	if err != nil {
		return "", err
	}
	base := filepath.Base(src)

	for attempt := 0; attempt < maxLibAttempts; attempt++ {
		dst := filepath.Join(s.layout.LibTemp(g.info.id, attempt), base)
		if _, err := os.Stat(dst); err == nil {
			if err := os.Remove(dst); err != nil {
				continue
			}
		}
		in, err := os.Open(src)
		if err != nil {
			return "", err
		}
		err = writeAtomic(dst, in)
		in.Close()
		if err != nil {
			return "", fmt.Errorf("failed to copy native library %s: %w", name, err)
		}
		s.metrics.IncLibsExtracted()
		s.log.Debug("Extracted native library", zap.String("entry", name), zap.String("path", dst))
		return dst, nil
	}
	return "", fmt.Errorf("no free LIB_TEMP slot for %s", base)
}

// Delete closes the content and removes the generation's directory. Owned
// content lives there; Reference and Connect content is left alone. When
// removal fails a delete marker is left for Compact.
func (g *Generation) Delete() error {
	g.closeBundleFile(true)
	g.info.forget(g)

	s := g.info.storage
	if s.readOnly {
		return ErrStorageReadOnly
	}
	if err := os.RemoveAll(g.paths.Dir); err != nil {
		s.markForDelete(g.paths.Dir, err)
	}
	return nil
}

// writeAtomic writes r to path through a temp file in the same directory.
func writeAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
