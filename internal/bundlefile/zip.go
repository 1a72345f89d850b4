package bundlefile

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zip"
)

// ZipBundleFile is bundle content stored in a zip archive. The archive is
// opened on demand and may be closed by the MRU list between reads.
type ZipBundleFile struct {
	path string
	mru  *MRUList

	mu     sync.Mutex
	reader *zip.ReadCloser
	index  map[string]*zip.File
	pins   int
	closed bool
}

// OpenZip opens the archive at path once to validate it and registers it
// with mru, which may be nil.
func OpenZip(path string, mru *MRUList) (*ZipBundleFile, error) {
	z := &ZipBundleFile{path: path, mru: mru}
	if _, err := z.acquire(); err != nil {
		return nil, err
	}
	z.release()
	return z, nil
}

func (z *ZipBundleFile) BaseFile() string  { return z.path }
func (z *ZipBundleFile) IsDirectory() bool { return false }

// IsOpen reports whether the underlying archive handle is open.
func (z *ZipBundleFile) IsOpen() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.reader != nil
}

// acquire pins the archive, reopening it when the MRU list closed it.
// The MRU list is only called after z.mu is released.
func (z *ZipBundleFile) acquire() (map[string]*zip.File, error) {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", z.path, ErrClosed)
	}
	opened := false
	if z.reader == nil {
		r, err := zip.OpenReader(z.path)
		if err != nil {
			z.mu.Unlock()
			return nil, fmt.Errorf("failed to open archive %s: %w", z.path, err)
		}
		z.reader = r
		z.index = make(map[string]*zip.File, len(r.File))
		for _, f := range r.File {
			z.index[f.Name] = f
		}
		opened = true
	}
	z.pins++
	index := z.index
	z.mu.Unlock()

	if opened {
		z.mru.Add(z)
	} else {
		z.mru.Touch(z)
	}
	return index, nil
}

func (z *ZipBundleFile) release() {
	z.mu.Lock()
	z.pins--
	z.mu.Unlock()
	z.mru.Trim()
}

// closeIfIdle is called by the MRU list with its lock held.
func (z *ZipBundleFile) closeIfIdle() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.pins > 0 {
		return false
	}
	if z.reader != nil {
		z.reader.Close()
		z.reader = nil
		z.index = nil
	}
	return true
}

// Entry returns the named entry.
func (z *ZipBundleFile) Entry(name string) (*Entry, bool) {
	name = strings.TrimPrefix(name, "/")
	index, err := z.acquire()
	if err != nil {
		return nil, false
	}
	defer z.release()

	f, ok := index[name]
	if !ok || f.FileInfo().IsDir() {
		return nil, false
	}
	return &Entry{
		Name:    name,
		Size:    int64(f.UncompressedSize64),
		ModTime: f.Modified,
		open:    func() (io.ReadCloser, error) { return z.openEntry(name) },
	}, true
}

// openEntry looks the entry up again because the archive may have been
// reopened since Entry was called.
func (z *ZipBundleFile) openEntry(name string) (io.ReadCloser, error) {
	index, err := z.acquire()
	if err != nil {
		return nil, err
	}
	f, ok := index[name]
	if !ok {
		z.release()
		return nil, fmt.Errorf("%s in %s: %w", name, z.path, ErrNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		z.release()
		return nil, fmt.Errorf("failed to open %s in %s: %w", name, z.path, err)
	}
	return &pinnedReader{ReadCloser: rc, owner: z}, nil
}

// Entries returns the file entry names matching pattern.
func (z *ZipBundleFile) Entries(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, doublestar.ErrBadPattern
	}
	index, err := z.acquire()
	if err != nil {
		return nil, err
	}
	defer z.release()

	var names []string
	for name, f := range index {
		if f.FileInfo().IsDir() {
			continue
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the archive permanently and removes it from the MRU list.
// Readers still open keep working until they are closed.
func (z *ZipBundleFile) Close() error {
	z.mru.Remove(z)
	z.mu.Lock()
	defer z.mu.Unlock()
	z.closed = true
	if z.reader == nil || z.pins > 0 {
		return nil
	}
	err := z.reader.Close()
	z.reader = nil
	z.index = nil
	return err
}

type pinnedReader struct {
	io.ReadCloser
	owner *ZipBundleFile
	once  sync.Once
}

func (p *pinnedReader) Close() error {
	err := p.ReadCloser.Close()
	p.once.Do(func() {
		p.owner.release()
		p.owner.mu.Lock()
		if p.owner.closed && p.owner.pins == 0 && p.owner.reader != nil {
			p.owner.reader.Close()
			p.owner.reader = nil
			p.owner.index = nil
		}
		p.owner.mu.Unlock()
	})
	return err
}
