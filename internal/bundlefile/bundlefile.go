package bundlefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var (
	// ErrClosed is returned when reading from a closed bundle file.
	ErrClosed = errors.New("bundle file is closed")
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("entry not found")
)

// BundleFile is read access to bundle content.
type BundleFile interface {
	// BaseFile is the archive path or the directory root.
	BaseFile() string
	IsDirectory() bool
	// Entry returns metadata for a single entry using slash separated names.
	Entry(name string) (*Entry, bool)
	// Entries returns the file entry names matching a doublestar pattern.
	Entries(pattern string) ([]string, error)
	Close() error
}

// Entry describes one file in a bundle.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	open    func() (io.ReadCloser, error)
}

// Open returns a reader for the entry content. For archives the reader pins
// the archive open until it is closed.
func (e *Entry) Open() (io.ReadCloser, error) {
	return e.open()
}

// Open returns the bundle file for path: a DirBundleFile for directories and
// a ZipBundleFile otherwise.
func Open(path string, mru *MRUList) (BundleFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle content: %w", err)
	}
	if info.IsDir() {
		return NewDir(path), nil
	}
	return OpenZip(path, mru)
}

// OpenEntry opens the named entry of bf.
func OpenEntry(bf BundleFile, name string) (io.ReadCloser, error) {
	e, ok := bf.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", name, bf.BaseFile(), ErrNotFound)
	}
	return e.Open()
}

// ReadEntry returns the full content of the named entry.
func ReadEntry(bf BundleFile, name string) ([]byte, error) {
	rc, err := OpenEntry(bf, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
