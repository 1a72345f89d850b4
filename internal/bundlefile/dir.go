package bundlefile

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
)

// DirBundleFile is bundle content stored as a directory tree.
type DirBundleFile struct {
	root string
}

// NewDir returns a bundle file rooted at dir.
func NewDir(dir string) *DirBundleFile {
	return &DirBundleFile{root: dir}
}

func (d *DirBundleFile) BaseFile() string  { return d.root }
func (d *DirBundleFile) IsDirectory() bool { return true }
func (d *DirBundleFile) Close() error      { return nil }

// Entry returns the file at name. Names that escape the root are rejected.
func (d *DirBundleFile) Entry(name string) (*Entry, bool) {
	full, ok := d.resolve(name)
	if !ok {
		return nil, false
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, false
	}
	return &Entry{
		Name:    name,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		open: func() (io.ReadCloser, error) {
			return os.Open(full)
		},
	}, true
}

func (d *DirBundleFile) resolve(name string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", false
	}
	return filepath.Join(d.root, clean), true
}

// Entries walks the directory and returns matching file names.
func (d *DirBundleFile) Entries(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, doublestar.ErrBadPattern
	}
	var (
		mu    sync.Mutex
		names []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, d.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(pattern, rel); ok {
			mu.Lock()
			names = append(names, rel)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
