package paths

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// File and directory names inside a storage root.
const (
	FrameworkInfo = "framework.info"
	ManagerDir    = ".manager"
	LockFile      = "framework.info.lck"
	StageDir      = "stage"
	LibTempDir    = "LIB_TEMP"
	DeleteMarker  = ".delete"
	ContentFile   = "bundleFile"
	ExtractDir    = ".cp"
)

// Layout resolves names under one storage root.
type Layout struct {
	Root string
}

// New returns the layout for root.
func New(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// FrameworkInfo returns the persistent record path.
func (l Layout) FrameworkInfo() string {
	return filepath.Join(l.Root, FrameworkInfo)
}

// LockFile returns the cross-process lock path.
func (l Layout) LockFile() string {
	return filepath.Join(l.Root, ManagerDir, LockFile)
}

// StageDir returns the staging directory.
func (l Layout) StageDir() string {
	return filepath.Join(l.Root, StageDir)
}

// ModuleDir returns the directory holding every generation of a module.
func (l Layout) ModuleDir(moduleID int64) string {
	return filepath.Join(l.Root, strconv.FormatInt(moduleID, 10))
}

// LibTemp returns the native library directory for a module. Attempt 0 is
// the module directory itself; later attempts add a numeric subdirectory.
func (l Layout) LibTemp(moduleID int64, attempt int) string {
	dir := filepath.Join(l.Root, LibTempDir, strconv.FormatInt(moduleID, 10))
	if attempt > 0 {
		dir = filepath.Join(dir, strconv.Itoa(attempt))
	}
	return dir
}

// Generation returns the paths of one generation.
func (l Layout) Generation(moduleID, generationID int64) GenerationPaths {
	return GenerationPaths{Dir: filepath.Join(l.ModuleDir(moduleID), strconv.FormatInt(generationID, 10))}
}

// Rel returns path relative to the root, using forward slashes. Paths
// outside the root are rejected.
func (l Layout) Rel(path string) (string, error) {
	return RelTo(l.Root, path)
}

// Abs resolves a slash separated path relative to the root.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

// GenerationPaths are the paths owned by one generation.
type GenerationPaths struct {
	Dir string
}

// Content returns the owned content path.
func (g GenerationPaths) Content() string {
	return filepath.Join(g.Dir, ContentFile)
}

// Extract returns the path for a file extracted from the content.
func (g GenerationPaths) Extract(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	return filepath.Join(g.Dir, ExtractDir, clean), nil
}

// RelTo returns path relative to base with forward slashes, failing when
// path is not inside base.
func RelTo(base, path string) (string, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not under %s", path, base)
	}
	return filepath.ToSlash(rel), nil
}

// ParseModuleDir returns the id named by a module, generation or LIB_TEMP
// directory. Only the canonical decimal form the layout writes is
// accepted, so "007" and "+7" are not ids.
func ParseModuleDir(name string) (int64, bool) {
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil || id < 0 || strconv.FormatInt(id, 10) != name {
		return 0, false
	}
	return id, true
}
