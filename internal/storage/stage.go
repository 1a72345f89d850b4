package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/id"
)

// Locator prefixes.
const (
	referencePrefix = "reference:"
	connectPrefix   = "connect:"
	filePrefix      = "file:"
)

// staleStageAge is how old a staging file must be before Compact removes it.
const staleStageAge = time.Hour

// staged is content ready to become a generation.
type staged struct {
	path string
	typ  ContentType
	// temp is set when path is a staging file owned by the storage.
	temp bool
}

// discard removes a staging file that was never committed.
func (st *staged) discard() {
	if st != nil && st.temp {
		os.Remove(st.path)
	}
}

// stage materializes content for location. A non-nil content stream is
// always copied. Otherwise the location itself is resolved.
func (s *Storage) stage(ctx context.Context, content io.Reader, location string) (*staged, error) {
	if content != nil {
		return s.stageStream(content, location)
	}

	switch {
	case strings.HasPrefix(location, connectPrefix), s.claims(location):
		return &staged{typ: ContentConnect}, nil
	case strings.HasPrefix(location, referencePrefix):
		p := s.localPath(strings.TrimPrefix(location, referencePrefix))
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
		}
		return &staged{path: p, typ: ContentReference}, nil
	case isRemote(location):
		body, err := s.openRemote(ctx, location)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		return s.stageStream(body, location)
	default:
		return s.stageLocal(s.localPath(location), location)
	}
}

// stageLocal stages a file or adopts a directory. The staging file is
// reserved before the source is inspected, and dropped again for
// directories.
func (s *Storage) stageLocal(path, location string) (*staged, error) {
	placeholder, err := s.createStageFile()
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		placeholder.Close()
		os.Remove(placeholder.Name())
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
	}
	if fi.IsDir() {
		placeholder.Close()
		os.Remove(placeholder.Name())
		return &staged{path: path, typ: ContentReference}, nil
	}

	src, err := os.Open(path)
	if err != nil {
		placeholder.Close()
		os.Remove(placeholder.Name())
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
	}
	defer src.Close()
	return s.fillStageFile(placeholder, src, location)
}

// stageStream copies content into a new staging file.
func (s *Storage) stageStream(content io.Reader, location string) (*staged, error) {
	f, err := s.createStageFile()
	if err != nil {
		return nil, err
	}
	return s.fillStageFile(f, content, location)
}

func (s *Storage) createStageFile() (*os.File, error) {
	dir := s.layout.StageDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging dir: %w", ErrRead, err)
	}
	name := s.ids.NewStagingID().String()
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create staging file: %w", ErrRead, err)
	}
	return f, nil
}

// fillStageFile copies src into f and checks that the result is an
// archive. f is removed on every failure.
func (s *Storage) fillStageFile(f *os.File, src io.Reader, location string) (*staged, error) {
	path := f.Name()
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
	}
	if !isArchive(mt) {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %s is %s, not an archive", ErrInvalidContent, location, mt.String())
	}

	s.log.Debug("Staged content",
		zap.String("location", location),
		zap.String("path", path),
		zap.Int64("bytes", n),
		zap.String("mime", mt.String()))
	return &staged{path: path, typ: ContentDefault, temp: true}, nil
}

func isArchive(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// localPath resolves a file URL or plain path. Relative paths are taken
// from the install root.
func (s *Storage) localPath(p string) string {
	p = strings.TrimPrefix(p, filePrefix)
	if strings.HasPrefix(p, "//") {
		p = strings.TrimPrefix(p, "//")
	}
	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.installRoot, p)
	}
	return p
}

// removeStaleStageFiles removes staging files older than maxAge; a zero
// maxAge removes all of them.
func (s *Storage) removeStaleStageFiles(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.layout.StageDir())
	if err != nil {
		return 0
	}
	removed := 0
	now := time.Now()
	for _, e := range entries {
		if maxAge > 0 {
			born, err := id.StagingID(e.Name()).Time()
			if err == nil && now.Sub(born) < maxAge {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(s.layout.StageDir(), e.Name())); err == nil {
			removed++
		}
	}
	return removed
}
