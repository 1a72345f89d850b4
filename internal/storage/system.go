package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/OpenLiberty/open-liberty-sub342/internal/bundlefile"
	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
)

// System module identity used when no system content is configured.
const (
	systemSymbolicName = "system.bundle"
	systemVersion      = "1.0.0"
)

// bootstrapSystem installs module 0, or replaces its generation when the
// computed capabilities or the configured content changed since the record
// was saved.
func (s *Storage) bootstrapSystem(rec *record) error {
	content, err := s.systemContent()
	if err != nil {
		return err
	}
	headers, err := s.systemHeaders(content)
	if err != nil {
		return err
	}

	m, installed := s.container.Module(0)
	if installed && rec != nil {
		g, err := s.CurrentGeneration(m)
		if err == nil &&
			g.content == content &&
			rec.systemCaps == s.system.Capabilities &&
			rec.systemPackages == s.system.Packages {
			g.setHeaders(headers)
			return nil
		}
		s.log.Info("System capabilities changed; replacing system module generation")
	}

	info, ok := s.BundleInfo(0)
	if !ok {
		info = newBundleInfo(s, 0, SystemLocation, 0)
		s.addInfo(info)
	}
	g := info.CreateGeneration()
	defer g.Unlock()

	if content != "" {
		fi, err := os.Stat(content)
		if err != nil {
			return fmt.Errorf("%w: system content: %w", ErrInvalidContent, err)
		}
		g.content = content
		g.contentType = ContentReference
		g.isDirectory = fi.IsDir()
		g.lastModified = contentModTime(content, fi)
	} else {
		g.contentType = ContentConnect
	}
	g.setHeaders(headers)

	d, err := container.BuildDescriptor(headers, nil)
	if err != nil {
		return fmt.Errorf("build system descriptor: %w", err)
	}
	if !installed {
		if _, err := s.container.Install(0, SystemLocation, d, g); err != nil {
			return fmt.Errorf("install system module: %w", err)
		}
		s.log.Debug("Installed system module", zap.Int("exports", len(d.Exports())))
		return nil
	}
	if err := s.container.Update(m, d, g); err != nil {
		return fmt.Errorf("update system module: %w", err)
	}
	return s.refresh(m)
}

func (s *Storage) systemContent() (string, error) {
	if s.sysCfg.Content == "" {
		return "", nil
	}
	p, err := filepath.Abs(s.sysCfg.Content)
	if err != nil {
		return "", fmt.Errorf("resolve system content: %w", err)
	}
	return p, nil
}

// systemHeaders returns the system module manifest with the resolved
// packages and capabilities in place of any declared ones.
func (s *Storage) systemHeaders(content string) (manifest.Headers, error) {
	h := make(manifest.Headers)
	if content != "" {
		bf, err := bundlefile.Open(content, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: system content: %w", ErrInvalidContent, err)
		}
		data, err := bundlefile.ReadEntry(bf, manifest.Path)
		bf.Close()
		switch {
		case errors.Is(err, bundlefile.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("%w: system manifest: %w", ErrInvalidContent, err)
		default:
			if h, err = manifest.Parse(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("%w: system manifest: %w", ErrInvalidContent, err)
			}
		}
	}
	if _, ok := h.Get(manifest.BundleSymbolicName); !ok {
		h[manifest.BundleSymbolicName] = systemSymbolicName
	}
	if _, ok := h.Get(manifest.BundleVersion); !ok {
		h[manifest.BundleVersion] = systemVersion
	}
	h[manifest.BundleManifestVersion] = "2"
	setOrDelete(h, manifest.ExportPackage, s.system.Packages)
	setOrDelete(h, manifest.ProvideCapability, s.system.Capabilities)
	return h, nil
}

func setOrDelete(h manifest.Headers, key, value string) {
	if value == "" {
		delete(h, key)
		return
	}
	h[key] = value
}
