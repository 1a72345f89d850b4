package manifest

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Common header names.
const (
	BundleManifestVersion = "Bundle-ManifestVersion"
	BundleSymbolicName    = "Bundle-SymbolicName"
	BundleVersion         = "Bundle-Version"
	BundleActivation      = "Bundle-ActivationPolicy"
	BundleNativeCode      = "Bundle-NativeCode"
	BundleClassPath       = "Bundle-ClassPath"
	FragmentHost          = "Fragment-Host"
	ExportPackage         = "Export-Package"
	ImportPackage         = "Import-Package"
	RequireBundle         = "Require-Bundle"
	RequireCapability     = "Require-Capability"
	ProvideCapability     = "Provide-Capability"
	MultiRelease          = "Multi-Release"
)

// Path is the location of the manifest inside a bundle.
const Path = "META-INF/MANIFEST.MF"

// VersionedPath returns the location of the supplemental manifest used by a
// multi-release bundle for the given runtime version.
func VersionedPath(version int) string {
	return fmt.Sprintf("META-INF/versions/%d/OSGI-INF/MANIFEST.MF", version)
}

// VersionsDir is the directory holding runtime-version specific resources.
const VersionsDir = "META-INF/versions/"

// Headers is a parsed manifest main section.
type Headers map[string]string

// Get returns the value for key, matching names case-insensitively.
func (h Headers) Get(key string) (string, bool) {
	if v, ok := h[key]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Value returns the value for key or the empty string.
func (h Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Keys returns the header names in sorted order.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// IsMultiRelease reports whether the headers mark a multi-release bundle.
func (h Headers) IsMultiRelease() bool {
	return strings.EqualFold(strings.TrimSpace(h.Value(MultiRelease)), "true")
}

// Parse reads the main section of a manifest.
func Parse(r io.Reader) (Headers, error) {
	headers := make(Headers)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name string
	var value strings.Builder
	flush := func() {
		if name != "" {
			headers[name] = value.String()
		}
		name = ""
		value.Reset()
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			// end of main section
			break
		}
		if line[0] == ' ' {
			if name == "" {
				return nil, fmt.Errorf("manifest line %d: continuation without header", lineNo)
			}
			value.WriteString(line[1:])
			continue
		}
		flush()
		idx := strings.Index(line, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("manifest line %d: missing header name", lineNo)
		}
		name = strings.TrimSpace(line[:idx])
		value.WriteString(strings.TrimLeft(line[idx+1:], " "))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	flush()
	return headers, nil
}

// Write renders headers in manifest form with keys sorted, except that
// Manifest-Version is always first.
func Write(w io.Writer, h Headers) error {
	bw := bufio.NewWriter(w)
	if v, ok := h["Manifest-Version"]; ok {
		writeHeader(bw, "Manifest-Version", v)
	} else {
		writeHeader(bw, "Manifest-Version", "1.0")
	}
	for _, k := range h.Keys() {
		if k == "Manifest-Version" {
			continue
		}
		writeHeader(bw, k, h[k])
	}
	bw.WriteString("\n")
	return bw.Flush()
}

// writeHeader wraps lines at 72 bytes.
func writeHeader(w *bufio.Writer, name, value string) {
	line := name + ": " + value
	const width = 72
	first := true
	for len(line) > 0 {
		limit := width
		if !first {
			limit = width - 1
			w.WriteByte(' ')
		}
		if len(line) <= limit {
			w.WriteString(line)
			break
		}
		w.WriteString(line[:limit])
		w.WriteByte('\n')
		line = line[limit:]
		first = false
	}
	w.WriteByte('\n')
}
