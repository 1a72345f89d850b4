package container

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
)

// Namespaces used by descriptors.
const (
	IdentityNamespace = "osgi.identity"
	BundleNamespace   = "osgi.wiring.bundle"
	HostNamespace     = "osgi.wiring.host"
	PackageNamespace  = "osgi.wiring.package"
	EENamespace       = "osgi.ee"
)

// Capability is something a revision provides.
type Capability struct {
	Namespace  string            `cbor:"ns"`
	Attributes map[string]string `cbor:"attrs,omitempty"`
	Directives map[string]string `cbor:"dirs,omitempty"`
}

// Requirement is something a revision needs.
type Requirement struct {
	Namespace  string            `cbor:"ns"`
	Attributes map[string]string `cbor:"attrs,omitempty"`
	Directives map[string]string `cbor:"dirs,omitempty"`
}

// Descriptor is the structural description of a revision.
type Descriptor struct {
	SymbolicName string        `cbor:"bsn"`
	Version      string        `cbor:"version"`
	Fragment     bool          `cbor:"fragment,omitempty"`
	Capabilities []Capability  `cbor:"caps,omitempty"`
	Requirements []Requirement `cbor:"reqs,omitempty"`
}

// Equal reports whether two descriptors describe the same revision shape.
func (d Descriptor) Equal(other Descriptor) bool {
	return reflect.DeepEqual(d.normalize(), other.normalize())
}

// Exports returns the exported package names.
func (d Descriptor) Exports() []string {
	var out []string
	for _, c := range d.Capabilities {
		if c.Namespace == PackageNamespace {
			out = append(out, c.Attributes[PackageNamespace])
		}
	}
	return out
}

func (d Descriptor) normalize() Descriptor {
	n := d
	n.Capabilities = append([]Capability(nil), d.Capabilities...)
	n.Requirements = append([]Requirement(nil), d.Requirements...)
	for i := range n.Capabilities {
		n.Capabilities[i].Attributes = nonEmpty(n.Capabilities[i].Attributes)
		n.Capabilities[i].Directives = nonEmpty(n.Capabilities[i].Directives)
	}
	for i := range n.Requirements {
		n.Requirements[i].Attributes = nonEmpty(n.Requirements[i].Attributes)
		n.Requirements[i].Directives = nonEmpty(n.Requirements[i].Directives)
	}
	sort.SliceStable(n.Capabilities, func(i, j int) bool {
		return capKey(n.Capabilities[i].Namespace, n.Capabilities[i].Attributes) <
			capKey(n.Capabilities[j].Namespace, n.Capabilities[j].Attributes)
	})
	sort.SliceStable(n.Requirements, func(i, j int) bool {
		return capKey(n.Requirements[i].Namespace, n.Requirements[i].Directives) <
			capKey(n.Requirements[j].Namespace, n.Requirements[j].Directives)
	})
	if len(n.Capabilities) == 0 {
		n.Capabilities = nil
	}
	if len(n.Requirements) == 0 {
		n.Requirements = nil
	}
	return n
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func capKey(ns string, m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		keys = append(keys, k+"="+v)
	}
	sort.Strings(keys)
	return ns + "|" + strings.Join(keys, ";")
}

// BuildDescriptor derives a descriptor from bundle headers. When overlay is
// non-nil its Import-Package and Require-Capability values replace those of
// headers; multi-release bundles use this for runtime-specific requirements.
func BuildDescriptor(headers, overlay manifest.Headers) (Descriptor, error) {
	var d Descriptor

	bsn, err := manifest.ParseHeader(headers.Value(manifest.BundleSymbolicName))
	if err != nil {
		return d, fmt.Errorf("invalid %s: %w", manifest.BundleSymbolicName, err)
	}
	if len(bsn) > 0 {
		d.SymbolicName = bsn[0].Value()
	}
	d.Version = strings.TrimSpace(headers.Value(manifest.BundleVersion))
	if d.Version == "" {
		d.Version = "0.0.0"
	}

	if d.SymbolicName != "" {
		identity := Capability{
			Namespace: IdentityNamespace,
			Attributes: map[string]string{
				IdentityNamespace: d.SymbolicName,
				"version":         d.Version,
				"type":            "osgi.bundle",
			},
		}
		if len(bsn) > 0 && len(bsn[0].Directives) > 0 {
			identity.Directives = copyMap(bsn[0].Directives)
		}
		d.Capabilities = append(d.Capabilities, identity)
	}

	host, err := manifest.ParseHeader(headers.Value(manifest.FragmentHost))
	if err != nil {
		return d, fmt.Errorf("invalid %s: %w", manifest.FragmentHost, err)
	}
	if len(host) > 0 {
		d.Fragment = true
		d.Requirements = append(d.Requirements, Requirement{
			Namespace:  HostNamespace,
			Directives: map[string]string{"filter": filterFor(HostNamespace, host[0].Value(), host[0].Attributes["bundle-version"])},
		})
	} else if d.SymbolicName != "" {
		d.Capabilities = append(d.Capabilities,
			Capability{Namespace: BundleNamespace, Attributes: map[string]string{BundleNamespace: d.SymbolicName, "bundle-version": d.Version}},
			Capability{Namespace: HostNamespace, Attributes: map[string]string{HostNamespace: d.SymbolicName, "bundle-version": d.Version}},
		)
	}

	exports, err := manifest.ParseHeader(headers.Value(manifest.ExportPackage))
	if err != nil {
		return d, fmt.Errorf("invalid %s: %w", manifest.ExportPackage, err)
	}
	for _, el := range exports {
		for _, pkg := range el.Values {
			attrs := copyMap(el.Attributes)
			if attrs == nil {
				attrs = make(map[string]string)
			}
			attrs[PackageNamespace] = pkg
			if _, ok := attrs["version"]; !ok {
				attrs["version"] = "0.0.0"
			}
			d.Capabilities = append(d.Capabilities, Capability{
				Namespace:  PackageNamespace,
				Attributes: attrs,
				Directives: copyMap(el.Directives),
			})
		}
	}

	provides, err := manifest.ParseHeader(headers.Value(manifest.ProvideCapability))
	if err != nil {
		return d, fmt.Errorf("invalid %s: %w", manifest.ProvideCapability, err)
	}
	for _, el := range provides {
		for _, ns := range el.Values {
			d.Capabilities = append(d.Capabilities, Capability{
				Namespace:  ns,
				Attributes: copyMap(el.Attributes),
				Directives: copyMap(el.Directives),
			})
		}
	}

	requirementHeaders := headers
	if overlay != nil {
		requirementHeaders = headers.Clone()
		for _, key := range []string{manifest.ImportPackage, manifest.RequireCapability} {
			if v, ok := overlay.Get(key); ok {
				requirementHeaders[key] = v
			}
		}
	}

	imports, err := manifest.ParseHeader(requirementHeaders.Value(manifest.ImportPackage))
	if err != nil {
		return d, fmt.Errorf("invalid %s: %w", manifest.ImportPackage, err)
	}
	for _, el := range imports {
		for _, pkg := range el.Values {
			dirs := copyMap(el.Directives)
			if dirs == nil {
				dirs = make(map[string]string)
			}
			dirs["filter"] = filterFor(PackageNamespace, pkg, el.Attributes["version"])
			d.Requirements = append(d.Requirements, Requirement{Namespace: PackageNamespace, Directives: dirs})
		}
	}

	requireBundles, err := manifest.ParseHeader(headers.Value(manifest.RequireBundle))
	if err != nil {
		return d, fmt.Errorf("invalid %s: %w", manifest.RequireBundle, err)
	}
	for _, el := range requireBundles {
		dirs := copyMap(el.Directives)
		if dirs == nil {
			dirs = make(map[string]string)
		}
		dirs["filter"] = filterFor(BundleNamespace, el.Value(), el.Attributes["bundle-version"])
		d.Requirements = append(d.Requirements, Requirement{Namespace: BundleNamespace, Directives: dirs})
	}

	requires, err := manifest.ParseHeader(requirementHeaders.Value(manifest.RequireCapability))
	if err != nil {
		return d, fmt.Errorf("invalid %s: %w", manifest.RequireCapability, err)
	}
	for _, el := range requires {
		for _, ns := range el.Values {
			d.Requirements = append(d.Requirements, Requirement{
				Namespace:  ns,
				Attributes: copyMap(el.Attributes),
				Directives: copyMap(el.Directives),
			})
		}
	}

	return d, nil
}

func filterFor(ns, name, version string) string {
	if version == "" {
		return fmt.Sprintf("(%s=%s)", ns, name)
	}
	return fmt.Sprintf("(&(%s=%s)(version=%s))", ns, name, version)
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
