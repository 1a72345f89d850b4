// Package vmcaps computes the execution environments and system packages
// the hosting runtime exposes through the system module.
package vmcaps

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// MinimumProfile is the profile used when nothing better matches.
const MinimumProfile = "JavaSE-1.8"

//go:embed profiles/*.yaml
var profileFS embed.FS

// Config holds explicit overrides. Empty fields are computed.
type Config struct {
	Packages          string
	PackagesExtra     string
	Capabilities      string
	CapabilitiesExtra string
	// Profile names the profile to start the search from.
	Profile string
}

// Module is a module of the runtime's boot layer.
type Module struct {
	Name    string
	Exports []string
}

// Runtime describes the hosting runtime.
type Runtime struct {
	// Version is the major version, e.g. 17.
	Version     int
	BootModules []Module
	// FrameworkModule is excluded from the boot exports.
	FrameworkModule string
}

// Result is the resolved system capability set.
type Result struct {
	Profile      string   `json:"profile"`
	EENames      []string `json:"ee_names"`
	Packages     string   `json:"packages"`
	Capabilities string   `json:"capabilities"`
	// FellBack is set when the requested profile was not available and a
	// lower one was used.
	FellBack bool `json:"fell_back"`
}

// EECapability is one osgi.ee capability of a profile.
type EECapability struct {
	EE       string   `yaml:"ee"`
	Versions []string `yaml:"versions"`
}

// Profile is an embedded runtime description.
type Profile struct {
	Name         string         `yaml:"name"`
	Version      int            `yaml:"version"`
	EENames      []string       `yaml:"ee_names"`
	Capabilities []EECapability `yaml:"capabilities"`
	Packages     []string       `yaml:"packages"`
}

// CapabilityString renders the profile's capabilities as a
// Provide-Capability header value.
func (p *Profile) CapabilityString() string {
	clauses := make([]string, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		clauses = append(clauses, fmt.Sprintf(`osgi.ee; osgi.ee="%s"; version:List<Version>="%s"`,
			c.EE, strings.Join(c.Versions, ", ")))
	}
	return strings.Join(clauses, ", ")
}

// LoadProfile reads an embedded profile. Unknown names return an error
// matching fs.ErrNotExist.
func LoadProfile(name string) (*Profile, error) {
	data, err := profileFS.ReadFile("profiles/" + name + ".yaml")
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", name, err)
	}
	return &p, nil
}

// Candidates returns the profile names tried for a runtime version, best
// first, ending with MinimumProfile.
func Candidates(version int) []string {
	var names []string
	for v := version; v >= 9; v-- {
		names = append(names, fmt.Sprintf("JavaSE-%d", v))
	}
	return append(names, MinimumProfile)
}

// Resolve computes the system capabilities. Explicit overrides win. For
// runtimes of version 9 and later with a boot layer, packages come from the
// boot modules' exports. Everything else comes from the best embedded
// profile, walking down from the requested one to MinimumProfile.
func Resolve(cfg Config, rt Runtime, log *zap.Logger) (Result, error) {
	if log == nil {
		log = zap.NewNop()
	}

	names := Candidates(rt.Version)
	if cfg.Profile != "" {
		names = append([]string{cfg.Profile}, names...)
	}
	var profile *Profile
	for _, name := range names {
		p, err := LoadProfile(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		profile = p
		break
	}
	if profile == nil {
		return Result{}, fmt.Errorf("no runtime profile among %v", names)
	}

	res := Result{
		Profile:  profile.Name,
		EENames:  append([]string(nil), profile.EENames...),
		FellBack: profile.Name != names[0],
	}
	if res.FellBack {
		log.Warn("Runtime profile not available; using fallback",
			zap.String("requested", names[0]),
			zap.String("profile", profile.Name),
			zap.Bool("minimum", profile.Name == MinimumProfile))
	}

	switch {
	case cfg.Packages != "":
		res.Packages = cfg.Packages
	case rt.Version >= 9 && len(rt.BootModules) > 0:
		res.Packages = strings.Join(BootExports(rt), ",")
	default:
		res.Packages = strings.Join(profile.Packages, ",")
	}
	res.Packages = appendList(res.Packages, cfg.PackagesExtra)

	res.Capabilities = cfg.Capabilities
	if res.Capabilities == "" {
		res.Capabilities = profile.CapabilityString()
	}
	res.Capabilities = appendList(res.Capabilities, cfg.CapabilitiesExtra)
	return res, nil
}

// BootExports returns the sorted unique packages exported by the boot
// modules, leaving out the framework's own module and java.* packages,
// which the runtime always provides.
func BootExports(rt Runtime) []string {
	seen := make(map[string]bool)
	for _, m := range rt.BootModules {
		if m.Name == rt.FrameworkModule {
			continue
		}
		for _, pkg := range m.Exports {
			if pkg == "" || strings.HasPrefix(pkg, "java.") {
				continue
			}
			seen[pkg] = true
		}
	}
	out := make([]string, 0, len(seen))
	for pkg := range seen {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

func appendList(base, extra string) string {
	extra = strings.TrimSpace(extra)
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	default:
		return base + "," + extra
	}
}
