package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/OpenLiberty/open-liberty-sub342/internal/bundlefile"
	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/config"
	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/monitoring"
	"github.com/OpenLiberty/open-liberty-sub342/internal/logging"
	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/id"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/paths"
	"github.com/OpenLiberty/open-liberty-sub342/internal/storage/lock"
	"github.com/OpenLiberty/open-liberty-sub342/internal/vmcaps"
)

// SystemLocation is the install location of the system module.
const SystemLocation = "System Bundle"

// defaultCachedKeys are the headers persisted with each generation so the
// common lookups need not open the content.
var defaultCachedKeys = []string{
	manifest.BundleManifestVersion,
	manifest.BundleSymbolicName,
	manifest.BundleVersion,
	manifest.BundleActivation,
	manifest.FragmentHost,
	manifest.MultiRelease,
}

// ConnectProvider supplies content for locations it claims.
type ConnectProvider interface {
	// Connect returns the headers of the module at location. ok is false
	// when the provider does not supply the location.
	Connect(location string) (headers manifest.Headers, ok bool, err error)
}

// Options configures Open. Only Config is required.
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
	Container *container.Container
	Hooks     []HookFactory
	Connect   ConnectProvider
	// Runtime describes the hosting runtime. A zero Version takes the
	// configured runtime version.
	Runtime    vmcaps.Runtime
	HTTPClient *retryablehttp.Client
}

// Storage owns the module records and content under one root.
type Storage struct {
	cfg         config.StorageConfig
	sysCfg      config.SystemConfig
	layout      paths.Layout
	parent      *paths.Layout
	installRoot string
	readOnly    bool

	log        *logging.Logger
	metrics    *monitoring.Metrics
	container  *container.Container
	hooks      *hookChain
	connect    ConnectProvider
	mru        *bundlefile.MRUList
	locker     lock.Locker
	ids        *id.Generator
	fetch      *retryablehttp.Client
	fetchLimit *rate.Limiter
	installs   singleflight.Group

	runtime        vmcaps.Runtime
	runtimeVersion int
	system         vmcaps.Result
	cachedKeys     []string

	// saveMu serializes checkpoints.
	saveMu sync.Mutex
	// contentMu is held shared while installs and updates write content
	// and exclusively while Compact sweeps the root.
	contentMu sync.RWMutex

	mu    sync.Mutex
	infos map[int64]*BundleInfo

	closed atomic.Bool
}

// Open opens the storage root, loads the persisted record and discards
// stale content.
func Open(opts Options) (*Storage, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Named("storage")

	root, err := filepath.Abs(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}

	s := &Storage{
		cfg:        cfg.Storage,
		sysCfg:     cfg.System,
		layout:     paths.New(root),
		readOnly:   cfg.Storage.ReadOnly,
		log:        log,
		metrics:    opts.Metrics,
		container:  opts.Container,
		connect:    opts.Connect,
		ids:        id.Default(),
		fetch:      opts.HTTPClient,
		fetchLimit: newFetchLimiter(cfg.Storage.FetchRate, cfg.Storage.FetchBurst),
		runtime:    opts.Runtime,
		cachedKeys: defaultCachedKeys,
		infos:      make(map[int64]*BundleInfo),
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics(nil)
	}
	if s.container == nil {
		s.container = container.New()
	}
	if s.fetch == nil {
		s.fetch = newFetchClient(log)
	}
	if cfg.Storage.ParentRoot != "" {
		parent, err := filepath.Abs(cfg.Storage.ParentRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve parent root: %w", err)
		}
		p := paths.New(parent)
		s.parent = &p
	}
	s.installRoot = cfg.Storage.InstallRoot
	if s.installRoot == "" {
		if s.installRoot, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve install root: %w", err)
		}
	}
	if s.installRoot, err = filepath.Abs(s.installRoot); err != nil {
		return nil, fmt.Errorf("resolve install root: %w", err)
	}
	if s.runtime.Version == 0 {
		s.runtime.Version = cfg.System.RuntimeVersion
	}
	s.runtimeVersion = s.runtime.Version

	if s.hooks, err = newHookChain(opts.Hooks, log.Logger); err != nil {
		return nil, err
	}
	s.mru = bundlefile.NewMRUList(cfg.Storage.OpenFileLimit, s.metrics)

	strategy := cfg.Storage.Locking
	if s.readOnly {
		strategy = lock.StrategyNone
	}
	if s.locker, err = lock.New(strategy, s.layout.LockFile()); err != nil {
		return nil, err
	}

	s.system, err = vmcaps.Resolve(vmcaps.Config{
		Packages:          cfg.System.Packages,
		PackagesExtra:     cfg.System.PackagesExtra,
		Capabilities:      cfg.System.Capabilities,
		CapabilitiesExtra: cfg.System.CapabilitiesExtra,
		Profile:           cfg.System.VMProfile,
	}, s.runtime, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("resolve system capabilities: %w", err)
	}

	if !s.readOnly {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create storage root: %w", err)
		}
	}

	if err := s.acquire(); err != nil {
		return nil, err
	}
	if cfg.Storage.Clean && !s.readOnly {
		if err := s.clean(); err != nil {
			s.release()
			return nil, err
		}
	}
	rec, err := s.load()
	s.release()

	switch {
	case errors.Is(err, ErrIncompatibleFormat), errors.Is(err, ErrCorruptRecord):
		s.log.Warn("Discarding persisted storage record", zap.Error(err))
		s.reset()
		rec = nil
	case err != nil:
		return nil, err
	}

	if err := s.startup(rec); err != nil {
		s.closeFiles()
		return nil, err
	}

	s.log.Info("Storage opened",
		zap.String("root", root),
		zap.Bool("read_only", s.readOnly),
		zap.Int("modules", len(s.container.Modules())),
		zap.Int("runtime_version", s.runtimeVersion))
	return s, nil
}

// Close saves the record and closes open content. When another process
// holds the lock the final save is skipped.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if !s.readOnly {
		err = s.save()
		if errors.Is(err, ErrStorageLocked) {
			s.log.Warn("Skipping final save", zap.Error(err))
			err = nil
		}
	}
	s.closeFiles()
	return err
}

// Save writes the persistent record.
func (s *Storage) Save() error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	return s.save()
}

func (s *Storage) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Storage) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrStorageReadOnly
	}
	return nil
}

func (s *Storage) acquire() error {
	if err := s.locker.Lock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: %s", ErrStorageLocked, s.layout.Root)
		}
		return fmt.Errorf("acquire storage lock: %w", err)
	}
	return nil
}

func (s *Storage) release() {
	if err := s.locker.Unlock(); err != nil {
		s.log.Warn("Failed to release storage lock", zap.Error(err))
	}
}

// clean removes everything under the root except the manager directory.
func (s *Storage) clean() error {
	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return fmt.Errorf("clean storage root: %w", err)
	}
	for _, e := range entries {
		if e.Name() == paths.ManagerDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.layout.Root, e.Name())); err != nil {
			return fmt.Errorf("clean storage root: %w", err)
		}
	}
	s.log.Info("Cleaned storage root", zap.String("root", s.layout.Root))
	return nil
}

// reset drops all in-memory state after an unreadable record.
func (s *Storage) reset() {
	s.closeFiles()
	s.mu.Lock()
	s.infos = make(map[int64]*BundleInfo)
	s.mu.Unlock()
	s.container.Reset()
}

func (s *Storage) closeFiles() {
	for _, info := range s.bundleInfos() {
		for _, g := range info.Generations() {
			g.closeBundleFile(false)
		}
	}
}

// lookup returns the child path for p when it exists, else the matching
// parent path when that exists, else p.
func (s *Storage) lookup(p string) string {
	if _, err := os.Stat(p); err == nil || s.parent == nil {
		return p
	}
	rel, err := s.layout.Rel(p)
	if err != nil {
		return p
	}
	if pp := s.parent.Abs(rel); exists(pp) {
		return pp
	}
	return p
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (s *Storage) connectHeaders(location string) (manifest.Headers, error) {
	if s.connect == nil {
		return nil, fmt.Errorf("no connect provider for %q", location)
	}
	h, ok, err := s.connect.Connect(location)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("location %q is not provided", location)
	}
	if h == nil {
		h = make(manifest.Headers)
	}
	return h, nil
}

func (s *Storage) claims(location string) bool {
	if s.connect == nil {
		return false
	}
	_, ok, err := s.connect.Connect(location)
	return err == nil && ok
}

func (s *Storage) addInfo(b *BundleInfo) {
	s.mu.Lock()
	s.infos[b.id] = b
	s.mu.Unlock()
}

func (s *Storage) removeInfo(id int64) {
	s.mu.Lock()
	delete(s.infos, id)
	s.mu.Unlock()
}

// BundleInfo returns the record of module id.
func (s *Storage) BundleInfo(id int64) (*BundleInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.infos[id]
	return b, ok
}

func (s *Storage) bundleInfos() []*BundleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BundleInfo, 0, len(s.infos))
	for _, b := range s.infos {
		out = append(out, b)
	}
	return out
}

// CurrentGeneration returns the generation backing m's current revision.
func (s *Storage) CurrentGeneration(m *container.Module) (*Generation, error) {
	rev := m.CurrentRevision()
	if rev == nil {
		return nil, fmt.Errorf("module %d: %w", m.ID, ErrNoGeneration)
	}
	g, ok := rev.Info.(*Generation)
	if !ok || g.info.storage != s {
		return nil, fmt.Errorf("module %d: %w", m.ID, ErrNoGeneration)
	}
	return g, nil
}

// Container returns the module container.
func (s *Storage) Container() *container.Container { return s.container }

// Root returns the writable storage root.
func (s *Storage) Root() string { return s.layout.Root }

// ReadOnly reports whether the root is read-only.
func (s *Storage) ReadOnly() bool { return s.readOnly }

// RuntimeVersion returns the hosting runtime's major version.
func (s *Storage) RuntimeVersion() int { return s.runtimeVersion }

// System returns the resolved system capabilities.
func (s *Storage) System() vmcaps.Result { return s.system }

// Metrics returns the storage metrics.
func (s *Storage) Metrics() *monitoring.Metrics { return s.metrics }

func (s *Storage) runtimeVersionString() string {
	return strconv.Itoa(s.runtimeVersion)
}
