package storage

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/config"
	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
	"github.com/OpenLiberty/open-liberty-sub342/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// keep-alive connections of the shared fetch transport
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type env struct {
	dir  string
	root string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	return env{dir: dir, root: filepath.Join(dir, "storage")}
}

func (e env) config() *config.Config {
	cfg := config.Default()
	cfg.Storage.Root = e.root
	cfg.Storage.InstallRoot = e.dir
	return cfg
}

func (e env) open(t *testing.T, opts ...func(*Options)) *Storage {
	t.Helper()
	o := Options{Config: e.config()}
	for _, fn := range opts {
		fn(&o)
	}
	st, err := Open(o)
	require.NoError(t, err)
	return st
}

func withHooks(factories ...HookFactory) func(*Options) {
	return func(o *Options) { o.Hooks = factories }
}

func withConfig(fn func(*config.Config)) func(*Options) {
	return func(o *Options) { fn(o.Config) }
}

// memHook stores the symbolic name it was initialized with.
type memHook struct {
	data []byte
}

func (h *memHook) Initialize(headers manifest.Headers) error {
	h.data = []byte(headers.Value(manifest.BundleSymbolicName))
	return nil
}

func (h *memHook) Validate() error { return nil }

func (h *memHook) Save(w io.Writer) error {
	_, err := w.Write(h.data)
	return err
}

func (h *memHook) Load(r io.Reader) error {
	var err error
	h.data, err = io.ReadAll(r)
	return err
}

type mockHookFactory struct {
	mock.Mock
	key string
}

func newMockHookFactory(key string) *mockHookFactory {
	return &mockHookFactory{key: key}
}

func (f *mockHookFactory) Key() string  { return f.key }
func (f *mockHookFactory) Version() int { return 1 }

func (f *mockHookFactory) Create(g *Generation) (Hook, error) {
	args := f.Called(g)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return &memHook{}, nil
}

func install(t *testing.T, st *Storage, location string, b testutil.Bundle) *container.Module {
	t.Helper()
	m, err := st.Install(context.Background(), nil, location, bytes.NewReader(b.ZipBytes(t)))
	require.NoError(t, err)
	return m
}

func generation(t *testing.T, st *Storage, location string) *Generation {
	t.Helper()
	m, ok := st.Container().ModuleByLocation(location)
	require.True(t, ok, "no module at %s", location)
	g, err := st.CurrentGeneration(m)
	require.NoError(t, err)
	return g
}

func TestInstallSaveLoadRoundTrip(t *testing.T) {
	e := newEnv(t)
	factory := newMockHookFactory("mem")
	factory.On("Create", mock.Anything).Return(nil)

	st := e.open(t, withHooks(factory))
	bundles := map[string]testutil.Bundle{
		"app:plain": testutil.NewBundle("org.example.plain", "1.0.0"),
		"app:mr": testutil.NewBundle("org.example.mr", "2.1.0").
			With(manifest.MultiRelease, "true").
			With(manifest.FragmentHost, "org.example.plain"),
		"app:pkg": testutil.NewBundle("org.example.pkg", "3.0.0").
			With("Specification-Title", "Example"),
	}
	for loc, b := range bundles {
		install(t, st, loc, b)
	}
	dirBundle := testutil.NewBundle("org.example.dir", "1.0.0").WriteDir(t, filepath.Join(e.dir, "exploded"))
	_, err := st.Install(context.Background(), nil, "exploded", nil)
	require.NoError(t, err)

	type snapshot struct {
		content      string
		contentType  ContentType
		isDirectory  bool
		lastModified int64
		packageInfo  bool
		multiRelease bool
		cached       manifest.Headers
		hook         []byte
	}
	take := func(st *Storage) map[string]snapshot {
		out := make(map[string]snapshot)
		for _, m := range st.Container().Modules() {
			if m.ID == 0 {
				continue
			}
			g, err := st.CurrentGeneration(m)
			require.NoError(t, err)
			h, ok := g.Hook("mem")
			require.True(t, ok)
			out[m.Location] = snapshot{
				content:      g.Content(),
				contentType:  g.ContentType(),
				isDirectory:  g.IsDirectory(),
				lastModified: g.lastModified,
				packageInfo:  g.HasPackageInfo(),
				multiRelease: g.IsMultiRelease(),
				cached:       g.CachedHeaders(),
				hook:         h.(*memHook).data,
			}
		}
		return out
	}

	before := take(st)
	require.Len(t, before, 4)
	assert.True(t, before["app:mr"].multiRelease)
	assert.True(t, before["app:pkg"].packageInfo)
	assert.Equal(t, ContentReference, before["exploded"].contentType)
	assert.Equal(t, dirBundle, before["exploded"].content)
	require.NoError(t, st.Close())

	st = e.open(t, withHooks(factory))
	defer st.Close()
	assert.Equal(t, before, take(st))
}

func TestServiceARestart(t *testing.T) {
	e := newEnv(t)
	b := testutil.NewBundle("org.example.service.a", "1.0.0").With("Export-Package", "org.example.service.a")

	st := e.open(t)
	install(t, st, "app:service-a", b)
	want, err := generation(t, st, "app:service-a").Headers()
	require.NoError(t, err)
	require.NoError(t, st.Save())
	require.NoError(t, st.Close())

	st = e.open(t)
	defer st.Close()
	g := generation(t, st, "app:service-a")
	assert.Equal(t, ContentDefault, g.ContentType())
	got, err := g.Headers()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rel, err := filepath.Rel(e.root, g.Content())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("1", "0", "bundleFile"), rel)
	assert.FileExists(t, g.Content())
}

func TestInstallIdempotent(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()

	b := testutil.NewBundle("org.example.idem", "1.0.0")
	first := install(t, st, "app:idem", b)
	second := install(t, st, "app:idem", b.With(manifest.BundleVersion, "2.0.0"))
	assert.Same(t, first, second)

	g1, err := st.CurrentGeneration(first)
	require.NoError(t, err)
	g2, err := st.CurrentGeneration(second)
	require.NoError(t, err)
	assert.Same(t, g1, g2)

	assert.NoDirExists(t, st.layout.ModuleDir(first.ID+1))
	staged, _ := os.ReadDir(st.layout.StageDir())
	assert.Empty(t, staged)
}

func TestConcurrentInstallServiceB(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()

	data := testutil.NewBundle("org.example.service.b", "1.0.0").ZipBytes(t)
	const callers = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		modules = make([]*container.Module, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			modules[i], errs[i] = st.Install(context.Background(), nil, "app:service-b", bytes.NewReader(data))
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, modules[0], modules[i])
	}
	info, ok := st.BundleInfo(modules[0].ID)
	require.True(t, ok)
	assert.Len(t, info.Generations(), 1)

	var moduleDirs int
	entries, err := os.ReadDir(e.root)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != "0" && entry.Name()[0] >= '1' && entry.Name()[0] <= '9' {
			moduleDirs++
		}
	}
	assert.Equal(t, 1, moduleDirs)
}

func TestInstallRejectsInvalidContent(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()

	_, err := st.Install(context.Background(), nil, "app:text", bytes.NewReader([]byte("plain text, not an archive")))
	require.ErrorIs(t, err, ErrInvalidContent)

	_, ok := st.Container().ModuleByLocation("app:text")
	assert.False(t, ok)
	staged, _ := os.ReadDir(st.layout.StageDir())
	assert.Empty(t, staged)

	_, err = st.Install(context.Background(), nil, "missing.jar", nil)
	assert.ErrorIs(t, err, ErrRead)

	_, err = st.Install(context.Background(), nil, "", nil)
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestLocationLengthRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		location string
	}{
		{"short", "app:short"},
		{"at short string limit", "app:" + strings.Repeat("x", math.MaxUint16-4)},
		{"beyond short string limit", "app:" + strings.Repeat("x", math.MaxUint16+10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			st := e.open(t)
			m := install(t, st, tt.location, testutil.NewBundle("org.example.long", "1.0.0"))
			install(t, st, "app:neighbor", testutil.NewBundle("org.example.neighbor", "1.0.0"))
			require.NoError(t, st.Save())
			require.NoError(t, st.Close())

			st = e.open(t)
			defer st.Close()
			loaded, ok := st.Container().ModuleByLocation(tt.location)
			require.True(t, ok)
			assert.Equal(t, m.ID, loaded.ID)
			assert.FileExists(t, generation(t, st, tt.location).Content())
			_, ok = st.Container().ModuleByLocation("app:neighbor")
			assert.True(t, ok)
		})
	}
}

func TestInstallReference(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()

	jar := testutil.NewBundle("org.example.ref", "1.0.0").WriteZip(t, filepath.Join(e.dir, "lib", "ref.jar"))
	m, err := st.Install(context.Background(), nil, "reference:file:lib/ref.jar", nil)
	require.NoError(t, err)

	g, err := st.CurrentGeneration(m)
	require.NoError(t, err)
	assert.Equal(t, ContentReference, g.ContentType())
	assert.Equal(t, jar, g.Content())
	assert.Equal(t, "lib/ref.jar", st.relContent(g))
}

func TestUpdate(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()

	m := install(t, st, "app:upd", testutil.NewBundle("org.example.upd", "1.0.0"))
	old, err := st.CurrentGeneration(m)
	require.NoError(t, err)

	next := testutil.NewBundle("org.example.upd", "2.0.0")
	require.NoError(t, st.Update(context.Background(), m, bytes.NewReader(next.ZipBytes(t))))

	g, err := st.CurrentGeneration(m)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), g.ID())
	assert.Equal(t, "2.0.0", m.CurrentRevision().Descriptor.Version)
	assert.NoFileExists(t, old.Content())
	assert.FileExists(t, g.Content())
	assert.Empty(t, st.Container().RemovalPending(m.ID))
}

func TestUpdateFailureKeepsPrevious(t *testing.T) {
	e := newEnv(t)
	factory := newMockHookFactory("mem")
	factory.On("Create", mock.Anything).Return(nil).Once()
	factory.On("Create", mock.Anything).Return(assert.AnError).Once()

	st := e.open(t, withHooks(factory))
	defer st.Close()

	m := install(t, st, "app:fragile", testutil.NewBundle("org.example.fragile", "1.0.0"))
	old, err := st.CurrentGeneration(m)
	require.NoError(t, err)

	next := testutil.NewBundle("org.example.fragile", "2.0.0")
	err = st.Update(context.Background(), m, bytes.NewReader(next.ZipBytes(t)))
	require.ErrorIs(t, err, assert.AnError)

	cur, err := st.CurrentGeneration(m)
	require.NoError(t, err)
	assert.Same(t, old, cur)
	assert.FileExists(t, old.Content())
	headers, err := old.Headers()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", headers.Value(manifest.BundleVersion))

	info, _ := st.BundleInfo(m.ID)
	assert.Len(t, info.Generations(), 1)
	factory.AssertExpectations(t)
}

func TestUninstall(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)

	m := install(t, st, "app:gone", testutil.NewBundle("org.example.gone", "1.0.0"))
	dir := st.layout.ModuleDir(m.ID)
	assert.DirExists(t, dir)

	require.NoError(t, st.Uninstall(m))
	assert.NoDirExists(t, dir)
	_, ok := st.BundleInfo(m.ID)
	assert.False(t, ok)

	sys, ok := st.Container().Module(0)
	require.True(t, ok)
	assert.ErrorIs(t, st.Uninstall(sys), ErrSystemModule)
	require.NoError(t, st.Close())

	st = e.open(t)
	defer st.Close()
	_, ok = st.Container().ModuleByLocation("app:gone")
	assert.False(t, ok)
}

func TestClosedStorage(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err := st.Install(context.Background(), nil, "app:late", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, st.Save(), ErrClosed)
	assert.ErrorIs(t, st.Refresh(), ErrClosed)
}

func TestReadOnly(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	m := install(t, st, "app:ro", testutil.NewBundle("org.example.ro", "1.0.0"))
	require.NoError(t, st.Close())

	ro := e.open(t, withConfig(func(c *config.Config) { c.Storage.ReadOnly = true }))
	defer ro.Close()
	assert.True(t, ro.ReadOnly())

	loaded, ok := ro.Container().ModuleByLocation("app:ro")
	require.True(t, ok)
	assert.Equal(t, m.ID, loaded.ID)

	_, err := ro.Install(context.Background(), nil, "app:other", nil)
	assert.ErrorIs(t, err, ErrStorageReadOnly)
	assert.ErrorIs(t, ro.Update(context.Background(), loaded, nil), ErrStorageReadOnly)
	assert.ErrorIs(t, ro.Uninstall(loaded), ErrStorageReadOnly)
	assert.ErrorIs(t, ro.Save(), ErrStorageReadOnly)
	_, err = ro.Compact()
	assert.ErrorIs(t, err, ErrStorageReadOnly)
}

func TestStaleContentDiscarded(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	dir := testutil.NewBundle("org.example.stale", "1.0.0").WriteDir(t, filepath.Join(e.dir, "stale"))
	_, err := st.Install(context.Background(), nil, "stale", nil)
	require.NoError(t, err)
	install(t, st, "app:kept", testutil.NewBundle("org.example.kept", "1.0.0"))
	require.NoError(t, st.Close())

	require.NoError(t, os.RemoveAll(dir))

	st = e.open(t)
	defer st.Close()
	_, ok := st.Container().ModuleByLocation("stale")
	assert.False(t, ok)
	_, ok = st.Container().ModuleByLocation("app:kept")
	assert.True(t, ok)
	assert.Equal(t, int64(1), st.Metrics().Snapshot().StaleDiscarded)
}

func TestInstallRemote(t *testing.T) {
	e := newEnv(t)
	data := testutil.NewBundle("org.example.remote", "1.0.0").ZipBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/remote.jar" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	st := e.open(t, withConfig(func(c *config.Config) { c.Storage.FetchRate = 100 }))
	defer st.Close()

	m, err := st.Install(context.Background(), nil, srv.URL+"/remote.jar", nil)
	require.NoError(t, err)
	g, err := st.CurrentGeneration(m)
	require.NoError(t, err)
	assert.Equal(t, ContentDefault, g.ContentType())
	assert.Equal(t, "org.example.remote", m.CurrentRevision().Descriptor.SymbolicName)

	_, err = st.Install(context.Background(), nil, srv.URL+"/missing.jar", nil)
	assert.ErrorIs(t, err, ErrRead)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.Install(ctx, nil, srv.URL+"/other.jar", nil)
	assert.ErrorIs(t, err, ErrRead)
}
