package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenLiberty/open-liberty-sub342/internal/manifest"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/paths"
	"github.com/OpenLiberty/open-liberty-sub342/internal/testutil"
)

func TestCompact(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()
	m := install(t, st, "app:live", testutil.NewBundle("org.example.live", "1.0.0"))

	marked := filepath.Join(e.root, "retired")
	orphanModule := st.layout.ModuleDir(42)
	orphanGen := st.layout.Generation(m.ID, 7).Dir
	orphanLib := st.layout.LibTemp(43, 0)
	for _, dir := range []string{marked, orphanModule, orphanGen, orphanLib, st.layout.StageDir()} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(marked, paths.DeleteMarker), nil, 0o644))
	// not a staging id, so its age is unknown
	require.NoError(t, os.WriteFile(filepath.Join(st.layout.StageDir(), "leftover"), nil, 0o644))
	// a marker in a live directory only drops the marker
	liveDir := st.layout.ModuleDir(m.ID)
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, paths.DeleteMarker), nil, 0o644))

	stats, err := st.Compact()
	require.NoError(t, err)
	assert.Equal(t, CompactStats{MarkedDirs: 1, OrphanDirs: 3, StagedFiles: 1}, stats)

	for _, dir := range []string{marked, orphanModule, orphanGen, orphanLib} {
		assert.NoDirExists(t, dir)
	}
	assert.DirExists(t, liveDir)
	assert.NoFileExists(t, filepath.Join(liveDir, paths.DeleteMarker))
	g := generation(t, st, "app:live")
	assert.FileExists(t, g.Content())
}

func TestCompactKeepsFreshStageFiles(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()

	f, err := st.createStageFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := st.Compact()
	require.NoError(t, err)
	assert.Zero(t, stats.StagedFiles)
	assert.FileExists(t, f.Name())
}

func TestStartupRemovesStageFiles(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	f, err := st.createStageFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.Close())

	st = e.open(t)
	defer st.Close()
	assert.NoFileExists(t, f.Name())
}

func TestDeferredDeleteMarker(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()

	dir := filepath.Join(e.root, "busy")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	st.markForDelete(dir, assert.AnError)
	assert.FileExists(t, filepath.Join(dir, paths.DeleteMarker))
	assert.Equal(t, int64(1), st.Metrics().Snapshot().DeferredDeletes)

	stats, err := st.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MarkedDirs)
	assert.NoDirExists(t, dir)
}

func TestOpenFileLimit(t *testing.T) {
	e := newEnv(t)
	cfg := e.config()
	cfg.Storage.OpenFileLimit = 2
	st, err := Open(Options{Config: cfg})
	require.NoError(t, err)
	defer st.Close()

	var gens []*Generation
	for _, bsn := range []string{"org.example.one", "org.example.two", "org.example.three"} {
		install(t, st, "app:"+bsn, testutil.NewBundle(bsn, "1.0.0"))
		gens = append(gens, generation(t, st, "app:"+bsn))
	}
	for _, g := range gens {
		_, err := g.ExtractEntry("org/example/Main.class")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, st.mru.Len())
	assert.LessOrEqual(t, st.Metrics().Snapshot().OpenFiles, int64(2))
}

func TestCompactIgnoresNonCanonicalIDs(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	defer st.Close()
	m := install(t, st, "app:canon", testutil.NewBundle("org.example.canon", "1.0.0"))

	live := st.layout.ModuleDir(m.ID)
	dirs := []string{
		filepath.Join(e.root, "007"),
		filepath.Join(e.root, "+7"),
		filepath.Join(live, "00"),
		filepath.Join(e.root, paths.LibTempDir, "007"),
	}
	for _, dir := range dirs {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	stats, err := st.Compact()
	require.NoError(t, err)
	assert.Zero(t, stats.OrphanDirs)
	for _, dir := range dirs {
		assert.DirExists(t, dir)
	}
	assert.FileExists(t, generation(t, st, "app:canon").Content())
}

func TestCompactDuringInstallAndUpdate(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)

	const n = 16
	first := make([][]byte, n)
	second := make([][]byte, n)
	for i := 0; i < n; i++ {
		bsn := fmt.Sprintf("org.example.busy%d", i)
		first[i] = testutil.NewBundle(bsn, "1.0.0").ZipBytes(t)
		second[i] = testutil.NewBundle(bsn, "2.0.0").ZipBytes(t)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := st.Compact()
			assert.NoError(t, err)
		}
	}()

	var installs sync.WaitGroup
	for i := 0; i < n; i++ {
		installs.Add(1)
		go func(i int) {
			defer installs.Done()
			loc := fmt.Sprintf("app:busy-%d", i)
			m, err := st.Install(context.Background(), nil, loc, bytes.NewReader(first[i]))
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, st.Update(context.Background(), m, bytes.NewReader(second[i])))
		}(i)
	}
	installs.Wait()
	close(stop)
	wg.Wait()

	for i := 0; i < n; i++ {
		g := generation(t, st, fmt.Sprintf("app:busy-%d", i))
		assert.FileExists(t, g.Content())
		headers, err := g.Headers()
		require.NoError(t, err)
		assert.Equal(t, "2.0.0", headers.Value(manifest.BundleVersion))
	}
	require.NoError(t, st.Close())

	st = e.open(t)
	defer st.Close()
	assert.Equal(t, n, nonSystem(st))
}
