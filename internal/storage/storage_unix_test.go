//go:build unix

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenLiberty/open-liberty-sub342/internal/infrastructure/config"
	"github.com/OpenLiberty/open-liberty-sub342/internal/shared/paths"
	"github.com/OpenLiberty/open-liberty-sub342/internal/storage/lock"
	"github.com/OpenLiberty/open-liberty-sub342/internal/testutil"
)

func TestOpenFailsWhenLocked(t *testing.T) {
	e := newEnv(t)
	other, err := lock.New(lock.StrategyFlock, paths.New(e.root).LockFile())
	require.NoError(t, err)
	require.NoError(t, other.Lock())
	defer other.Unlock()

	_, err = Open(Options{Config: e.config()})
	assert.ErrorIs(t, err, ErrStorageLocked)
}

func TestCloseSkipsSaveWhenLocked(t *testing.T) {
	e := newEnv(t)
	st := e.open(t)
	install(t, st, "app:unsaved", testutil.NewBundle("org.example.unsaved", "1.0.0"))

	other, err := lock.New(lock.StrategyFlock, st.layout.LockFile())
	require.NoError(t, err)
	require.NoError(t, other.Lock())

	assert.ErrorIs(t, st.Save(), ErrStorageLocked)
	require.NoError(t, st.Close())
	require.NoError(t, other.Unlock())

	st = e.open(t)
	defer st.Close()
	_, ok := st.Container().ModuleByLocation("app:unsaved")
	assert.False(t, ok)
}

func TestLockingNone(t *testing.T) {
	e := newEnv(t)
	other, err := lock.New(lock.StrategyFlock, paths.New(e.root).LockFile())
	require.NoError(t, err)
	require.NoError(t, other.Lock())
	defer other.Unlock()

	st := e.open(t, withConfig(func(c *config.Config) { c.Storage.Locking = config.LockingNone }))
	assert.NoError(t, st.Close())
}
