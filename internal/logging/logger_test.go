package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "default", cfg: DefaultConfig()},
		{name: "development", cfg: DevelopmentConfig()},
		{name: "no outputs", cfg: Config{Level: "warn"}},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: "log level"},
		{name: "stdout", cfg: Config{Level: "info", OutputPaths: []string{"stdout"}}, wantErr: "reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l.Logger)
		})
	}
}

func TestPreset(t *testing.T) {
	tests := []struct {
		name        string
		development bool
		level       string
		outputs     []string
		want        Config
	}{
		{
			name: "production preset",
			want: DefaultConfig(),
		},
		{
			name:        "development preset",
			development: true,
			want:        DevelopmentConfig(),
		},
		{
			name:        "level overrides preset",
			development: true,
			level:       "warn",
			want:        Config{Level: "warn", Development: true, OutputPaths: []string{"stderr"}},
		},
		{
			name:    "outputs override preset",
			outputs: []string{"/var/log/storaged.log"},
			want:    Config{Level: "info", OutputPaths: []string{"/var/log/storaged.log"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preset(tt.development, tt.level, tt.outputs))
		})
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.log")
	l, err := New(Preset(false, "info", []string{path}))
	require.NoError(t, err)

	l.Module(3, "app:b").Info("Installed module")
	l.Debug("dropped below level")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Installed module", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, float64(3), entry["module_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestModuleFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Wrap(zap.New(core)).Named("storage").Module(7, "app:a")

	l.Info("installed")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "storage", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(7), fields["module_id"])
	assert.Equal(t, "app:a", fields["location"])
}

func TestWrapNil(t *testing.T) {
	l := Wrap(nil)
	require.NotNil(t, l)
	l.Info("discarded")
}
