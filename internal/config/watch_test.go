package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/model"
)

func TestWatcherReportsOnlyNewServices(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	added := make(chan []model.ServiceConfig, 4)
	w, err := NewWatcher(path, cfg, func(svcs []model.ServiceConfig) {
		added <- svcs
	})
	require.NoError(t, err)
	defer w.Close()

	extended := minimalYAML + `
  - name: ssh
    port: 2222
    header_patterns: ["SSH-"]
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(extended), 0o644))

	select {
	case svcs := <-added:
		require.Len(t, svcs, 1)
		require.Equal(t, "ssh", svcs[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the new service")
	}
}

func TestWatcherIgnoresMalformedRewrite(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	added := make(chan []model.ServiceConfig, 4)
	w, err := NewWatcher(path, cfg, func(svcs []model.ServiceConfig) {
		added <- svcs
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: at: all:"), 0o644))

	select {
	case svcs := <-added:
		t.Fatalf("unexpected callback on malformed config: %v", svcs)
	case <-time.After(300 * time.Millisecond):
	}
}
