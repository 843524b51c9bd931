package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/config"
	"github.com/b0cal/miel/internal/model"
)

func TestServiceByNameFindsMatch(t *testing.T) {
	services := []model.ServiceConfig{
		{Name: "ssh", Port: 2222},
		{Name: "http", Port: 8081},
	}

	svc, ok := serviceByName(services, "http")
	require.True(t, ok)
	require.Equal(t, 8081, svc.Port)

	_, ok = serviceByName(services, "ftp")
	require.False(t, ok)
}

func TestOpenStoreFilesystemBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.Backend = config.BackendFilesystem
	cfg.Persistence.FilesystemRoot = t.TempDir()

	store, err := openStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.Backend = "carrier-pigeon"

	_, err := openStore(cfg)
	require.Error(t, err)
}
