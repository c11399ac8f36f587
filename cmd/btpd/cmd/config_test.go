package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig.ListenAddr, cfg.ListenAddr)
	require.Equal(t, DefaultConfig.MaxPeers, cfg.MaxPeers)
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig.BlockSize, cfg.BlockSize)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dir: /var/lib/btpd
listen_addr: ":7000"
tracker_url: "http://tracker.example.com/announce"
max_peers: 10
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/btpd", cfg.Dir)
	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, "http://tracker.example.com/announce", cfg.TrackerURL)
	require.Equal(t, 10, cfg.MaxPeers)
}

func TestLoadConfigRejectsMissingRequiredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7000"
`), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
