package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"marinvpn/pkg/tunnel"
)

const sampleConfig = `
[Logging]
Level = "DEBUG"

[Provision]
Addr = "0.0.0.0:9000"
SessionTokens = ["alpha", "beta"]

[[Provision.Servers]]
country = "Sweden"
city = "Stockholm"
endpoint = "se1.example.net:51820"
public_key = "c2VydmVyLXB1YmxpYy1rZXktMDAwMDAwMDAwMDAwMDA="
current_load = 20
avg_latency = 30
active = true

[Client]
Backend = "simulation"

[Client.Settings]
stealth_mode = "Lwo"
multi_hop = true
`

func TestLoadDecodesSections(t *testing.T) {
	cfg, err := Load([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "0.0.0.0:9000", cfg.Provision.Addr)
	require.Equal(t, []string{"alpha", "beta"}, cfg.Provision.SessionTokens)
	require.Len(t, cfg.Provision.Servers, 1)
	require.True(t, cfg.Provision.Servers[0].Active)
	require.Equal(t, defaultWGInterface, cfg.Provision.WGInterface)
	require.Equal(t, BackendSimulation, cfg.Client.Backend)
	require.Equal(t, tunnel.StealthLWO, cfg.Client.Settings.StealthMode)
	require.True(t, cfg.Client.Settings.MultiHop)
	require.Equal(t, tunnel.DefaultMTU, cfg.Client.Settings.MTU)
	require.Equal(t, "Automatic", cfg.Client.Settings.EntryLocation)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte("[Provision]\nBogus = 1\n"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load([]byte("[Client]\nBackend = \"kernel-module\"\n"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PROVISION_ADDR", "127.0.0.1:7000")
	t.Setenv("SESSION_TOKENS", "one, two,,three")
	t.Setenv("CLIENT_LOCATION", "Germany, Berlin")

	cfg, err := Load([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.Provision.Addr)
	require.Equal(t, []string{"one", "two", "three"}, cfg.Provision.SessionTokens)
	require.Equal(t, "Germany, Berlin", cfg.Client.Settings.EntryLocation)
	require.Equal(t, "Germany, Berlin", cfg.Client.Settings.ExitLocation)
}

func TestLoadFileEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, defaultKeyBits, cfg.Provision.KeyBits)
	require.Equal(t, BackendCommand, cfg.Client.Backend)
}

func TestLoadFileReadsDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "Stockholm", cfg.Provision.Servers[0].City)
}

func TestWeakKeyRejected(t *testing.T) {
	_, err := Load([]byte("[Provision]\nKeyBits = 1024\n"))
	require.Error(t, err)
}
