package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marinvpn/internal/config"
	"marinvpn/pkg/crypto"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/wg"
	"marinvpn/services/directory"
	"marinvpn/services/issuer"
)

func TestRunRequiresRole(t *testing.T) {
	err := Run(context.Background(), Config{})
	require.EqualError(t, err, "no services enabled")
}

func TestRunWithProvisionRoleStops(t *testing.T) {
	cfg := config.Default()
	cfg.Provision.Addr = "127.0.0.1:0"
	cfg.Provision.KeyBits = 2048
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunWith(ctx, Roles{Provision: true}, cfg) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("provision role did not stop")
	}
}

func TestNewClientBackend(t *testing.T) {
	cfg := config.Default().Client
	cfg.Backend = config.BackendSimulation
	c, err := NewClient(cfg)
	require.NoError(t, err)
	require.IsType(t, &wg.SimulationBackend{}, c.backend)

	cfg.Backend = "kernel"
	_, err = NewClient(cfg)
	require.Error(t, err)
}

func TestClientRoleConnectsThroughProvisioning(t *testing.T) {
	signer, err := crypto.NewBlindSigner(crypto.BlindKeyBits)
	require.NoError(t, err)
	cat := directory.NewMemoryCatalog()
	require.NoError(t, directory.Seed(context.Background(), cat, []proto.VpnServer{{
		Country:     "Sweden",
		City:        "Stockholm",
		Endpoint:    "127.0.0.1:51820",
		PublicKey:   "c2VydmVyLWtleS1wbGFjZWhvbGRlci0wMDAwMDAwMDA=",
		CurrentLoad: 10,
		AvgLatency:  10,
		Active:      true,
	}}))
	svc, err := issuer.New(issuer.Options{
		Signer:   signer,
		Catalog:  cat,
		Sessions: issuer.NewStaticSessions([]string{"acct-1:secret"}),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	cfg := config.Default().Client
	cfg.ProvisionURL = srv.URL
	cfg.SessionToken = "acct-1:secret"
	cfg.Backend = config.BackendSimulation
	cfg.Settings.EntryLocation = "Sweden, Stockholm"
	c, err := NewClient(cfg)
	require.NoError(t, err)
	c.reachable = func(context.Context) error { return nil }
	sim := c.backend.(*wg.SimulationBackend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := sim.Interfaces()[wg.EntryInterface]
		return ok
	}, 10*time.Second, 10*time.Millisecond)
	conf := sim.Interfaces()[wg.EntryInterface]
	require.Contains(t, conf, "Endpoint = 127.0.0.1:51820")
	require.Contains(t, conf, "Address = 10.0.0.3/32")
	require.True(t, strings.Contains(sim.KillSwitch(), "127.0.0.1"))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("client role did not stop")
	}
	require.Empty(t, sim.Interfaces())
	require.Empty(t, sim.KillSwitch())
}

func TestControlPlane(t *testing.T) {
	require.Equal(t, []string{"vpn.example.net:443"}, controlPlane("https://vpn.example.net/"))
	require.Equal(t, []string{"127.0.0.1:8080"}, controlPlane("http://127.0.0.1:8080"))
	require.Equal(t, []string{"[2001:db8::1]:80"}, controlPlane("http://[2001:db8::1]/api"))
	require.Nil(t, controlPlane(""))
}
