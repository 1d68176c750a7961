package app

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"marinvpn/internal/config"
	"marinvpn/pkg/provision"
	"marinvpn/pkg/tunnel"
	"marinvpn/pkg/wg"
)

const defaultRetryInterval = 10 * time.Second

// Client runs the tunnel orchestrator for one configured location and
// reconnects on its own schedule while the tunnel is down.
type Client struct {
	cfg           *config.Client
	backend       wg.Backend
	prov          tunnel.Provisioner
	reachable     func(ctx context.Context) error
	retryInterval time.Duration
}

func NewClient(cfg *config.Client) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing client config")
	}
	c := &Client{
		cfg:           cfg,
		prov:          provision.NewClient(cfg.ProvisionURL, cfg.SessionToken),
		retryInterval: defaultRetryInterval,
	}
	switch cfg.Backend {
	case config.BackendSimulation:
		c.backend = wg.NewSimulationBackend()
	case config.BackendCommand, "":
		c.backend = wg.NewCommandBackend()
	default:
		return nil, fmt.Errorf("unknown client backend %q", cfg.Backend)
	}
	return c, nil
}

func (c *Client) Run(ctx context.Context) error {
	s := c.cfg.Settings
	log.Infof("client role enabled: provision=%s backend=%s entry=%s exit=%s multihop=%t stealth=%s pqc=%t lockdown=%t daita=%t",
		c.cfg.ProvisionURL, c.cfg.Backend, s.EntryLocation, s.ExitLocation, s.MultiHop, s.StealthMode, s.QuantumResistant, s.LockdownMode, s.DAITAEnabled)
	if c.cfg.Backend == config.BackendCommand {
		if err := wg.PreflightClient(ctx); err != nil {
			return fmt.Errorf("client preflight failed: %w", err)
		}
	}

	orch, err := tunnel.New(tunnel.Options{
		Backend:      c.backend,
		Provisioner:  c.prov,
		Reachable:    c.reachable,
		ControlPlane: controlPlane(c.cfg.ProvisionURL),
	})
	if err != nil {
		return err
	}
	sub := orch.Subscribe()
	go logEvents(sub)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
		sub.Close()
	}()

	if s.LockdownMode {
		if err := orch.ApplyLockdown(ctx, s); err != nil {
			log.Errorf("client lockdown failed: %v", err)
		}
	}

	req := tunnel.ConnectRequest{Settings: s}
	connect := func() {
		if orch.Status() != tunnel.Disconnected {
			return
		}
		if err := orch.Connect(ctx, req); err != nil {
			log.Warningf("client connect failed: %v", err)
		}
	}
	connect()

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			connect()
		}
	}
}

// controlPlane returns the provisioning server as host:port.
func controlPlane(provisionURL string) []string {
	u, err := url.Parse(provisionURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return []string{net.JoinHostPort(u.Hostname(), port)}
}

func logEvents(sub *tunnel.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case tunnel.StatusChanged:
			log.Infof("client status=%s", ev.Status)
		case tunnel.LocationChanged:
			log.Infof("client location=%s", ev.Location)
		case tunnel.Error:
			log.Errorf("client error: %v", ev.Err)
		case tunnel.CaptivePortalActive:
			log.Infof("client captive portal active=%t", ev.Active)
		case tunnel.PQCFallback:
			log.Warningf("client pqc fallback location=%s", ev.Location)
		case tunnel.StatsUpdated:
			log.Debugf("client stats rx=%d tx=%d down=%.1fKiB/s up=%.1fKiB/s handshake=%d",
				ev.Stats.TotalDownload, ev.Stats.TotalUpload, ev.Stats.DownloadSpeed, ev.Stats.UploadSpeed, ev.Stats.LatestHandshake)
		}
	}
}
