package wg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"marinvpn/internal/logging"
)

var log = logging.GetLogger("wg")

type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (r execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %w (%s)", name, args, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %v failed: %w", name, args, err)
	}
	return out, nil
}

// Peer is one client registered on the server interface.
type Peer struct {
	PublicKey    string
	AllowedIP    string
	PresharedKey string
}

// PeerManager registers client peers on the server WireGuard interface.
type PeerManager interface {
	RegisterPeer(ctx context.Context, peer Peer) error
	RemovePeer(ctx context.Context, pubkey string) error
}

type CommandPeerManager struct {
	iface   string
	runner  Runner
	tempDir string
}

func NewCommandPeerManager(iface string) *CommandPeerManager {
	return &CommandPeerManager{iface: iface, runner: execRunner{}}
}

// NewPeerManager returns a command manager for iface, or a mock manager
// when the wg tool is not installed.
func NewPeerManager(ctx context.Context, iface string) PeerManager {
	if err := PreflightServer(ctx); err != nil {
		log.Warningf("%v; peer manager running in mock mode", err)
		return NewMockPeerManager(iface)
	}
	return NewCommandPeerManager(iface)
}

func (m *CommandPeerManager) RegisterPeer(ctx context.Context, peer Peer) error {
	if m.iface == "" {
		return fmt.Errorf("missing interface")
	}
	if !IsValidPublicKey(peer.PublicKey) {
		return ErrInvalidKey
	}
	ip, _, _ := strings.Cut(peer.AllowedIP, "/")
	if ip == "" {
		return fmt.Errorf("missing allowed ip")
	}
	args := []string{"set", m.iface, "peer", peer.PublicKey, "allowed-ips", ip + "/32"}
	if peer.PresharedKey != "" {
		path, cleanup, err := writeSecretFile(m.tempDir, "marinvpn-psk-*", peer.PresharedKey+"\n")
		if err != nil {
			return err
		}
		defer cleanup()
		args = append(args, "preshared-key", path)
	}
	log.Infof("registering peer key=%s iface=%s", logging.MaskKey(peer.PublicKey), m.iface)
	return m.runner.Run(ctx, "wg", args...)
}

func (m *CommandPeerManager) RemovePeer(ctx context.Context, pubkey string) error {
	if m.iface == "" || pubkey == "" {
		return nil
	}
	log.Infof("removing peer key=%s iface=%s", logging.MaskKey(pubkey), m.iface)
	return m.runner.Run(ctx, "wg", "set", m.iface, "peer", pubkey, "remove")
}

type MockPeerManager struct {
	iface string
}

func NewMockPeerManager(iface string) *MockPeerManager {
	return &MockPeerManager{iface: iface}
}

func (m *MockPeerManager) RegisterPeer(_ context.Context, peer Peer) error {
	log.Infof("[mock] registering peer key=%s iface=%s", logging.MaskKey(peer.PublicKey), m.iface)
	return nil
}

func (m *MockPeerManager) RemovePeer(_ context.Context, pubkey string) error {
	log.Infof("[mock] removing peer key=%s iface=%s", logging.MaskKey(pubkey), m.iface)
	return nil
}

func writeSecretFile(dir, pattern, content string) (string, func(), error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create secret file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("chmod secret file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write secret file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close secret file: %w", err)
	}
	return path, cleanup, nil
}
