package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"marinvpn/pkg/proto"
	"marinvpn/pkg/vpnerr"
)

// ProcessRelay runs an external obfuscation binary (wstunnel or ss-local)
// listening on a fixed local UDP port.
type ProcessRelay struct {
	name string
	bin  string
	port int
	args func(remote, key string) ([]string, error)

	lookPath func(string) (string, error)
	settle   time.Duration

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewWebSocketRelay tunnels UDP over a TLS websocket to port 443.
func NewWebSocketRelay() *ProcessRelay {
	return newProcessRelay("websocket", "wstunnel", WebSocketPort, func(remote, _ string) ([]string, error) {
		host, _ := proto.SplitHostPort(remote)
		return []string{
			"client",
			"-L", "udp://" + localAddr(WebSocketPort) + ":" + remote + "?timeout_sec=60",
			"wss://" + RewritePort(host, TLSPort),
		}, nil
	})
}

// NewTCPRelay tunnels UDP over a plain TCP stream to port 443.
func NewTCPRelay() *ProcessRelay {
	return newProcessRelay("tcp", "wstunnel", TCPPort, func(remote, _ string) ([]string, error) {
		host, _ := proto.SplitHostPort(remote)
		return []string{
			"client",
			"-L", "udp://" + localAddr(TCPPort) + ":" + remote,
			"tcp://" + RewritePort(host, TLSPort),
		}, nil
	})
}

// NewShadowsocksRelay starts ss-local in UDP relay mode. The obfuscation
// key is the shadowsocks password and must be present.
func NewShadowsocksRelay() *ProcessRelay {
	return newProcessRelay("shadowsocks", "ss-local", ShadowsocksPort, func(remote, key string) ([]string, error) {
		if key == "" {
			return nil, vpnerr.NewConnectionFailed("shadowsocks requires an obfuscation key")
		}
		host, port := proto.SplitHostPort(remote)
		if port == 0 {
			port = DefaultShadowsocksPort
		}
		return []string{
			"-s", host,
			"-p", strconv.Itoa(port),
			"-l", strconv.Itoa(ShadowsocksPort),
			"-k", key,
			"-m", "aes-256-gcm",
			"-U",
		}, nil
	})
}

func newProcessRelay(name, bin string, port int, args func(string, string) ([]string, error)) *ProcessRelay {
	return &ProcessRelay{
		name:     name,
		bin:      bin,
		port:     port,
		args:     args,
		lookPath: exec.LookPath,
		settle:   500 * time.Millisecond,
	}
}

func (p *ProcessRelay) Name() string { return p.name }

func (p *ProcessRelay) Start(ctx context.Context, remote string, key string) (string, error) {
	_ = p.Stop()

	path, err := p.lookPath(p.bin)
	if err != nil {
		return "", fmt.Errorf("%w: %s binary not found", vpnerr.ErrDriverMissing, p.bin)
	}
	args, err := p.args(remote, key)
	if err != nil {
		return "", err
	}
	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return "", vpnerr.NewConnectionFailed(fmt.Sprintf("start %s: %v", p.bin, err))
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return "", vpnerr.NewConnectionFailed(fmt.Sprintf("%s exited: %v", p.bin, err))
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return "", ctx.Err()
	case <-time.After(p.settle):
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
	go func() {
		err := <-exited
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
			log.Warningf("%s relay exited: %v", p.name, err)
		}
		p.mu.Unlock()
	}()

	addr := localAddr(p.port)
	log.Infof("%s relay active local=%s", p.name, addr)
	return addr, nil
}

func (p *ProcessRelay) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop %s: %w", p.name, err)
	}
	return nil
}
