package wg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"marinvpn/pkg/vpnerr"
)

const (
	BypassMark      = "0x1000"
	bypassCgroupDir = "marinvpn_bypass"
)

// Backend applies tunnel state to the host. Every method is called from a
// single goroutine.
type Backend interface {
	BringUp(ctx context.Context, iface string, conf string) error
	TearDown(ctx context.Context, iface string) error
	ApplyKillSwitch(ctx context.Context, ruleset string) error
	RemoveKillSwitch(ctx context.Context) error
	ApplyDNS(ctx context.Context, iface string, servers []string) error
	RestoreDNS(ctx context.Context) error
	AddBypassRoute(ctx context.Context, ip string) error
	ClearBypassRoutes(ctx context.Context) error
	BypassApp(ctx context.Context, path string) error
	Stats(ctx context.Context, iface string) (Stats, error)
}

// CommandBackend drives wg-quick, ip, nft and resolvectl.
type CommandBackend struct {
	runner     Runner
	confDir    string
	resolvConf string
	cgroupRoot string
	procRoot   string

	mu              sync.Mutex
	systemdDNS      string
	originalResolv  []byte
	bypassRoutes    []string
	bypassRuleAdded bool
}

func NewCommandBackend() *CommandBackend {
	return &CommandBackend{
		runner:     execRunner{},
		confDir:    os.TempDir(),
		resolvConf: "/etc/resolv.conf",
		cgroupRoot: "/sys/fs/cgroup/net_cls",
		procRoot:   "/proc",
	}
}

func (b *CommandBackend) confPath(iface string) string {
	return filepath.Join(b.confDir, "marinvpn_"+iface+".conf")
}

func (b *CommandBackend) BringUp(ctx context.Context, iface string, conf string) error {
	path := b.confPath(iface)
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		return fmt.Errorf("write %s: %v: %w", path, err, vpnerr.ErrInterface)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %v: %w", path, err, vpnerr.ErrInterface)
	}
	if err := b.runner.Run(ctx, "wg-quick", "up", path); err != nil {
		return vpnerr.NewConnectionFailed(err.Error())
	}
	return nil
}

func (b *CommandBackend) TearDown(ctx context.Context, iface string) error {
	path := b.confPath(iface)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	err := b.runner.Run(ctx, "wg-quick", "down", path)
	_ = os.Remove(path)
	if err != nil {
		log.Debugf("teardown iface=%s: %v", iface, err)
	}
	return nil
}

// ApplyKillSwitch loads ruleset with one `nft -f`, which nft applies as a
// single transaction.
func (b *CommandBackend) ApplyKillSwitch(ctx context.Context, ruleset string) error {
	path, cleanup, err := writeSecretFile(b.confDir, "marinvpn-nft-*", ruleset)
	if err != nil {
		return fmt.Errorf("%v: %w", err, vpnerr.ErrFirewall)
	}
	defer cleanup()
	if err := b.runner.Run(ctx, "nft", "-f", path); err != nil {
		return fmt.Errorf("%v: %w", err, vpnerr.ErrFirewall)
	}
	return nil
}

func (b *CommandBackend) RemoveKillSwitch(ctx context.Context) error {
	if err := b.runner.Run(ctx, "nft", "list", "table", "inet", KillSwitchTable); err != nil {
		return nil
	}
	if err := b.runner.Run(ctx, "nft", "delete", "table", "inet", KillSwitchTable); err != nil {
		return fmt.Errorf("%v: %w", err, vpnerr.ErrFirewall)
	}
	return nil
}

// ApplyDNS prefers systemd-resolved and falls back to rewriting
// resolv.conf, keeping the original for RestoreDNS.
func (b *CommandBackend) ApplyDNS(ctx context.Context, iface string, servers []string) error {
	if len(servers) == 0 {
		return nil
	}
	args := append([]string{"dns", iface}, servers...)
	err := b.runner.Run(ctx, "resolvectl", args...)
	if err == nil {
		if err := b.runner.Run(ctx, "resolvectl", "domain", iface, "~."); err != nil {
			log.Warningf("resolvectl domain iface=%s: %v", iface, err)
		}
		b.mu.Lock()
		b.systemdDNS = iface
		b.mu.Unlock()
		return nil
	}
	log.Debugf("resolvectl unavailable, rewriting %s: %v", b.resolvConf, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.originalResolv == nil {
		orig, err := os.ReadFile(b.resolvConf)
		if err != nil {
			return fmt.Errorf("read %s: %w", b.resolvConf, err)
		}
		b.originalResolv = orig
	}
	var buf bytes.Buffer
	buf.WriteString("# Generated by MarinVPN\n")
	for _, s := range servers {
		fmt.Fprintf(&buf, "nameserver %s\n", s)
	}
	if err := os.WriteFile(b.resolvConf, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", b.resolvConf, err)
	}
	return nil
}

func (b *CommandBackend) RestoreDNS(ctx context.Context) error {
	b.mu.Lock()
	iface := b.systemdDNS
	orig := b.originalResolv
	b.systemdDNS = ""
	b.originalResolv = nil
	b.mu.Unlock()

	if iface != "" {
		if err := b.runner.Run(ctx, "resolvectl", "revert", iface); err != nil {
			log.Debugf("resolvectl revert iface=%s: %v", iface, err)
		}
	}
	if orig != nil {
		if err := os.WriteFile(b.resolvConf, orig, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", b.resolvConf, err)
		}
	}
	return nil
}

func (b *CommandBackend) AddBypassRoute(ctx context.Context, ip string) error {
	dev, err := b.defaultInterface(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	for _, r := range b.bypassRoutes {
		if r == ip {
			b.mu.Unlock()
			return nil
		}
	}
	b.bypassRoutes = append(b.bypassRoutes, ip)
	b.mu.Unlock()
	return b.runner.Run(ctx, "ip", "route", "add", ip, "dev", dev)
}

func (b *CommandBackend) ClearBypassRoutes(ctx context.Context) error {
	b.mu.Lock()
	routes := b.bypassRoutes
	ruleAdded := b.bypassRuleAdded
	b.bypassRoutes = nil
	b.bypassRuleAdded = false
	b.mu.Unlock()

	for _, ip := range routes {
		if err := b.runner.Run(ctx, "ip", "route", "del", ip); err != nil {
			log.Debugf("route del %s: %v", ip, err)
		}
	}
	if ruleAdded {
		if err := b.runner.Run(ctx, "ip", "rule", "del", "fwmark", BypassMark, "table", "main"); err != nil {
			log.Debugf("rule del fwmark %s: %v", BypassMark, err)
		}
	}
	return nil
}

// BypassApp moves every running process of path into a net_cls cgroup whose
// class id the kill switch and routing policy exempt.
func (b *CommandBackend) BypassApp(ctx context.Context, path string) error {
	if _, err := os.Stat(b.cgroupRoot); err != nil {
		log.Warningf("net_cls cgroup not available; app bypass disabled for %s", path)
		return nil
	}
	dir := filepath.Join(b.cgroupRoot, bypassCgroupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bypass cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "net_cls.classid"), []byte(BypassMark), 0o644); err != nil {
		return fmt.Errorf("set bypass classid: %w", err)
	}
	b.mu.Lock()
	addRule := !b.bypassRuleAdded
	b.bypassRuleAdded = true
	b.mu.Unlock()
	if addRule {
		if err := b.runner.Run(ctx, "ip", "rule", "add", "fwmark", BypassMark, "table", "main"); err != nil {
			return err
		}
	}

	pids := b.pidsFor(path)
	if len(pids) == 0 {
		log.Warningf("no running process found for bypass: %s", path)
		return nil
	}
	procs := filepath.Join(dir, "cgroup.procs")
	for _, pid := range pids {
		if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644); err != nil {
			log.Warningf("move pid %d to bypass cgroup: %v", pid, err)
		}
	}
	return nil
}

func (b *CommandBackend) pidsFor(path string) []int {
	want, err := filepath.EvalSymlinks(path)
	if err != nil {
		want = path
	}
	entries, err := os.ReadDir(b.procRoot)
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		exe, err := os.Readlink(filepath.Join(b.procRoot, e.Name(), "exe"))
		if err != nil {
			continue
		}
		if exe == want || exe == path {
			out = append(out, pid)
		}
	}
	return out
}

func (b *CommandBackend) defaultInterface(ctx context.Context) (string, error) {
	out, err := b.runner.Output(ctx, "ip", "route", "show", "default")
	if err != nil {
		return "", err
	}
	if dev := parseDefaultDevice(out); dev != "" {
		return dev, nil
	}
	return "", fmt.Errorf("no default route")
}

func parseDefaultDevice(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 0 || f[0] != "default" {
			continue
		}
		for i := 0; i+1 < len(f); i++ {
			if f[i] == "dev" {
				return f[i+1]
			}
		}
	}
	return ""
}

func (b *CommandBackend) Stats(ctx context.Context, iface string) (Stats, error) {
	transfer, err := b.runner.Output(ctx, "wg", "show", iface, "transfer")
	if err != nil {
		return Stats{}, nil
	}
	handshakes, err := b.runner.Output(ctx, "wg", "show", iface, "latest-handshakes")
	if err != nil {
		handshakes = nil
	}
	return ParseShow(transfer, handshakes), nil
}
