package wg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"marinvpn/pkg/vpnerr"
)

func newTestBackend(t *testing.T, fr *fakeRunner) *CommandBackend {
	t.Helper()
	dir := t.TempDir()
	return &CommandBackend{
		runner:     fr,
		confDir:    dir,
		resolvConf: filepath.Join(dir, "resolv.conf"),
		cgroupRoot: filepath.Join(dir, "missing-cgroup"),
		procRoot:   filepath.Join(dir, "proc"),
	}
}

func TestBringUpWritesPrivateConfig(t *testing.T) {
	fr := &fakeRunner{}
	b := newTestBackend(t, fr)
	if err := b.BringUp(context.Background(), EntryInterface, "[Interface]\n"); err != nil {
		t.Fatalf("bring up: %v", err)
	}
	path := filepath.Join(b.confDir, "marinvpn_marinvpn0.conf")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat conf: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("conf mode=%v want 0600", info.Mode().Perm())
	}
	want := runCall{name: "wg-quick", args: []string{"up", path}}
	if !reflect.DeepEqual(fr.calls, []runCall{want}) {
		t.Fatalf("calls=%+v", fr.calls)
	}

	if err := b.TearDown(context.Background(), EntryInterface); err != nil {
		t.Fatalf("tear down: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("conf should be removed after teardown")
	}
}

func TestBringUpFailureIsConnectionFailed(t *testing.T) {
	fr := &fakeRunner{fail: map[string]error{"wg-quick": errors.New("RTNETLINK answers: File exists")}}
	b := newTestBackend(t, fr)
	err := b.BringUp(context.Background(), EntryInterface, "x")
	if !errors.Is(err, vpnerr.ErrConnectionFailed) {
		t.Fatalf("expected connection failed, got %v", err)
	}
}

func TestTearDownWithoutConfigIsNoop(t *testing.T) {
	fr := &fakeRunner{}
	b := newTestBackend(t, fr)
	if err := b.TearDown(context.Background(), ExitInterface); err != nil {
		t.Fatalf("tear down: %v", err)
	}
	if len(fr.calls) != 0 {
		t.Fatalf("expected no commands, got %+v", fr.calls)
	}
}

func TestApplyKillSwitchLoadsRulesetInOneCommand(t *testing.T) {
	var loaded string
	fr := &fakeRunner{}
	fr.onRun = func(c runCall) {
		if c.name == "nft" && len(c.args) == 2 && c.args[0] == "-f" {
			b, _ := os.ReadFile(c.args[1])
			loaded = string(b)
		}
	}
	b := newTestBackend(t, fr)
	if err := b.ApplyKillSwitch(context.Background(), "table inet marinvpn_killswitch {}\n"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(fr.calls) != 1 {
		t.Fatalf("expected a single nft invocation, got %+v", fr.calls)
	}
	if loaded != "table inet marinvpn_killswitch {}\n" {
		t.Fatalf("unexpected ruleset %q", loaded)
	}
}

func TestApplyKillSwitchFailureIsFirewallError(t *testing.T) {
	fr := &fakeRunner{fail: map[string]error{"nft": errors.New("syntax error")}}
	b := newTestBackend(t, fr)
	if err := b.ApplyKillSwitch(context.Background(), "bad"); !errors.Is(err, vpnerr.ErrFirewall) {
		t.Fatalf("expected firewall error, got %v", err)
	}
}

func TestApplyDNSUsesResolvectl(t *testing.T) {
	fr := &fakeRunner{}
	b := newTestBackend(t, fr)
	if err := b.ApplyDNS(context.Background(), EntryInterface, []string{"1.1.1.1", "8.8.8.8"}); err != nil {
		t.Fatalf("apply dns: %v", err)
	}
	want := []runCall{
		{name: "resolvectl", args: []string{"dns", EntryInterface, "1.1.1.1", "8.8.8.8"}},
		{name: "resolvectl", args: []string{"domain", EntryInterface, "~."}},
	}
	if !reflect.DeepEqual(fr.calls, want) {
		t.Fatalf("calls=%+v", fr.calls)
	}
	fr.calls = nil
	if err := b.RestoreDNS(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(fr.calls) != 1 || fr.calls[0].args[0] != "revert" {
		t.Fatalf("expected resolvectl revert, got %+v", fr.calls)
	}
}

func TestApplyDNSFallsBackToResolvConf(t *testing.T) {
	fr := &fakeRunner{fail: map[string]error{"resolvectl": errors.New("not found")}}
	b := newTestBackend(t, fr)
	original := "nameserver 192.168.1.1\n"
	if err := os.WriteFile(b.resolvConf, []byte(original), 0o644); err != nil {
		t.Fatalf("seed resolv.conf: %v", err)
	}
	if err := b.ApplyDNS(context.Background(), EntryInterface, []string{"94.140.14.14", "94.140.15.15"}); err != nil {
		t.Fatalf("apply dns: %v", err)
	}
	got, _ := os.ReadFile(b.resolvConf)
	if !strings.Contains(string(got), "nameserver 94.140.14.14\nnameserver 94.140.15.15\n") {
		t.Fatalf("unexpected resolv.conf %q", got)
	}
	if err := b.RestoreDNS(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, _ = os.ReadFile(b.resolvConf)
	if string(got) != original {
		t.Fatalf("resolv.conf not restored: %q", got)
	}
}

func TestBypassRoutesUseDefaultInterface(t *testing.T) {
	fr := &fakeRunner{outputs: map[string][]byte{
		"ip route show default": []byte("default via 192.168.1.1 dev wlp3s0 proto dhcp metric 600\n"),
	}}
	b := newTestBackend(t, fr)
	ctx := context.Background()
	if err := b.AddBypassRoute(ctx, "203.0.113.9"); err != nil {
		t.Fatalf("add route: %v", err)
	}
	if err := b.AddBypassRoute(ctx, "203.0.113.9"); err != nil {
		t.Fatalf("add route again: %v", err)
	}
	if err := b.ClearBypassRoutes(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	var routeCalls [][]string
	for _, c := range fr.calls {
		if c.name == "ip" && c.args[0] == "route" && c.args[1] != "show" {
			routeCalls = append(routeCalls, c.args)
		}
	}
	want := [][]string{
		{"route", "add", "203.0.113.9", "dev", "wlp3s0"},
		{"route", "del", "203.0.113.9"},
	}
	if !reflect.DeepEqual(routeCalls, want) {
		t.Fatalf("route calls=%v want=%v", routeCalls, want)
	}
}

func TestBypassAppWithoutCgroupIsSkipped(t *testing.T) {
	fr := &fakeRunner{}
	b := newTestBackend(t, fr)
	if err := b.BypassApp(context.Background(), "/usr/bin/firefox"); err != nil {
		t.Fatalf("bypass app: %v", err)
	}
	if len(fr.calls) != 0 {
		t.Fatalf("expected no commands, got %+v", fr.calls)
	}
}

func TestBypassAppMovesMatchingProcesses(t *testing.T) {
	fr := &fakeRunner{}
	b := newTestBackend(t, fr)
	b.cgroupRoot = filepath.Join(b.confDir, "net_cls")
	if err := os.MkdirAll(b.cgroupRoot, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(b.confDir, "app-bin")
	if err := os.WriteFile(target, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("write target: %v", err)
	}
	pidDir := filepath.Join(b.procRoot, "4242")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatalf("mkdir proc: %v", err)
	}
	resolved, _ := filepath.EvalSymlinks(target)
	if err := os.Symlink(resolved, filepath.Join(pidDir, "exe")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if err := b.BypassApp(context.Background(), target); err != nil {
		t.Fatalf("bypass app: %v", err)
	}
	classid, _ := os.ReadFile(filepath.Join(b.cgroupRoot, bypassCgroupDir, "net_cls.classid"))
	if string(classid) != BypassMark {
		t.Fatalf("classid=%q", classid)
	}
	procs, _ := os.ReadFile(filepath.Join(b.cgroupRoot, bypassCgroupDir, "cgroup.procs"))
	if string(procs) != "4242" {
		t.Fatalf("cgroup.procs=%q", procs)
	}
	want := runCall{name: "ip", args: []string{"rule", "add", "fwmark", BypassMark, "table", "main"}}
	if len(fr.calls) != 1 || !reflect.DeepEqual(fr.calls[0], want) {
		t.Fatalf("calls=%+v", fr.calls)
	}
}

func TestStatsParsesWGShow(t *testing.T) {
	pub := testPubKey(3)
	fr := &fakeRunner{outputs: map[string][]byte{
		"wg show marinvpn0 transfer":          []byte(pub + "\t2048\t1024\n"),
		"wg show marinvpn0 latest-handshakes": []byte(pub + "\t1700000000\n"),
	}}
	b := newTestBackend(t, fr)
	st, err := b.Stats(context.Background(), EntryInterface)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalDownload != 2048 || st.TotalUpload != 1024 || st.LatestHandshake != 1700000000 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestParseDefaultDevice(t *testing.T) {
	if got := parseDefaultDevice([]byte("10.0.0.0/8 dev eth1\n")); got != "" {
		t.Fatalf("expected no default, got %q", got)
	}
	if got := parseDefaultDevice([]byte("default dev ppp0 scope link\n")); got != "ppp0" {
		t.Fatalf("got %q", got)
	}
}
