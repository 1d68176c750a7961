package wg

import (
	"context"
	"encoding/base64"
	"os"
	"reflect"
	"strings"
	"testing"
)

type runCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls   []runCall
	fail    map[string]error
	outputs map[string][]byte
	onRun   func(runCall)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	cp := make([]string, len(args))
	copy(cp, args)
	call := runCall{name: name, args: cp}
	f.calls = append(f.calls, call)
	if f.onRun != nil {
		f.onRun(call)
	}
	return f.fail[name]
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := f.Run(ctx, name, args...); err != nil {
		return nil, err
	}
	return f.outputs[name+" "+strings.Join(args, " ")], nil
}

func testPubKey(seed byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestCommandRegisterPeer(t *testing.T) {
	fr := &fakeRunner{}
	m := &CommandPeerManager{iface: "wg0", runner: fr}
	pub := testPubKey(7)
	if err := m.RegisterPeer(context.Background(), Peer{PublicKey: pub, AllowedIP: "10.0.0.3/32"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(fr.calls) != 1 {
		t.Fatalf("expected 1 command, got %d", len(fr.calls))
	}
	want := runCall{name: "wg", args: []string{"set", "wg0", "peer", pub, "allowed-ips", "10.0.0.3/32"}}
	if !reflect.DeepEqual(fr.calls[0], want) {
		t.Fatalf("command mismatch: got %+v want %+v", fr.calls[0], want)
	}
}

func TestCommandRegisterPeerWritesPresharedKeyFile(t *testing.T) {
	var pskPath string
	var pskBody []byte
	fr := &fakeRunner{}
	fr.onRun = func(c runCall) {
		for i, a := range c.args {
			if a == "preshared-key" && i+1 < len(c.args) {
				pskPath = c.args[i+1]
				pskBody, _ = os.ReadFile(pskPath)
			}
		}
	}
	m := &CommandPeerManager{iface: "wg0", runner: fr, tempDir: t.TempDir()}
	err := m.RegisterPeer(context.Background(), Peer{PublicKey: testPubKey(1), AllowedIP: "10.0.0.4", PresharedKey: "cHNr"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if pskPath == "" {
		t.Fatalf("expected preshared-key argument in %v", fr.calls[0].args)
	}
	if string(pskBody) != "cHNr\n" {
		t.Fatalf("unexpected psk file content %q", pskBody)
	}
	if _, err := os.Stat(pskPath); !os.IsNotExist(err) {
		t.Fatalf("psk file should be removed after registration")
	}
}

func TestCommandRegisterPeerRejectsBadKey(t *testing.T) {
	fr := &fakeRunner{}
	m := &CommandPeerManager{iface: "wg0", runner: fr}
	if err := m.RegisterPeer(context.Background(), Peer{PublicKey: "nope", AllowedIP: "10.0.0.3/32"}); err == nil {
		t.Fatalf("expected invalid key error")
	}
	if len(fr.calls) != 0 {
		t.Fatalf("no command expected, got %d", len(fr.calls))
	}
}

func TestCommandRemovePeer(t *testing.T) {
	fr := &fakeRunner{}
	m := &CommandPeerManager{iface: "wg0", runner: fr}
	if err := m.RemovePeer(context.Background(), "clientpub"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	want := []string{"set", "wg0", "peer", "clientpub", "remove"}
	if len(fr.calls) != 1 || !reflect.DeepEqual(fr.calls[0].args, want) {
		t.Fatalf("unexpected calls %+v", fr.calls)
	}
}
