package policy

import (
	"net/netip"
	"strings"
	"testing"
)

func TestRulesetAllowsBeforeDropTakesEffect(t *testing.T) {
	k := KillSwitch{
		Endpoints:  []netip.Addr{netip.MustParseAddr("203.0.113.10")},
		Allows:     []Allow{{Proto: "udp", Port: 51820}},
		Interfaces: []string{"marinvpn0", "marinvpn1"},
	}
	rs, err := k.Ruleset()
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	lines := strings.Split(rs, "\n")
	if lines[0] != "table inet marinvpn_killswitch {}" || lines[1] != "delete table inet marinvpn_killswitch" {
		t.Fatalf("ruleset must replace the previous table first:\n%s", rs)
	}
	for _, want := range []string{
		"policy drop;",
		`oifname "lo" accept`,
		"ip daddr 203.0.113.10 udp dport 51820 accept",
		"udp sport 68 udp dport 67 accept",
		`oifname "marinvpn0" accept`,
		`oifname "marinvpn1" accept`,
	} {
		if !strings.Contains(rs, want) {
			t.Fatalf("missing %q in:\n%s", want, rs)
		}
	}
	if strings.Contains(rs, "meta mark") || strings.Contains(rs, "192.168.0.0/16") {
		t.Fatalf("optional rules present:\n%s", rs)
	}
}

func TestRulesetOptionalRules(t *testing.T) {
	k := KillSwitch{
		Endpoints: []netip.Addr{
			netip.MustParseAddr("2001:db8::7"),
			netip.MustParseAddr("198.51.100.1"),
			netip.MustParseAddr("198.51.100.1"),
		},
		Allows:         []Allow{{Proto: "tcp", Port: 443}, {Proto: "udp", Port: 443}},
		Interfaces:     []string{"marinvpn0"},
		IPv6Support:    true,
		SplitTunneling: true,
		LocalSharing:   true,
	}
	rs, err := k.Ruleset()
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	for _, want := range []string{
		"ip daddr 198.51.100.1 tcp dport 443 accept",
		"ip daddr 198.51.100.1 udp dport 443 accept",
		"ip6 daddr 2001:db8::7 tcp dport 443 accept",
		"udp sport 546 udp dport 547 accept",
		"meta cgroup 0x1000 meta mark set 0x1000",
		"meta mark 0x1000 accept",
		"192.168.0.0/16",
	} {
		if !strings.Contains(rs, want) {
			t.Fatalf("missing %q in:\n%s", want, rs)
		}
	}
	if n := strings.Count(rs, "198.51.100.1 tcp"); n != 1 {
		t.Fatalf("duplicate endpoint rules: %d", n)
	}
}

func TestRulesetExcludedIPs(t *testing.T) {
	excluded := []netip.Prefix{
		netip.MustParsePrefix("198.51.100.7/32"),
		netip.MustParsePrefix("10.20.30.99/24"),
		netip.MustParsePrefix("2001:db8:1::/48"),
		netip.MustParsePrefix("::ffff:198.51.100.7/128"),
	}
	k := KillSwitch{
		Endpoints:      []netip.Addr{netip.MustParseAddr("203.0.113.10")},
		Allows:         []Allow{{Proto: "udp", Port: 51820}},
		Interfaces:     []string{"marinvpn0"},
		SplitTunneling: true,
		ExcludedIPs:    excluded,
	}
	rs, err := k.Ruleset()
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	for _, want := range []string{
		"ip daddr { 10.20.30.0/24, 198.51.100.7 } accept",
		"ip6 daddr { 2001:db8:1::/48 } accept",
	} {
		if !strings.Contains(rs, want) {
			t.Fatalf("missing %q in:\n%s", want, rs)
		}
	}

	k.SplitTunneling = false
	rs, err = k.Ruleset()
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	if strings.Contains(rs, "198.51.100.7") {
		t.Fatalf("excluded destinations leak without split tunneling:\n%s", rs)
	}
}

func TestRulesetControlDestinations(t *testing.T) {
	k := KillSwitch{
		Interfaces: []string{"marinvpn0"},
		Control: []netip.AddrPort{
			netip.MustParseAddrPort("198.51.100.50:443"),
			netip.MustParseAddrPort("1.1.1.1:53"),
			netip.MustParseAddrPort("[2001:db8::50]:8443"),
			netip.MustParseAddrPort("1.1.1.1:53"),
			netip.MustParseAddrPort("0.0.0.0:443"),
		},
	}
	rs, err := k.Ruleset()
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	for _, want := range []string{
		"ip daddr 1.1.1.1 tcp dport 53 accept",
		"ip daddr 198.51.100.50 tcp dport 443 accept",
		"ip6 daddr 2001:db8::50 tcp dport 8443 accept",
	} {
		if !strings.Contains(rs, want) {
			t.Fatalf("missing %q in:\n%s", want, rs)
		}
	}
	if strings.Count(rs, "1.1.1.1") != 1 || strings.Contains(rs, "0.0.0.0") {
		t.Fatalf("control destinations not deduplicated:\n%s", rs)
	}
}

func TestRulesetBlockAllHasNoEndpointRules(t *testing.T) {
	rs, err := KillSwitch{Endpoints: []netip.Addr{netip.IPv4Unspecified()}, Allows: []Allow{{Proto: "udp", Port: 51820}}}.Ruleset()
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	if strings.Contains(rs, "daddr") {
		t.Fatalf("block-all ruleset should not allow any endpoint:\n%s", rs)
	}
}

func TestRulesetRejectsBadInput(t *testing.T) {
	if _, err := (KillSwitch{Allows: []Allow{{Proto: "icmp", Port: 1}}}).Ruleset(); err == nil {
		t.Fatalf("expected protocol error")
	}
	if _, err := (KillSwitch{Allows: []Allow{{Proto: "udp", Port: 70000}}}).Ruleset(); err == nil {
		t.Fatalf("expected port error")
	}
	if _, err := (KillSwitch{Interfaces: []string{"eth0; flush ruleset"}}).Ruleset(); err == nil {
		t.Fatalf("expected interface name error")
	}
}
