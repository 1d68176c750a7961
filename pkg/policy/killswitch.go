// Package policy builds the kill-switch firewall ruleset.
package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"marinvpn/pkg/wg"
)

var ErrNoEndpoint = errors.New("kill switch endpoint did not resolve")

// Allow is one protocol/port pair the endpoint may be reached on.
type Allow struct {
	Proto string
	Port  int
}

// KillSwitch describes what may leave the host while the tunnel is armed.
// With no Endpoints the ruleset blocks everything except loopback, DHCP,
// the tunnel interfaces and any Control destinations.
type KillSwitch struct {
	Endpoints      []netip.Addr
	Allows         []Allow
	Interfaces     []string
	IPv6Support    bool
	SplitTunneling bool
	// ExcludedIPs are destinations routed outside the tunnel. They are only
	// let through when SplitTunneling is set.
	ExcludedIPs  []netip.Prefix
	LocalSharing bool
	// Control lists TCP destinations outside the tunnel that stay reachable,
	// such as the provisioning server while lockdown blocks everything else.
	Control []netip.AddrPort
}

var localRanges = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}

// Ruleset renders an nft(8) script. Loading it replaces any previous
// kill-switch table in one transaction, and the drop policy comes into
// force together with every allow rule.
func (k KillSwitch) Ruleset() (string, error) {
	for _, a := range k.Allows {
		if a.Proto != "udp" && a.Proto != "tcp" {
			return "", fmt.Errorf("unsupported protocol %q", a.Proto)
		}
		if a.Port <= 0 || a.Port > 65535 {
			return "", fmt.Errorf("invalid port %d", a.Port)
		}
	}
	for _, iface := range k.Interfaces {
		if iface == "" || strings.ContainsAny(iface, " \t\n\"{};") {
			return "", fmt.Errorf("invalid interface name %q", iface)
		}
	}

	var b strings.Builder
	table := "inet " + wg.KillSwitchTable
	fmt.Fprintf(&b, "table %s {}\n", table)
	fmt.Fprintf(&b, "delete table %s\n", table)
	fmt.Fprintf(&b, "table %s {\n", table)

	if k.SplitTunneling {
		b.WriteString("\tchain bypass {\n")
		b.WriteString("\t\ttype route hook output priority mangle; policy accept;\n")
		fmt.Fprintf(&b, "\t\tmeta cgroup %s meta mark set %s\n", wg.BypassMark, wg.BypassMark)
		b.WriteString("\t}\n")
	}

	b.WriteString("\tchain input {\n")
	b.WriteString("\t\ttype filter hook input priority 0; policy accept;\n")
	b.WriteString("\t}\n")

	b.WriteString("\tchain output {\n")
	b.WriteString("\t\ttype filter hook output priority 0; policy drop;\n")
	b.WriteString("\t\toifname \"lo\" accept\n")
	for _, addr := range sortedAddrs(k.Endpoints) {
		family := "ip"
		if addr.Is6() && !addr.Is4In6() {
			family = "ip6"
		}
		for _, a := range k.Allows {
			fmt.Fprintf(&b, "\t\t%s daddr %s %s dport %d accept\n", family, addr.Unmap(), a.Proto, a.Port)
		}
	}
	for _, ap := range sortedAddrPorts(k.Control) {
		family := "ip"
		if ap.Addr().Is6() {
			family = "ip6"
		}
		fmt.Fprintf(&b, "\t\t%s daddr %s tcp dport %d accept\n", family, ap.Addr(), ap.Port())
	}
	b.WriteString("\t\tudp sport 68 udp dport 67 accept\n")
	if k.IPv6Support {
		b.WriteString("\t\tudp sport 546 udp dport 547 accept\n")
		b.WriteString("\t\ticmpv6 type { nd-router-solicit, nd-router-advert, nd-neighbor-solicit, nd-neighbor-advert } accept\n")
	}
	for _, iface := range k.Interfaces {
		fmt.Fprintf(&b, "\t\toifname %q accept\n", iface)
	}
	if k.SplitTunneling {
		fmt.Fprintf(&b, "\t\tmeta mark %s accept\n", wg.BypassMark)
		v4, v6 := splitPrefixes(k.ExcludedIPs)
		if len(v4) > 0 {
			fmt.Fprintf(&b, "\t\tip daddr { %s } accept\n", strings.Join(v4, ", "))
		}
		if len(v6) > 0 {
			fmt.Fprintf(&b, "\t\tip6 daddr { %s } accept\n", strings.Join(v6, ", "))
		}
	}
	if k.LocalSharing {
		fmt.Fprintf(&b, "\t\tip daddr { %s } accept\n", strings.Join(localRanges, ", "))
	}
	b.WriteString("\t}\n")
	b.WriteString("}\n")
	return b.String(), nil
}

func sortedAddrs(in []netip.Addr) []netip.Addr {
	seen := make(map[netip.Addr]bool, len(in))
	out := make([]netip.Addr, 0, len(in))
	for _, a := range in {
		a = a.Unmap()
		if !a.IsValid() || a.IsUnspecified() || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// splitPrefixes dedupes and sorts prefixes into IPv4 and IPv6 set elements.
func splitPrefixes(in []netip.Prefix) (v4, v6 []string) {
	seen := make(map[netip.Prefix]bool, len(in))
	out := make([]netip.Prefix, 0, len(in))
	for _, p := range in {
		if !p.IsValid() {
			continue
		}
		if a := p.Addr(); a.Is4In6() {
			p = netip.PrefixFrom(a.Unmap(), max(p.Bits()-96, 0))
		}
		p = p.Masked()
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Addr().Compare(out[j].Addr()); c != 0 {
			return c < 0
		}
		return out[i].Bits() < out[j].Bits()
	})
	for _, p := range out {
		elem := p.String()
		if p.IsSingleIP() {
			elem = p.Addr().String()
		}
		if p.Addr().Is4() {
			v4 = append(v4, elem)
		} else {
			v6 = append(v6, elem)
		}
	}
	return v4, v6
}

func sortedAddrPorts(in []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]bool, len(in))
	out := make([]netip.AddrPort, 0, len(in))
	for _, ap := range in {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		if !ap.IsValid() || ap.Port() == 0 || ap.Addr().IsUnspecified() || seen[ap] {
			continue
		}
		seen[ap] = true
		out = append(out, ap)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Addr().Compare(out[j].Addr()); c != 0 {
			return c < 0
		}
		return out[i].Port() < out[j].Port()
	})
	return out
}
