package tunnel

import (
	"fmt"
	"strings"

	"marinvpn/pkg/proto"
)

type StealthMode string

const (
	StealthNone          StealthMode = "None"
	StealthAutomatic     StealthMode = "Automatic"
	StealthWireGuardPort StealthMode = "WireGuardPort"
	StealthLWO           StealthMode = "Lwo"
	StealthQUIC          StealthMode = "Quic"
	StealthTCP           StealthMode = "Tcp"
	StealthShadowsocks   StealthMode = "Shadowsocks"
	StealthWebSocket     StealthMode = "WebSocket"
)

const DefaultMTU = 1420

// ExcludedApp is an executable whose traffic bypasses the tunnel.
type ExcludedApp struct {
	Name string `json:"name" toml:"name"`
	Path string `json:"path" toml:"path"`
}

// Settings is the snapshot of user preferences an attempt runs with.
type Settings struct {
	LocalSharing     bool              `json:"local_sharing" toml:"local_sharing"`
	StealthMode      StealthMode       `json:"stealth_mode" toml:"stealth_mode"`
	IPv6Support      bool              `json:"ipv6_support" toml:"ipv6_support"`
	QuantumResistant bool              `json:"quantum_resistant" toml:"quantum_resistant"`
	SplitTunneling   bool              `json:"split_tunneling" toml:"split_tunneling"`
	MultiHop         bool              `json:"multi_hop" toml:"multi_hop"`
	EntryLocation    string            `json:"entry_location" toml:"entry_location"`
	ExitLocation     string            `json:"exit_location" toml:"exit_location"`
	LockdownMode     bool              `json:"lockdown_mode" toml:"lockdown_mode"`
	DAITAEnabled     bool              `json:"daita_enabled" toml:"daita_enabled"`
	DNSBlocking      proto.DNSBlocking `json:"dns_blocking" toml:"dns_blocking"`
	CustomDNS        bool              `json:"custom_dns" toml:"custom_dns"`
	CustomDNSServer  string            `json:"custom_dns_server" toml:"custom_dns_server"`
	MTU              int               `json:"mtu" toml:"mtu"`
	ExcludedIPs      []string          `json:"excluded_ips" toml:"excluded_ips"`
	ExcludedApps     []ExcludedApp     `json:"excluded_apps" toml:"excluded_apps"`
}

func DefaultSettings() Settings {
	return Settings{
		StealthMode:     StealthNone,
		IPv6Support:     true,
		EntryLocation:   proto.LocationAutomatic,
		ExitLocation:    proto.LocationAutomatic,
		CustomDNSServer: "1.1.1.1",
		MTU:             DefaultMTU,
	}
}

// Fixup fills zero values with defaults and rejects unknown modes.
func (s *Settings) Fixup() error {
	if s.StealthMode == "" {
		s.StealthMode = StealthNone
	}
	if !s.StealthMode.valid() {
		return fmt.Errorf("unknown stealth mode %q", s.StealthMode)
	}
	if strings.TrimSpace(s.EntryLocation) == "" {
		s.EntryLocation = proto.LocationAutomatic
	}
	if strings.TrimSpace(s.ExitLocation) == "" {
		s.ExitLocation = proto.LocationAutomatic
	}
	if s.MTU < 0 || s.MTU > 9000 {
		return fmt.Errorf("mtu out of range: %d", s.MTU)
	}
	if s.MTU == 0 {
		s.MTU = DefaultMTU
	}
	return nil
}

func (m StealthMode) valid() bool {
	switch m {
	case StealthNone, StealthAutomatic, StealthWireGuardPort, StealthLWO,
		StealthQUIC, StealthTCP, StealthShadowsocks, StealthWebSocket:
		return true
	}
	return false
}

func (s Settings) clone() Settings {
	out := s
	out.ExcludedIPs = append([]string(nil), s.ExcludedIPs...)
	out.ExcludedApps = append([]ExcludedApp(nil), s.ExcludedApps...)
	return out
}
