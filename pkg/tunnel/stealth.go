package tunnel

import (
	"context"
	"fmt"

	"marinvpn/pkg/policy"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/relay"
	"marinvpn/pkg/vpnerr"
)

// ObfuscatorFactory returns the relays a stealth mode tries, in order.
type ObfuscatorFactory func(mode StealthMode) []relay.Obfuscator

// DefaultObfuscators maps each relaying stealth mode to its relays.
// Automatic prefers the native relays over the external tools.
func DefaultObfuscators(mode StealthMode) []relay.Obfuscator {
	switch mode {
	case StealthAutomatic:
		return []relay.Obfuscator{relay.NewLWORelay(), relay.NewQUICRelay(), relay.NewWebSocketRelay()}
	case StealthLWO:
		return []relay.Obfuscator{relay.NewLWORelay()}
	case StealthQUIC:
		return []relay.Obfuscator{relay.NewQUICRelay()}
	case StealthTCP:
		return []relay.Obfuscator{relay.NewTCPRelay()}
	case StealthShadowsocks:
		return []relay.Obfuscator{relay.NewShadowsocksRelay()}
	case StealthWebSocket:
		return []relay.Obfuscator{relay.NewWebSocketRelay()}
	}
	return nil
}

// stealthAllows lists what the kill switch must let through to the entry
// server for mode. port is the descriptor's endpoint port.
func stealthAllows(mode StealthMode, port int) []policy.Allow {
	if port == 0 && mode != StealthShadowsocks {
		port = defaultWireGuardPort
	}
	switch mode {
	case StealthAutomatic:
		return []policy.Allow{{Proto: "udp", Port: port}, {Proto: "tcp", Port: relay.TLSPort}, {Proto: "udp", Port: relay.TLSPort}}
	case StealthWireGuardPort:
		return []policy.Allow{{Proto: "udp", Port: relay.DNSPort}}
	case StealthQUIC:
		return []policy.Allow{{Proto: "udp", Port: relay.TLSPort}}
	case StealthTCP, StealthWebSocket:
		return []policy.Allow{{Proto: "tcp", Port: relay.TLSPort}}
	case StealthShadowsocks:
		if port == 0 {
			port = relay.DefaultShadowsocksPort
		}
		return []policy.Allow{{Proto: "tcp", Port: port}, {Proto: "udp", Port: port}}
	}
	return []policy.Allow{{Proto: "udp", Port: port}}
}

const defaultWireGuardPort = 51820

// startStealth points the entry leg at a local relay, or rewrites its port
// for WireGuardPort. It returns the endpoint to render and the running
// relay, if any.
func (o *Orchestrator) startStealth(ctx context.Context, mode StealthMode, desc *proto.TunnelDescriptor) (string, relay.Obfuscator, error) {
	switch mode {
	case StealthNone, "":
		return desc.Endpoint, nil, nil
	case StealthWireGuardPort:
		return relay.RewritePort(desc.Endpoint, relay.DNSPort), nil, nil
	}
	obfs := o.obfuscators(mode)
	if len(obfs) == 0 {
		return "", nil, vpnerr.NewConnectionFailed(fmt.Sprintf("no relay for stealth mode %s", mode))
	}
	started, local, err := relay.StartFirst(ctx, desc.Endpoint, desc.ObfuscationKey, obfs...)
	if err != nil {
		return "", nil, fmt.Errorf("stealth %s: %w", mode, err)
	}
	log.Infof("stealth mode=%s relay=%s local=%s", mode, started.Name(), local)
	return local, started, nil
}
