// Package relay runs the local obfuscation endpoints WireGuard is pointed
// at when a stealth mode is active.
package relay

import (
	"context"
	"net"
	"strconv"

	"marinvpn/internal/logging"
	"marinvpn/pkg/proto"
)

var log = logging.GetLogger("relay")

const (
	WebSocketPort   = 51820
	ShadowsocksPort = 51821
	QUICPort        = 51822
	TCPPort         = 51823
	LWOPort         = 51824

	DefaultShadowsocksPort = 8388
	DNSPort                = 53
	TLSPort                = 443
)

// Obfuscator fronts a remote WireGuard endpoint with a local UDP address.
type Obfuscator interface {
	Name() string
	// Start returns the local host:port WireGuard should use as endpoint.
	Start(ctx context.Context, remote string, key string) (string, error)
	Stop() error
}

// RewritePort keeps the endpoint host and replaces its port.
func RewritePort(endpoint string, port int) string {
	host, _ := proto.SplitHostPort(endpoint)
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// StartFirst tries each obfuscator in order and returns the first that
// starts. The rest are left stopped.
func StartFirst(ctx context.Context, remote, key string, obfs ...Obfuscator) (Obfuscator, string, error) {
	var lastErr error
	for _, o := range obfs {
		local, err := o.Start(ctx, remote, key)
		if err == nil {
			log.Infof("automatic stealth selected %s", o.Name())
			return o, local, nil
		}
		log.Warningf("automatic stealth: %s unavailable: %v", o.Name(), err)
		lastErr = err
	}
	return nil, "", lastErr
}

func localAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
