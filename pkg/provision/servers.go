package provision

import (
	"context"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"marinvpn/pkg/proto"
)

const (
	probeTimeout   = 800 * time.Millisecond
	penaltyLatency = 9999
)

// probe reports whether endpoint is routable from this host. A UDP dial
// sends nothing, and WireGuard stays silent towards unauthenticated
// packets, so no round trip can be timed here. Servers that pass keep the
// latency the catalog advertises for them.
var probe = routable

func routable(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", endpoint)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// FindBestServer probes every candidate in parallel and returns the one with
// the best health score. country limits the candidates when non-empty;
// servers whose "Country, City" location is in exclude are skipped.
// Unroutable servers are scored with a 9999ms latency. Ties keep the first
// server listed.
func FindBestServer(ctx context.Context, servers []proto.VpnServer, country string, exclude ...string) (proto.VpnServer, bool) {
	var candidates []proto.VpnServer
	for _, s := range servers {
		if country != "" && !strings.EqualFold(s.Country, country) {
			continue
		}
		if excluded(s, exclude) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return proto.VpnServer{}, false
	}

	measured := make([]proto.VpnServer, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range candidates {
		g.Go(func() error {
			if !probe(gctx, s.Endpoint) {
				s.AvgLatency = penaltyLatency
			}
			measured[i] = s
			return nil
		})
	}
	_ = g.Wait()

	best := 0
	for i := 1; i < len(measured); i++ {
		if measured[i].HealthScore() < measured[best].HealthScore() {
			best = i
		}
	}
	return measured[best], true
}

func excluded(s proto.VpnServer, exclude []string) bool {
	loc := s.Country + ", " + s.City
	for _, ex := range exclude {
		if strings.EqualFold(strings.TrimSpace(ex), loc) {
			return true
		}
	}
	return false
}
