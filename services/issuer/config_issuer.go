package issuer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"marinvpn/internal/logging"
	"marinvpn/internal/metrics"
	"marinvpn/pkg/crypto"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/store"
	"marinvpn/pkg/vpnerr"
	"marinvpn/pkg/wg"
	"marinvpn/services/directory"
)

const (
	// addressPool is the number of distinct /32s in 10.0.0.0/8 with the
	// last octet restricted to 2..254.
	addressPool = 253 * 256 * 256

	obfuscationKeySize = 16

	dnsFiltered = "94.140.14.14, 94.140.15.15"
	dnsFamily   = "1.1.1.3, 1.0.0.3"
	dnsDefault  = "1.1.1.1, 8.8.8.8"
)

// IssueRequest is the transport-independent part of both config requests.
type IssueRequest struct {
	Location         string
	PubKey           string
	DNSBlocking      *proto.DNSBlocking
	QuantumResistant bool
	PQCPublicKey     string
}

// ConfigIssuer turns an authorised request into a tunnel descriptor: it
// picks the exit server, leases the client address, registers the peer and
// runs the post-quantum key stage.
type ConfigIssuer struct {
	catalog     directory.Catalog
	ledger      store.LeaseLedger
	peers       wg.PeerManager
	encapsulate func(string) (string, []byte, error)
}

func NewConfigIssuer(catalog directory.Catalog, ledger store.LeaseLedger, peers wg.PeerManager) *ConfigIssuer {
	return &ConfigIssuer{
		catalog:     catalog,
		ledger:      ledger,
		peers:       peers,
		encapsulate: crypto.Encapsulate,
	}
}

// SelectEndpoint returns the healthiest active server in the location's
// country. Unknown countries fall back to the default country. Ties keep
// the first server listed.
func (c *ConfigIssuer) SelectEndpoint(ctx context.Context, location string) (proto.VpnServer, error) {
	country := proto.CountryFromLocation(location)
	candidates, err := directory.Active(ctx, c.catalog, country)
	if err != nil {
		return proto.VpnServer{}, err
	}
	if len(candidates) == 0 && !strings.EqualFold(country, proto.DefaultCountry) {
		candidates, err = directory.Active(ctx, c.catalog, proto.DefaultCountry)
		if err != nil {
			return proto.VpnServer{}, err
		}
	}
	best, ok := BestServer(candidates)
	if !ok {
		return proto.VpnServer{}, vpnerr.ErrNoServersAvailable
	}
	return best, nil
}

// BestServer returns the server with the lowest health score, first-seen
// on ties.
func BestServer(servers []proto.VpnServer) (proto.VpnServer, bool) {
	if len(servers) == 0 {
		return proto.VpnServer{}, false
	}
	best := servers[0]
	for _, s := range servers[1:] {
		if s.HealthScore() < best.HealthScore() {
			best = s
		}
	}
	return best, true
}

// LeaseAddress returns the client address for pubkey, leasing one if the
// key has none.
func (c *ConfigIssuer) LeaseAddress(ctx context.Context, pubkey string) (string, error) {
	lease, err := c.ledger.Lease(ctx, pubkey)
	if err != nil {
		return "", fmt.Errorf("lease address: %w", err)
	}
	if lease.Created {
		metrics.PeerLeased()
	}
	return MapIDToIP(lease.ID), nil
}

// MapIDToIP maps a lease id onto 10.x.y.z/32 with z in 2..254.
func MapIDToIP(id int64) string {
	w := id % addressPool
	if w < 0 {
		w += addressPool
	}
	z := w%253 + 2
	y := (w / 253) % 256
	x := (w / (253 * 256)) % 256
	return fmt.Sprintf("10.%d.%d.%d/32", x, y, z)
}

// DNSFor picks resolvers matching the blocking preferences.
func DNSFor(prefs *proto.DNSBlocking) string {
	switch {
	case prefs == nil:
		return dnsDefault
	case prefs.Ads || prefs.Trackers || prefs.Malware:
		return dnsFiltered
	case prefs.AdultContent:
		return dnsFamily
	default:
		return dnsDefault
	}
}

// Issue builds a descriptor for req. The caller has already authorised it.
func (c *ConfigIssuer) Issue(ctx context.Context, req IssueRequest) (proto.TunnelDescriptor, error) {
	if !wg.IsValidPublicKey(req.PubKey) {
		return proto.TunnelDescriptor{}, fmt.Errorf("%w: public key", vpnerr.ErrMalformedInput)
	}
	server, err := c.SelectEndpoint(ctx, req.Location)
	if err != nil {
		return proto.TunnelDescriptor{}, err
	}
	address, err := c.LeaseAddress(ctx, req.PubKey)
	if err != nil {
		return proto.TunnelDescriptor{}, err
	}

	desc := proto.TunnelDescriptor{
		PublicKey:  server.PublicKey,
		Endpoint:   server.Endpoint,
		AllowedIPs: proto.DefaultAllowedIPs,
		Address:    address,
		DNS:        DNSFor(req.DNSBlocking),
	}
	var serverPSK string
	if req.QuantumResistant {
		serverPSK, err = c.keyStage(req.PQCPublicKey, &desc)
		if err != nil {
			return proto.TunnelDescriptor{}, err
		}
	}
	if desc.ObfuscationKey, err = randomKey(obfuscationKeySize); err != nil {
		return proto.TunnelDescriptor{}, err
	}

	if err := c.peers.RegisterPeer(ctx, wg.Peer{PublicKey: req.PubKey, AllowedIP: address, PresharedKey: serverPSK}); err != nil {
		return proto.TunnelDescriptor{}, fmt.Errorf("register peer: %w", err)
	}
	log.Infof("config issued key=%s server=%s address=%s pqc=%q", logging.MaskKey(req.PubKey), server.Endpoint, address, desc.PQCHandshake)
	return desc, nil
}

// keyStage fills the PQC fields of desc and returns the PSK the server peer
// is configured with. Only the ciphertext travels back to the client; on
// encapsulation failure a random PSK is sent in the clear and labelled as a
// fallback.
func (c *ConfigIssuer) keyStage(clientPub string, desc *proto.TunnelDescriptor) (string, error) {
	if clientPub != "" {
		ct, secret, err := c.encapsulate(clientPub)
		if err == nil {
			psk, perr := crypto.PresharedKeyFromSecret(secret)
			crypto.Wipe(secret)
			if perr == nil {
				desc.PQCHandshake = crypto.PQCHandshakeLabel
				desc.PQCProvider = crypto.PQCProviderLabel
				desc.PQCCiphertext = ct
				return psk, nil
			}
			err = perr
		}
		log.Warningf("pqc encapsulation failed, using random psk: %v", err)
	} else {
		log.Warning("pqc requested without a client kem key, using random psk")
	}
	metrics.PQCFallback()
	psk, err := randomKey(32)
	if err != nil {
		return "", err
	}
	desc.PresharedKey = psk
	desc.PQCHandshake = crypto.PQCFallbackLabel
	return psk, nil
}

func randomKey(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
