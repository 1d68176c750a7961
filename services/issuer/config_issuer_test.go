package issuer

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"marinvpn/pkg/crypto"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/store"
	"marinvpn/pkg/vpnerr"
	"marinvpn/pkg/wg"
	"marinvpn/services/directory"
)

type recordingPeers struct {
	mu      sync.Mutex
	peers   map[string]wg.Peer
	removed []string
}

func newRecordingPeers() *recordingPeers {
	return &recordingPeers{peers: make(map[string]wg.Peer)}
}

func (r *recordingPeers) RegisterPeer(_ context.Context, p wg.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.PublicKey] = p
	return nil
}

func (r *recordingPeers) RemovePeer(_ context.Context, pub string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, pub)
	r.removed = append(r.removed, pub)
	return nil
}

func (r *recordingPeers) get(pub string) (wg.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[pub]
	return p, ok
}

func testCatalog(t *testing.T) directory.Catalog {
	t.Helper()
	c := directory.NewMemoryCatalog()
	require.NoError(t, directory.Seed(context.Background(), c, []proto.VpnServer{
		{Country: "Sweden", City: "Stockholm", Endpoint: "se1.example.net:51820", PublicKey: "c2UxLXNlcnZlci1rZXktcGxhY2Vob2xkZXItMDAwMDA=", CurrentLoad: 40, AvgLatency: 20, Active: true},
		{Country: "Sweden", City: "Malmo", Endpoint: "se2.example.net:51820", PublicKey: "c2UyLXNlcnZlci1rZXktcGxhY2Vob2xkZXItMDAwMDA=", CurrentLoad: 10, AvgLatency: 50, Active: true},
		{Country: "Germany", City: "Berlin", Endpoint: "de1.example.net:51820", PublicKey: "ZGUxLXNlcnZlci1rZXktcGxhY2Vob2xkZXItMDAwMDA=", CurrentLoad: 5, AvgLatency: 5, Active: true},
		{Country: "Germany", City: "Frankfurt", Endpoint: "de2.example.net:51820", PublicKey: "ZGUyLXNlcnZlci1rZXktcGxhY2Vob2xkZXItMDAwMDA=", CurrentLoad: 5, AvgLatency: 5, Active: true},
		{Country: "Norway", City: "Oslo", Endpoint: "no1.example.net:51820", PublicKey: "bm8xLXNlcnZlci1rZXktcGxhY2Vob2xkZXItMDAwMDA=", Active: false},
	}))
	return c
}

func clientKey(t *testing.T) string {
	t.Helper()
	_, pub, err := wg.GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func TestMapIDToIP(t *testing.T) {
	cases := map[int64]string{
		0:                 "10.0.0.2/32",
		1:                 "10.0.0.3/32",
		252:               "10.0.0.254/32",
		253:               "10.0.1.2/32",
		253 * 256:         "10.1.0.2/32",
		addressPool - 1:   "10.255.255.254/32",
		addressPool:       "10.0.0.2/32",
		addressPool + 254: "10.0.1.3/32",
	}
	for id, want := range cases {
		if got := MapIDToIP(id); got != want {
			t.Fatalf("MapIDToIP(%d)=%s want %s", id, got, want)
		}
	}
}

func TestSelectEndpointPicksLowestScore(t *testing.T) {
	c := NewConfigIssuer(testCatalog(t), store.NewMemoryLedger(), newRecordingPeers())
	ctx := context.Background()

	// se1 scores 34, se2 scores 22.
	s, err := c.SelectEndpoint(ctx, "Sweden, Stockholm")
	require.NoError(t, err)
	require.Equal(t, "se2.example.net:51820", s.Endpoint)

	s, err = c.SelectEndpoint(ctx, " Germany ")
	require.NoError(t, err)
	require.Equal(t, "de1.example.net:51820", s.Endpoint, "ties keep the first server")

	s, err = c.SelectEndpoint(ctx, "Atlantis")
	require.NoError(t, err)
	require.Equal(t, "Sweden", s.Country)

	s, err = c.SelectEndpoint(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "Sweden", s.Country)
}

func TestSelectEndpointNoServers(t *testing.T) {
	c := NewConfigIssuer(directory.NewMemoryCatalog(), store.NewMemoryLedger(), newRecordingPeers())
	_, err := c.SelectEndpoint(context.Background(), "Norway")
	require.ErrorIs(t, err, vpnerr.ErrNoServersAvailable)
}

func TestDNSFor(t *testing.T) {
	require.Equal(t, "1.1.1.1, 8.8.8.8", DNSFor(nil))
	require.Equal(t, "1.1.1.1, 8.8.8.8", DNSFor(&proto.DNSBlocking{Gambling: true}))
	require.Equal(t, "94.140.14.14, 94.140.15.15", DNSFor(&proto.DNSBlocking{Trackers: true, AdultContent: true}))
	require.Equal(t, "1.1.1.3, 1.0.0.3", DNSFor(&proto.DNSBlocking{AdultContent: true}))
}

func TestLeaseAddressIdempotent(t *testing.T) {
	c := NewConfigIssuer(testCatalog(t), store.NewMemoryLedger(), newRecordingPeers())
	ctx := context.Background()
	a1, err := c.LeaseAddress(ctx, "key-a")
	require.NoError(t, err)
	a2, err := c.LeaseAddress(ctx, "key-a")
	require.NoError(t, err)
	b, err := c.LeaseAddress(ctx, "key-b")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3/32", a1)
	require.Equal(t, a1, a2)
	require.Equal(t, "10.0.0.4/32", b)
}

func TestIssueRegistersPeerWithoutPQC(t *testing.T) {
	peers := newRecordingPeers()
	c := NewConfigIssuer(testCatalog(t), store.NewMemoryLedger(), peers)
	pub := clientKey(t)

	desc, err := c.Issue(context.Background(), IssueRequest{Location: "Germany", PubKey: pub, DNSBlocking: &proto.DNSBlocking{Ads: true}})
	require.NoError(t, err)
	require.Empty(t, desc.PrivateKey)
	require.Empty(t, desc.PresharedKey)
	require.Empty(t, desc.PQCHandshake)
	require.Equal(t, "de1.example.net:51820", desc.Endpoint)
	require.Equal(t, proto.DefaultAllowedIPs, desc.AllowedIPs)
	require.Equal(t, "94.140.14.14, 94.140.15.15", desc.DNS)
	obfs, err := base64.StdEncoding.DecodeString(desc.ObfuscationKey)
	require.NoError(t, err)
	require.Len(t, obfs, 16)

	p, ok := peers.get(pub)
	require.True(t, ok)
	require.Equal(t, desc.Address, p.AllowedIP)
	require.Empty(t, p.PresharedKey)
}

func TestIssueRejectsBadPublicKey(t *testing.T) {
	c := NewConfigIssuer(testCatalog(t), store.NewMemoryLedger(), newRecordingPeers())
	_, err := c.Issue(context.Background(), IssueRequest{Location: "Sweden", PubKey: "not-a-key"})
	require.ErrorIs(t, err, vpnerr.ErrMalformedInput)
}

func TestIssuePQCRoundTrip(t *testing.T) {
	peers := newRecordingPeers()
	c := NewConfigIssuer(testCatalog(t), store.NewMemoryLedger(), peers)
	kp, err := crypto.GenerateKEMKeyPair()
	require.NoError(t, err)
	kemPub, err := kp.PublicKeyBase64()
	require.NoError(t, err)
	pub := clientKey(t)

	desc, err := c.Issue(context.Background(), IssueRequest{Location: "Sweden", PubKey: pub, QuantumResistant: true, PQCPublicKey: kemPub})
	require.NoError(t, err)
	require.Equal(t, crypto.PQCHandshakeLabel, desc.PQCHandshake)
	require.Equal(t, crypto.PQCProviderLabel, desc.PQCProvider)
	require.NotEmpty(t, desc.PQCCiphertext)
	require.Empty(t, desc.PresharedKey, "the shared secret never travels")

	secret, err := kp.Decapsulate(desc.PQCCiphertext)
	require.NoError(t, err)
	psk, err := crypto.PresharedKeyFromSecret(secret)
	require.NoError(t, err)

	p, ok := peers.get(pub)
	require.True(t, ok)
	require.Equal(t, psk, p.PresharedKey)
}

func TestIssuePQCFallback(t *testing.T) {
	peers := newRecordingPeers()
	c := NewConfigIssuer(testCatalog(t), store.NewMemoryLedger(), peers)
	c.encapsulate = func(string) (string, []byte, error) { return "", nil, errors.New("kem unavailable") }
	pub := clientKey(t)

	desc, err := c.Issue(context.Background(), IssueRequest{Location: "Sweden", PubKey: pub, QuantumResistant: true, PQCPublicKey: "AAAA"})
	require.NoError(t, err)
	require.Equal(t, crypto.PQCFallbackLabel, desc.PQCHandshake)
	require.Empty(t, desc.PQCProvider)
	require.Empty(t, desc.PQCCiphertext)
	require.NotEmpty(t, desc.PresharedKey)

	p, _ := peers.get(pub)
	require.Equal(t, desc.PresharedKey, p.PresharedKey)
}
