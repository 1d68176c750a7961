package provision

import (
	"context"
	"fmt"
	"strings"

	"marinvpn/internal/logging"
	"marinvpn/pkg/crypto"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/wg"
)

// Request describes the tunnel leg to provision.
type Request struct {
	Location         string
	DNSBlocking      proto.DNSBlocking
	QuantumResistant bool
}

// Provision obtains a descriptor through the anonymous token exchange. An
// "Automatic" location is resolved by probing the published servers first.
func (c *Client) Provision(ctx context.Context, req Request) (*proto.TunnelDescriptor, error) {
	req.Location = c.ResolveLocation(ctx, req.Location)
	return c.AnonymousDescriptor(ctx, req)
}

// IsAutomatic reports whether location asks for server selection.
func IsAutomatic(location string) bool {
	location = strings.TrimSpace(location)
	return location == "" || strings.EqualFold(location, proto.LocationAutomatic)
}

// ResolveLocation turns an "Automatic" location into the "Country, City" of
// the best published server outside exclude. Concrete locations, and
// automatic ones that cannot be resolved, come back unchanged.
func (c *Client) ResolveLocation(ctx context.Context, location string, exclude ...string) string {
	if !IsAutomatic(location) {
		return location
	}
	servers, err := c.Servers(ctx)
	if err != nil {
		log.Warningf("automatic location: server list unavailable: %v", err)
		return location
	}
	best, ok := FindBestServer(ctx, servers, "", exclude...)
	if !ok {
		return location
	}
	resolved := best.Country + ", " + best.City
	log.Infof("automatic location resolved to %s", resolved)
	return resolved
}

// AnonymousDescriptor runs the blind token exchange and redeems the token
// for a descriptor. The session credential is only sent while obtaining
// the signature; the redemption carries nothing linkable to it.
func (c *Client) AnonymousDescriptor(ctx context.Context, req Request) (*proto.TunnelDescriptor, error) {
	pemText, err := c.BlindKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("blind key: %w", err)
	}
	pub, err := crypto.ParseBlindPublicKey(pemText)
	if err != nil {
		return nil, err
	}
	msg, err := crypto.NewTokenMessage()
	if err != nil {
		return nil, err
	}
	blinded, st, err := crypto.Blind(pub, msg)
	crypto.Wipe(msg)
	if err != nil {
		return nil, err
	}
	defer st.Wipe()

	signed, err := c.IssueToken(ctx, blinded)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	sig, err := st.Unblind(signed)
	if err != nil {
		return nil, err
	}

	priv, wgPub, err := wg.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ks, err := newKeyStage(req.QuantumResistant)
	if err != nil {
		return nil, err
	}
	dns := req.DNSBlocking
	desc, err := c.AnonymousConfig(ctx, proto.AnonymousConfigRequest{
		Message:          st.MessageBase64(),
		Signature:        sig,
		Location:         req.Location,
		PubKey:           wgPub,
		DNSBlocking:      &dns,
		QuantumResistant: req.QuantumResistant,
		PQCPublicKey:     ks.publicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("anonymous config: %w", err)
	}
	desc.PrivateKey = priv
	if err := ks.finish(&desc); err != nil {
		desc.Wipe()
		return nil, err
	}
	log.Infof("descriptor received endpoint=%s address=%s key=%s", desc.Endpoint, desc.Address, logging.MaskKey(wgPub))
	return &desc, nil
}

// LinkedDescriptor requests a descriptor with the session credential
// attached, for deployments that do not need unlinkability.
func (c *Client) LinkedDescriptor(ctx context.Context, account string, req Request) (*proto.TunnelDescriptor, error) {
	priv, wgPub, err := wg.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ks, err := newKeyStage(req.QuantumResistant)
	if err != nil {
		return nil, err
	}
	dns := req.DNSBlocking
	desc, err := c.Config(ctx, proto.ConfigRequest{
		AccountNumber:    account,
		Location:         c.ResolveLocation(ctx, req.Location),
		PubKey:           wgPub,
		DNSBlocking:      &dns,
		QuantumResistant: req.QuantumResistant,
		PQCPublicKey:     ks.publicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	desc.PrivateKey = priv
	if err := ks.finish(&desc); err != nil {
		desc.Wipe()
		return nil, err
	}
	return &desc, nil
}

// keyStage holds the client KEM keypair for one request.
type keyStage struct {
	kp        *crypto.KEMKeyPair
	publicKey string
}

func newKeyStage(enabled bool) (*keyStage, error) {
	if !enabled {
		return &keyStage{}, nil
	}
	kp, err := crypto.GenerateKEMKeyPair()
	if err != nil {
		return nil, err
	}
	pub, err := kp.PublicKeyBase64()
	if err != nil {
		return nil, err
	}
	return &keyStage{kp: kp, publicKey: pub}, nil
}

// finish derives the PSK from the server's ciphertext. A descriptor
// without a ciphertext keeps whatever PSK the server chose.
func (k *keyStage) finish(desc *proto.TunnelDescriptor) error {
	if k.kp == nil || desc.PQCCiphertext == "" {
		return nil
	}
	secret, err := k.kp.Decapsulate(desc.PQCCiphertext)
	if err != nil {
		return fmt.Errorf("pqc decapsulate: %w", err)
	}
	defer crypto.Wipe(secret)
	psk, err := crypto.PresharedKeyFromSecret(secret)
	if err != nil {
		return err
	}
	desc.PresharedKey = psk
	desc.PQCCiphertext = ""
	return nil
}

// IsPQCFallback reports whether the server could not run the key stage.
func IsPQCFallback(desc *proto.TunnelDescriptor) bool {
	return desc != nil && desc.PQCHandshake == crypto.PQCFallbackLabel
}
