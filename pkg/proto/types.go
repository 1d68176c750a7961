package proto

import "strings"

const (
	DefaultCountry    = "Sweden"
	DefaultAllowedIPs = "0.0.0.0/0, ::/0"
	LocationAutomatic = "Automatic"
)

type DNSBlocking struct {
	Ads          bool `json:"ads" toml:"ads"`
	Trackers     bool `json:"trackers" toml:"trackers"`
	Malware      bool `json:"malware" toml:"malware"`
	Gambling     bool `json:"gambling" toml:"gambling"`
	AdultContent bool `json:"adult_content" toml:"adult_content"`
	SocialMedia  bool `json:"social_media" toml:"social_media"`
}

type BlindTokenRequest struct {
	BlindedMessage string `json:"blinded_message"`
}

type BlindTokenResponse struct {
	SignedBlindedMessage string `json:"signed_blinded_message"`
}

// AnonymousConfigRequest is presented without a session credential; the
// (message, signature) pair is the only proof of entitlement.
type AnonymousConfigRequest struct {
	Message          string       `json:"message"`
	Signature        string       `json:"signature"`
	Location         string       `json:"location"`
	PubKey           string       `json:"pub_key"`
	DNSBlocking      *DNSBlocking `json:"dns_blocking,omitempty"`
	QuantumResistant bool         `json:"quantum_resistant"`
	PQCPublicKey     string       `json:"pqc_public_key,omitempty"`
}

type ConfigRequest struct {
	AccountNumber    string       `json:"account_number,omitempty"`
	Location         string       `json:"location"`
	PubKey           string       `json:"pub_key"`
	DNSBlocking      *DNSBlocking `json:"dns_blocking,omitempty"`
	QuantumResistant bool         `json:"quantum_resistant"`
	PQCPublicKey     string       `json:"pqc_public_key,omitempty"`
}

// TunnelDescriptor is one negotiated tunnel leg. PrivateKey is filled in by
// the client and is always empty when it leaves the server.
type TunnelDescriptor struct {
	PrivateKey     string `json:"private_key"`
	PublicKey      string `json:"public_key"`
	PresharedKey   string `json:"preshared_key,omitempty"`
	Endpoint       string `json:"endpoint"`
	AllowedIPs     string `json:"allowed_ips"`
	Address        string `json:"address"`
	DNS            string `json:"dns,omitempty"`
	PQCHandshake   string `json:"pqc_handshake,omitempty"`
	PQCProvider    string `json:"pqc_provider,omitempty"`
	PQCCiphertext  string `json:"pqc_ciphertext,omitempty"`
	ObfuscationKey string `json:"obfuscation_key,omitempty"`
}

// Wipe clears key material. The descriptor must not be used afterwards.
func (d *TunnelDescriptor) Wipe() {
	if d == nil {
		return
	}
	d.PrivateKey = ""
	d.PresharedKey = ""
	d.PQCCiphertext = ""
	d.ObfuscationKey = ""
}

// EndpointHost returns the host part of Endpoint.
func (d TunnelDescriptor) EndpointHost() string {
	host, _ := SplitHostPort(d.Endpoint)
	return host
}

type VpnServer struct {
	Country     string `json:"country" toml:"country"`
	City        string `json:"city" toml:"city"`
	Endpoint    string `json:"endpoint" toml:"endpoint"`
	PublicKey   string `json:"public_key" toml:"public_key"`
	CurrentLoad uint8  `json:"current_load" toml:"current_load"`
	AvgLatency  uint32 `json:"avg_latency" toml:"avg_latency"`
	Active      bool   `json:"-" toml:"active"`
}

// HealthScore weighs load and latency; lower is better.
func (s VpnServer) HealthScore() float64 {
	return 0.7*float64(s.CurrentLoad) + 0.3*float64(s.AvgLatency)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// CountryFromLocation returns the first comma-delimited token of location,
// falling back to DefaultCountry.
func CountryFromLocation(location string) string {
	head, _, _ := strings.Cut(location, ",")
	head = strings.TrimSpace(head)
	if head == "" || strings.EqualFold(head, LocationAutomatic) {
		return DefaultCountry
	}
	return head
}

// SplitHostPort splits host:port, tolerating bracketed IPv6 and a missing
// port (returned as 0).
func SplitHostPort(endpoint string) (string, int) {
	v := strings.TrimSpace(endpoint)
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			host := v[1:end]
			return host, parsePort(strings.TrimPrefix(v[end+1:], ":"))
		}
	}
	idx := strings.LastIndex(v, ":")
	if idx <= 0 {
		return v, 0
	}
	host := v[:idx]
	if strings.Contains(host, ":") {
		// bare IPv6 without port
		return v, 0
	}
	return host, parsePort(v[idx+1:])
}

func parsePort(raw string) int {
	if raw == "" || len(raw) > 5 {
		return 0
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	if n > 65535 {
		return 0
	}
	return n
}
