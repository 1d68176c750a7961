package wg

import (
	"fmt"
	"strings"
)

const (
	EntryInterface = "marinvpn0"
	ExitInterface  = "marinvpn1"

	KillSwitchTable = "marinvpn_killswitch"

	PersistentKeepalive = 25
)

// InterfaceConfig is one wg-quick interface with a single peer.
type InterfaceConfig struct {
	PrivateKey    string
	Address       string
	MTU           int
	DNS           string
	PeerPublicKey string
	Endpoint      string
	AllowedIPs    string
	PresharedKey  string
}

func (c InterfaceConfig) Validate() error {
	switch {
	case c.PrivateKey == "":
		return fmt.Errorf("missing private key")
	case c.Address == "":
		return fmt.Errorf("missing address")
	case c.PeerPublicKey == "":
		return fmt.Errorf("missing peer public key")
	case c.Endpoint == "":
		return fmt.Errorf("missing endpoint")
	case c.AllowedIPs == "":
		return fmt.Errorf("missing allowed ips")
	case c.MTU <= 0:
		return fmt.Errorf("invalid mtu %d", c.MTU)
	}
	for _, v := range []string{c.PrivateKey, c.Address, c.DNS, c.PeerPublicKey, c.Endpoint, c.AllowedIPs, c.PresharedKey} {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("config value contains a line break")
		}
	}
	return nil
}

// Render returns the wg-quick(8) text for c.
func (c InterfaceConfig) Render() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", c.Address)
	fmt.Fprintf(&b, "MTU = %d\n", c.MTU)
	if c.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", c.DNS)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.PeerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", c.AllowedIPs)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", PersistentKeepalive)
	if c.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", c.PresharedKey)
	}
	return b.String(), nil
}
