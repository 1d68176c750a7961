// Package config loads node configuration from an optional TOML file and
// the environment. Environment variables override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"marinvpn/pkg/proto"
	"marinvpn/pkg/tunnel"
)

const (
	defaultProvisionAddr = "127.0.0.1:8082"
	defaultWGInterface   = "wg0"
	defaultKeyBits       = 2048
	defaultLogLevel      = "INFO"

	BackendCommand    = "command"
	BackendSimulation = "simulation"
)

type Logging struct {
	File  string
	Level string
}

// Provision configures the provisioning service.
type Provision struct {
	Addr string
	// RedisAddr selects the Redis nonce store and lease ledger. Empty keeps
	// both in process memory.
	RedisAddr string
	// CatalogPath is the bbolt file holding the server catalog. Empty keeps
	// the catalog in memory, seeded from Servers.
	CatalogPath   string
	WGInterface   string
	SessionTokens []string
	AdminToken    string
	KeyBits       int
	Servers       []proto.VpnServer
}

// Client configures the tunnel client role.
type Client struct {
	ProvisionURL string
	SessionToken string
	Backend      string
	Settings     tunnel.Settings
}

type Config struct {
	Logging   *Logging
	Provision *Provision
	Client    *Client
}

func Default() *Config {
	return &Config{
		Logging: &Logging{Level: defaultLogLevel},
		Provision: &Provision{
			Addr:        defaultProvisionAddr,
			WGInterface: defaultWGInterface,
			KeyBits:     defaultKeyBits,
		},
		Client: &Client{
			ProvisionURL: "http://" + defaultProvisionAddr,
			Backend:      BackendCommand,
			Settings:     tunnel.DefaultSettings(),
		},
	}
}

// FixupAndValidate applies defaults to missing sections and validates the
// result.
func (c *Config) FixupAndValidate() error {
	def := Default()
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.Provision == nil {
		c.Provision = def.Provision
	}
	if c.Client == nil {
		c.Client = def.Client
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}

	p := c.Provision
	if strings.TrimSpace(p.Addr) == "" {
		p.Addr = defaultProvisionAddr
	}
	if strings.TrimSpace(p.WGInterface) == "" {
		p.WGInterface = defaultWGInterface
	}
	if p.KeyBits == 0 {
		p.KeyBits = defaultKeyBits
	}
	if p.KeyBits < 2048 {
		return fmt.Errorf("config: Provision.KeyBits must be at least 2048, got %d", p.KeyBits)
	}
	for i, s := range p.Servers {
		if strings.TrimSpace(s.Endpoint) == "" || strings.TrimSpace(s.PublicKey) == "" {
			return fmt.Errorf("config: Provision.Servers[%d] needs Endpoint and PublicKey", i)
		}
		if s.CurrentLoad > 100 {
			return fmt.Errorf("config: Provision.Servers[%d] load above 100", i)
		}
	}

	cl := c.Client
	if strings.TrimSpace(cl.Backend) == "" {
		cl.Backend = BackendCommand
	}
	if cl.Backend != BackendCommand && cl.Backend != BackendSimulation {
		return fmt.Errorf("config: unknown Client.Backend %q", cl.Backend)
	}
	if strings.TrimSpace(cl.ProvisionURL) == "" {
		cl.ProvisionURL = "http://" + p.Addr
	}
	if !strings.HasPrefix(cl.ProvisionURL, "http://") && !strings.HasPrefix(cl.ProvisionURL, "https://") {
		return errors.New("config: Client.ProvisionURL must be an http(s) URL")
	}
	if err := cl.Settings.Fixup(); err != nil {
		return fmt.Errorf("config: Client.Settings: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables on c.
func (c *Config) ApplyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("LOG_FILE", &c.Logging.File)
	str("LOG_LEVEL", &c.Logging.Level)

	str("PROVISION_ADDR", &c.Provision.Addr)
	str("REDIS_ADDR", &c.Provision.RedisAddr)
	str("CATALOG_PATH", &c.Provision.CatalogPath)
	str("WG_SERVER_INTERFACE", &c.Provision.WGInterface)
	str("ADMIN_TOKEN", &c.Provision.AdminToken)
	if v := strings.TrimSpace(getenv("SESSION_TOKENS")); v != "" {
		c.Provision.SessionTokens = splitCSV(v)
	}
	if v := strings.TrimSpace(getenv("BLIND_KEY_BITS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Provision.KeyBits = n
		}
	}

	str("PROVISION_URL", &c.Client.ProvisionURL)
	str("SESSION_TOKEN", &c.Client.SessionToken)
	str("CLIENT_BACKEND", &c.Client.Backend)
	if v := strings.TrimSpace(getenv("CLIENT_LOCATION")); v != "" {
		c.Client.Settings.EntryLocation = v
		c.Client.Settings.ExitLocation = v
	}
}

// Load parses the provided buffer b as a config file body, overlays the
// process environment and returns the validated Config.
func Load(b []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads the file at f. An empty path yields defaults plus
// environment.
func LoadFile(f string) (*Config, error) {
	if strings.TrimSpace(f) == "" {
		return Load(nil)
	}
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
