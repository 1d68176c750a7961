// Package directory holds the VPN server catalog and serves the public
// server list.
package directory

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"marinvpn/internal/logging"
	"marinvpn/pkg/proto"
)

var log = logging.GetLogger("directory")

const (
	serversBucket = "servers"
	indexBucket   = "endpoints"
)

var ErrUnknownServer = errors.New("unknown server")

// Catalog lists the exit servers the issuer may hand out. Servers keeps
// insertion order so ties in selection resolve to the first-seen entry.
type Catalog interface {
	Servers(ctx context.Context) ([]proto.VpnServer, error)
	Upsert(ctx context.Context, s proto.VpnServer) error
	SetActive(ctx context.Context, endpoint string, active bool) error
	Close() error
}

// Active returns the active servers of c, optionally limited to country.
func Active(ctx context.Context, c Catalog, country string) ([]proto.VpnServer, error) {
	all, err := c.Servers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]proto.VpnServer, 0, len(all))
	for _, s := range all {
		if !s.Active {
			continue
		}
		if country != "" && !strings.EqualFold(s.Country, country) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Seed upserts servers in order.
func Seed(ctx context.Context, c Catalog, servers []proto.VpnServer) error {
	for _, s := range servers {
		if err := c.Upsert(ctx, s); err != nil {
			return fmt.Errorf("seed %s: %w", s.Endpoint, err)
		}
	}
	if len(servers) > 0 {
		log.Infof("catalog seeded servers=%d", len(servers))
	}
	return nil
}

type MemoryCatalog struct {
	mu      sync.RWMutex
	servers []proto.VpnServer
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{}
}

func (m *MemoryCatalog) Servers(context.Context) ([]proto.VpnServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]proto.VpnServer(nil), m.servers...), nil
}

func (m *MemoryCatalog) Upsert(_ context.Context, s proto.VpnServer) error {
	if err := validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.servers {
		if m.servers[i].Endpoint == s.Endpoint {
			m.servers[i] = s
			return nil
		}
	}
	m.servers = append(m.servers, s)
	return nil
}

func (m *MemoryCatalog) SetActive(_ context.Context, endpoint string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.servers {
		if m.servers[i].Endpoint == endpoint {
			m.servers[i].Active = active
			return nil
		}
	}
	return ErrUnknownServer
}

func (m *MemoryCatalog) Close() error { return nil }

// record is the stored form; VpnServer hides Active from its JSON.
type record struct {
	proto.VpnServer
	Active bool `json:"active"`
}

// BoltCatalog persists the catalog across restarts. Entries are keyed by a
// bucket sequence number so iteration follows insertion order, with a
// secondary endpoint index for upserts.
type BoltCatalog struct {
	db *bolt.DB
}

func OpenBoltCatalog(path string) (*BoltCatalog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(serversBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	return &BoltCatalog{db: db}, nil
}

func (b *BoltCatalog) Servers(context.Context) ([]proto.VpnServer, error) {
	var out []proto.VpnServer
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(serversBucket)).ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			s := rec.VpnServer
			s.Active = rec.Active
			out = append(out, s)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return out, nil
}

func (b *BoltCatalog) Upsert(_ context.Context, s proto.VpnServer) error {
	if err := validate(s); err != nil {
		return err
	}
	raw, err := json.Marshal(record{VpnServer: s, Active: s.Active})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		servers := tx.Bucket([]byte(serversBucket))
		index := tx.Bucket([]byte(indexBucket))
		key := index.Get([]byte(s.Endpoint))
		if key == nil {
			seq, err := servers.NextSequence()
			if err != nil {
				return err
			}
			key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := index.Put([]byte(s.Endpoint), key); err != nil {
				return err
			}
		}
		return servers.Put(append([]byte(nil), key...), raw)
	})
}

func (b *BoltCatalog) SetActive(_ context.Context, endpoint string, active bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(indexBucket)).Get([]byte(endpoint))
		if key == nil {
			return ErrUnknownServer
		}
		servers := tx.Bucket([]byte(serversBucket))
		var rec record
		if err := json.Unmarshal(servers.Get(key), &rec); err != nil {
			return err
		}
		rec.Active = active
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return servers.Put(append([]byte(nil), key...), raw)
	})
}

func (b *BoltCatalog) Close() error {
	return b.db.Close()
}

func validate(s proto.VpnServer) error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("server endpoint is required")
	}
	if strings.TrimSpace(s.PublicKey) == "" {
		return errors.New("server public key is required")
	}
	if s.CurrentLoad > 100 {
		return fmt.Errorf("server load %d out of range", s.CurrentLoad)
	}
	return nil
}
