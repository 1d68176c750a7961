package relay

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"

	"marinvpn/pkg/proto"
)

const (
	lwoHeaderLen = 16
	lwoKeyInfo   = "marinvpn lwo v1"
	maxDatagram  = 2048
)

// LWOKey derives the header mask from a base64 obfuscation key. A missing
// or undecodable key yields the zero mask.
func LWOKey(obfuscationKey string) [lwoHeaderLen]byte {
	var k [lwoHeaderLen]byte
	raw, err := base64.StdEncoding.DecodeString(obfuscationKey)
	if err != nil || len(raw) == 0 {
		return k
	}
	r := hkdf.New(sha256.New, raw, nil, []byte(lwoKeyInfo))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return [lwoHeaderLen]byte{}
	}
	return k
}

// Scramble XORs the first 16 bytes of packet with key in place. It is its
// own inverse.
func Scramble(packet []byte, key [lwoHeaderLen]byte) {
	n := min(len(packet), lwoHeaderLen)
	for i := 0; i < n; i++ {
		packet[i] ^= key[i]
	}
}

// LWORelay masks WireGuard message headers so the handshake is not
// recognisable on the wire.
type LWORelay struct {
	ListenAddr string

	mu     sync.Mutex
	local  *net.UDPConn
	remote *net.UDPConn
	wg     sync.WaitGroup
}

func NewLWORelay() *LWORelay {
	return &LWORelay{ListenAddr: localAddr(LWOPort)}
}

func (r *LWORelay) Name() string { return "lwo" }

func (r *LWORelay) Start(ctx context.Context, remote string, key string) (string, error) {
	_ = r.Stop()

	host, port := proto.SplitHostPort(remote)
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("lwo resolve %s: %w", remote, errors.Join(err, errors.New("no address")))
	}
	rudp := net.UDPAddrFromAddrPort(netip.AddrPortFrom(ips[0], uint16(port)))
	laddr, err := net.ResolveUDPAddr("udp", r.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("lwo listen addr: %w", err)
	}
	local, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return "", fmt.Errorf("lwo bind %s: %w", r.ListenAddr, err)
	}
	up, err := net.DialUDP("udp", nil, rudp)
	if err != nil {
		_ = local.Close()
		return "", fmt.Errorf("lwo dial %s: %w", remote, err)
	}

	r.mu.Lock()
	r.local, r.remote = local, up
	r.mu.Unlock()

	mask := LWOKey(key)
	var peer atomic.Pointer[net.UDPAddr]
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		buf := make([]byte, maxDatagram)
		for {
			n, from, err := local.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if !LooksLikeWireGuardMessage(buf[:n]) {
				continue
			}
			peer.Store(from)
			Scramble(buf[:n], mask)
			if _, err := up.Write(buf[:n]); err != nil {
				log.Debugf("lwo upstream write: %v", err)
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		buf := make([]byte, maxDatagram)
		for {
			n, err := up.Read(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			to := peer.Load()
			if to == nil {
				continue
			}
			Scramble(buf[:n], mask)
			if !LooksLikeWireGuardMessage(buf[:n]) {
				continue
			}
			if _, err := local.WriteToUDP(buf[:n], to); err != nil {
				log.Debugf("lwo local write: %v", err)
			}
		}
	}()

	addr := local.LocalAddr().String()
	log.Infof("lwo relay active local=%s", addr)
	return addr, nil
}

func (r *LWORelay) Stop() error {
	r.mu.Lock()
	local, up := r.local, r.remote
	r.local, r.remote = nil, nil
	r.mu.Unlock()
	if local == nil {
		return nil
	}
	_ = local.Close()
	_ = up.Close()
	r.wg.Wait()
	return nil
}
