package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// datagramConn is the part of a QUIC connection the relay pumps through.
type datagramConn interface {
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
	CloseWithError(quic.ApplicationErrorCode, string) error
}

// QUICRelay carries WireGuard packets as QUIC datagrams to port 443 of the
// remote host. The server certificate is not checked; the WireGuard
// handshake inside authenticates the peer.
type QUICRelay struct {
	ListenAddr string
	// RemotePort overrides the default 443.
	RemotePort int

	mu     sync.Mutex
	local  *net.UDPConn
	conn   datagramConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQUICRelay() *QUICRelay {
	return &QUICRelay{ListenAddr: localAddr(QUICPort)}
}

func (r *QUICRelay) Name() string { return "quic" }

func (r *QUICRelay) Start(ctx context.Context, remote string, _ string) (string, error) {
	_ = r.Stop()

	port := r.RemotePort
	if port == 0 {
		port = TLSPort
	}
	target := RewritePort(remote, port)

	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h3"},
	}
	qconf := &quic.Config{
		EnableDatagrams:   true,
		KeepAlivePeriod:   15 * time.Second,
		InitialPacketSize: 1452,
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, 5*time.Second)
	conn, err := quic.DialAddr(dialCtx, target, tlsConf, qconf)
	cancelDial()
	if err != nil {
		return "", fmt.Errorf("quic dial %s: %w", target, err)
	}

	laddr, err := net.ResolveUDPAddr("udp", r.ListenAddr)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return "", fmt.Errorf("quic listen addr: %w", err)
	}
	local, err := net.ListenUDP("udp", laddr)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return "", fmt.Errorf("quic bind %s: %w", r.ListenAddr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.local, r.conn, r.cancel = local, conn, cancel
	r.mu.Unlock()

	r.pump(runCtx, local, conn)

	addr := local.LocalAddr().String()
	log.Infof("quic relay active local=%s remote=%s", addr, target)
	return addr, nil
}

func (r *QUICRelay) pump(ctx context.Context, local *net.UDPConn, conn datagramConn) {
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
			peer.Store(from)
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			if err := conn.SendDatagram(pkt); err != nil {
				log.Debugf("quic send datagram: %v", err)
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		for {
			pkt, err := conn.ReceiveDatagram(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					log.Warningf("quic relay closed: %v", err)
				}
				return
			}
			to := peer.Load()
			if to == nil {
				continue
			}
			if _, err := local.WriteToUDP(pkt, to); err != nil {
				log.Debugf("quic local write: %v", err)
			}
		}
	}()
}

func (r *QUICRelay) Stop() error {
	r.mu.Lock()
	local, conn, cancel := r.local, r.conn, r.cancel
	r.local, r.conn, r.cancel = nil, nil, nil
	r.mu.Unlock()
	if local == nil {
		return nil
	}
	cancel()
	_ = local.Close()
	_ = conn.CloseWithError(0, "relay stopped")
	r.wg.Wait()
	return nil
}
