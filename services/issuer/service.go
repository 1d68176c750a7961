// Package issuer is the provisioning service: it signs blinded tokens,
// redeems them for tunnel descriptors and serves the server list.
package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"marinvpn/internal/config"
	"marinvpn/internal/logging"
	"marinvpn/internal/metrics"
	"marinvpn/pkg/crypto"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/store"
	"marinvpn/pkg/vpnerr"
	"marinvpn/pkg/wg"
	"marinvpn/services/directory"
)

var log = logging.GetLogger("issuer")

const (
	maxBodyBytes    = 64 << 10
	cleanupInterval = time.Hour
	maxSessionAge   = 24 * time.Hour
)

// Options carries the collaborators of a Service. Nil stores default to
// process memory.
type Options struct {
	Addr       string
	AdminToken string
	Signer     *crypto.BlindSigner
	Nonces     store.NonceStore
	Ledger     store.LeaseLedger
	Catalog    directory.Catalog
	Peers      wg.PeerManager
	Sessions   SessionVerifier
}

type Service struct {
	addr       string
	adminToken string
	signer     *crypto.BlindSigner
	nonces     store.NonceStore
	ledger     store.LeaseLedger
	catalog    directory.Catalog
	peers      wg.PeerManager
	sessions   SessionVerifier
	issuer     *ConfigIssuer
	closers    []io.Closer
	httpSrv    *http.Server
	now        func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Signer == nil {
		return nil, errors.New("issuer: blind signer is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = directory.NewMemoryCatalog()
	}
	if opts.Nonces == nil {
		opts.Nonces = store.NewMemoryNonceStore(store.DefaultNonceTTL)
	}
	if opts.Ledger == nil {
		opts.Ledger = store.NewMemoryLedger()
	}
	if opts.Peers == nil {
		opts.Peers = wg.NewMockPeerManager("")
	}
	if opts.Sessions == nil {
		opts.Sessions = NewStaticSessions(nil)
	}
	return &Service{
		addr:       opts.Addr,
		adminToken: opts.AdminToken,
		signer:     opts.Signer,
		nonces:     opts.Nonces,
		ledger:     opts.Ledger,
		catalog:    opts.Catalog,
		peers:      opts.Peers,
		sessions:   opts.Sessions,
		issuer:     NewConfigIssuer(opts.Catalog, opts.Ledger, opts.Peers),
		now:        time.Now,
	}, nil
}

// NewFromConfig builds a Service and its stores from cfg.
func NewFromConfig(ctx context.Context, cfg *config.Provision) (*Service, error) {
	signer, err := crypto.NewBlindSigner(cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	opts := Options{
		Addr:       cfg.Addr,
		AdminToken: cfg.AdminToken,
		Signer:     signer,
		Peers:      wg.NewPeerManager(ctx, cfg.WGInterface),
		Sessions:   NewStaticSessions(cfg.SessionTokens),
	}
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	if cfg.RedisAddr != "" {
		rdb, err := store.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, rdb)
		opts.Nonces = store.NewRedisNonceStore(rdb, store.DefaultNonceTTL)
		opts.Ledger = store.NewRedisLedger(rdb)
		log.Infof("issuer state in redis addr=%s", cfg.RedisAddr)
	}

	if cfg.CatalogPath != "" {
		bc, err := directory.OpenBoltCatalog(cfg.CatalogPath)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, bc)
		opts.Catalog = bc
	} else {
		opts.Catalog = directory.NewMemoryCatalog()
	}
	if err := directory.Seed(ctx, opts.Catalog, cfg.Servers); err != nil {
		closeAll()
		return nil, err
	}

	s, err := New(opts)
	if err != nil {
		closeAll()
		return nil, err
	}
	s.closers = closers
	return s, nil
}

// Handler returns the routed HTTP surface.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/auth/blind-key", s.handleBlindKey)
	mux.HandleFunc("/api/v1/auth/issue-token", s.handleIssueToken)
	mux.HandleFunc("/api/v1/vpn/config-anonymous", s.handleAnonymousConfig)
	mux.HandleFunc("/api/v1/vpn/config", s.handleConfig)
	mux.Handle("/api/v1/vpn/servers", directory.ServersHandler(s.catalog))
	mux.HandleFunc("/api/v1/vpn/panic", s.handlePanic)
	return mux
}

func (s *Service) Run(ctx context.Context) error {
	metrics.Init()
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("issuer listening on %s", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = s.httpSrv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		case <-ticker.C:
			log.Info("cleaning up stale sessions")
			if _, err := s.CleanupStale(ctx); err != nil {
				log.Errorf("stale session cleanup failed: %v", err)
			}
		}
	}
}

func (s *Service) close() {
	for _, c := range s.closers {
		_ = c.Close()
	}
}

// CleanupStale releases leases older than a day and removes their peers
// from the server interface.
func (s *Service) CleanupStale(ctx context.Context) (int, error) {
	keys, err := s.ledger.ExpireBefore(ctx, s.now().Add(-maxSessionAge))
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	for _, k := range keys {
		if err := s.peers.RemovePeer(ctx, k); err != nil {
			log.Warningf("remove stale peer key=%s: %v", logging.MaskKey(k), err)
		}
	}
	if sw, ok := s.nonces.(interface{ Sweep() int }); ok {
		sw.Sweep()
	}
	if len(keys) > 0 {
		metrics.StalePeersRemoved(len(keys))
		log.Infof("removed stale peers count=%d", len(keys))
	}
	return len(keys), nil
}

// Wipe forgets every spent token and lease and removes the leased peers.
func (s *Service) Wipe(ctx context.Context) error {
	keys, err := s.ledger.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.peers.RemovePeer(ctx, k); err != nil {
			log.Warningf("panic remove peer key=%s: %v", logging.MaskKey(k), err)
		}
	}
	if err := s.ledger.Wipe(ctx); err != nil {
		return err
	}
	return s.nonces.Wipe(ctx)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok"})
}

func (s *Service) handleBlindKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.signer.PublicKeyPEM())
}

func (s *Service) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, err := s.sessions.Verify(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var req proto.BlindTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	signed, err := s.signer.SignBlinded(req.BlindedMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BlindTokenIssued()
	log.Infof("issued blind token subject=%s", logging.MaskKey(subject))
	writeJSON(w, http.StatusOK, proto.BlindTokenResponse{SignedBlindedMessage: signed})
}

func (s *Service) handleAnonymousConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.AnonymousConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	nonce, ok := s.signer.VerifyToken(req.Message, req.Signature)
	if !ok {
		metrics.SignatureFailed()
		writeError(w, vpnerr.ErrUnauthorized)
		return
	}
	if err := s.nonces.MarkUsed(r.Context(), nonce); err != nil {
		if errors.Is(err, vpnerr.ErrTokenAlreadyUsed) {
			metrics.TokenReplayed()
		}
		writeError(w, err)
		return
	}
	desc, err := s.issuer.Issue(r.Context(), IssueRequest{
		Location:         req.Location,
		PubKey:           req.PubKey,
		DNSBlocking:      req.DNSBlocking,
		QuantumResistant: req.QuantumResistant,
		PQCPublicKey:     req.PQCPublicKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ConfigIssued("anonymous")
	writeJSON(w, http.StatusOK, desc)
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, err := s.sessions.Verify(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var req proto.ConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AccountNumber != "" && req.AccountNumber != subject {
		writeError(w, vpnerr.ErrUnauthorized)
		return
	}
	desc, err := s.issuer.Issue(r.Context(), IssueRequest{
		Location:         req.Location,
		PubKey:           req.PubKey,
		DNSBlocking:      req.DNSBlocking,
		QuantumResistant: req.QuantumResistant,
		PQCPublicKey:     req.PQCPublicKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ConfigIssued("linked")
	writeJSON(w, http.StatusOK, desc)
}

func (s *Service) handlePanic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
		writeError(w, vpnerr.ErrUnauthorized)
		return
	}
	if err := s.Wipe(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	log.Warning("panic wipe completed")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", vpnerr.ErrMalformedInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode response: %v", err)
	}
}

// writeError logs err and sends only its public message.
func writeError(w http.ResponseWriter, err error) {
	status := vpnerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	} else {
		log.Debugf("request rejected: %v", err)
	}
	writeJSON(w, status, proto.ErrorResponse{Error: vpnerr.PublicMessage(err), Success: false})
}
