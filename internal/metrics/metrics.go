// Package metrics exposes provisioning counters in the Prometheus format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	initOnce sync.Once

	blindTokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marinvpn_blind_tokens_issued_total",
			Help: "Number of blinded messages signed",
		},
	)
	configsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marinvpn_configs_issued_total",
			Help: "Number of tunnel descriptors issued",
		},
		[]string{"path"},
	)
	tokenReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marinvpn_token_replays_total",
			Help: "Number of config requests rejected as replayed tokens",
		},
	)
	signatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marinvpn_signature_failures_total",
			Help: "Number of config requests rejected for a bad blind signature",
		},
	)
	pqcFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marinvpn_pqc_fallbacks_total",
			Help: "Number of quantum-resistant requests served with a random PSK fallback",
		},
	)
	peerLeases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marinvpn_peer_leases_total",
			Help: "Number of address leases handed out",
		},
	)
	stalePeersRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marinvpn_stale_peers_removed_total",
			Help: "Number of peers removed by stale session cleanup",
		},
	)
)

func Init() {
	initOnce.Do(func() {
		registry.MustRegister(blindTokensIssued)
		registry.MustRegister(configsIssued)
		registry.MustRegister(tokenReplays)
		registry.MustRegister(signatureFailures)
		registry.MustRegister(pqcFallbacks)
		registry.MustRegister(peerLeases)
		registry.MustRegister(stalePeersRemoved)
		registry.MustRegister(prometheus.NewGoCollector())
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func BlindTokenIssued() {
	blindTokensIssued.Inc()
}

func ConfigIssued(path string) {
	configsIssued.With(prometheus.Labels{"path": path}).Inc()
}

func TokenReplayed() {
	tokenReplays.Inc()
}

func SignatureFailed() {
	signatureFailures.Inc()
}

func PQCFallback() {
	pqcFallbacks.Inc()
}

func PeerLeased() {
	peerLeases.Inc()
}

func StalePeersRemoved(n int) {
	stalePeersRemoved.Add(float64(n))
}
