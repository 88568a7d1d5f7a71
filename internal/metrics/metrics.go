package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidechain",
		Name:      "chain_height",
		Help:      "Height of the best chain.",
	})

	BlocksApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Name:      "blocks_applied_total",
		Help:      "Total blocks applied across state, wallet, and history.",
	})

	BlocksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Name:      "blocks_rejected_total",
		Help:      "Total blocks rejected syntactically or by state rules.",
	})

	ChainSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Name:      "chain_switches_total",
		Help:      "Total best-chain switches.",
	})

	RollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Name:      "rollbacks_total",
		Help:      "Total multi-storage rollbacks performed.",
	})

	RollbackFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sidechain",
		Name:      "rollback_failures_total",
		Help:      "Total unrecoverable rollback failures.",
	})

	MempoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidechain",
		Name:      "mempool_size",
		Help:      "Number of transactions in the memory pool.",
	})

	WalletBoxes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidechain",
		Name:      "wallet_boxes",
		Help:      "Number of boxes the wallet currently tracks.",
	})

	WalletSecrets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidechain",
		Name:      "wallet_secrets",
		Help:      "Number of secrets in the wallet.",
	})

	StoreVersions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sidechain",
		Name:      "store_versions",
		Help:      "Version count per persistent store.",
	}, []string{"store"})
)

func init() {
	prometheus.MustRegister(
		ChainHeight,
		BlocksApplied,
		BlocksRejected,
		ChainSwitches,
		RollbacksTotal,
		RollbackFailures,
		MempoolSize,
		WalletBoxes,
		WalletSecrets,
		StoreVersions,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
