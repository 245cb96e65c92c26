package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FaucetRequests counts getFromFaucet outcomes: paid, ineligible, error.
	FaucetRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trynano_faucet_requests_total",
			Help: "Faucet payout requests by outcome",
		},
		[]string{"outcome"},
	)

	FaucetIneligible = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trynano_faucet_ineligible_total",
			Help: "Rejected faucet requests by reason",
		},
		[]string{"reason"},
	)

	PayoutLamports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trynano_faucet_payout_lamports_total",
		Help: "Lamports paid out by the faucet",
	})

	FaucetBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trynano_faucet_balance_lamports",
		Help: "Last observed faucet balance",
	})

	WalletsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trynano_wallets_created_total",
		Help: "Custodial wallets created",
	})

	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trynano_operations_total",
			Help: "Wallet operations by name and status",
		},
		[]string{"operation", "status"},
	)

	SweepWallets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trynano_sweep_wallets_total",
			Help: "Wallets processed by sweeps, by result",
		},
		[]string{"result"},
	)

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trynano_sweep_duration_seconds",
		Help:    "Wall time of a sweep run",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	NetworkCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trynano_network_call_duration_seconds",
			Help:    "Latency of wallet network calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call", "status"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trynano_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	CaptchaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trynano_captcha_rejections_total",
		Help: "Requests refused for a missing or invalid captcha token",
	})

	BalanceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trynano_balance_update_conflicts_total",
		Help: "Conditional balance writes that lost to a concurrent update",
	})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveNetworkCall records the latency of a wallet network call started at start.
func ObserveNetworkCall(call string, start time.Time, err error) {
	NetworkCallDuration.WithLabelValues(call, status(err)).Observe(time.Since(start).Seconds())
}

func RecordOperation(operation string, err error) {
	Operations.WithLabelValues(operation, status(err)).Inc()
}
