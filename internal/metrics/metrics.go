// Package metrics exports fleet activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	contributor "github.com/tranvictor/contributor"
)

const namespace = "contributor"

// Recorder implements contributor.MetricsRecorder on a private registry
type Recorder struct {
	registry *prometheus.Registry

	attempts  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	submitted *prometheus.CounterVec
	confirmed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	disabled  *prometheus.CounterVec
	pending   *prometheus.GaugeVec
}

var _ contributor.MetricsRecorder = (*Recorder)(nil)

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Contribution attempts started, by wallet.",
		}, []string{"wallet"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Attempts that never reached the network, by wallet and classified outcome.",
		}, []string{"wallet", "outcome"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submitted_total",
			Help:      "Transactions accepted by the RPC endpoint, by wallet.",
		}, []string{"wallet"}),
		confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmed_total",
			Help:      "Transactions mined successfully, by wallet.",
		}, []string{"wallet"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Submitted transactions that reverted or could not be confirmed, by wallet.",
		}, []string{"wallet"}),
		disabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_disabled_total",
			Help:      "Wallets removed from rotation, by reason.",
		}, []string{"wallet", "reason"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_transactions",
			Help:      "Submitted transactions awaiting confirmation, by wallet.",
		}, []string{"wallet"}),
	}
	r.registry.MustRegister(
		r.attempts,
		r.rejected,
		r.submitted,
		r.confirmed,
		r.failed,
		r.disabled,
		r.pending,
	)
	return r
}

func (r *Recorder) AttemptStarted(wallet string) {
	r.attempts.WithLabelValues(wallet).Inc()
}

func (r *Recorder) AttemptRejected(wallet string, outcome contributor.Outcome) {
	r.rejected.WithLabelValues(wallet, outcome.String()).Inc()
}

func (r *Recorder) TxSubmitted(wallet string) {
	r.submitted.WithLabelValues(wallet).Inc()
}

func (r *Recorder) TxConfirmed(wallet string) {
	r.confirmed.WithLabelValues(wallet).Inc()
}

func (r *Recorder) TxFailed(wallet string) {
	r.failed.WithLabelValues(wallet).Inc()
}

func (r *Recorder) WalletDisabled(wallet string, reason contributor.DisableReason) {
	r.disabled.WithLabelValues(wallet, string(reason)).Inc()
}

func (r *Recorder) PendingChanged(wallet string, pending int) {
	r.pending.WithLabelValues(wallet).Set(float64(pending))
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(logger.Fields{"addr": addr}).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
