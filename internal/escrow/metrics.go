package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	OffersCreated  prometheus.Counter
	OffersFinished *prometheus.CounterVec
	Matches        *prometheus.CounterVec
	Confirmations  *prometheus.CounterVec
	Refunds        *prometheus.CounterVec
	Releases       *prometheus.CounterVec
	Expirations    *prometheus.CounterVec
	ManualReviews  prometheus.Counter
	QueueLength    *prometheus.GaugeVec
	Watching       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OffersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "offers_created_total",
			Help: "Offers created.",
		}),
		OffersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "offers_finished_total",
			Help: "Offers archived, by final status.",
		}, []string{"status"}),
		Matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "operations_matched_total",
			Help: "Observed operations by match result.",
		}, []string{"chain", "result"}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "transfers_confirmed_total",
			Help: "Incoming transfers confirmed after finality.",
		}, []string{"chain"}),
		Refunds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "refunds_total",
			Help: "Refund attempts by outcome.",
		}, []string{"chain", "outcome"}),
		Releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "releases_total",
			Help: "Release attempts by outcome.",
		}, []string{"chain", "outcome"}),
		Expirations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "entries_expired_total",
			Help: "Pending transfers that reached their deadline.",
		}, []string{"chain"}),
		ManualReviews: f.NewCounter(prometheus.CounterOpts{
			Namespace: "escrowd", Name: "manual_reviews_total",
			Help: "Offers routed to manual review.",
		}),
		QueueLength: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "escrowd", Name: "pending_transfers",
			Help: "Entries in the pending transfer queue.",
		}, []string{"chain"}),
		Watching: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "escrowd", Name: "chain_watch_active",
			Help: "1 while the chain watch is running.",
		}, []string{"chain"}),
	}
}
