// Package metrics exposes Prometheus instrumentation for the settlement
// service.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages the settlement service's Prometheus metrics.
type Collector struct {
	serviceName string

	TransfersSubmitted *prometheus.CounterVec
	TransfersFinalized *prometheus.CounterVec
	Deductions         *prometheus.CounterVec
	CreditSpends       *prometheus.CounterVec
	CreditTopups       prometheus.Counter
	OracleQuotes       *prometheus.CounterVec
	StaleRecoveries    prometheus.Counter
	PendingTransfers   prometheus.Gauge
}

// NewCollector creates and registers the service metrics.
func NewCollector(serviceName string) *Collector {
	// Prometheus metric names cannot contain hyphens.
	name := strings.ReplaceAll(serviceName, "-", "_")

	c := &Collector{
		serviceName: name,
		TransfersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_transfers_submitted_total",
				Help: "Total transfers submitted to the ledger",
			},
			[]string{"purpose"},
		),
		TransfersFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_transfers_finalized_total",
				Help: "Total transfers reaching a terminal status",
			},
			[]string{"status"},
		),
		Deductions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_session_deductions_total",
				Help: "Total session deduction attempts",
			},
			[]string{"result"},
		),
		CreditSpends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_credit_spends_total",
				Help: "Total credit spend attempts",
			},
			[]string{"result"},
		),
		CreditTopups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: name + "_credit_topups_total",
				Help: "Total confirmed credit top-ups",
			},
		),
		OracleQuotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_oracle_quotes_total",
				Help: "Total price oracle quotes by rate source",
			},
			[]string{"source"},
		),
		StaleRecoveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: name + "_stale_recoveries_total",
				Help: "Total stale pending transfers re-checked by the monitor",
			},
		),
		PendingTransfers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: name + "_pending_transfers",
				Help: "Transfers currently awaiting confirmation",
			},
		),
	}

	prometheus.MustRegister(
		c.TransfersSubmitted,
		c.TransfersFinalized,
		c.Deductions,
		c.CreditSpends,
		c.CreditTopups,
		c.OracleQuotes,
		c.StaleRecoveries,
		c.PendingTransfers,
	)

	return c
}

// Handler returns the Prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}
