package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	activeJobs     prometheus.Gauge
	processedBlock *prometheus.GaugeVec
	gapQueueDepth  *prometheus.GaugeVec
	scanErrors     *prometheus.CounterVec
	rangesScanned  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taxscan_active_jobs",
			Help: "Number of campaigns with an active scan job.",
		}),
		processedBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taxscan_processed_block",
			Help: "Highest block processed per campaign.",
		}, []string{"campaign"}),
		gapQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taxscan_gap_queue_depth",
			Help: "Skipped block ranges awaiting retry per campaign.",
		}, []string{"campaign"}),
		scanErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taxscan_scan_errors_total",
			Help: "Scan pass failures per campaign.",
		}, []string{"campaign"}),
		rangesScanned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taxscan_ranges_scanned_total",
			Help: "Block ranges scanned successfully per campaign.",
		}, []string{"campaign"}),
	}
}
