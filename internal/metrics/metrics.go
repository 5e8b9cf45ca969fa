// Package metrics provides Prometheus metrics for migration runs.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal tracks API calls by side, method and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dhismig",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"side", "method", "status_code"},
	)

	// HTTPRequestDuration tracks API call latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dhismig",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"side", "method"},
	)

	// EntitiesCreated tracks metadata objects created on the destination
	EntitiesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dhismig",
			Subsystem: "resolve",
			Name:      "entities_created_total",
			Help:      "Metadata objects created by kind",
		},
		[]string{"kind"},
	)

	// BatchesTotal tracks value batches by outcome (posted, conflict, exhausted)
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dhismig",
			Subsystem: "values",
			Name:      "batches_total",
			Help:      "Data value batches by outcome",
		},
		[]string{"outcome"},
	)

	// ValuesPosted tracks data values accepted without conflicts
	ValuesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dhismig",
			Subsystem: "values",
			Name:      "posted_total",
			Help:      "Data values posted in conflict-free batches",
		},
	)

	// ConflictsTotal tracks conflicts handled by family
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dhismig",
			Subsystem: "conflicts",
			Name:      "handled_total",
			Help:      "Conflicts processed by signature family",
		},
		[]string{"family"},
	)
)

// WriteTextfile writes the default registry in the node-exporter textfile
// format. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
