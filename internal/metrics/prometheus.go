package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Power dispatch (region)
	PowerActionsTotal   *prometheus.CounterVec
	PowerActionDuration *prometheus.HistogramVec
	QueryAllOutcomes    *prometheus.CounterVec
	QueryAllRacks       *prometheus.HistogramVec

	// Rack client pool (region)
	RackClientsConnected prometheus.Gauge

	// Active discovery (region)
	DiscoveryScansTotal *prometheus.CounterVec
	DiscoveryLastScan   prometheus.Gauge

	// Rack side power changes and drivers
	PowerChangesTotal *prometheus.CounterVec
	DriverCalls       *prometheus.CounterVec
	DriverDuration    *prometheus.HistogramVec

	// Worker pool
	WorkerPoolActive prometheus.Gauge
	WorkerPoolQueued prometheus.Gauge

	// External services reconciler (rack)
	ReconcileTotal    *prometheus.CounterVec
	RegionConnections prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// NewMetrics creates and registers Prometheus metrics on the default registry.
// Both binaries share the same metric set, so it is created once per process.
func NewMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return defaultMetrics
}

// NewTestMetrics registers metrics on a private registry
func NewTestMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.NewRegistry()))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		PowerActionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maas_power_actions_total",
				Help: "Total number of power actions dispatched to racks",
			},
			[]string{"action", "power_type", "outcome"},
		),

		PowerActionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maas_power_action_duration_seconds",
				Help:    "Duration of power action RPCs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		QueryAllOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maas_power_query_all_total",
				Help: "Aggregate outcomes of fleet-wide power queries",
			},
			[]string{"state", "timed_out"},
		),

		QueryAllRacks: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maas_power_query_all_racks",
				Help:    "Number of racks per fleet-wide query, by classification",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
			},
			[]string{"classification"},
		),

		RackClientsConnected: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "maas_rack_clients_connected",
				Help: "Number of rack controllers with a live connection",
			},
		),

		DiscoveryScansTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maas_active_discovery_scans_total",
				Help: "Active discovery scan attempts by outcome",
			},
			[]string{"outcome"},
		),

		DiscoveryLastScan: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "maas_active_discovery_last_scan_timestamp_seconds",
				Help: "Epoch of the last successful active discovery scan",
			},
		),

		PowerChangesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maas_rack_power_changes_total",
				Help: "Power changes performed by this rack",
			},
			[]string{"power_type", "change", "outcome"},
		),

		DriverCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maas_rack_driver_calls_total",
				Help: "Calls into power drivers",
			},
			[]string{"power_type", "operation", "outcome"},
		),

		DriverDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maas_rack_driver_call_duration_seconds",
				Help:    "Duration of power driver calls",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"power_type", "operation"},
		),

		WorkerPoolActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "maas_rack_driver_pool_active_workers",
				Help: "Workers busy with blocking driver calls",
			},
		),

		WorkerPoolQueued: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "maas_rack_driver_pool_queued_tasks",
				Help: "Blocking driver calls waiting for a worker",
			},
		),

		ReconcileTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maas_rack_external_reconcile_total",
				Help: "External service reconcile attempts",
			},
			[]string{"service", "outcome"},
		),

		RegionConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "maas_rack_region_connections",
				Help: "Live connections from this rack to region processes",
			},
		),
	}
}

// RecordPowerAction records a dispatched power action
func (m *Metrics) RecordPowerAction(action, powerType, outcome string, duration time.Duration) {
	m.PowerActionsTotal.WithLabelValues(action, powerType, outcome).Inc()
	m.PowerActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordQueryAll records the aggregate of a fleet-wide query
func (m *Metrics) RecordQueryAll(state string, responded, failed int, timedOut bool) {
	to := "false"
	if timedOut {
		to = "true"
	}
	m.QueryAllOutcomes.WithLabelValues(state, to).Inc()
	m.QueryAllRacks.WithLabelValues("responded").Observe(float64(responded))
	m.QueryAllRacks.WithLabelValues("failed").Observe(float64(failed))
}

// RecordDiscoveryScan records a scan attempt outcome
func (m *Metrics) RecordDiscoveryScan(outcome string) {
	m.DiscoveryScansTotal.WithLabelValues(outcome).Inc()
}

// RecordDiscoveryLastScan publishes the epoch of the last successful scan
func (m *Metrics) RecordDiscoveryLastScan(epoch int64) {
	m.DiscoveryLastScan.Set(float64(epoch))
}

// RecordDriverCall records a driver call
func (m *Metrics) RecordDriverCall(powerType, operation string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.DriverCalls.WithLabelValues(powerType, operation, outcome).Inc()
	m.DriverDuration.WithLabelValues(powerType, operation).Observe(duration.Seconds())
}

// RecordPowerChange records the final outcome of a rack side power change
func (m *Metrics) RecordPowerChange(powerType, change, outcome string) {
	m.PowerChangesTotal.WithLabelValues(powerType, change, outcome).Inc()
}

// RecordReconcile records an external service reconcile attempt
func (m *Metrics) RecordReconcile(service, outcome string) {
	m.ReconcileTotal.WithLabelValues(service, outcome).Inc()
}

// SetActive implements workerpool.Observer
func (m *Metrics) SetActive(n int) {
	m.WorkerPoolActive.Set(float64(n))
}

// SetQueued implements workerpool.Observer
func (m *Metrics) SetQueued(n int) {
	m.WorkerPoolQueued.Set(float64(n))
}
