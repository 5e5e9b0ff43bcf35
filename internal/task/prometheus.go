package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/taskengine/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

// scrapeTimeout bounds the store query made on each Prometheus scrape.
const scrapeTimeout = 5 * time.Second

const metricsNamespace = "taskengine"

// PrometheusExporter publishes queue snapshots as gauges computed on every
// scrape, and counts lifecycle events and handler executions.
type PrometheusExporter struct {
	collector *MetricsCollector
	logger    *slog.Logger

	depth         *prometheus.Desc
	successRate   *prometheus.Desc
	oldestAge     *prometheus.Desc
	expiredLeases *prometheus.Desc
	workers       *prometheus.Desc
	deadLettered  *prometheus.Desc

	eventsTotal     *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewPrometheusExporter registers the exporter and its counters with reg.
// A nil reg leaves registration to the caller.
func NewPrometheusExporter(collector *MetricsCollector, reg prometheus.Registerer, logger *slog.Logger) (*PrometheusExporter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &PrometheusExporter{
		collector: collector,
		logger:    logger.With("component", "prometheus_exporter"),

		depth: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "tasks"),
			"Number of tasks by status and type",
			[]string{"status", "type"}, nil),
		successRate: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "success_rate"),
			"Completed tasks as a fraction of all finished tasks",
			nil, nil),
		oldestAge: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "oldest_eligible_age_seconds"),
			"Seconds the longest-waiting eligible queued task has been runnable",
			nil, nil),
		expiredLeases: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "expired_leases"),
			"Leased tasks whose lease has lapsed and are awaiting reclaim",
			nil, nil),
		workers: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "workers"),
			"Registered workers by liveness",
			[]string{"state"}, nil),
		deadLettered: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "dead_lettered_tasks"),
			"Tasks in the failed state",
			nil, nil),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by kind and task type",
		}, []string{"kind", "type"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handler_duration_seconds",
			Help:      "Histogram of task handler execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{p, p.eventsTotal, p.handlerDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Describe implements prometheus.Collector.
func (p *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.depth
	ch <- p.successRate
	ch <- p.oldestAge
	ch <- p.expiredLeases
	ch <- p.workers
	ch <- p.deadLettered
}

// Collect implements prometheus.Collector.
func (p *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	s, err := p.collector.Snapshot(ctx)
	if err != nil {
		p.logger.Error("failed to collect queue snapshot", "error", err)
		ch <- prometheus.NewInvalidMetric(p.depth, err)
		return
	}

	for _, row := range s.Depth {
		ch <- prometheus.MustNewConstMetric(p.depth, prometheus.GaugeValue,
			float64(row.Count), string(row.Status), row.Type)
	}
	ch <- prometheus.MustNewConstMetric(p.successRate, prometheus.GaugeValue, s.SuccessRate)
	ch <- prometheus.MustNewConstMetric(p.oldestAge, prometheus.GaugeValue, s.OldestEligibleAge.Seconds())
	ch <- prometheus.MustNewConstMetric(p.expiredLeases, prometheus.GaugeValue, float64(s.ExpiredLeases))
	ch <- prometheus.MustNewConstMetric(p.workers, prometheus.GaugeValue, float64(s.ActiveWorkers), "active")
	ch <- prometheus.MustNewConstMetric(p.workers, prometheus.GaugeValue, float64(s.StaleWorkers), "stale")
	ch <- prometheus.MustNewConstMetric(p.deadLettered, prometheus.GaugeValue, float64(s.DeadLettered()))
}

// HandleEvent implements events.EventHandler by counting the event.
func (p *PrometheusExporter) HandleEvent(_ context.Context, event *events.TaskEvent) error {
	p.eventsTotal.WithLabelValues(string(event.Kind), event.TaskType).Inc()
	return nil
}

// ObserveHandler records one handler execution.
func (p *PrometheusExporter) ObserveHandler(taskType, outcome string, d time.Duration) {
	p.handlerDuration.WithLabelValues(taskType, outcome).Observe(d.Seconds())
}
