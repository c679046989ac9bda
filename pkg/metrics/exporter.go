// Package metrics exposes queue, worker, provider, dead-letter and spend
// state in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/genflow/pkg/cost"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/worker"
)

const namespace = "genflow"

// QueueSource reports queue occupancy
type QueueSource interface {
	Stats() (models.QueueStats, error)
}

// PoolSource reports worker pool counters
type PoolSource interface {
	Stats() worker.Stats
}

// ProviderSource reports provider capability, health and usage
type ProviderSource interface {
	Descriptors() []models.ProviderDescriptor
	Usage(name string) (models.ProviderUsage, error)
}

// DeadLetterSource reports dead-letter totals
type DeadLetterSource interface {
	Stats() (*models.DeadLetterStats, error)
}

// SpendSource reports current budget-window spend
type SpendSource interface {
	Spend() (*cost.Spend, error)
}

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Queue      QueueSource
	Pool       PoolSource
	Providers  ProviderSource
	DeadLetter DeadLetterSource
	Spend      SpendSource
}

// Exporter is a prometheus.Collector that snapshots component state per scrape
type Exporter struct {
	src       Sources
	logger    *logging.Logger
	startTime time.Time

	uptime          *prometheus.Desc
	queueJobs       *prometheus.Desc
	queuePaused     *prometheus.Desc
	workers         *prometheus.Desc
	workersBusy     *prometheus.Desc
	workerOutcomes  *prometheus.Desc
	providerHealthy *prometheus.Desc
	providerLatency *prometheus.Desc
	providerReqs    *prometheus.Desc
	providerTokens  *prometheus.Desc
	providerCost    *prometheus.Desc
	providerErrors  *prometheus.Desc
	dlqEntries      *prometheus.Desc
	dlqByCategory   *prometheus.Desc
	spend           *prometheus.Desc
	providerSpend   *prometheus.Desc
}

// NewExporter creates an exporter over the given sources
func NewExporter(src Sources, logger *logging.Logger) *Exporter {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		src:       src,
		logger:    logging.OrDiscard(logger).WithField("component", "metrics"),
		startTime: time.Now(),

		uptime:          desc("uptime_seconds", "Time since the daemon started"),
		queueJobs:       desc("queue_jobs", "Jobs in the queue by state", "state"),
		queuePaused:     desc("queue_paused", "1 when the queue is paused"),
		workers:         desc("workers", "Configured worker count"),
		workersBusy:     desc("workers_busy", "Workers currently executing a job"),
		workerOutcomes:  desc("worker_jobs_total", "Jobs processed by outcome", "outcome"),
		providerHealthy: desc("provider_healthy", "1 when the provider's last health check passed", "provider"),
		providerLatency: desc("provider_health_response_ms", "Response time of the last health check", "provider"),
		providerReqs:    desc("provider_requests_total", "Requests sent to the provider", "provider"),
		providerTokens:  desc("provider_tokens_total", "Tokens consumed at the provider", "provider"),
		providerCost:    desc("provider_cost_dollars_total", "Cost incurred at the provider", "provider"),
		providerErrors:  desc("provider_errors_total", "Failed provider requests", "provider"),
		dlqEntries:      desc("deadletter_entries", "Dead-letter entries by resolution state", "state"),
		dlqByCategory:   desc("deadletter_entries_by_category", "Dead-letter entries by failure category", "category"),
		spend:           desc("spend_dollars", "Spend in the current budget window", "window"),
		providerSpend:   desc("provider_spend_dollars", "Provider spend in the current budget window", "provider", "window"),
	}
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.uptime, e.queueJobs, e.queuePaused, e.workers, e.workersBusy, e.workerOutcomes,
		e.providerHealthy, e.providerLatency, e.providerReqs, e.providerTokens, e.providerCost,
		e.providerErrors, e.dlqEntries, e.dlqByCategory, e.spend, e.providerSpend,
	} {
		ch <- d
	}
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	gauge(ch, e.uptime, time.Since(e.startTime).Seconds())

	if e.src.Queue != nil {
		if s, err := e.src.Queue.Stats(); err != nil {
			e.logger.Warn("queue stats unavailable", logging.Fields{"error": err})
		} else {
			for state, n := range map[string]int{
				"waiting":   s.Waiting,
				"active":    s.Active,
				"delayed":   s.Delayed,
				"paused":    s.PausedJobs,
				"completed": s.Completed,
				"failed":    s.Failed,
				"cancelled": s.Cancelled,
			} {
				gauge(ch, e.queueJobs, float64(n), state)
			}
			gauge(ch, e.queuePaused, boolValue(s.Paused))
		}
	}

	if e.src.Pool != nil {
		s := e.src.Pool.Stats()
		gauge(ch, e.workers, float64(s.Workers))
		gauge(ch, e.workersBusy, float64(s.Busy))
		counter(ch, e.workerOutcomes, float64(s.Succeeded), "succeeded")
		counter(ch, e.workerOutcomes, float64(s.Retried), "retried")
		counter(ch, e.workerOutcomes, float64(s.DeadLetter), "dead_lettered")
		counter(ch, e.workerOutcomes, float64(s.Cancelled), "cancelled")
	}

	if e.src.Providers != nil {
		for _, d := range e.src.Providers.Descriptors() {
			gauge(ch, e.providerHealthy, boolValue(d.Health.IsHealthy), d.Name)
			gauge(ch, e.providerLatency, float64(d.Health.ResponseTimeMs), d.Name)
			u, err := e.src.Providers.Usage(d.Name)
			if err != nil {
				continue
			}
			counter(ch, e.providerReqs, float64(u.Requests), d.Name)
			counter(ch, e.providerTokens, float64(u.Tokens), d.Name)
			counter(ch, e.providerCost, u.Cost, d.Name)
			counter(ch, e.providerErrors, float64(u.Errors), d.Name)
		}
	}

	if e.src.DeadLetter != nil {
		if s, err := e.src.DeadLetter.Stats(); err != nil {
			e.logger.Warn("dead-letter stats unavailable", logging.Fields{"error": err})
		} else {
			gauge(ch, e.dlqEntries, float64(s.Unresolved), "unresolved")
			gauge(ch, e.dlqEntries, float64(s.Resolved), "resolved")
			for cat, n := range s.ByCategory {
				gauge(ch, e.dlqByCategory, float64(n), string(cat))
			}
		}
	}

	if e.src.Spend != nil {
		if s, err := e.src.Spend.Spend(); err != nil {
			e.logger.Warn("spend unavailable", logging.Fields{"error": err})
		} else {
			gauge(ch, e.spend, s.Daily, "daily")
			gauge(ch, e.spend, s.Monthly, "monthly")
			for name, w := range s.ByProvider {
				gauge(ch, e.providerSpend, w.Daily, name, "daily")
				gauge(ch, e.providerSpend, w.Monthly, name, "monthly")
			}
		}
	}
}

// NewRegistry builds a registry holding the exporter, the event observer and
// the Go runtime collectors.
func NewRegistry(e *Exporter, o *Observer) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if e != nil {
		reg.MustRegister(e)
	}
	if o != nil {
		o.MustRegister(reg)
	}
	return reg
}

// Handler serves the registry in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
