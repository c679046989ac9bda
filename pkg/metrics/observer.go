package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/genflow/pkg/events"
)

// Observer turns bus events into counters and histograms
type Observer struct {
	enqueued    *prometheus.CounterVec
	completed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	cancelled   prometheus.Counter
	duration    *prometheus.HistogramVec
	jobCost     *prometheus.HistogramVec
	batches     prometheus.Counter
	deadLetters *prometheus.CounterVec
	patterns    *prometheus.CounterVec
	alerts      *prometheus.CounterVec
}

// NewObserver creates unregistered event metrics
func NewObserver() *Observer {
	return &Observer{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_enqueued_total", Help: "Jobs admitted by priority",
		}, []string{"priority"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total", Help: "Jobs completed by provider",
		}, []string{"provider"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_attempts_failed_total", Help: "Failed attempts by category and whether a retry follows",
		}, []string{"category", "will_retry"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_cancelled_total", Help: "Jobs cancelled",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_processing_seconds", Help: "Processing time of completed jobs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
		jobCost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_cost_dollars", Help: "Actual cost of completed jobs",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"provider"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_completed_total", Help: "Batches whose members all settled",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deadletter_added_total", Help: "Dead-letter entries added by category",
		}, []string{"category"}),
		patterns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deadletter_patterns_total", Help: "Failure patterns detected by dimension",
		}, []string{"dimension"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cost_alerts_total", Help: "Cost alerts raised by type and severity",
		}, []string{"type", "severity"}),
	}
}

// MustRegister registers every metric with reg
func (o *Observer) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(o.enqueued, o.completed, o.failed, o.cancelled, o.duration,
		o.jobCost, o.batches, o.deadLetters, o.patterns, o.alerts)
}

// HandleEvent updates the metric matching ev
func (o *Observer) HandleEvent(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.JobEnqueuedPayload:
		o.enqueued.WithLabelValues(string(p.Priority)).Inc()
	case events.JobCompletedPayload:
		o.completed.WithLabelValues(p.ProviderID).Inc()
		o.duration.WithLabelValues(p.ProviderID).Observe(float64(p.ProcessingTimeMs) / 1000)
		o.jobCost.WithLabelValues(p.ProviderID).Observe(p.Usage.Cost)
	case events.JobFailedPayload:
		retry := "false"
		if p.WillRetry {
			retry = "true"
		}
		o.failed.WithLabelValues(string(p.Category), retry).Inc()
	case events.JobCancelledPayload:
		o.cancelled.Inc()
	case events.BatchCompletedPayload:
		o.batches.Inc()
	case events.DeadLetterPayload:
		if ev.Type == events.DeadLetterEntryAdded && p.Entry != nil {
			o.deadLetters.WithLabelValues(string(p.Entry.FailureCategory)).Inc()
		}
	case events.PatternPayload:
		o.patterns.WithLabelValues(p.Dimension).Inc()
	case events.AlertPayload:
		if ev.Type == events.CostAlertCreated && p.Alert != nil {
			o.alerts.WithLabelValues(string(p.Alert.Type), string(p.Alert.Severity)).Inc()
		}
	}
}

// Attach subscribes the observer to every event type
func (o *Observer) Attach(bus *events.Bus) func() {
	return bus.Handle(o.HandleEvent)
}
