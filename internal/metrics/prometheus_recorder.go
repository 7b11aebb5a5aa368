package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	runDuration     *prom.HistogramVec
	jobDuration     *prom.HistogramVec
	stepDuration    *prom.HistogramVec
	runsTotal       *prom.CounterVec
	queueDepth      prom.Gauge
	activeRuns      prom.Gauge
	artifactBytes   prom.Counter
	publishUploads  *prom.CounterVec
	webhookRequests *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.runDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "conveyor",
			Name:      "run_duration_seconds",
			Help:      "Total workflow run duration",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}, []string{"project", "workflow", "state"})
		pr.jobDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "conveyor",
			Name:      "job_duration_seconds",
			Help:      "Duration of individual jobs",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}, []string{"job", "state"})
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "conveyor",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual steps",
			Buckets:   prom.DefBuckets,
		}, []string{"job", "step"})
		pr.runsTotal = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "runs_total",
			Help:      "Run outcomes by final state",
		}, []string{"project", "state"})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "conveyor",
			Name:      "queue_depth",
			Help:      "Runs waiting in the daemon queue",
		})
		pr.activeRuns = prom.NewGauge(prom.GaugeOpts{
			Namespace: "conveyor",
			Name:      "active_runs",
			Help:      "Runs currently executing",
		})
		pr.artifactBytes = prom.NewCounter(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "artifact_bytes_total",
			Help:      "Bytes written to the artifact store",
		})
		pr.publishUploads = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "publish_uploads_total",
			Help:      "Package index uploads by outcome",
		}, []string{"outcome"})
		pr.webhookRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries by handling status",
		}, []string{"status"})
		reg.MustRegister(pr.runDuration, pr.jobDuration, pr.stepDuration,
			pr.runsTotal, pr.queueDepth, pr.activeRuns, pr.artifactBytes,
			pr.publishUploads, pr.webhookRequests)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveRunDuration(project, workflow, state string, d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.WithLabelValues(project, workflow, state).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveJobDuration(job, state string, d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.WithLabelValues(job, state).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStepDuration(job, step string, d time.Duration) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(job, step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRunOutcome(project, state string) {
	if p == nil || p.runsTotal == nil {
		return
	}
	p.runsTotal.WithLabelValues(project, state).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveRuns(n int) {
	if p == nil || p.activeRuns == nil {
		return
	}
	p.activeRuns.Set(float64(n))
}

func (p *PrometheusRecorder) AddArtifactBytes(n int64) {
	if p == nil || p.artifactBytes == nil {
		return
	}
	p.artifactBytes.Add(float64(n))
}

func (p *PrometheusRecorder) IncPublishUpload(outcome string) {
	if p == nil || p.publishUploads == nil {
		return
	}
	p.publishUploads.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncWebhookRequest(status string) {
	if p == nil || p.webhookRequests == nil {
		return
	}
	p.webhookRequests.WithLabelValues(status).Inc()
}
