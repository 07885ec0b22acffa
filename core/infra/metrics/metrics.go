package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures deploy pipeline counters and timings.
type Metrics interface {
	IncDeploysStarted(host string)
	IncDeploysCompleted(host, status string)
	ObservePhaseDuration(phase string, durationSeconds float64)
	AddFilesHashed(n int)
	AddFilesUploaded(n int)
	AddUploadBytes(n int64)
	IncCredentialRefreshes(provider, outcome string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncDeploysStarted(string)                {}
func (Noop) IncDeploysCompleted(string, string)      {}
func (Noop) ObservePhaseDuration(string, float64)    {}
func (Noop) AddFilesHashed(int)                      {}
func (Noop) AddFilesUploaded(int)                    {}
func (Noop) AddUploadBytes(int64)                    {}
func (Noop) IncCredentialRefreshes(string, string)   {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	deploysStarted   *prometheus.CounterVec
	deploysCompleted *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	filesHashed      prometheus.Counter
	filesUploaded    prometheus.Counter
	uploadBytes      prometheus.Counter
	credRefreshes    *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		deploysStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploys_started_total",
			Help:      "Deploy runs started by source host",
		}, []string{"host"}),
		deploysCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploys_completed_total",
			Help:      "Deploy runs completed by source host and status",
		}, []string{"host", "status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Pipeline phase duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"phase"}),
		filesHashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_hashed_total",
			Help:      "Files hashed into content manifests",
		}),
		filesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_uploaded_total",
			Help:      "Files uploaded after manifest negotiation",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Compressed bytes uploaded to the hosting backend",
		}),
		credRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Delegated credential refresh attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.deploysStarted,
			p.deploysCompleted,
			p.phaseDuration,
			p.filesHashed,
			p.filesUploaded,
			p.uploadBytes,
			p.credRefreshes,
		)
	})
}

func (p *Prom) IncDeploysStarted(host string) {
	p.deploysStarted.WithLabelValues(host).Inc()
}

func (p *Prom) IncDeploysCompleted(host, status string) {
	p.deploysCompleted.WithLabelValues(host, status).Inc()
}

func (p *Prom) ObservePhaseDuration(phase string, durationSeconds float64) {
	p.phaseDuration.WithLabelValues(phase).Observe(durationSeconds)
}

func (p *Prom) AddFilesHashed(n int) {
	if n > 0 {
		p.filesHashed.Add(float64(n))
	}
}

func (p *Prom) AddFilesUploaded(n int) {
	if n > 0 {
		p.filesUploaded.Add(float64(n))
	}
}

func (p *Prom) AddUploadBytes(n int64) {
	if n > 0 {
		p.uploadBytes.Add(float64(n))
	}
}

func (p *Prom) IncCredentialRefreshes(provider, outcome string) {
	p.credRefreshes.WithLabelValues(provider, outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
