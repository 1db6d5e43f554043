package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector on a private Prometheus registry.
type Prometheus struct {
	spawned     *prometheus.CounterVec
	startFailed *prometheus.CounterVec
	exited      *prometheus.CounterVec
	busy        prometheus.Gauge
	queueDepth  prometheus.Gauge
	enqueued    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	duration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheus creates a collector whose metric names start with namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "forkq"
	}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.spawned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workers_spawned_total",
		Help:      "Worker incarnations that completed the handshake",
	}, []string{"slot"})

	p.startFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_start_failures_total",
		Help:      "Worker handshakes that failed",
	}, []string{"slot", "reason"})

	p.exited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workers_exited_total",
		Help:      "Worker process exits",
	}, []string{"slot", "reason"})

	p.busy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_busy",
		Help:      "Workers currently executing a task",
	})

	p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks waiting for a worker",
	})

	p.enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_enqueued_total",
		Help:      "Tasks accepted into the queue",
	}, []string{"type"})

	p.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_rejected_total",
		Help:      "Tasks refused at enqueue",
	}, []string{"type", "reason"})

	p.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time from enqueue to response delivery",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type", "status"})

	p.registry.MustRegister(
		p.spawned,
		p.startFailed,
		p.exited,
		p.busy,
		p.queueDepth,
		p.enqueued,
		p.rejected,
		p.duration,
	)
	return p
}

func (p *Prometheus) WorkerSpawned(slot int) {
	p.spawned.WithLabelValues(strconv.Itoa(slot)).Inc()
}

func (p *Prometheus) WorkerStartFailed(slot int, reason string) {
	p.startFailed.WithLabelValues(strconv.Itoa(slot), reason).Inc()
}

func (p *Prometheus) WorkerExited(slot int, reason string) {
	p.exited.WithLabelValues(strconv.Itoa(slot), reason).Inc()
}

func (p *Prometheus) WorkersBusy(n int) {
	p.busy.Set(float64(n))
}

func (p *Prometheus) QueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *Prometheus) TaskEnqueued(taskType string) {
	p.enqueued.WithLabelValues(taskType).Inc()
}

func (p *Prometheus) TaskRejected(taskType, reason string) {
	p.rejected.WithLabelValues(taskType, reason).Inc()
}

func (p *Prometheus) TaskCompleted(taskType, status string, d time.Duration) {
	p.duration.WithLabelValues(taskType, status).Observe(d.Seconds())
}

// Registry returns the registry to expose over HTTP.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

var _ Collector = (*Prometheus)(nil)
