// Package metrics exports replicad's Prometheus metrics. Every collector
// lives on a Registry value rather than the global default registry, so
// tests and embedded uses get isolated counters.
//
// All recording methods are safe to call on a nil *Registry, which lets
// one-shot task binaries run without a metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replicad"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Registry owns the replicad collectors.
type Registry struct {
	reg *prometheus.Registry

	sends        *prometheus.CounterVec
	receives     *prometheus.CounterVec
	sendBytes    prometheus.Counter
	receiveBytes prometheus.Counter
	requests     *prometheus.CounterVec
	taskRuns     *prometheus.CounterVec
	backupRuns   *prometheus.CounterVec
	activeSends  prometheus.Gauge
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Replication sends by result.",
		}, []string{"result"}),
		receives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receives_total",
			Help:      "Replication receives by result.",
		}, []string{"result"}),
		sendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_bytes_total",
			Help:      "Bytes of btrfs send stream written to receivers.",
		}),
		receiveBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_bytes_total",
			Help:      "Bytes of btrfs send stream applied locally.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Broker requests by command and result.",
		}, []string{"command", "result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Scheduled task runs by task type and result.",
		}, []string{"type", "result"}),
		backupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_runs_total",
			Help:      "Backup policy runs by result.",
		}, []string{"result"}),
		activeSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sends",
			Help:      "Send workers currently running.",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.sends,
		r.receives,
		r.sendBytes,
		r.receiveBytes,
		r.requests,
		r.taskRuns,
		r.backupRuns,
		r.activeSends,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

func (r *Registry) ObserveSend(ok bool, bytes int64) {
	if r == nil {
		return
	}
	r.sends.WithLabelValues(result(ok)).Inc()
	if bytes > 0 {
		r.sendBytes.Add(float64(bytes))
	}
}

func (r *Registry) ObserveReceive(ok bool, bytes int64) {
	if r == nil {
		return
	}
	r.receives.WithLabelValues(result(ok)).Inc()
	if bytes > 0 {
		r.receiveBytes.Add(float64(bytes))
	}
}

func (r *Registry) ObserveRequest(command string, ok bool) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(command, result(ok)).Inc()
}

func (r *Registry) ObserveTaskRun(taskType string, ok bool) {
	if r == nil {
		return
	}
	r.taskRuns.WithLabelValues(taskType, result(ok)).Inc()
}

func (r *Registry) ObserveBackupRun(ok bool) {
	if r == nil {
		return
	}
	r.backupRuns.WithLabelValues(result(ok)).Inc()
}

// SendStarted and SendFinished bracket one send worker.
func (r *Registry) SendStarted() {
	if r == nil {
		return
	}
	r.activeSends.Inc()
}

func (r *Registry) SendFinished() {
	if r == nil {
		return
	}
	r.activeSends.Dec()
}
