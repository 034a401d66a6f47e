// Package metrics exports queue telemetry to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scarson/pgtasks/internal/queue"
)

const namespace = "pgtasks"

// Prometheus implements queue.Metrics with Prometheus collectors.
type Prometheus struct {
	published       prometheus.Counter
	claimed         prometheus.Counter
	leaseOps        *prometheus.CounterVec
	dispatchErrors  prometheus.Counter
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	handlerDuration prometheus.Histogram
}

var _ queue.Metrics = (*Prometheus)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_published_total",
			Help:      "Tasks inserted by Publish.",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed by dispatch loops.",
		}),
		leaseOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_operations_total",
			Help:      "Lease operations by op and result (applied or failed).",
		}, []string{"op", "result"}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Dispatch loops aborted by a claim or handler error.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connection attempts after a failure or a lost connection.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the queue connection is ready.",
		}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Task handler run time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}),
	}
	reg.MustRegister(
		p.published,
		p.claimed,
		p.leaseOps,
		p.dispatchErrors,
		p.reconnects,
		p.connected,
		p.handlerDuration,
	)
	return p
}

// AddPublished implements queue.Metrics.
func (p *Prometheus) AddPublished(n int) { p.published.Add(float64(n)) }

// AddClaimed implements queue.Metrics.
func (p *Prometheus) AddClaimed(n int) { p.claimed.Add(float64(n)) }

// AddLeaseOp implements queue.Metrics.
func (p *Prometheus) AddLeaseOp(op queue.LeaseOp, ok bool) {
	result := "applied"
	if !ok {
		result = "failed"
	}
	p.leaseOps.WithLabelValues(string(op), result).Inc()
}

// AddDispatchErrors implements queue.Metrics.
func (p *Prometheus) AddDispatchErrors(n int) { p.dispatchErrors.Add(float64(n)) }

// AddReconnects implements queue.Metrics.
func (p *Prometheus) AddReconnects(n int) { p.reconnects.Add(float64(n)) }

// SetConnected implements queue.Metrics.
func (p *Prometheus) SetConnected(connected bool) {
	if connected {
		p.connected.Set(1)
		return
	}
	p.connected.Set(0)
}

// ObserveHandlerDuration implements queue.Metrics.
func (p *Prometheus) ObserveHandlerDuration(d time.Duration) {
	p.handlerDuration.Observe(d.Seconds())
}
