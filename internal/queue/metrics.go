package queue

import "time"

// Metrics captures queue telemetry.
type Metrics interface {
	// AddPublished counts tasks inserted by Publish.
	AddPublished(count int)
	// AddClaimed counts tasks claimed by dispatch loops.
	AddClaimed(count int)
	// AddLeaseOp counts one ack, nack or extend and whether it was applied.
	AddLeaseOp(op LeaseOp, ok bool)
	// AddDispatchErrors counts aborted dispatch loops.
	AddDispatchErrors(count int)
	// AddReconnects counts reconnection attempts.
	AddReconnects(count int)
	// SetConnected reports whether the client is ready.
	SetConnected(connected bool)
	// ObserveHandlerDuration records one handler invocation.
	ObserveHandlerDuration(d time.Duration)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// AddPublished implements Metrics.
func (NopMetrics) AddPublished(int) {}

// AddClaimed implements Metrics.
func (NopMetrics) AddClaimed(int) {}

// AddLeaseOp implements Metrics.
func (NopMetrics) AddLeaseOp(LeaseOp, bool) {}

// AddDispatchErrors implements Metrics.
func (NopMetrics) AddDispatchErrors(int) {}

// AddReconnects implements Metrics.
func (NopMetrics) AddReconnects(int) {}

// SetConnected implements Metrics.
func (NopMetrics) SetConnected(bool) {}

// ObserveHandlerDuration implements Metrics.
func (NopMetrics) ObserveHandlerDuration(time.Duration) {}
