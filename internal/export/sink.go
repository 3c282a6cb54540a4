// internal/export/sink.go
package export

import (
	"context"

	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/metrics"
)

// Sink is one export destination. Submit must never block the caller:
// every sink owns a bounded queue and a dedicated consumer. Sinks are
// independent; one failing never affects another.
type Sink interface {
	Name() string
	Start(ctx context.Context) error
	Submit(em core.Emission)
	Flush()
	Stop()
}

// emissionQueue is a bounded drop-oldest buffer shared by the
// dispatcher and the sinks.
type emissionQueue struct {
	name string
	ch   chan core.Emission
}

func newEmissionQueue(name string, capacity int) *emissionQueue {
	return &emissionQueue{name: name, ch: make(chan core.Emission, capacity)}
}

// push enqueues without blocking; when full, the oldest item is shed.
// Returns false when something was dropped.
func (q *emissionQueue) push(em core.Emission) bool {
	select {
	case q.ch <- em:
		return true
	default:
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- em:
	default:
		// Still full means a racing producer refilled it; shed the
		// new item instead.
		return false
	}
	return false
}

// submitMetered wraps push with the per-sink submitted counter.
func (q *emissionQueue) submitMetered(em core.Emission) {
	metrics.SinkSubmitted.WithLabelValues(q.name).Inc()
	q.push(em)
}
