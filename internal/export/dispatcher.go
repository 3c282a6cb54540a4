// internal/export/dispatcher.go
package export

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/metrics"
)

// dispatcherCapacity is the size of the single channel all camera
// workers feed. Overflow sheds the oldest emission rather than ever
// blocking a worker.
const dispatcherCapacity = 1024

// Dispatcher fans every emission out to each enabled sink's queue.
type Dispatcher struct {
	queue *emissionQueue
	sinks []Sink
	log   *zap.Logger

	submitted atomic.Uint64
	delivered atomic.Uint64
	drops     atomic.Uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher wires the given sinks. Start them (and the dispatcher)
// with Start.
func NewDispatcher(sinks []Sink, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue: newEmissionQueue("dispatcher", dispatcherCapacity),
		sinks: sinks,
		log:   log.With(zap.String("component", "dispatcher")),
	}
}

// Submit accepts an emission from a camera worker. Never blocks.
func (d *Dispatcher) Submit(em core.Emission) {
	d.submitted.Add(1)
	if !d.queue.push(em) {
		d.drops.Add(1)
		metrics.DispatcherDrops.Inc()
	}
}

// Stats returns (submitted, delivered-to-sinks, dropped). For every
// point in time submitted == delivered + dropped + in-flight.
func (d *Dispatcher) Stats() (submitted, delivered, dropped uint64) {
	return d.submitted.Load(), d.delivered.Load(), d.drops.Load()
}

// Start launches every sink and the fan-out loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	for _, s := range d.sinks {
		if err := s.Start(ctx); err != nil {
			// A sink that cannot start is logged and skipped; the
			// others keep running.
			d.log.Error("sink start failed", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		d.log.Info("sink started", zap.String("sink", s.Name()))
	}

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case em := <-d.queue.ch:
			d.delivered.Add(1)
			for _, s := range d.sinks {
				s.Submit(em)
			}
		}
	}
}

// Stop drains sinks and shuts the fan-out down. Bounded by the
// caller's patience; sinks flush what they can.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	for _, s := range d.sinks {
		s.Flush()
		s.Stop()
		d.log.Info("sink stopped", zap.String("sink", s.Name()))
	}
}
