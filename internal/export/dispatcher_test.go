// internal/export/dispatcher_test.go
package export

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/core"
)

type captureSink struct {
	mu       sync.Mutex
	name     string
	received []core.Emission
}

func (s *captureSink) Name() string                { return s.name }
func (s *captureSink) Start(context.Context) error { return nil }
func (s *captureSink) Flush()                      {}
func (s *captureSink) Stop()                       {}

func (s *captureSink) Submit(em core.Emission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, em)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func emission(meter string, v float64) core.Emission {
	return core.Emission{Reading: &core.Reading{
		CameraID: "cam-01", MeterID: meter, Value: &v, Timestamp: time.Now(),
	}}
}

func emissionIndicator(indicator string, state bool, score float64) core.Emission {
	return core.Emission{Indicator: &core.IndicatorReading{
		CameraID: "cam-01", IndicatorID: indicator, State: state, Score: score, Timestamp: time.Now(),
	}}
}

func TestDispatcherFanOut(t *testing.T) {
	a := &captureSink{name: "a"}
	b := &captureSink{name: "b"}
	d := NewDispatcher([]Sink{a, b}, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))

	for i := 0; i < 5; i++ {
		d.Submit(emission("m1", float64(i)))
	}

	require.Eventually(t, func() bool {
		return a.count() == 5 && b.count() == 5
	}, time.Second, 10*time.Millisecond)

	d.Stop()

	submitted, delivered, dropped := d.Stats()
	assert.Equal(t, uint64(5), submitted)
	assert.Equal(t, delivered+dropped, submitted)
}

func TestDispatcherOrderPreserved(t *testing.T) {
	s := &captureSink{name: "s"}
	d := NewDispatcher([]Sink{s}, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))

	for i := 0; i < 20; i++ {
		d.Submit(emission("m1", float64(i)))
	}
	require.Eventually(t, func() bool { return s.count() == 20 }, time.Second, 10*time.Millisecond)
	d.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, em := range s.received {
		assert.Equal(t, float64(i), *em.Reading.Value)
	}
}

func TestDispatcherDropOldestNeverBlocks(t *testing.T) {
	// No Start: nothing consumes, so the channel fills and overflow
	// must shed the oldest without ever blocking the submitter.
	d := NewDispatcher(nil, zap.NewNop())

	total := dispatcherCapacity + 100
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			d.Submit(emission("m1", float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full dispatcher queue")
	}

	submitted, delivered, dropped := d.Stats()
	assert.Equal(t, uint64(total), submitted)
	assert.Equal(t, uint64(0), delivered)
	assert.Equal(t, uint64(100), dropped)

	// The oldest items were shed; the newest survive.
	first := <-d.queue.ch
	assert.Equal(t, float64(100), *first.Reading.Value)
}

func TestEmissionQueueDropOldest(t *testing.T) {
	q := newEmissionQueue("test", 2)
	assert.True(t, q.push(emission("m1", 1)))
	assert.True(t, q.push(emission("m1", 2)))
	assert.False(t, q.push(emission("m1", 3)))

	got := <-q.ch
	assert.Equal(t, 2.0, *got.Reading.Value)
	got = <-q.ch
	assert.Equal(t, 3.0, *got.Reading.Value)
}

func TestDispatcherAccounting(t *testing.T) {
	s := &captureSink{name: "s"}
	d := NewDispatcher([]Sink{s}, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))

	const total = 500
	for i := 0; i < total; i++ {
		d.Submit(emission("m1", float64(i)))
	}
	require.Eventually(t, func() bool {
		submitted, delivered, dropped := d.Stats()
		return submitted == total && delivered+dropped == total
	}, 2*time.Second, 10*time.Millisecond)
	d.Stop()

	_, delivered, dropped := d.Stats()
	assert.Equal(t, int(delivered), s.count())
	assert.Equal(t, uint64(total), delivered+dropped)
}
