// internal/registry/registry_test.go
package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
)

func reading(camera, meter string, value float64, ts time.Time) core.Emission {
	return core.Emission{Reading: &core.Reading{
		CameraID:  camera,
		MeterID:   meter,
		Value:     &value,
		Timestamp: ts,
	}}
}

func TestLatestReadingReplaced(t *testing.T) {
	r := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	r.PublishReading(reading("cam-01", "m1", 1.0, base))
	r.PublishReading(reading("cam-01", "m1", 2.0, base.Add(time.Second)))

	em, ok := r.LatestReading("cam-01", "m1")
	require.True(t, ok)
	assert.Equal(t, 2.0, *em.Reading.Value)
	assert.Equal(t, base.Add(time.Second), em.Reading.Timestamp)
}

func TestLatestReadingPerKey(t *testing.T) {
	r := New()
	now := time.Now()
	r.PublishReading(reading("cam-01", "m1", 1.0, now))
	r.PublishReading(reading("cam-01", "m2", 2.0, now))
	r.PublishReading(reading("cam-02", "m1", 3.0, now))

	em, ok := r.LatestReading("cam-01", "m2")
	require.True(t, ok)
	assert.Equal(t, 2.0, *em.Reading.Value)

	assert.Len(t, r.Readings("cam-01"), 2)
	assert.Len(t, r.Readings("cam-02"), 1)

	_, ok = r.LatestReading("cam-03", "m1")
	assert.False(t, ok)
}

func TestSubscribers(t *testing.T) {
	r := New()
	var got []core.Emission
	unsubscribe := r.Subscribe(func(em core.Emission) { got = append(got, em) })

	r.PublishReading(reading("cam-01", "m1", 1.0, time.Now()))
	require.Len(t, got, 1)

	unsubscribe()
	r.PublishReading(reading("cam-01", "m1", 2.0, time.Now()))
	assert.Len(t, got, 1)
}

func TestUnsubscribeKeepsOthers(t *testing.T) {
	r := New()
	var a, b int
	ua := r.Subscribe(func(core.Emission) { a++ })
	r.Subscribe(func(core.Emission) { b++ })

	ua()
	ua() // idempotent
	r.PublishReading(reading("cam-01", "m1", 1.0, time.Now()))
	assert.Zero(t, a)
	assert.Equal(t, 1, b)
}

func TestFrameStorage(t *testing.T) {
	r := New()
	_, ok := r.Frame("cam-01")
	assert.False(t, ok)

	snap := core.FrameSnapshot{Raw: []byte{0xff, 0xd8}, Annotated: []byte{0xff, 0xd8, 0x01}, Timestamp: time.Now()}
	r.PublishFrame("cam-01", snap)

	got, ok := r.Frame("cam-01")
	require.True(t, ok)
	assert.Equal(t, snap.Raw, got.Raw)
	assert.Equal(t, snap.Annotated, got.Annotated)
}

func TestCameraState(t *testing.T) {
	r := New()
	r.SetCameraState("cam-01", core.CameraStateBackoff, "connection refused")

	state, lastErr, ok := r.CameraState("cam-01")
	require.True(t, ok)
	assert.Equal(t, core.CameraStateBackoff, state)
	assert.Equal(t, "connection refused", lastErr)
}

func TestPruneDropsStaleKeys(t *testing.T) {
	r := New()
	now := time.Now()
	r.PublishReading(reading("cam-01", "m1", 1.0, now))
	r.PublishReading(reading("cam-01", "m2", 2.0, now))
	r.PublishFrame("cam-02", core.FrameSnapshot{Raw: []byte{1}})
	r.SetCameraState("cam-02", core.CameraStateRunning, "")

	cfg := &config.Config{Cameras: []config.CameraConfig{{
		ID:      "cam-01",
		URL:     "rtsp://x",
		Enabled: true,
		Meters:  []config.MeterConfig{{ID: "m2"}},
	}}}
	r.Prune(cfg)

	_, ok := r.LatestReading("cam-01", "m1")
	assert.False(t, ok, "stale meter key must be gone after the swap")
	_, ok = r.LatestReading("cam-01", "m2")
	assert.True(t, ok)
	_, ok = r.Frame("cam-02")
	assert.False(t, ok)
	_, _, ok = r.CameraState("cam-02")
	assert.False(t, ok)
}

func TestConfigSwapAtomic(t *testing.T) {
	r := New()
	assert.Nil(t, r.Config())

	cfg := &config.Config{}
	r.SetConfig(cfg)
	assert.Same(t, cfg, r.Config())

	next := &config.Config{}
	r.SetConfig(next)
	assert.Same(t, next, r.Config())
}
