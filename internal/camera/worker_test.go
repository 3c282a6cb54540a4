// internal/camera/worker_test.go
package camera

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/registry"
)

type fakeSource struct {
	read func() (image.Image, error)
}

func (s *fakeSource) Read() (image.Image, error) { return s.read() }
func (s *fakeSource) Close() error               { return nil }

func uniformFrame(size int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func frameOpener(frame image.Image) Opener {
	return func(string) (Source, error) {
		return &fakeSource{read: func() (image.Image, error) {
			time.Sleep(2 * time.Millisecond)
			return frame, nil
		}}, nil
	}
}

type collector struct {
	mu  sync.Mutex
	ems []core.Emission
}

func (c *collector) add(em core.Emission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ems = append(c.ems, em)
}

func (c *collector) snapshot() []core.Emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Emission, len(c.ems))
	copy(out, c.ems)
	return out
}

func (c *collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ems = nil
}

func fullQuad(size int) []config.Point {
	return []config.Point{{0, 0}, {size - 1, 0}, {size - 1, size - 1}, {0, size - 1}}
}

func indicatorCamera(interval float64) *config.Config {
	return &config.Config{Cameras: []config.CameraConfig{{
		ID:                 "cam-01",
		Name:               "Test",
		URL:                "rtsp://fake/stream",
		Enabled:            true,
		ProcessingInterval: interval,
		Indicators: []config.IndicatorConfig{{
			ID:   "lamp-1",
			Name: "lamp-1",
			Perspective: config.PerspectiveConfig{
				Points:     fullQuad(64),
				OutputSize: config.Size{32, 32},
			},
			Detection: config.DetectionConfig{Mode: config.DetectBrightness, Threshold: 100},
		}},
	}}}
}

func startWorker(t *testing.T, reg *registry.Registry, open Opener) *Worker {
	t.Helper()
	w := NewWorker("cam-01", reg, open, nil, zap.NewNop())
	go w.Run()
	t.Cleanup(func() {
		w.Stop()
		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	})
	return w
}

func TestWorkerEmitsPacedReadings(t *testing.T) {
	reg := registry.New()
	reg.SetConfig(indicatorCamera(0.1))

	c := &collector{}
	reg.Subscribe(c.add)

	startWorker(t, reg, frameOpener(uniformFrame(64, 200)))

	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= 3
	}, 2*time.Second, 20*time.Millisecond)

	ems := c.snapshot()
	for _, em := range ems {
		require.NotNil(t, em.Indicator)
		assert.True(t, em.Indicator.State)
		assert.InDelta(t, 200, em.Indicator.Score, 2)
	}

	// Pacing: consecutive timestamps at least interval - 50ms apart.
	for i := 1; i < len(ems); i++ {
		gap := ems[i].Indicator.Timestamp.Sub(ems[i-1].Indicator.Timestamp)
		assert.GreaterOrEqual(t, gap, 50*time.Millisecond,
			"gap %d->%d was %s", i-1, i, gap)
	}

	// Latest reading mirrors the newest emission.
	latest, ok := reg.LatestReading("cam-01", "lamp-1")
	require.True(t, ok)
	assert.Equal(t, ems[len(ems)-1].Indicator.Timestamp, latest.Indicator.Timestamp)
}

func TestWorkerPublishesFrames(t *testing.T) {
	reg := registry.New()
	reg.SetConfig(indicatorCamera(0.1))
	startWorker(t, reg, frameOpener(uniformFrame(64, 200)))

	require.Eventually(t, func() bool {
		snap, ok := reg.Frame("cam-01")
		return ok && len(snap.Raw) > 0 && len(snap.Annotated) > 0
	}, 2*time.Second, 20*time.Millisecond)

	snap, _ := reg.Frame("cam-01")
	// JPEG magic
	assert.Equal(t, []byte{0xff, 0xd8}, snap.Raw[:2])
	assert.Equal(t, []byte{0xff, 0xd8}, snap.Annotated[:2])
}

func TestWorkerEmitsFailureReading(t *testing.T) {
	cfg := &config.Config{Cameras: []config.CameraConfig{{
		ID:                 "cam-01",
		URL:                "rtsp://fake/stream",
		Enabled:            true,
		ProcessingInterval: 0.1,
		Meters: []config.MeterConfig{{
			ID: "m1",
			Perspective: config.PerspectiveConfig{
				Points:     fullQuad(64),
				OutputSize: config.Size{64, 64},
			},
			Recognition: config.RecognitionConfig{
				DisplayMode:  config.DisplayLightOnDark,
				ColorChannel: config.ChannelGray,
				Threshold:    128,
			},
			Unit: "kPa",
		}},
	}}}

	reg := registry.New()
	reg.SetConfig(cfg)
	c := &collector{}
	reg.Subscribe(c.add)

	// A dark frame decodes nothing: the failure is still emitted.
	startWorker(t, reg, frameOpener(uniformFrame(64, 10)))

	require.Eventually(t, func() bool { return len(c.snapshot()) >= 1 }, 2*time.Second, 20*time.Millisecond)

	em := c.snapshot()[0]
	require.NotNil(t, em.Reading)
	assert.Nil(t, em.Reading.Value)
	assert.Zero(t, em.Reading.Confidence)
	assert.Empty(t, em.Reading.RawText)
	assert.Equal(t, "kPa", em.Reading.Unit)

	_, ok := reg.LatestReading("cam-01", "m1")
	assert.True(t, ok, "failure readings update the latest-reading table")
}

func TestWorkerBackoffOnConnectFailure(t *testing.T) {
	reg := registry.New()
	reg.SetConfig(indicatorCamera(0.1))

	var mu sync.Mutex
	attempts := 0
	open := func(string) (Source, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	startWorker(t, reg, open)

	require.Eventually(t, func() bool {
		state, lastErr, ok := reg.CameraState("cam-01")
		return ok && state == core.CameraStateBackoff && lastErr == "connection refused"
	}, 2*time.Second, 20*time.Millisecond)

	// First retry is due after ~1s; no storm of attempts before that.
	mu.Lock()
	n := attempts
	mu.Unlock()
	assert.LessOrEqual(t, n, 2)
}

func TestWorkerExitsWhenCameraRemoved(t *testing.T) {
	reg := registry.New()
	reg.SetConfig(indicatorCamera(0.1))
	w := startWorker(t, reg, frameOpener(uniformFrame(64, 200)))

	require.Eventually(t, func() bool {
		state, _, ok := reg.CameraState("cam-01")
		return ok && state == core.CameraStateRunning
	}, 2*time.Second, 20*time.Millisecond)

	// Swap in a snapshot without the camera; the worker notices at the
	// next frame boundary and exits by itself.
	reg.SetConfig(&config.Config{})

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept running after its camera was removed")
	}
}

func TestWorkerHotReloadSwapsMeters(t *testing.T) {
	base := indicatorCamera(0.1)
	reg := registry.New()
	reg.SetConfig(base)

	c := &collector{}
	reg.Subscribe(c.add)
	startWorker(t, reg, frameOpener(uniformFrame(64, 200)))

	require.Eventually(t, func() bool { return len(c.snapshot()) >= 1 }, 2*time.Second, 20*time.Millisecond)

	// Replace lamp-1 with lamp-2; same camera, no restart.
	next := indicatorCamera(0.1)
	next.Cameras[0].Indicators[0].ID = "lamp-2"
	next.Cameras[0].Indicators[0].Name = "lamp-2"
	reg.SetConfig(next)

	// Give the in-flight frame time to clear, then observe.
	time.Sleep(300 * time.Millisecond)
	c.reset()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= 1 }, 2*time.Second, 20*time.Millisecond)

	for _, em := range c.snapshot() {
		require.NotNil(t, em.Indicator)
		assert.Equal(t, "lamp-2", em.Indicator.IndicatorID,
			"no stale indicator ids after the snapshot swap")
	}
}
