// internal/camera/worker.go
package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/metrics"
	"github.com/sua-org/meter-eye/internal/registry"
	"github.com/sua-org/meter-eye/internal/storage"
	"github.com/sua-org/meter-eye/internal/vision"
)

const (
	// readTimeout is how long Running tolerates a silent decoder
	// before falling back to Backoff.
	readTimeout = 5 * time.Second

	// stableConnection resets the reconnect backoff after this much
	// uninterrupted streaming.
	stableConnection = 5 * time.Minute

	// errorLogInterval rate-limits recognition failure logs per
	// (meter, kind).
	errorLogInterval = time.Minute

	fpsWindow = 30
)

// Worker runs the soft-real-time loop of one camera: connect, pace,
// recognize, publish. It reads its CameraConfig from the registry's
// atomic snapshot at every frame iteration, so meter changes apply at
// the next frame without a restart.
type Worker struct {
	cameraID string
	reg      *registry.Registry
	open     Opener
	archive  storage.ImageStore // optional annotated-snapshot archive
	log      *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu            sync.Mutex
	state         core.CameraState
	lastErr       string
	lastFrameTime time.Time
	fps           float64
	frameTimes    []time.Duration

	logGate map[string]time.Time
}

// NewWorker wires a worker for one camera id. Call Run (usually in a
// goroutine) to start it.
func NewWorker(cameraID string, reg *registry.Registry, open Opener, archive storage.ImageStore, log *zap.Logger) *Worker {
	return &Worker{
		cameraID: cameraID,
		reg:      reg,
		open:     open,
		archive:  archive,
		log:      log.With(zap.String("camera_id", cameraID)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logGate:  make(map[string]time.Time),
	}
}

// Stop requests a cooperative shutdown.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed when the frame loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits interruptibly for d; false means the worker is stopping.
func (w *Worker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) setState(s core.CameraState, errMsg string) {
	w.mu.Lock()
	w.state = s
	w.lastErr = errMsg
	w.mu.Unlock()
	w.reg.SetCameraState(w.cameraID, s, errMsg)
	if s == core.CameraStateRunning {
		metrics.CameraUp.WithLabelValues(w.cameraID).Set(1)
	} else {
		metrics.CameraUp.WithLabelValues(w.cameraID).Set(0)
	}
}

// Status reports the worker's slice of the camera runtime status.
func (w *Worker) Status() core.CameraStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return core.CameraStatus{
		CameraID:      w.cameraID,
		State:         w.state,
		LastFrameTime: w.lastFrameTime,
		FPS:           w.fps,
		ErrorMessage:  w.lastErr,
	}
}

// currentConfig fetches this camera's config from the live snapshot.
func (w *Worker) currentConfig() *config.CameraConfig {
	cfg := w.reg.Config()
	if cfg == nil {
		return nil
	}
	cam := cfg.Camera(w.cameraID)
	if cam == nil || !cam.Enabled {
		return nil
	}
	return cam
}

// Run drives the Connecting -> Running -> Backoff state machine until
// Stop is called or the camera vanishes from the snapshot.
func (w *Worker) Run() {
	defer close(w.doneCh)
	defer metrics.CameraUp.DeleteLabelValues(w.cameraID)

	w.log.Info("camera worker starting")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for !w.stopped() {
		cam := w.currentConfig()
		if cam == nil {
			w.log.Info("camera removed or disabled, worker exiting")
			return
		}

		w.setState(core.CameraStateConnecting, "")
		src, err := w.open(cam.URL)
		if err != nil {
			w.setState(core.CameraStateBackoff, err.Error())
			delay := bo.NextBackOff()
			w.log.Warn("stream connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !w.sleep(delay) {
				return
			}
			continue
		}

		streamErr := w.runStream(src, bo)
		src.Close()

		if w.stopped() || w.currentConfig() == nil {
			break
		}
		msg := ""
		if streamErr != nil {
			msg = streamErr.Error()
		}
		w.setState(core.CameraStateBackoff, msg)
		delay := bo.NextBackOff()
		w.log.Warn("stream lost", zap.String("reason", msg), zap.Duration("retry_in", delay))
		if !w.sleep(delay) {
			return
		}
	}

	w.log.Info("camera worker stopped")
}

// runStream is the Running state: read frames, pace processing,
// publish. Returns the stream error that pushed us to Backoff, or nil
// on stop or when the camera left the snapshot.
func (w *Worker) runStream(src Source, bo *backoff.ExponentialBackOff) error {
	w.setState(core.CameraStateRunning, "")
	w.log.Info("stream connected")

	connectedAt := time.Now()
	lastFrame := time.Now()
	var lastProcess time.Time
	prevFrame := time.Now()

	for !w.stopped() {
		cam := w.currentConfig()
		if cam == nil {
			return nil
		}

		img, err := src.Read()
		now := time.Now()
		if err != nil {
			if now.Sub(lastFrame) > readTimeout {
				return fmt.Errorf("no frame for %s: %w", readTimeout, err)
			}
			// Transient empty read; give the decoder a beat.
			if !w.sleep(50 * time.Millisecond) {
				return nil
			}
			continue
		}

		lastFrame = now
		w.trackFrame(now, now.Sub(prevFrame))
		prevFrame = now

		if now.Sub(connectedAt) >= stableConnection {
			bo.Reset()
			connectedAt = now
		}

		interval := time.Duration(cam.ProcessingInterval * float64(time.Second))
		if lastProcess.IsZero() || now.Sub(lastProcess) >= interval {
			w.processFrame(img, cam, now)
			lastProcess = now
		}
	}
	return nil
}

func (w *Worker) trackFrame(now time.Time, delta time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFrameTime = now
	w.frameTimes = append(w.frameTimes, delta)
	if len(w.frameTimes) > fpsWindow {
		w.frameTimes = w.frameTimes[1:]
	}
	var sum time.Duration
	for _, d := range w.frameTimes {
		sum += d
	}
	if avg := sum / time.Duration(len(w.frameTimes)); avg > 0 {
		w.fps = float64(time.Second) / float64(avg)
	}
}

// processFrame fans one frame through every meter and indicator in
// config order, publishes the readings and the latest-frame JPEGs.
func (w *Worker) processFrame(frame image.Image, cam *config.CameraConfig, ts time.Time) {
	ts = ts.UTC()

	for i := range cam.Meters {
		meter := &cam.Meters[i]
		res := w.safeRecognize(frame, meter)
		reading := &core.Reading{
			CameraID:   w.cameraID,
			MeterID:    meter.ID,
			Value:      res.Value,
			RawText:    res.RawText,
			Unit:       meter.Unit,
			Confidence: res.Confidence,
			Timestamp:  ts,
		}
		if res.Err != nil {
			w.logLimited("recognize:"+meter.ID+":"+res.Err.Error(),
				"recognition failed",
				zap.String("meter_id", meter.ID),
				zap.String("kind", res.Err.Error()),
				zap.String("raw_text", res.RawText))
		}
		w.reg.PublishReading(core.Emission{Reading: reading})
		metrics.ReadingsTotal.WithLabelValues(w.cameraID).Inc()
	}

	for i := range cam.Indicators {
		ind := &cam.Indicators[i]
		res, err := w.safeDetect(frame, ind)
		if err != nil {
			w.logLimited("detect:"+ind.ID,
				"indicator detection failed",
				zap.String("indicator_id", ind.ID),
				zap.Error(err))
		}
		reading := &core.IndicatorReading{
			CameraID:    w.cameraID,
			IndicatorID: ind.ID,
			State:       res.State,
			Score:       res.Score,
			Timestamp:   ts,
		}
		w.reg.PublishReading(core.Emission{Indicator: reading})
		metrics.ReadingsTotal.WithLabelValues(w.cameraID).Inc()
	}

	w.publishFrame(frame, cam, ts)
}

// safeRecognize shields the frame loop from recognizer panics; a panic
// comes back as an empty failure result.
func (w *Worker) safeRecognize(frame image.Image, meter *config.MeterConfig) (res vision.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = vision.Result{Err: fmt.Errorf("recognizer panic: %v", r)}
		}
	}()
	return vision.RecognizeMeter(frame, *meter)
}

func (w *Worker) safeDetect(frame image.Image, ind *config.IndicatorConfig) (res vision.IndicatorResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = vision.IndicatorResult{}
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return vision.DetectIndicator(frame, *ind), nil
}

func (w *Worker) publishFrame(frame image.Image, cam *config.CameraConfig, ts time.Time) {
	raw, err := encodeJPEG(frame)
	if err != nil {
		w.logLimited("encode:raw", "frame encode failed", zap.Error(err))
		return
	}
	annotated, err := encodeJPEG(annotate(frame, cam))
	if err != nil {
		w.logLimited("encode:annotated", "annotated frame encode failed", zap.Error(err))
		annotated = raw
	}
	w.reg.PublishFrame(w.cameraID, core.FrameSnapshot{
		Raw:       raw,
		Annotated: annotated,
		Timestamp: ts,
	})

	if w.archive != nil {
		key := fmt.Sprintf("%s/%d.jpg", w.cameraID, ts.UnixNano())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := w.archive.SaveSnapshot(ctx, key, annotated, "image/jpeg"); err != nil {
				w.logLimited("archive", "snapshot archive failed", zap.Error(err))
			}
		}()
	}
}

// logLimited logs at warn level at most once per errorLogInterval per
// key.
func (w *Worker) logLimited(key, msg string, fields ...zap.Field) {
	now := time.Now()
	w.mu.Lock()
	last, seen := w.logGate[key]
	if seen && now.Sub(last) < errorLogInterval {
		w.mu.Unlock()
		return
	}
	w.logGate[key] = now
	w.mu.Unlock()
	w.log.Warn(msg, fields...)
}
