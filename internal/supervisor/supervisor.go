// internal/supervisor/supervisor.go
package supervisor

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/camera"
	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/registry"
	"github.com/sua-org/meter-eye/internal/storage"
)

const (
	// workerStopTimeout is how long a cooperative stop waits before
	// the worker is abandoned.
	workerStopTimeout = 5 * time.Second

	// shutdownTimeout caps the total graceful drain on shutdown.
	shutdownTimeout = 10 * time.Second
)

// Supervisor reconciles the set of running camera workers against the
// current config snapshot and owns their lifecycle.
type Supervisor struct {
	reg     *registry.Registry
	open    camera.Opener
	archive storage.ImageStore
	log     *zap.Logger

	mu      sync.Mutex
	workers map[string]*workerHandle

	proc *process.Process
}

type workerHandle struct {
	worker *camera.Worker
	url    string // the stream URL the worker was started with
}

// New builds a supervisor. open is the stream opener handed to every
// worker; archive may be nil.
func New(reg *registry.Registry, open camera.Opener, archive storage.ImageStore, log *zap.Logger) *Supervisor {
	s := &Supervisor{
		reg:     reg,
		open:    open,
		archive: archive,
		log:     log.With(zap.String("component", "supervisor")),
		workers: make(map[string]*workerHandle),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Apply swaps the registry's snapshot and reconciles workers:
// spawn what is new, stop what is gone, restart what changed its
// stream URL. Meter/indicator/interval changes need no restart —
// workers read the snapshot at every frame boundary.
func (s *Supervisor) Apply(cfg *config.Config) {
	s.reg.SetConfig(cfg)
	s.reg.Prune(cfg)

	target := make(map[string]*config.CameraConfig)
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if cam.Enabled {
			target[cam.ID] = cam
		} else {
			s.reg.SetCameraState(cam.ID, core.CameraStateDisabled, "")
		}
	}

	s.mu.Lock()
	var toStop []*workerHandle
	var stopIDs []string
	for id, h := range s.workers {
		cam, ok := target[id]
		switch {
		case !ok:
			s.log.Info("camera removed or disabled, stopping worker", zap.String("camera_id", id))
			toStop = append(toStop, h)
			stopIDs = append(stopIDs, id)
		case cam.URL != h.url:
			s.log.Info("camera stream url changed, restarting worker", zap.String("camera_id", id))
			toStop = append(toStop, h)
			stopIDs = append(stopIDs, id)
		default:
			// Same connection; live snapshot covers the rest.
			delete(target, id)
		}
	}
	for _, id := range stopIDs {
		delete(s.workers, id)
	}
	for id, cam := range target {
		h := &workerHandle{
			worker: camera.NewWorker(id, s.reg, s.open, s.archive, s.log),
			url:    cam.URL,
		}
		s.workers[id] = h
		s.log.Info("starting camera worker", zap.String("camera_id", id), zap.String("name", cam.Name))
		go h.worker.Run()
	}
	s.mu.Unlock()

	for _, h := range toStop {
		s.stopWorker(h)
	}
}

// stopWorker requests a cooperative stop and waits up to
// workerStopTimeout; a worker that will not exit is abandoned.
func (s *Supervisor) stopWorker(h *workerHandle) {
	h.worker.Stop()
	select {
	case <-h.worker.Done():
	case <-time.After(workerStopTimeout):
		s.log.Error("camera worker did not stop in time, abandoning",
			zap.Duration("timeout", workerStopTimeout))
	}
}

// Reload loads and validates a new snapshot, then reconciles. A load
// or validation failure leaves the running snapshot untouched.
func (s *Supervisor) Reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		s.log.Warn("reload rejected", zap.Error(err))
		return err
	}
	s.log.Info("config reloaded", zap.Int("cameras", len(cfg.Cameras)))
	s.Apply(cfg)
	return nil
}

// Shutdown stops every worker, bounded by shutdownTimeout in total.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.workers = make(map[string]*workerHandle)
	s.mu.Unlock()

	deadline := time.After(shutdownTimeout)
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, h := range handles {
			wg.Add(1)
			go func(h *workerHandle) {
				defer wg.Done()
				s.stopWorker(h)
			}(h)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all camera workers stopped")
	case <-deadline:
		s.log.Error("shutdown drain timed out, abandoning remaining workers")
	}
}

// ServiceStatus is the collector-level slice of /api/status.
type ServiceStatus struct {
	Cameras     []core.CameraStatus `json:"cameras"`
	CPUPercent  float64             `json:"cpu_percent"`
	MemPercent  float64             `json:"memory_percent"`
	MemRSSBytes uint64              `json:"memory_rss_bytes"`
}

// Status assembles runtime status for every configured camera plus
// process-level resource usage.
func (s *Supervisor) Status() ServiceStatus {
	var out ServiceStatus

	cfg := s.reg.Config()

	s.mu.Lock()
	handles := make(map[string]*workerHandle, len(s.workers))
	for id, h := range s.workers {
		handles[id] = h
	}
	s.mu.Unlock()

	if cfg != nil {
		for i := range cfg.Cameras {
			cam := &cfg.Cameras[i]
			var st core.CameraStatus
			if h, ok := handles[cam.ID]; ok {
				st = h.worker.Status()
			} else {
				st = core.CameraStatus{CameraID: cam.ID, State: core.CameraStateDisabled}
				if state, lastErr, ok := s.reg.CameraState(cam.ID); ok {
					st.State, st.ErrorMessage = state, lastErr
				}
			}
			st.Name = cam.Name
			for _, m := range cam.Meters {
				ms := core.MeterStatus{MeterID: m.ID, Name: m.Name}
				if em, ok := s.reg.LatestReading(cam.ID, m.ID); ok {
					ms.LastReading = em.Reading
				}
				st.Meters = append(st.Meters, ms)
			}
			out.Cameras = append(out.Cameras, st)
		}
	}

	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			out.CPUPercent = cpu
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			out.MemRSSBytes = memInfo.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			out.MemPercent = float64(memP)
		}
	}
	return out
}
