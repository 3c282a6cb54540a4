// internal/registry/registry.go
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
)

// Subscriber receives every emission published into the registry.
// Subscribers must not block: the streaming layer and the exporter
// dispatcher both hand off to their own queues.
type Subscriber func(core.Emission)

// frameSlot holds the latest frame of one camera behind its own lock
// so a slow MJPEG reader never blocks the worker publishing the next
// frame of another camera.
type frameSlot struct {
	mu   sync.RWMutex
	snap core.FrameSnapshot
	ok   bool
}

type readingSlot struct {
	mu sync.RWMutex
	em core.Emission
}

type cameraState struct {
	mu      sync.RWMutex
	state   core.CameraState
	lastErr string
}

// Registry is the process-wide runtime state store: current config
// snapshot, latest frame per camera, latest reading per
// (camera, meter-or-indicator), camera states and the subscriber list.
type Registry struct {
	cfg atomic.Pointer[config.Config]

	mu       sync.RWMutex // guards the maps themselves, not slot contents
	frames   map[string]*frameSlot
	readings map[readingKey]*readingSlot
	states   map[string]*cameraState

	subs atomic.Pointer[[]*subEntry]
}

// subEntry gives each subscription an identity so unsubscribe works
// regardless of registration order.
type subEntry struct {
	fn Subscriber
}

type readingKey struct {
	cameraID string
	sourceID string
}

func New() *Registry {
	r := &Registry{
		frames:   make(map[string]*frameSlot),
		readings: make(map[readingKey]*readingSlot),
		states:   make(map[string]*cameraState),
	}
	empty := []*subEntry{}
	r.subs.Store(&empty)
	return r
}

// SetConfig atomically replaces the current snapshot.
func (r *Registry) SetConfig(cfg *config.Config) {
	r.cfg.Store(cfg)
}

// Config returns the current snapshot without locking. Workers call
// this once per frame iteration.
func (r *Registry) Config() *config.Config {
	return r.cfg.Load()
}

// Subscribe registers a callback for every new emission and returns
// its unsubscribe function. The slice is copy-on-write: publishers
// snapshot the current pointer and never hold a lock while invoking.
func (r *Registry) Subscribe(s Subscriber) (unsubscribe func()) {
	entry := &subEntry{fn: s}

	r.mu.Lock()
	old := *r.subs.Load()
	next := make([]*subEntry, len(old)+1)
	copy(next, old)
	next[len(old)] = entry
	r.subs.Store(&next)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			cur := *r.subs.Load()
			out := make([]*subEntry, 0, len(cur))
			for _, e := range cur {
				if e != entry {
					out = append(out, e)
				}
			}
			r.subs.Store(&out)
		})
	}
}

// PublishReading stores the emission as the latest for its key and
// fans it out to all subscribers.
func (r *Registry) PublishReading(em core.Emission) {
	cameraID, sourceID := em.Key()
	if cameraID == "" {
		return
	}
	key := readingKey{cameraID, sourceID}

	r.mu.RLock()
	slot := r.readings[key]
	r.mu.RUnlock()
	if slot == nil {
		r.mu.Lock()
		if slot = r.readings[key]; slot == nil {
			slot = &readingSlot{}
			r.readings[key] = slot
		}
		r.mu.Unlock()
	}

	slot.mu.Lock()
	slot.em = em
	slot.mu.Unlock()

	for _, e := range *r.subs.Load() {
		e.fn(em)
	}
}

// LatestReading returns the most recent emission for one
// (camera, meter-or-indicator) key.
func (r *Registry) LatestReading(cameraID, sourceID string) (core.Emission, bool) {
	r.mu.RLock()
	slot := r.readings[readingKey{cameraID, sourceID}]
	r.mu.RUnlock()
	if slot == nil {
		return core.Emission{}, false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.em, true
}

// Readings returns the latest emissions of one camera, unordered.
func (r *Registry) Readings(cameraID string) []core.Emission {
	r.mu.RLock()
	slots := make([]*readingSlot, 0, 8)
	for k, slot := range r.readings {
		if k.cameraID == cameraID {
			slots = append(slots, slot)
		}
	}
	r.mu.RUnlock()

	out := make([]core.Emission, 0, len(slots))
	for _, slot := range slots {
		slot.mu.RLock()
		out = append(out, slot.em)
		slot.mu.RUnlock()
	}
	return out
}

// PublishFrame stores the latest JPEG pair of a camera.
func (r *Registry) PublishFrame(cameraID string, snap core.FrameSnapshot) {
	r.mu.RLock()
	slot := r.frames[cameraID]
	r.mu.RUnlock()
	if slot == nil {
		r.mu.Lock()
		if slot = r.frames[cameraID]; slot == nil {
			slot = &frameSlot{}
			r.frames[cameraID] = slot
		}
		r.mu.Unlock()
	}
	slot.mu.Lock()
	slot.snap = snap
	slot.ok = true
	slot.mu.Unlock()
}

// Frame returns the latest frame snapshot of a camera.
func (r *Registry) Frame(cameraID string) (core.FrameSnapshot, bool) {
	r.mu.RLock()
	slot := r.frames[cameraID]
	r.mu.RUnlock()
	if slot == nil {
		return core.FrameSnapshot{}, false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.snap, slot.ok
}

// SetCameraState records the worker state machine position plus the
// most recent error message for the status endpoints.
func (r *Registry) SetCameraState(cameraID string, state core.CameraState, lastErr string) {
	r.mu.RLock()
	cs := r.states[cameraID]
	r.mu.RUnlock()
	if cs == nil {
		r.mu.Lock()
		if cs = r.states[cameraID]; cs == nil {
			cs = &cameraState{}
			r.states[cameraID] = cs
		}
		r.mu.Unlock()
	}
	cs.mu.Lock()
	cs.state = state
	cs.lastErr = lastErr
	cs.mu.Unlock()
}

// CameraState reports the current state of one camera.
func (r *Registry) CameraState(cameraID string) (core.CameraState, string, bool) {
	r.mu.RLock()
	cs := r.states[cameraID]
	r.mu.RUnlock()
	if cs == nil {
		return "", "", false
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state, cs.lastErr, true
}

// Prune drops frames, readings and states that reference cameras or
// meters absent from the given snapshot. The supervisor calls this
// after a reload so no stale meter_id survives the swap.
func (r *Registry) Prune(cfg *config.Config) {
	valid := make(map[readingKey]bool)
	cameras := make(map[string]bool)
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if !cam.Enabled {
			continue
		}
		cameras[cam.ID] = true
		for _, m := range cam.Meters {
			valid[readingKey{cam.ID, m.ID}] = true
		}
		for _, ind := range cam.Indicators {
			valid[readingKey{cam.ID, ind.ID}] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.readings {
		if !valid[k] {
			delete(r.readings, k)
		}
	}
	for id := range r.frames {
		if !cameras[id] {
			delete(r.frames, id)
		}
	}
	for id := range r.states {
		if !cameras[id] {
			delete(r.states, id)
		}
	}
}
