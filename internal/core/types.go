// internal/core/types.go
package core

import "time"

// CameraState is the connection state of a camera worker.
// Values are surfaced on /api/status and /api/cameras/{id}.
type CameraState string

const (
	CameraStateConnecting CameraState = "connecting"
	CameraStateRunning    CameraState = "running"
	CameraStateBackoff    CameraState = "backoff"
	CameraStateDisabled   CameraState = "disabled"
)

// Reading is a single decoded output for one meter at one instant.
// A failed recognition still produces a Reading with Value=nil and
// Confidence=0 so sinks can record the failure; RawText keeps whatever
// was decoded (empty when no digit was found).
type Reading struct {
	CameraID   string    `json:"camera_id"`
	MeterID    string    `json:"meter_id"`
	Value      *float64  `json:"value"`
	RawText    string    `json:"raw_text"`
	Unit       string    `json:"unit,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// IndicatorReading is the on/off decision for one indicator lamp.
// Score is a mean brightness (0..255) in brightness mode or a color
// ratio (0..1) in color mode.
type IndicatorReading struct {
	CameraID    string    `json:"camera_id"`
	IndicatorID string    `json:"indicator_id"`
	State       bool      `json:"state"`
	Score       float64   `json:"score"`
	Timestamp   time.Time `json:"timestamp"`
}

// Emission is what camera workers hand to the dispatcher: exactly one
// of Reading / Indicator is set.
type Emission struct {
	Reading   *Reading
	Indicator *IndicatorReading
}

// Key identifies the latest-reading registry slot an emission replaces.
func (e Emission) Key() (cameraID, sourceID string) {
	if e.Reading != nil {
		return e.Reading.CameraID, e.Reading.MeterID
	}
	if e.Indicator != nil {
		return e.Indicator.CameraID, e.Indicator.IndicatorID
	}
	return "", ""
}

// Time returns the emission timestamp.
func (e Emission) Time() time.Time {
	if e.Reading != nil {
		return e.Reading.Timestamp
	}
	if e.Indicator != nil {
		return e.Indicator.Timestamp
	}
	return time.Time{}
}

// FrameSnapshot holds the latest JPEG-encoded frames of a camera for
// the snapshot and MJPEG endpoints.
type FrameSnapshot struct {
	Raw       []byte
	Annotated []byte
	Timestamp time.Time
}

// MeterStatus is the per-meter slice of a camera's runtime status.
type MeterStatus struct {
	MeterID     string   `json:"meter_id"`
	Name        string   `json:"name"`
	LastReading *Reading `json:"last_reading,omitempty"`
}

// CameraStatus is the runtime status of one camera as served by the
// REST surface.
type CameraStatus struct {
	CameraID      string        `json:"camera_id"`
	Name          string        `json:"name"`
	State         CameraState   `json:"state"`
	LastFrameTime time.Time     `json:"last_frame_time,omitempty"`
	FPS           float64       `json:"fps"`
	Meters        []MeterStatus `json:"meters,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}
