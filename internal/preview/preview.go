// internal/preview/preview.go
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/registry"
	"github.com/sua-org/meter-eye/internal/vision"
)

// ErrNoFrame means the camera has not produced a frame yet; the REST
// layer maps it to a 409.
var ErrNoFrame = errors.New("no frame available yet")

// Service runs ad-hoc recognition against the latest stored frame.
// It shares nothing with the worker loop beyond reading that frame.
type Service struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Service {
	return &Service{reg: reg}
}

// MeterPreview is the synchronous recognition result plus the debug
// artifacts the config UI renders.
type MeterPreview struct {
	Value          *float64 `json:"value"`
	RawText        string   `json:"raw_text"`
	Confidence     float64  `json:"confidence"`
	Error          string   `json:"error,omitempty"`
	WarpedPNG      []byte   `json:"-"`
	ThresholdedPNG []byte   `json:"-"`
}

// IndicatorPreview mirrors MeterPreview for lamps.
type IndicatorPreview struct {
	State          bool    `json:"state"`
	Score          float64 `json:"score"`
	WarpedPNG      []byte  `json:"-"`
	ThresholdedPNG []byte  `json:"-"`
}

func (s *Service) latestFrame(cameraID string) (image.Image, error) {
	snap, ok := s.reg.Frame(cameraID)
	if !ok {
		return nil, ErrNoFrame
	}
	frame, err := jpeg.Decode(bytes.NewReader(snap.Raw))
	if err != nil {
		return nil, fmt.Errorf("decode stored frame: %w", err)
	}
	return frame, nil
}

// Meter runs the recognizer with an ad-hoc meter config against the
// camera's latest frame.
func (s *Service) Meter(cameraID string, cfg config.MeterConfig) (*MeterPreview, error) {
	frame, err := s.latestFrame(cameraID)
	if err != nil {
		return nil, err
	}

	res := vision.RecognizeMeter(frame, cfg)
	out := &MeterPreview{
		Value:      res.Value,
		RawText:    res.RawText,
		Confidence: res.Confidence,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if out.WarpedPNG, err = encodePNG(res.Debug.Warped); err != nil {
		return nil, err
	}
	if out.ThresholdedPNG, err = encodePNG(res.Debug.Thresholded); err != nil {
		return nil, err
	}
	return out, nil
}

// Indicator runs the lamp detector with an ad-hoc config against the
// camera's latest frame.
func (s *Service) Indicator(cameraID string, cfg config.IndicatorConfig) (*IndicatorPreview, error) {
	frame, err := s.latestFrame(cameraID)
	if err != nil {
		return nil, err
	}

	res := vision.DetectIndicator(frame, cfg)
	out := &IndicatorPreview{
		State: res.State,
		Score: res.Score,
	}
	if out.WarpedPNG, err = encodePNG(res.Debug.Warped); err != nil {
		return nil, err
	}
	if out.ThresholdedPNG, err = encodePNG(res.Debug.Thresholded); err != nil {
		return nil, err
	}
	return out, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode debug image: %w", err)
	}
	return buf.Bytes(), nil
}
