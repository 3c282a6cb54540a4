// internal/vision/indicator.go
package vision

import (
	"image"

	"github.com/sua-org/meter-eye/internal/config"
)

// IndicatorResult is the on/off decision for one lamp region.
// Score is the mean gray value (brightness mode) or the matching-pixel
// ratio (color mode).
type IndicatorResult struct {
	State bool
	Score float64
	Debug Debug
}

// canonical hue per on_color, in degrees. Red sits at 0 and wraps.
var canonicalHues = map[string]float64{
	"red":    0,
	"yellow": 60,
	"green":  120,
	"blue":   240,
}

const (
	hueTolerance  = 15.0 // degrees either side of the canonical hue
	minSaturation = 0.4
	minValue      = 0.3
)

// DetectIndicator runs the lamp detector on a raw frame. No debouncing
// is applied; callers wanting flicker suppression layer their own.
func DetectIndicator(frame image.Image, cfg config.IndicatorConfig) IndicatorResult {
	warped := Warp(frame, cfg.Perspective)

	if cfg.Detection.Mode == config.DetectColor {
		return detectByColor(warped, cfg)
	}
	return detectByBrightness(warped, cfg)
}

func detectByBrightness(warped *image.RGBA, cfg config.IndicatorConfig) IndicatorResult {
	gray := ExtractChannel(warped, config.ChannelGray)
	mean := MeanGray(gray)

	threshold := float64(cfg.Detection.Threshold)
	if cfg.Detection.Threshold == 0 {
		threshold = float64(OtsuThreshold(gray))
	}

	return IndicatorResult{
		State: mean >= threshold,
		Score: mean,
		Debug: Debug{Warped: warped, Thresholded: gray},
	}
}

func detectByColor(warped *image.RGBA, cfg config.IndicatorConfig) IndicatorResult {
	target := canonicalHues[cfg.Detection.OnColor]
	b := warped.Bounds()
	total := b.Dx() * b.Dy()

	mask := image.NewGray(b)
	matchCount := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := warped.RGBAAt(x, y)
			h, s, v := rgbToHSV(c.R, c.G, c.B)
			if s < minSaturation || v < minValue {
				continue
			}
			diff := hueDistance(h, target)
			if diff <= hueTolerance {
				mask.Pix[mask.PixOffset(x, y)] = 255
				matchCount++
			}
		}
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(matchCount) / float64(total)
	}

	return IndicatorResult{
		State: ratio >= cfg.Detection.RatioThreshold,
		Score: ratio,
		Debug: Debug{Warped: warped, Thresholded: mask},
	}
}

// hueDistance is the angular distance on the 0..360 hue circle.
func hueDistance(a, b float64) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 180 {
		d = 360 - d
	}
	return d
}

// rgbToHSV converts to hue (degrees 0..360), saturation and value in
// 0..1.
func rgbToHSV(r, g, b uint8) (float64, float64, float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	max := rf
	if gf > max {
		max = gf
	}
	if bf > max {
		max = bf
	}
	min := rf
	if gf < min {
		min = gf
	}
	if bf < min {
		min = bf
	}
	v := max
	delta := max - min
	if max == 0 || delta == 0 {
		return 0, 0, v
	}
	s := delta / max

	var h float64
	switch max {
	case rf:
		h = (gf - bf) / delta
	case gf:
		h = 2 + (bf-rf)/delta
	default:
		h = 4 + (rf-gf)/delta
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, v
}
