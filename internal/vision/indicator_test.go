// internal/vision/indicator_test.go
package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sua-org/meter-eye/internal/config"
)

func uniformFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fillRect(img, 0, 0, w, h, c)
	return img
}

func lampConfig(opts ...func(*config.IndicatorConfig)) config.IndicatorConfig {
	cfg := config.IndicatorConfig{
		ID:   "lamp-1",
		Name: "lamp-1",
		Perspective: config.PerspectiveConfig{
			Points:     []config.Point{{0, 0}, {39, 0}, {39, 39}, {0, 39}},
			OutputSize: config.Size{40, 40},
		},
		Detection: config.DetectionConfig{
			Mode:           config.DetectBrightness,
			Threshold:      100,
			RatioThreshold: 0.2,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func TestBrightnessOnOff(t *testing.T) {
	cfg := lampConfig()

	bright := uniformFrame(40, 40, color.RGBA{150, 150, 150, 255})
	res := DetectIndicator(bright, cfg)
	assert.True(t, res.State)
	assert.InDelta(t, 150, res.Score, 1)

	dim := uniformFrame(40, 40, color.RGBA{50, 50, 50, 255})
	res = DetectIndicator(dim, cfg)
	assert.False(t, res.State)
	assert.InDelta(t, 50, res.Score, 1)
}

func TestBrightnessAutoThreshold(t *testing.T) {
	// Half bright, half dark. Otsu lands between the two modes, and
	// the mean sits above the dark cluster, so state follows the
	// mean-vs-Otsu comparison exactly.
	frame := uniformFrame(40, 40, color.RGBA{20, 20, 20, 255})
	fillRect(frame, 0, 0, 40, 20, color.RGBA{220, 220, 220, 255})

	cfg := lampConfig(func(c *config.IndicatorConfig) { c.Detection.Threshold = 0 })
	res := DetectIndicator(frame, cfg)

	gray := ExtractChannel(Warp(frame, cfg.Perspective), config.ChannelGray)
	otsu := float64(OtsuThreshold(gray))
	assert.Equal(t, res.Score >= otsu, res.State)
	assert.InDelta(t, 120, res.Score, 2)
}

func TestColorDetection(t *testing.T) {
	cfg := lampConfig(func(c *config.IndicatorConfig) {
		c.Detection.Mode = config.DetectColor
		c.Detection.OnColor = "red"
		c.Detection.RatioThreshold = 0.2
	})

	// Half the lamp saturated red: ratio ~0.5.
	frame := uniformFrame(40, 40, color.RGBA{10, 10, 10, 255})
	fillRect(frame, 0, 0, 40, 20, color.RGBA{255, 0, 0, 255})

	res := DetectIndicator(frame, cfg)
	assert.True(t, res.State)
	assert.InDelta(t, 0.5, res.Score, 0.05)

	// All dark: nothing matches.
	res = DetectIndicator(uniformFrame(40, 40, color.RGBA{10, 10, 10, 255}), cfg)
	assert.False(t, res.State)
	assert.Zero(t, res.Score)
}

func TestColorHueWraparound(t *testing.T) {
	cfg := lampConfig(func(c *config.IndicatorConfig) {
		c.Detection.Mode = config.DetectColor
		c.Detection.OnColor = "red"
	})

	// Hue ~350 degrees: within 15 degrees of red across the wrap.
	frame := uniformFrame(40, 40, color.RGBA{255, 0, 42, 255})
	res := DetectIndicator(frame, cfg)
	assert.True(t, res.State)
	assert.InDelta(t, 1.0, res.Score, 0.01)
}

func TestColorRejectsDesaturated(t *testing.T) {
	cfg := lampConfig(func(c *config.IndicatorConfig) {
		c.Detection.Mode = config.DetectColor
		c.Detection.OnColor = "green"
	})

	// Washed-out greenish gray: saturation below the floor.
	frame := uniformFrame(40, 40, color.RGBA{180, 200, 180, 255})
	res := DetectIndicator(frame, cfg)
	assert.False(t, res.State)
	assert.Zero(t, res.Score)
}

func TestCanonicalHues(t *testing.T) {
	tests := []struct {
		color string
		rgba  color.RGBA
	}{
		{"red", color.RGBA{255, 0, 0, 255}},
		{"green", color.RGBA{0, 255, 0, 255}},
		{"blue", color.RGBA{0, 0, 255, 255}},
		{"yellow", color.RGBA{255, 255, 0, 255}},
	}
	for _, tc := range tests {
		cfg := lampConfig(func(c *config.IndicatorConfig) {
			c.Detection.Mode = config.DetectColor
			c.Detection.OnColor = tc.color
		})
		res := DetectIndicator(uniformFrame(40, 40, tc.rgba), cfg)
		assert.True(t, res.State, "color %s", tc.color)
		assert.InDelta(t, 1.0, res.Score, 0.01, "color %s", tc.color)
	}
}
