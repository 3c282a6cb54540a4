// internal/vision/warp_test.go
package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/meter-eye/internal/config"
)

func TestWarpIdentity(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 60, 40))
	fillRect(src, 0, 0, 60, 40, color.RGBA{10, 20, 30, 255})
	fillRect(src, 10, 5, 30, 20, color.RGBA{200, 100, 50, 255})

	p := config.PerspectiveConfig{
		Points:     []config.Point{{0, 0}, {59, 0}, {59, 39}, {0, 39}},
		OutputSize: config.Size{60, 40},
	}
	out := Warp(src, p)

	require.Equal(t, 60, out.Bounds().Dx())
	require.Equal(t, 40, out.Bounds().Dy())
	assert.Equal(t, src.Pix, out.Pix)
}

func TestWarpSubregion(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	fillRect(src, 0, 0, 100, 100, color.RGBA{0, 0, 0, 255})
	// Bright patch exactly covering the warped quad.
	fillRect(src, 20, 30, 60, 50, color.RGBA{255, 255, 255, 255})

	p := config.PerspectiveConfig{
		Points:     []config.Point{{20, 30}, {59, 30}, {59, 49}, {20, 49}},
		OutputSize: config.Size{40, 20},
	}
	out := Warp(src, p)

	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			assert.Equal(t, uint8(255), out.RGBAAt(x, y).R, "pixel (%d,%d)", x, y)
		}
	}
}

func TestWarpOutputSizeExact(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	p := config.PerspectiveConfig{
		Points:     []config.Point{{10, 10}, {90, 20}, {80, 90}, {5, 70}},
		OutputSize: config.Size{123, 45},
	}
	out := Warp(src, p)
	assert.Equal(t, 123, out.Bounds().Dx())
	assert.Equal(t, 45, out.Bounds().Dy())
}

func TestExtractChannel(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{200, 100, 50, 255})
	img.SetRGBA(1, 0, color.RGBA{0, 0, 0, 255})

	assert.Equal(t, uint8(200), ExtractChannel(img, config.ChannelRed).GrayAt(0, 0).Y)
	assert.Equal(t, uint8(100), ExtractChannel(img, config.ChannelGreen).GrayAt(0, 0).Y)
	assert.Equal(t, uint8(50), ExtractChannel(img, config.ChannelBlue).GrayAt(0, 0).Y)

	// 0.299*200 + 0.587*100 + 0.114*50 = 124.2
	assert.Equal(t, uint8(124), ExtractChannel(img, config.ChannelGray).GrayAt(0, 0).Y)
}

func TestOtsuBimodal(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			v := uint8(30)
			if y >= 5 {
				v = 220
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	th := OtsuThreshold(img)
	assert.Greater(t, th, 30)
	assert.LessOrEqual(t, th, 220)
}

func TestBinarizeModes(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 200})
	img.SetGray(1, 0, color.Gray{Y: 50})

	lit := Binarize(img, 128, true)
	assert.Equal(t, uint8(255), lit.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), lit.GrayAt(1, 0).Y)

	inv := Binarize(img, 128, false)
	assert.Equal(t, uint8(0), inv.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), inv.GrayAt(1, 0).Y)
}
