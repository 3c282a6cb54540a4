// internal/camera/annotate.go
package camera

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/sua-org/meter-eye/internal/config"
)

// jpegQuality matches what the snapshot and MJPEG endpoints serve.
const jpegQuality = 80

var (
	meterOutline     = color.RGBA{0, 255, 0, 255}
	indicatorOutline = color.RGBA{255, 200, 0, 255}
)

// encodeJPEG renders a frame at the streaming quality.
func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// annotate draws the configured meter and indicator quadrilaterals
// onto a copy of the frame.
func annotate(frame image.Image, cam *config.CameraConfig) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, frame, b.Min, draw.Src)

	for _, m := range cam.Meters {
		drawQuad(out, m.Perspective.Points, meterOutline)
	}
	for _, ind := range cam.Indicators {
		drawQuad(out, ind.Perspective.Points, indicatorOutline)
	}
	return out
}

func drawQuad(img *image.RGBA, pts []config.Point, c color.RGBA) {
	if len(pts) != 4 {
		return
	}
	for i := 0; i < 4; i++ {
		p1, p2 := pts[i], pts[(i+1)%4]
		drawLine(img, p1.X(), p1.Y(), p2.X(), p2.Y(), c)
	}
}

// drawLine is a plain Bresenham segment clipped to the image bounds.
func drawLine(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	dx := absInt(x2 - x1)
	dy := -absInt(y2 - y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx + dy
	b := img.Bounds()
	for {
		if image.Pt(x1, y1).In(b) {
			img.SetRGBA(x1, y1, c)
		}
		if x1 == x2 && y1 == y2 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x1 += sx
		}
		if e2 <= dx {
			err += dx
			y1 += sy
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
