// internal/vision/warp.go
package vision

import (
	"image"
	"image/color"

	"github.com/sua-org/meter-eye/internal/config"
)

// homography is a 3x3 projective transform in row-major order.
type homography [9]float64

// apply maps (x, y) through the transform.
func (h homography) apply(x, y float64) (float64, float64) {
	w := h[6]*x + h[7]*y + h[8]
	if w == 0 {
		return 0, 0
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w
}

// solveHomography computes the transform mapping each src point onto
// the corresponding dst point. Standard 8-unknown linear system,
// solved by Gaussian elimination with partial pivoting.
func solveHomography(src, dst [4][2]float64) homography {
	// Rows of the 8x9 augmented system.
	var m [8][9]float64
	for i := 0; i < 4; i++ {
		sx, sy := src[i][0], src[i][1]
		dx, dy := dst[i][0], dst[i][1]
		m[2*i] = [9]float64{sx, sy, 1, 0, 0, 0, -dx * sx, -dx * sy, dx}
		m[2*i+1] = [9]float64{0, 0, 0, sx, sy, 1, -dy * sx, -dy * sy, dy}
	}

	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if abs(m[r][col]) > abs(m[pivot][col]) {
				pivot = r
			}
		}
		m[col], m[pivot] = m[pivot], m[col]
		if m[col][col] == 0 {
			continue // degenerate quad; transform collapses
		}
		inv := 1 / m[col][col]
		for c := col; c < 9; c++ {
			m[col][c] *= inv
		}
		for r := 0; r < 8; r++ {
			if r == col || m[r][col] == 0 {
				continue
			}
			f := m[r][col]
			for c := col; c < 9; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}

	return homography{
		m[0][8], m[1][8], m[2][8],
		m[3][8], m[4][8], m[5][8],
		m[6][8], m[7][8], 1,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Warp extracts the quadrilateral described by p from frame into an
// axis-aligned RGBA image of exactly p.OutputSize. Sampling is
// nearest-neighbor so identical inputs give identical outputs
// bit-for-bit. Pixels mapping outside the frame come out black.
func Warp(frame image.Image, p config.PerspectiveConfig) *image.RGBA {
	width, height := p.OutputSize.Width(), p.OutputSize.Height()
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	if len(p.Points) != 4 {
		return out
	}

	dst := [4][2]float64{
		{0, 0},
		{float64(width - 1), 0},
		{float64(width - 1), float64(height - 1)},
		{0, float64(height - 1)},
	}
	var src [4][2]float64
	for i, pt := range p.Points {
		src[i] = [2]float64{float64(pt.X()), float64(pt.Y())}
	}

	// Invert direction: map each output pixel back into the source.
	inv := solveHomography(dst, src)
	bounds := frame.Bounds()

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sx, sy := inv.apply(float64(x), float64(y))
			ix, iy := int(sx+0.5), int(sy+0.5)
			px := image.Pt(ix+bounds.Min.X, iy+bounds.Min.Y)
			if !px.In(bounds) {
				continue
			}
			r, g, b, _ := frame.At(px.X, px.Y).RGBA()
			out.SetRGBA(x, y, color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 255})
		}
	}
	return out
}

// ExtractChannel reduces a warped RGBA image to one 8-bit plane. For
// "gray" the standard luminance weights are used.
func ExtractChannel(img *image.RGBA, channel string) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			var v uint8
			switch channel {
			case config.ChannelRed:
				v = c.R
			case config.ChannelGreen:
				v = c.G
			case config.ChannelBlue:
				v = c.B
			default:
				v = luminance(c.R, c.G, c.B)
			}
			out.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return out
}

// luminance applies the BT.601 weights 0.299R + 0.587G + 0.114B with
// integer arithmetic to stay deterministic across platforms.
func luminance(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}
