// internal/vision/otsu.go
package vision

import "image"

// OtsuThreshold picks the binarization threshold that maximizes the
// inter-class variance of the gray histogram. The returned value T is
// meant for a "lit when v >= T" comparison: the background class ends
// strictly below it.
func OtsuThreshold(img *image.Gray) int {
	var hist [256]int
	total := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[img.GrayAt(x, y).Y]++
			total++
		}
	}
	if total == 0 {
		return 0
	}

	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumBack, weightBack float64
	best, bestVar := 0, -1.0
	for t := 0; t < 256; t++ {
		weightBack += float64(hist[t])
		if weightBack == 0 {
			continue
		}
		weightFore := float64(total) - weightBack
		if weightFore == 0 {
			break
		}
		sumBack += float64(t) * float64(hist[t])
		meanBack := sumBack / weightBack
		meanFore := (sum - sumBack) / weightFore
		between := weightBack * weightFore * (meanBack - meanFore) * (meanBack - meanFore)
		if between > bestVar {
			bestVar = between
			best = t
		}
	}
	// The scan splits into bins <= best versus > best; shift by one so
	// the >= comparison lands on the same partition.
	return best + 1
}

// Binarize marks a pixel lit when value >= threshold (lightOnDark) or
// value < threshold (dark on light). The result uses 255 for lit.
func Binarize(img *image.Gray, threshold int, lightOnDark bool) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := int(img.GrayAt(x, y).Y)
			lit := v >= threshold
			if !lightOnDark {
				lit = v < threshold
			}
			if lit {
				out.Pix[out.PixOffset(x, y)] = 255
			}
		}
	}
	return out
}

// MeanGray is the average pixel value of a gray image.
func MeanGray(img *image.Gray) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	var sum uint64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += uint64(img.GrayAt(x, y).Y)
		}
	}
	return float64(sum) / float64(total)
}
