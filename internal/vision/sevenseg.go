// internal/vision/sevenseg.go
package vision

import (
	"errors"
	"image"
	"sort"
	"strconv"
	"strings"

	"github.com/sua-org/meter-eye/internal/config"
)

// Recognition failure kinds. They never cross the camera worker
// boundary as Go errors; the worker turns them into failure Readings.
var (
	ErrNoDigits     = errors.New("no digit candidates found")
	ErrDigitCount   = errors.New("digit count does not match expected_digits")
	ErrUnrecognized = errors.New("segment pattern matched no digit")
	ErrMultipleDots = errors.New("more than one decimal point")
	ErrParse        = errors.New("decoded text is not a number")
)

// segmentPatterns maps the (a,b,c,d,e,f,g) on-bits to a digit.
var segmentPatterns = map[[7]uint8]byte{
	{1, 1, 1, 1, 1, 1, 0}: '0',
	{0, 1, 1, 0, 0, 0, 0}: '1',
	{1, 1, 0, 1, 1, 0, 1}: '2',
	{1, 1, 1, 1, 0, 0, 1}: '3',
	{0, 1, 1, 0, 0, 1, 1}: '4',
	{1, 0, 1, 1, 0, 1, 1}: '5',
	{1, 0, 1, 1, 1, 1, 1}: '6',
	{1, 1, 1, 0, 0, 0, 0}: '7',
	{1, 1, 1, 1, 1, 1, 1}: '8',
	{1, 1, 1, 1, 0, 1, 1}: '9',
}

// segmentRegions are the sample boxes inside a digit bounding box, as
// (x1, y1, x2, y2) fractions, in a..g order. The boxes deliberately
// avoid each other so a lit vertical bar never bleeds into a
// horizontal sample.
var segmentRegions = [7][4]float64{
	{0.20, 0.02, 0.80, 0.12}, // a: top
	{0.70, 0.15, 0.98, 0.42}, // b: top-right
	{0.70, 0.58, 0.98, 0.85}, // c: bottom-right
	{0.20, 0.88, 0.80, 0.98}, // d: bottom
	{0.02, 0.58, 0.30, 0.85}, // e: bottom-left
	{0.02, 0.15, 0.30, 0.42}, // f: top-left
	{0.20, 0.44, 0.80, 0.56}, // g: middle
}

const (
	segmentOnRatio  = 0.5  // lit fraction above which a segment counts as on
	minDigitHeight  = 0.4  // of output height
	minDigitArea    = 0.02 // of output area
	maxDotHeight    = 0.3  // of output height
	maxFuzzDistance = 1    // Hamming distance tolerated against the table
)

// Debug carries the intermediate images the preview endpoint serves.
type Debug struct {
	Warped      *image.RGBA
	Thresholded *image.Gray
}

// Result is the decoded output for one meter region.
type Result struct {
	Value      *float64
	RawText    string
	Confidence float64
	Debug      Debug
	Err        error
}

// component is one 4-connected blob of lit pixels.
type component struct {
	minX, minY, maxX, maxY int
	area                   int
	cx                     float64
}

func (c component) width() int  { return c.maxX - c.minX + 1 }
func (c component) height() int { return c.maxY - c.minY + 1 }

// findComponents labels 4-connected lit regions of a binary image.
func findComponents(binary *image.Gray) []component {
	b := binary.Bounds()
	w, h := b.Dx(), b.Dy()
	labels := make([]int32, w*h)
	var comps []component

	var stack [][2]int
	for sy := 0; sy < h; sy++ {
		for sx := 0; sx < w; sx++ {
			if binary.Pix[binary.PixOffset(sx, sy)] == 0 || labels[sy*w+sx] != 0 {
				continue
			}
			id := int32(len(comps) + 1)
			c := component{minX: sx, minY: sy, maxX: sx, maxY: sy}
			var sumX int64
			stack = stack[:0]
			stack = append(stack, [2]int{sx, sy})
			labels[sy*w+sx] = id
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				x, y := p[0], p[1]
				c.area++
				sumX += int64(x)
				if x < c.minX {
					c.minX = x
				}
				if x > c.maxX {
					c.maxX = x
				}
				if y < c.minY {
					c.minY = y
				}
				if y > c.maxY {
					c.maxY = y
				}
				for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					nx, ny := x+d[0], y+d[1]
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if binary.Pix[binary.PixOffset(nx, ny)] == 0 || labels[ny*w+nx] != 0 {
						continue
					}
					labels[ny*w+nx] = id
					stack = append(stack, [2]int{nx, ny})
				}
			}
			c.cx = float64(sumX) / float64(c.area)
			comps = append(comps, c)
		}
	}
	return comps
}

// narrowDigitRatio: a component much taller than wide can only be a
// "1" (segments b+c). Sampling the seven regions over such a narrow
// box would read everything as on, so it is classified directly.
const narrowDigitRatio = 0.35

// classifyDigit samples the seven segment regions of a digit bounding
// box and decodes it. Patterns within Hamming distance 1 of a table
// entry still decode; when several entries are equally near, the
// lowest digit wins. Returns 0 and confidence 0 when nothing matches.
func classifyDigit(binary *image.Gray, c component) (digit byte, confidence float64) {
	if float64(c.width()) < narrowDigitRatio*float64(c.height()) {
		// Confidence is how solidly the bar fills its own box.
		fill := float64(c.area) / float64(c.width()*c.height())
		if fill > 1 {
			fill = 1
		}
		return '1', fill
	}

	var bits [7]uint8
	var clarity float64
	for i, reg := range segmentRegions {
		x1 := c.minX + int(float64(c.width())*reg[0])
		y1 := c.minY + int(float64(c.height())*reg[1])
		x2 := c.minX + int(float64(c.width())*reg[2])
		y2 := c.minY + int(float64(c.height())*reg[3])
		if x2 <= x1 {
			x2 = x1 + 1
		}
		if y2 <= y1 {
			y2 = y1 + 1
		}
		lit, total := 0, 0
		for y := y1; y <= y2 && y <= c.maxY; y++ {
			for x := x1; x <= x2 && x <= c.maxX; x++ {
				total++
				if binary.Pix[binary.PixOffset(x, y)] != 0 {
					lit++
				}
			}
		}
		ratio := 0.0
		if total > 0 {
			ratio = float64(lit) / float64(total)
		}
		if ratio > segmentOnRatio {
			bits[i] = 1
		}
		// 1.0 when the segment is unambiguously on or off.
		m := ratio
		if 1-ratio < m {
			m = 1 - ratio
		}
		clarity += 1 - 2*m
	}
	clarity /= 7

	if d, ok := segmentPatterns[bits]; ok {
		return d, clarity
	}
	bestDist := 8
	var best byte
	for pat, d := range segmentPatterns {
		dist := 0
		for i := range pat {
			if pat[i] != bits[i] {
				dist++
			}
		}
		if dist < bestDist || (dist == bestDist && d < best) {
			bestDist, best = dist, d
		}
	}
	if bestDist <= maxFuzzDistance {
		return best, clarity
	}
	return 0, 0
}

// RecognizeMeter runs the full seven-segment pipeline of one meter on
// a raw frame. It never fails with a Go error: failure modes come back
// as a Result with Value=nil, Confidence=0 and Err describing the kind.
func RecognizeMeter(frame image.Image, cfg config.MeterConfig) Result {
	warped := Warp(frame, cfg.Perspective)
	plane := ExtractChannel(warped, cfg.Recognition.ColorChannel)

	threshold := cfg.Recognition.Threshold
	if threshold == 0 {
		threshold = OtsuThreshold(plane)
	}
	binary := Binarize(plane, threshold, cfg.Recognition.DisplayMode == config.DisplayLightOnDark)

	res := Result{Debug: Debug{Warped: warped, Thresholded: binary}}

	outW := cfg.Perspective.OutputSize.Width()
	outH := cfg.Perspective.OutputSize.Height()
	comps := findComponents(binary)

	var digits, rest []component
	for _, c := range comps {
		if float64(c.height()) >= minDigitHeight*float64(outH) &&
			float64(c.area) >= minDigitArea*float64(outW*outH) {
			digits = append(digits, c)
		} else {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(digits, func(i, j int) bool { return digits[i].cx < digits[j].cx })

	if len(digits) == 0 {
		res.Err = ErrNoDigits
		return res
	}

	// Decimal points: small isolated blobs in the lower half, to the
	// right of at least one digit.
	var dots []component
	for _, c := range rest {
		if float64(c.height()) >= maxDotHeight*float64(outH) {
			continue
		}
		if c.minY <= outH/2 {
			continue
		}
		if c.cx <= digits[0].cx {
			continue
		}
		dots = append(dots, c)
	}

	// Classify digits and weave in the dots by x position.
	type glyph struct {
		cx float64
		ch byte
	}
	glyphs := make([]glyph, 0, len(digits)+len(dots))
	matched := true
	var confSum float64
	for _, d := range digits {
		ch, conf := classifyDigit(binary, d)
		if ch == 0 {
			matched = false
			ch = '?'
		}
		confSum += conf
		glyphs = append(glyphs, glyph{cx: d.cx, ch: ch})
	}
	for _, d := range dots {
		glyphs = append(glyphs, glyph{cx: d.cx, ch: '.'})
	}
	sort.SliceStable(glyphs, func(i, j int) bool { return glyphs[i].cx < glyphs[j].cx })

	var sb strings.Builder
	for _, g := range glyphs {
		sb.WriteByte(g.ch)
	}
	res.RawText = sb.String()

	if cfg.ExpectedDigits > 0 && len(digits) != cfg.ExpectedDigits {
		res.Err = ErrDigitCount
		return res
	}
	if !matched {
		res.Err = ErrUnrecognized
		return res
	}
	if len(dots) > 1 {
		res.Err = ErrMultipleDots
		return res
	}

	text := res.RawText
	if cfg.DecimalPlaces > 0 && !strings.Contains(text, ".") && len(text) > cfg.DecimalPlaces {
		cut := len(text) - cfg.DecimalPlaces
		text = text[:cut] + "." + text[cut:]
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		res.Err = ErrParse
		return res
	}
	res.Value = &v
	res.Confidence = confSum / float64(len(digits))
	return res
}
