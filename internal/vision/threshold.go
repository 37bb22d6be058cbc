package vision

import (
	"image"
	"math"
)

// AdaptiveMethod selects how the local threshold is computed.
type AdaptiveMethod int

const (
	AdaptiveMean AdaptiveMethod = iota
	AdaptiveGaussian
)

// Otsu returns the threshold that maximizes between-class variance of the
// intensity histogram.
func Otsu(g *image.Gray) uint8 {
	var hist [256]int
	for _, v := range g.Pix {
		hist[v]++
	}
	total := len(g.Pix)
	if total == 0 {
		return 0
	}
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}
	var sumB float64
	wB := 0
	best := 0.0
	thresh := 0
	for t := range 256 {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sumAll - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			thresh = t
		}
	}
	return uint8(thresh)
}

// Threshold binarizes g: pixels above t become 255. With inverse the
// polarity is flipped.
func Threshold(g *image.Gray, t uint8, inverse bool) *image.Gray {
	out := image.NewGray(g.Bounds())
	for i, v := range g.Pix {
		on := v > t
		if on != inverse {
			out.Pix[i] = 255
		}
	}
	return out
}

// OtsuBinarize thresholds g at its Otsu level.
func OtsuBinarize(g *image.Gray, inverse bool) *image.Gray {
	return Threshold(g, Otsu(g), inverse)
}

// AdaptiveThreshold binarizes each pixel against the local mean (or Gaussian
// weighted mean) of a block x block neighbourhood minus c.
func AdaptiveThreshold(g *image.Gray, block int, c float64, method AdaptiveMethod, inverse bool) *image.Gray {
	if block < 3 {
		block = 3
	}
	if block%2 == 0 {
		block++
	}
	var local []float64
	switch method {
	case AdaptiveGaussian:
		sigma := 0.3*(float64(block-1)*0.5-1) + 0.8
		blurred := Blur(g, sigma)
		local = make([]float64, len(blurred.Pix))
		for i, v := range blurred.Pix {
			local[i] = float64(v)
		}
	default:
		local = boxMean(g, block/2)
	}
	out := image.NewGray(g.Bounds())
	for i, v := range g.Pix {
		on := float64(v) > local[i]-c
		if on != inverse {
			out.Pix[i] = 255
		}
	}
	return out
}

// boxMean computes the mean over a (2r+1)^2 window using an integral image,
// clipping the window at the borders.
func boxMean(g *image.Gray, r int) []float64 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	integral := make([]float64, (w+1)*(h+1))
	for y := range h {
		row := 0.0
		for x := range w {
			row += float64(g.Pix[y*g.Stride+x])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}
	out := make([]float64, w*h)
	for y := range h {
		y0, y1 := max(0, y-r), min(h, y+r+1)
		for x := range w {
			x0, x1 := max(0, x-r), min(w, x+r+1)
			s := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			out[y*w+x] = s / float64((y1-y0)*(x1-x0))
		}
	}
	return out
}

// CLAHE applies contrast-limited adaptive histogram equalization with a
// tiles x tiles grid. clip is relative to the uniform bin height.
func CLAHE(g *image.Gray, clip float64, tiles int) *image.Gray {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return Clone(g)
	}
	if tiles < 1 {
		tiles = 1
	}
	tw := int(math.Ceil(float64(w) / float64(tiles)))
	th := int(math.Ceil(float64(h) / float64(tiles)))
	luts := make([][256]uint8, tiles*tiles)
	for ty := range tiles {
		for tx := range tiles {
			luts[ty*tiles+tx] = tileLUT(g, tx*tw, ty*th, min(w, (tx+1)*tw), min(h, (ty+1)*th), clip)
		}
	}
	out := image.NewGray(g.Bounds())
	for y := range h {
		fy := (float64(y)+0.5)/float64(th) - 0.5
		y0 := clampIndex(int(math.Floor(fy)), tiles)
		y1 := clampIndex(y0+1, tiles)
		wy := clamp01(fy - float64(y0))
		for x := range w {
			fx := (float64(x)+0.5)/float64(tw) - 0.5
			x0 := clampIndex(int(math.Floor(fx)), tiles)
			x1 := clampIndex(x0+1, tiles)
			wx := clamp01(fx - float64(x0))
			v := g.Pix[y*g.Stride+x]
			top := (1-wx)*float64(luts[y0*tiles+x0][v]) + wx*float64(luts[y0*tiles+x1][v])
			bot := (1-wx)*float64(luts[y1*tiles+x0][v]) + wx*float64(luts[y1*tiles+x1][v])
			out.Pix[y*out.Stride+x] = uint8(math.Round((1-wy)*top + wy*bot))
		}
	}
	return out
}

func tileLUT(g *image.Gray, x0, y0, x1, y1 int, clip float64) [256]uint8 {
	var lut [256]uint8
	var hist [256]int
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[g.Pix[y*g.Stride+x]]++
			n++
		}
	}
	if n == 0 {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}
	if clip > 0 {
		limit := max(1, int(clip*float64(n)/256))
		excess := 0
		for i := range hist {
			if hist[i] > limit {
				excess += hist[i] - limit
				hist[i] = limit
			}
		}
		bonus, rest := excess/256, excess%256
		for i := range hist {
			hist[i] += bonus
			if i < rest {
				hist[i]++
			}
		}
	}
	cdf := 0
	for i := range hist {
		cdf += hist[i]
		lut[i] = uint8(math.Round(float64(cdf) * 255 / float64(n)))
	}
	return lut
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
