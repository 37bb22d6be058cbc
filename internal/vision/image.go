// Package vision holds the image primitives used by the preprocessing,
// detection and extraction stages: decoding, grayscale conversion, resizing,
// thresholding, binary morphology, contours, polygon approximation,
// perspective warping and simple line/circle detection.
//
// All functions operate on *image.Gray values whose bounds start at (0,0).
// Binary images use 0 for background and 255 for foreground.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageError records the operation that failed on an image.
type ImageError struct {
	Operation string
	Err       error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %s: %v", e.Operation, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// Decode decodes an encoded image buffer (jpeg, png, bmp, tiff, webp).
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &ImageError{Operation: "decode", Err: errors.New("empty buffer")}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &ImageError{Operation: "decode", Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", &ImageError{Operation: "decode", Err: errors.New("zero-sized image")}
	}
	return img, format, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &ImageError{Operation: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// ToGray converts img to a single-channel image anchored at the origin.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray); ok {
		for y := range b.Dy() {
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return out
	}
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Clone returns a copy of g.
func Clone(g *image.Gray) *image.Gray {
	out := image.NewGray(g.Bounds())
	copy(out.Pix, g.Pix)
	return out
}

// NewBlank returns a w x h image filled with v.
func NewBlank(w, h int, v uint8) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, w, h))
	if v != 0 {
		for i := range out.Pix {
			out.Pix[i] = v
		}
	}
	return out
}

// Resize scales g to w x h. Shrinking uses an area filter and enlarging a
// cubic filter.
func Resize(g *image.Gray, w, h int) *image.Gray {
	if w <= 0 || h <= 0 {
		return NewBlank(0, 0, 0)
	}
	b := g.Bounds()
	if w == b.Dx() && h == b.Dy() {
		return Clone(g)
	}
	filter := imaging.CatmullRom
	if w < b.Dx() && h < b.Dy() {
		filter = imaging.Box
	}
	return ToGray(imaging.Resize(g, w, h, filter))
}

// Scale scales g by factor f with the filter choice of Resize.
func Scale(g *image.Gray, f float64) *image.Gray {
	b := g.Bounds()
	return Resize(g, max(1, int(float64(b.Dx())*f)), max(1, int(float64(b.Dy())*f)))
}

// Crop returns the part of g inside r, clamped to g's bounds. An empty
// intersection yields a zero-sized image.
func Crop(g *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(g.Bounds())
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := range r.Dy() {
		src := g.PixOffset(r.Min.X, r.Min.Y+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+r.Dx()], g.Pix[src:src+r.Dx()])
	}
	return out
}

// Invert flips polarity.
func Invert(g *image.Gray) *image.Gray {
	out := image.NewGray(g.Bounds())
	for i, v := range g.Pix {
		out.Pix[i] = 255 - v
	}
	return out
}

// ColumnMax fills every column of a copy of g with that column's brightest
// value.
func ColumnMax(g *image.Gray) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for x := range b.Dx() {
		var m uint8
		for y := range b.Dy() {
			m = max(m, g.Pix[g.PixOffset(b.Min.X+x, b.Min.Y+y)])
		}
		for y := range b.Dy() {
			out.Pix[y*out.Stride+x] = m
		}
	}
	return out
}

// Blur applies a Gaussian blur with the given sigma.
func Blur(g *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return Clone(g)
	}
	return ToGray(imaging.Blur(g, sigma))
}

// Stats returns mean and standard deviation of the intensities scaled to [0,1].
func Stats(g *image.Gray) (mean, std float64) {
	n := len(g.Pix)
	if n == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, v := range g.Pix {
		f := float64(v) / 255
		sum += f
		sumSq += f * f
	}
	mean = sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// ForegroundRatio returns the fraction of pixels at or above 128.
func ForegroundRatio(g *image.Gray) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	on := 0
	for _, v := range g.Pix {
		if v >= 128 {
			on++
		}
	}
	return float64(on) / float64(len(g.Pix))
}

// HueHistogram returns the number of saturated pixels per hue bin and the
// total number of pixels inspected. Pixels with saturation or value below the
// given limits count toward the total only.
func HueHistogram(img image.Image, bins int, minSat, minVal float64) ([]int, int) {
	hist := make([]int, bins)
	b := img.Bounds()
	total := 0
	step := 1
	if b.Dx()*b.Dy() > 1_000_000 {
		step = 2
	}
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			total++
			h, s, v := hsv(img.At(x, y))
			if s < minSat || v < minVal {
				continue
			}
			idx := int(h / 360 * float64(bins))
			if idx >= bins {
				idx = bins - 1
			}
			hist[idx]++
		}
	}
	return hist, total
}

// IsColor reports whether img carries color channels.
func IsColor(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return false
	}
	return true
}

func hsv(c color.Color) (h, s, v float64) {
	r16, g16, b16, _ := c.RGBA()
	r, g, b := float64(r16)/65535, float64(g16)/65535, float64(b16)/65535
	mx := math.Max(r, math.Max(g, b))
	mn := math.Min(r, math.Min(g, b))
	v = mx
	d := mx - mn
	if mx > 0 {
		s = d / mx
	}
	if d == 0 {
		return 0, s, v
	}
	switch mx {
	case r:
		h = 60 * math.Mod((g-b)/d, 6)
	case g:
		h = 60 * ((b-r)/d + 2)
	default:
		h = 60 * ((r-g)/d + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}
