package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateTestImage creates a uniform image of the given size.
func CreateTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

// CreateTextPage renders a few lines of plain text on white paper. It has no
// tally-sheet structure and is used as a negative sample.
func CreateTextPage(width, height int, lines ...string) *image.RGBA {
	img := CreateTestImage(width, height, color.White)
	for i, line := range lines {
		DrawText(img, line, width/10, height/10+i*40, 2, color.Black)
	}
	return img
}

// CreateColorNoise renders a full hue sweep in stripes of varying
// brightness, giving a saturated and highly diverse color histogram.
func CreateColorNoise(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		v := 0.55 + 0.4*float64((y/9)%2)
		for x := range width {
			hue := 360 * float64(x) / float64(width)
			img.Set(x, y, hsvColor(hue, 0.85, v))
		}
	}
	return img
}

func hsvColor(h, s, v float64) color.RGBA {
	c := v * s
	hp := h / 60
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var r, g, b float64
	switch {
	case hp < 1:
		r, g = c, x
	case hp < 2:
		r, g = x, c
	case hp < 3:
		g, b = c, x
	case hp < 4:
		g, b = x, c
	case hp < 5:
		r, b = x, c
	default:
		r, b = c, x
	}
	m := v - c
	return color.RGBA{R: uint8(255 * (r + m)), G: uint8(255 * (g + m)), B: uint8(255 * (b + m)), A: 255}
}

// EncodePNG encodes img as PNG.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// EncodeJPEG encodes img as JPEG at quality 92.
func EncodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}))
	return buf.Bytes()
}
