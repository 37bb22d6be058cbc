package vision

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillRect(g *image.Gray, r image.Rectangle, v uint8) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			g.SetGray(x, y, color.Gray{Y: v})
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode(nil)
	require.Error(t, err)
	var ie *ImageError
	assert.ErrorAs(t, err, &ie)
	assert.Equal(t, "decode", ie.Operation)

	_, _, err = Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestDecode_RoundTripPNG(t *testing.T) {
	g := NewBlank(20, 10, 200)
	data, err := EncodePNG(g)
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 10, img.Bounds().Dy())
}

func TestCrop_ClampsAndEmpty(t *testing.T) {
	g := NewBlank(10, 10, 1)
	c := Crop(g, image.Rect(5, 5, 50, 50))
	assert.Equal(t, image.Rect(0, 0, 5, 5), c.Bounds())

	empty := Crop(g, image.Rect(20, 20, 30, 30))
	assert.Empty(t, empty.Pix)
}

func TestColumnMax(t *testing.T) {
	g := NewBlank(4, 3, 0)
	g.Pix[g.PixOffset(1, 0)] = 255
	g.Pix[g.PixOffset(3, 2)] = 90
	out := ColumnMax(g)
	for y := range 3 {
		assert.Equal(t, []uint8{0, 255, 0, 90}, out.Pix[y*out.Stride:y*out.Stride+4])
	}
}

func TestStats(t *testing.T) {
	g := NewBlank(4, 1, 0)
	g.Pix[0], g.Pix[1] = 255, 255
	mean, std := Stats(g)
	assert.InDelta(t, 0.5, mean, 1e-9)
	assert.InDelta(t, 0.5, std, 1e-9)

	mean, std = Stats(NewBlank(0, 0, 0))
	assert.Zero(t, mean)
	assert.Zero(t, std)
}

func TestOtsu_Bimodal(t *testing.T) {
	g := NewBlank(20, 20, 40)
	fillRect(g, image.Rect(0, 0, 10, 20), 210)
	th := Otsu(g)
	assert.GreaterOrEqual(t, th, uint8(40))
	assert.Less(t, th, uint8(210))

	bin := OtsuBinarize(g, false)
	assert.Equal(t, uint8(255), bin.GrayAt(2, 2).Y)
	assert.Equal(t, uint8(0), bin.GrayAt(15, 2).Y)

	inv := OtsuBinarize(g, true)
	assert.Equal(t, uint8(0), inv.GrayAt(2, 2).Y)
}

func TestAdaptiveThreshold_FindsDarkText(t *testing.T) {
	g := NewBlank(40, 40, 220)
	fillRect(g, image.Rect(18, 5, 21, 35), 30)
	for _, m := range []AdaptiveMethod{AdaptiveMean, AdaptiveGaussian} {
		bin := AdaptiveThreshold(g, 11, 2, m, true)
		assert.Equal(t, uint8(255), bin.GrayAt(19, 20).Y, "stroke must be foreground")
		assert.Equal(t, uint8(0), bin.GrayAt(5, 5).Y, "flat paper must be background")
	}
}

func TestCLAHE_PreservesSizeAndStretchesContrast(t *testing.T) {
	g := NewBlank(64, 64, 100)
	fillRect(g, image.Rect(0, 0, 32, 64), 120)
	_, before := Stats(g)
	for _, clip := range []float64{0, 40} {
		out := CLAHE(g, clip, 1)
		require.Equal(t, g.Bounds(), out.Bounds())
		_, after := Stats(out)
		assert.Greater(t, after, before, "clip %v", clip)
	}
	assert.Equal(t, g.Bounds(), CLAHE(g, 2, 8).Bounds())
}

func TestMorphology(t *testing.T) {
	g := NewBlank(20, 20, 0)
	fillRect(g, image.Rect(5, 5, 15, 15), 255)
	g.SetGray(1, 1, color.Gray{Y: 255})

	opened := Open(g, Rect(3, 3))
	assert.Equal(t, uint8(0), opened.GrayAt(1, 1).Y, "speck removed")
	assert.Equal(t, uint8(255), opened.GrayAt(10, 10).Y)

	eroded := Erode(g, Rect(3, 3))
	assert.Equal(t, uint8(0), eroded.GrayAt(5, 5).Y)
	assert.Equal(t, uint8(255), eroded.GrayAt(6, 6).Y)

	dilated := Dilate(g, Rect(3, 3))
	assert.Equal(t, uint8(255), dilated.GrayAt(4, 4).Y)
	assert.Equal(t, uint8(0), dilated.GrayAt(3, 3).Y)

	gap := NewBlank(20, 5, 0)
	fillRect(gap, image.Rect(0, 2, 9, 3), 255)
	fillRect(gap, image.Rect(10, 2, 20, 3), 255)
	closed := Close(gap, Rect(3, 1))
	assert.Equal(t, uint8(255), closed.GrayAt(9, 2).Y)
}

func TestComponents(t *testing.T) {
	g := NewBlank(30, 20, 0)
	fillRect(g, image.Rect(2, 2, 6, 6), 255)
	fillRect(g, image.Rect(10, 3, 20, 15), 255)
	// diagonal neighbour joins under 8-connectivity
	g.SetGray(6, 6, color.Gray{Y: 255})

	comps, labels := Components(g)
	require.Len(t, comps, 2)
	assert.Equal(t, image.Rect(2, 2, 7, 7), comps[0].Box)
	assert.Equal(t, 17, comps[0].Area)
	assert.Equal(t, image.Rect(10, 3, 20, 15), comps[1].Box)
	assert.Equal(t, int32(2), labels.L[5*labels.W+12])

	big, ok := Largest(comps)
	require.True(t, ok)
	assert.Equal(t, 120, big.Area)
	assert.Equal(t, image.Rect(2, 2, 20, 15), UnionBox(comps))

	_, ok = Largest(nil)
	assert.False(t, ok)
}

func TestTraceContourAndApprox_Rectangle(t *testing.T) {
	g := NewBlank(40, 30, 0)
	fillRect(g, image.Rect(10, 10, 30, 20), 255)
	comps, labels := Components(g)
	require.Len(t, comps, 1)

	contour := TraceContour(labels, comps[0])
	require.NotEmpty(t, contour)
	approx := ApproxPolygon(contour, 0.02*Perimeter(contour))
	require.Len(t, approx, 4)

	q := OrderCorners(approx)
	assert.Equal(t, Point{X: 10, Y: 10}, q[0])
	assert.Equal(t, Point{X: 29, Y: 10}, q[1])
	assert.Equal(t, Point{X: 29, Y: 19}, q[2])
	assert.Equal(t, Point{X: 10, Y: 19}, q[3])
	assert.InDelta(t, 19*9, PolygonArea(approx), 1e-9)
}

func TestApproxPolygon_Triangle(t *testing.T) {
	var pts []Point
	for i := 0; i <= 20; i++ {
		pts = append(pts, Point{X: float64(i), Y: 0})
	}
	for i := 1; i < 20; i++ {
		pts = append(pts, Point{X: float64(20 - i), Y: float64(i)})
	}
	approx := ApproxPolygon(pts, 1)
	assert.Len(t, approx, 3)
}

func TestWarpQuad_IdentityAndSize(t *testing.T) {
	g := NewBlank(20, 10, 0)
	fillRect(g, image.Rect(0, 0, 10, 10), 255)
	q := Quad{{0, 0}, {19, 0}, {19, 9}, {0, 9}}
	w, h := q.TargetSize()
	assert.Equal(t, 19, w)
	assert.Equal(t, 9, h)

	out, ok := WarpQuad(g, q, 20, 10)
	require.True(t, ok)
	assert.Equal(t, uint8(255), out.GrayAt(2, 5).Y)
	assert.Equal(t, uint8(0), out.GrayAt(17, 5).Y)

	_, ok = WarpQuad(g, Quad{}, 10, 10)
	assert.False(t, ok, "degenerate quad")
}

func TestLineSegmentsAndGrid(t *testing.T) {
	g := NewBlank(200, 200, 0)
	for i := range 6 {
		y := 20 + i*30
		fillRect(g, image.Rect(10, y, 190, y+2), 255)
	}
	for _, x := range []int{10, 100, 188} {
		fillRect(g, image.Rect(x, 20, x+2, 172), 255)
	}
	hs, vs := LineSegments(g, 40)
	assert.Equal(t, 6, hs)
	assert.Equal(t, 3, vs)

	h, v := GridLines(g)
	assert.GreaterOrEqual(t, h, 6)
	assert.GreaterOrEqual(t, v, 3)

	eh, ev := GridLines(NewBlank(50, 50, 0))
	assert.Equal(t, 2, eh)
	assert.Equal(t, 2, ev)
}

func TestHoughCircles(t *testing.T) {
	g := NewBlank(60, 60, 0)
	for y := range 60 {
		for x := range 60 {
			d := math.Hypot(float64(x-30), float64(y-30))
			if math.Abs(d-15) < 1 {
				g.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	circles := HoughCircles(g, 12, 18, 0.5)
	require.NotEmpty(t, circles)
	assert.InDelta(t, 30, circles[0].X, 2)
	assert.InDelta(t, 30, circles[0].Y, 2)

	assert.Empty(t, HoughCircles(NewBlank(60, 60, 0), 5, 10, 0.5))
}

func TestHueHistogram(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := range 10 {
		for x := range 10 {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	hist, total := HueHistogram(img, 18, 0.3, 0.2)
	assert.Equal(t, 100, total)
	assert.Equal(t, 100, hist[0])
	assert.True(t, IsColor(img))
	assert.False(t, IsColor(NewBlank(1, 1, 0)))
}
