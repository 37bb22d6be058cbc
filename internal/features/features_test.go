package features

import (
	"image"
	"image/color"
	"testing"

	"github.com/MeKo-Tech/tally/internal/preprocess"
	"github.com/MeKo-Tech/tally/internal/testutil"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detect(t *testing.T, img image.Image) Result {
	t.Helper()
	pre := preprocess.New(preprocess.DefaultConfig()).Process(img)
	require.NotNil(t, pre)
	return NewDetector(DefaultConfig()).Detect(Input{Binary: pre.Image, Color: img})
}

func TestDetect_TallySheet(t *testing.T) {
	cfg := testutil.DefaultSheetConfig()
	r := detect(t, testutil.GenerateTallySheet(cfg))

	require.True(t, r.HasTable())
	assert.InDelta(t, testutil.TableLeft*1200, r.TableBox.Min.X, 6)
	assert.InDelta(t, testutil.TableTop*1600, r.TableBox.Min.Y, 6)
	assert.InDelta(t, testutil.TableRight*1200+3, r.TableBox.Max.X, 6)
	assert.InDelta(t, testutil.TableBottom*1600+3, r.TableBox.Max.Y, 6)
	assert.GreaterOrEqual(t, r.HorizontalLines, 5)
	assert.GreaterOrEqual(t, r.VerticalLines, 2)

	assert.True(t, r.Logo.Present)
	assert.Equal(t, 4, r.Logo.Enabled)
	assert.GreaterOrEqual(t, r.Logo.Votes, 3)
	assert.True(t, r.Logo.Signals[SignalColor])
	assert.True(t, r.Logo.Signals[SignalCircles])

	assert.True(t, r.Barcode.Present)
	assert.True(t, r.Barcode.Regional)
	require.NotEmpty(t, r.Barcode.Boxes)
	box := r.Barcode.Boxes[0]
	assert.Greater(t, box.Dx(), 200)
	assert.InDelta(t, 0.70*1200, box.Min.X, 8)

	assert.True(t, r.VotingGrid.Present)
	assert.GreaterOrEqual(t, r.VotingGrid.Cells, 20)
	assert.True(t, r.VotingGrid.Aligned)
	assert.True(t, r.VotingGrid.Lines)

	assert.True(t, r.Title)
	assert.True(t, r.TextPattern)
	assert.True(t, r.KeyText)
}

func TestDetect_BlankPage(t *testing.T) {
	r := detect(t, testutil.CreateTestImage(1000, 1400, color.White))

	assert.False(t, r.HasTable())
	assert.False(t, r.Logo.Present)
	assert.False(t, r.Barcode.Present)
	assert.False(t, r.VotingGrid.Present)
	assert.Zero(t, r.VotingGrid.Cells)
	assert.False(t, r.Title)
	assert.False(t, r.TextPattern)
	assert.False(t, r.KeyText)
}

func TestDetect_SheetWithoutSealOrBarcode(t *testing.T) {
	cfg := testutil.DefaultSheetConfig()
	cfg.Logo = false
	cfg.Barcode = false
	r := detect(t, testutil.GenerateTallySheet(cfg))

	assert.False(t, r.Logo.Present)
	assert.Zero(t, r.Logo.Votes)
	assert.False(t, r.Barcode.Regional)
	assert.True(t, r.HasTable())
	assert.True(t, r.VotingGrid.Present)
}

func TestLogo_GrayInputDisablesColor(t *testing.T) {
	sheet := testutil.GenerateTallySheet(testutil.DefaultSheetConfig())
	pre := preprocess.New(preprocess.DefaultConfig()).Process(sheet)
	d := NewDetector(DefaultConfig())

	res := d.Logo(Input{Binary: pre.Image, Color: vision.ToGray(sheet)})
	assert.Equal(t, 3, res.Enabled)
	assert.True(t, res.Present)
	_, hasColor := res.Signals[SignalColor]
	assert.False(t, hasColor)
}

func TestLogo_SignalToggles(t *testing.T) {
	sheet := testutil.GenerateTallySheet(testutil.DefaultSheetConfig())
	pre := preprocess.New(preprocess.DefaultConfig()).Process(sheet)

	cfg := DefaultConfig()
	cfg.LogoShape = false
	cfg.LogoColor = false
	cfg.LogoDensity = false
	cfg.LogoCircles = true
	cfg.LogoMinVotes = 1
	res := NewDetector(cfg).Logo(Input{Binary: pre.Image, Color: sheet})
	assert.Equal(t, 1, res.Enabled)
	assert.True(t, res.Present)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)

	cfg.LogoCircles = false
	res = NewDetector(cfg).Logo(Input{Binary: pre.Image, Color: sheet})
	assert.Zero(t, res.Enabled)
	assert.False(t, res.Present)
	assert.Zero(t, res.Confidence)
}

func TestMeanTransitions(t *testing.T) {
	g := vision.NewBlank(60, 8, 0)
	for x := 0; x < 60; x += 6 {
		for y := range 8 {
			for dx := range 3 {
				g.SetGray(x+dx, y, color.Gray{Y: 255})
			}
		}
	}
	// 10 bars give 19 changes per row
	assert.InDelta(t, 19, meanTransitions(g, 2), 1e-9)
	assert.Zero(t, meanTransitions(vision.NewBlank(1, 1, 0), 1))
}

func TestGroupsAndSpacing(t *testing.T) {
	var cells []image.Rectangle
	for row := range 5 {
		for _, x := range []int{100, 160} {
			cells = append(cells, image.Rect(x, 100+row*50, x+40, 140+row*50))
		}
	}
	assert.Equal(t, 2, groups(cells, func(r image.Rectangle) (int, int) { return r.Min.X, r.Dx() }))
	// rows hold two cells each
	assert.Zero(t, groups(cells, func(r image.Rectangle) (int, int) { return r.Min.Y, r.Dy() }))
	assert.True(t, aligned(cells))
	assert.True(t, regularSpacing(cells, 0.35))

	// adjacent columns of unequal width whose left edges sit closer than
	// 0.7 of the wider cell stay apart
	var uneven []image.Rectangle
	for row := range 13 {
		y := 400 + row*56
		uneven = append(uneven, image.Rect(363, y, 408, y+53), image.Rect(411, y, 480, y+53))
	}
	axisX := func(r image.Rectangle) (int, int) { return r.Min.X, r.Dx() }
	assert.Equal(t, 2, groups(uneven, axisX))
	assert.True(t, aligned(uneven))

	irregular := []image.Rectangle{
		image.Rect(0, 0, 10, 10), image.Rect(0, 20, 10, 30),
		image.Rect(0, 300, 10, 310), image.Rect(0, 320, 10, 330),
	}
	assert.False(t, regularSpacing(irregular, 0.35))
	assert.False(t, aligned(irregular[:2]))
}
