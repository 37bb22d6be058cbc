package validator

import (
	"image"
	"image/color"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/features"
	"github.com/MeKo-Tech/tally/internal/preprocess"
	"github.com/MeKo-Tech/tally/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func input(t *testing.T, img image.Image) features.Input {
	t.Helper()
	pre := preprocess.New(preprocess.DefaultConfig()).Process(img)
	require.NotNil(t, pre)
	return features.Input{Binary: pre.Image, Color: img}
}

func TestValidate_TallySheet(t *testing.T) {
	v := New(DefaultConfig())
	rep := v.Validate(input(t, testutil.GenerateTallySheet(testutil.DefaultSheetConfig())))

	res := rep.Result
	assert.True(t, res.IsValid, res.Reason)
	assert.Empty(t, res.Reason)
	assert.GreaterOrEqual(t, res.Confidence, 0.6)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	require.NotNil(t, rep.Features)
	assert.True(t, rep.Features.HasTable())
	for _, name := range []string{CheckQuickFilter, CheckRectangularity, CheckTable, CheckElectoral} {
		c, ok := res.Checks[name]
		require.True(t, ok, name)
		assert.True(t, c.IsValid, name)
	}
}

func TestValidate_PanoramaRejectedByAspectRatio(t *testing.T) {
	v := New(DefaultConfig())
	img := testutil.CreateTextPage(1000, 200, "A WIDE LANDSCAPE PHOTOGRAPH")
	rep := v.Validate(input(t, img))

	assert.False(t, rep.Result.IsValid)
	assert.InDelta(t, 0.1, rep.Result.Confidence, 1e-9)
	assert.Contains(t, rep.Result.Reason, "aspect ratio")
	assert.Nil(t, rep.Features)
	assert.InDelta(t, 5.0, rep.Result.Checks[CheckQuickFilter].Metrics["aspectRatio"], 0.01)
}

func TestQuickFilter_Rejections(t *testing.T) {
	v := New(DefaultConfig())
	sheet := input(t, testutil.GenerateTallySheet(testutil.DefaultSheetConfig()))

	tests := []struct {
		name   string
		in     features.Input
		reason string
	}{
		{"blank page", input(t, testutil.CreateTestImage(1000, 1400, color.White)), "straight lines"},
		{"plain text", input(t, testutil.CreateTextPage(1000, 1400, "DEAR FRIEND", "SEE YOU SOON")), "straight lines"},
		{"colorful photo", features.Input{Binary: sheet.Binary, Color: testutil.CreateColorNoise(1200, 1600)}, "color histogram"},
		{"empty", features.Input{Binary: image.NewGray(image.Rect(0, 0, 0, 0))}, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := v.QuickFilter(tt.in)
			assert.False(t, c.IsValid)
			assert.InDelta(t, 0.1, c.Confidence, 1e-9)
			assert.Contains(t, c.Reason, tt.reason)
		})
	}

	ok := v.QuickFilter(sheet)
	assert.True(t, ok.IsValid)
	assert.Greater(t, ok.Metrics["inkDensity"], 0.01)
}

func TestValidate_DefinitiveFeatureGate(t *testing.T) {
	cfg := testutil.DefaultSheetConfig()
	cfg.Logo = false
	cfg.Barcode = false
	rep := New(DefaultConfig()).Validate(input(t, testutil.GenerateTallySheet(cfg)))

	assert.False(t, rep.Result.IsValid)
	assert.Contains(t, rep.Result.Reason, "definitive")
	assert.True(t, rep.Result.Checks[CheckTable].IsValid)
}

func TestValidate_Deterministic(t *testing.T) {
	v := New(DefaultConfig())
	in := input(t, testutil.GenerateTallySheet(testutil.DefaultSheetConfig()))
	a := v.Validate(in).Result
	b := v.Validate(in).Result
	assert.Equal(t, a.IsValid, b.IsValid)
	assert.Equal(t, a.Confidence, b.Confidence) //nolint:testifylint // exact equality is the property under test
	assert.Equal(t, a.Reason, b.Reason)
}

func TestDecide(t *testing.T) {
	pass := func(c float64) ballot.CheckDetail { return ballot.CheckDetail{IsValid: true, Confidence: c} }
	fail := func(c float64, reason string) ballot.CheckDetail {
		return ballot.CheckDetail{Confidence: c, Reason: reason}
	}
	logo := features.Result{Logo: features.LogoResult{Present: true, Confidence: 0.75}}
	gridAndBarcode := features.Result{
		VotingGrid: features.GridResult{Present: true},
		Barcode:    features.BarcodeResult{Present: true},
	}

	tests := []struct {
		name          string
		rect, table   ballot.CheckDetail
		electoral     ballot.CheckDetail
		feat          features.Result
		valid         bool
		confidence    float64
		reasonContain string
	}{
		{"all pass", pass(0.9), pass(0.9), pass(0.9), logo, true, 0.9, ""},
		{"two pass with electoral", fail(0.3, "small"), pass(0.6), pass(0.6), logo, true, 0.5, ""},
		{"two pass below floor", fail(0.1, "small"), pass(0.6), pass(0.5), features.Result{}, false, 0.4, "small"},
		{"seal and table", pass(0.2), pass(0.3), fail(0.1, "weak"), logo, true, 0.6, ""},
		{"grid and barcode satisfy gate", pass(0.9), pass(0.9), pass(0.9), gridAndBarcode, true, 0.9, ""},
		{"accepted without definitive feature", pass(0.9), pass(0.9), pass(0.9), features.Result{}, false, 0.9, "definitive"},
		{"first failing reason", pass(0.1), fail(0.1, "no table"), fail(0.1, "weak"), features.Result{}, false, 0.1, "no table"},
		{"all pass below every floor", pass(0.2), pass(0.2), pass(0.2), features.Result{}, false, 0.2, "combined confidence"},
	}
	v := New(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.decide(tt.rect, tt.table, tt.electoral, tt.feat)
			assert.Equal(t, tt.valid, res.IsValid)
			assert.InDelta(t, tt.confidence, res.Confidence, 1e-9)
			if tt.reasonContain == "" {
				assert.Empty(t, res.Reason)
			} else {
				assert.Contains(t, res.Reason, tt.reasonContain)
			}
		})
	}
}

func TestElectoralScore(t *testing.T) {
	v := New(DefaultConfig())
	full := features.Result{
		Logo:        features.LogoResult{Present: true, Confidence: 1},
		VotingGrid:  features.GridResult{Present: true},
		Barcode:     features.BarcodeResult{Present: true},
		Title:       true,
		TextPattern: true,
		KeyText:     true,
	}
	assert.InDelta(t, 1.0, v.electoral(full).Confidence, 1e-9)

	half := features.Result{Logo: features.LogoResult{Confidence: 0.5}, VotingGrid: features.GridResult{Present: true}}
	d := v.electoral(half)
	assert.InDelta(t, 0.4, d.Confidence, 1e-9)
	assert.False(t, d.IsValid)
	assert.Contains(t, d.Reason, "electoral")
}
