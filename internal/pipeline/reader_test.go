package pipeline

import (
	"context"
	"slices"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/barcode"
	"github.com/MeKo-Tech/tally/internal/consistency"
	"github.com/MeKo-Tech/tally/internal/extract"
	"github.com/MeKo-Tech/tally/internal/ocr"
	"github.com/MeKo-Tech/tally/internal/roi"
	"github.com/MeKo-Tech/tally/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantEngine reads every region as text.
func constantEngine(text string) ocr.Engine {
	return ocr.EngineFunc(func(context.Context, ocr.Request) (string, error) { return text, nil })
}

func readSheet(t *testing.T, code128 bool) *Inspection {
	t.Helper()
	cfg := testutil.DefaultSheetConfig()
	cfg.Code128 = code128
	insp, err := newInspector().Inspect(encodePNG(testutil.GenerateTallySheet(cfg)))
	require.NoError(t, err)
	require.True(t, insp.Validation.Result.IsValid, insp.Validation.Result.Reason)
	return insp
}

func newReader(engineText string, opts ...ReaderOption) *LocalReader {
	return NewLocalReader(roi.Default(),
		extract.New(extract.DefaultConfig(), constantEngine(engineText)),
		consistency.New(consistency.DefaultConfig()),
		opts...)
}

func TestLocalReader_BarcodeTableCode(t *testing.T) {
	insp := readSheet(t, true)

	tests := []struct {
		name        string
		engineText  string
		opts        []ReaderOption
		wantCode    string
		wantFlagged bool
	}{
		{"without barcode reader", "99999", nil, "99999", false},
		{"barcode agrees with OCR", "10234", []ReaderOption{WithBarcode(barcode.NewReader())}, "10234", false},
		{"barcode overrides OCR", "99999", []ReaderOption{WithBarcode(barcode.NewReader())}, "10234", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := newReader(tt.engineText, tt.opts...).Read(context.Background(), insp.Processed.Image, insp.TableBox())
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, rec.TableCode)
			assert.Equal(t, tt.wantFlagged, slices.Contains(rec.Flagged, roi.KeyTableCode))
			if tt.opts != nil {
				assert.InDelta(t, 1.0, rec.Fields[roi.KeyTableCode].Confidence, 1e-9)
			}
			assertAggregated(t, rec)
		})
	}
}

// assertAggregated checks the record's confidence follows from its fields.
func assertAggregated(t *testing.T, rec *ballot.ExtractionRecord) {
	t.Helper()
	sum, n := 0.0, 0
	for _, r := range roi.Default().Regions {
		if f, ok := rec.Fields[r.Key]; ok {
			sum += f.Confidence
			n++
		}
	}
	require.Positive(t, n)
	assert.InDelta(t, sum/float64(n)*rec.ConsistencyScore, rec.OverallConfidence, 1e-9)
	assert.Equal(t, rec.OverallConfidence < consistency.DefaultConfig().Threshold, rec.NeedsManualVerification)
}

func TestLocalReader_PlainBarsKeepOCR(t *testing.T) {
	insp := readSheet(t, false)
	rec, err := newReader("99999", WithBarcode(barcode.NewReader())).
		Read(context.Background(), insp.Processed.Image, insp.TableBox())
	require.NoError(t, err)
	assert.Equal(t, "99999", rec.TableCode)
	assertAggregated(t, rec)
}
