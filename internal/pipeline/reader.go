package pipeline

import (
	"context"
	"image"
	"log/slog"
	"slices"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/barcode"
	"github.com/MeKo-Tech/tally/internal/consistency"
	"github.com/MeKo-Tech/tally/internal/extract"
	"github.com/MeKo-Tech/tally/internal/roi"
	"github.com/MeKo-Tech/tally/internal/vision"
)

// LocalReader reads a preprocessed sheet with local OCR: it maps the
// template's regions, extracts every field and aggregates the record.
type LocalReader struct {
	template   *roi.Template
	extractor  *extract.Extractor
	aggregator *consistency.Aggregator
	barcode    *barcode.Reader
}

// ReaderOption configures a LocalReader.
type ReaderOption func(*LocalReader)

// WithBarcode reads the table code from the template's barcode box when
// the template has one.
func WithBarcode(r *barcode.Reader) ReaderOption {
	return func(lr *LocalReader) { lr.barcode = r }
}

// NewLocalReader creates a LocalReader.
func NewLocalReader(tpl *roi.Template, ex *extract.Extractor, agg *consistency.Aggregator, opts ...ReaderOption) *LocalReader {
	r := &LocalReader{template: tpl, extractor: ex, aggregator: agg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Template returns the template the reader maps.
func (r *LocalReader) Template() *roi.Template { return r.template }

// Read extracts the record of img. table is the detected table box and may
// be empty.
func (r *LocalReader) Read(ctx context.Context, img *image.Gray, table image.Rectangle) (*ballot.ExtractionRecord, error) {
	b := img.Bounds()
	m := roi.Build(r.template, b.Dx(), b.Dy(), table)
	res, err := r.extractor.Extract(ctx, img, m, r.template)
	if err != nil {
		return nil, err
	}
	disagrees := r.applyBarcode(img, res.Fields)
	rec := r.aggregator.Aggregate(r.template, res.Fields)
	if disagrees && !slices.Contains(rec.Flagged, roi.KeyTableCode) {
		rec.Flagged = append(rec.Flagged, roi.KeyTableCode)
	}
	return rec, nil
}

// applyBarcode replaces the OCR table code field with a decoded all-digit
// barcode before aggregation. It reports whether a non-empty OCR reading
// disagreed with the barcode.
func (r *LocalReader) applyBarcode(img *image.Gray, fields map[string]ballot.FieldResult) bool {
	if r.barcode == nil || r.template.Barcode == nil {
		return false
	}
	b := img.Bounds()
	crop := vision.Crop(img, r.template.Barcode.Rect(b.Dx(), b.Dy()))
	// the processed page carries ink as bright pixels
	sym, err := r.barcode.Decode(vision.Invert(crop))
	if err != nil {
		// adaptive thresholding hollows wide bars; their edge rows stay solid
		sym, err = r.barcode.Decode(vision.Invert(vision.ColumnMax(crop)))
	}
	if err != nil {
		slog.Debug("No table code barcode", "error", err)
		return false
	}
	if !ballot.IsDigits(sym.Value) {
		slog.Debug("Ignoring non-numeric barcode", "value", sym.Value, "format", sym.Format)
		return false
	}
	barcodeReadsTotal.Inc()
	ocr := fields[roi.KeyTableCode].Value
	disagrees := ocr != "" && ocr != sym.Value
	if disagrees {
		slog.Info("Barcode disagrees with OCR table code", "ocr", ocr, "barcode", sym.Value)
	}
	fields[roi.KeyTableCode] = ballot.NewFieldResult(sym.Value, 1)
	return disagrees
}
