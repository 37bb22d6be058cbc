// Package barcode reads the barcode printed next to the table code of a
// tally sheet and renders Code 128 symbols for synthetic sheets.
package barcode

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"net/http"

	"github.com/MeKo-Tech/tally/internal/errx"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"
)

var errorRegistry = errx.NewRegistry("BARCODE")

var (
	ErrNotFound = errorRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusUnprocessableEntity, "No barcode found")
	ErrEncode   = errorRegistry.Register("ENCODE", errx.TypeValidation, http.StatusBadRequest, "Failed to encode barcode")
)

// Format names a symbology.
type Format string

const (
	FormatCode128 Format = "code128"
	FormatQR      Format = "qr"
)

// Result is one decoded symbol.
type Result struct {
	Format Format          `json:"format"`
	Value  string          `json:"value"`
	BBox   image.Rectangle `json:"bbox"`
}

// Reader decodes Code 128 and QR symbols. It is safe for concurrent use;
// the gozxing readers are stateful and built per call.
type Reader struct {
	readers []formatReader
}

type formatReader struct {
	format Format
	build  func() gozxing.Reader
}

// NewReader returns a reader that tries Code 128 before QR.
func NewReader() *Reader {
	return &Reader{readers: []formatReader{
		{FormatCode128, func() gozxing.Reader { return oned.NewCode128Reader() }},
		{FormatQR, func() gozxing.Reader { return qrcode.NewQRCodeReader() }},
	}}
}

// Decode returns the first symbol found in img. It fails with ErrNotFound
// when no reader recognises a symbol.
func (r *Reader) Decode(img image.Image) (Result, error) {
	b := img.Bounds()
	if b.Dx() < 8 || b.Dy() < 4 {
		return Result{}, errorRegistry.New(ErrNotFound).WithDetail("reason", "image too small")
	}
	if b.Min != (image.Point{}) {
		origin := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(origin, origin.Bounds(), img, b.Min, draw.Src)
		img = origin
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return Result{}, errorRegistry.NewWithCause(ErrNotFound, err)
	}
	hints := map[gozxing.DecodeHintType]any{gozxing.DecodeHintType_TRY_HARDER: true}
	var errs []error
	for _, fr := range r.readers {
		res, err := fr.build().Decode(bmp, hints)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return Result{Format: fr.format, Value: res.GetText(), BBox: bbox(res.GetResultPoints(), b)}, nil
	}
	return Result{}, errorRegistry.NewWithCause(ErrNotFound, errors.Join(errs...))
}

func bbox(pts []gozxing.ResultPoint, b image.Rectangle) image.Rectangle {
	if len(pts) == 0 {
		return image.Rectangle{}
	}
	r := image.Rect(int(pts[0].GetX()), int(pts[0].GetY()), int(pts[0].GetX())+1, int(pts[0].GetY())+1)
	for _, p := range pts[1:] {
		r = r.Union(image.Rect(int(p.GetX()), int(p.GetY()), int(p.GetX())+1, int(p.GetY())+1))
	}
	return r.Add(b.Min)
}

// Code128 renders value as black bars on white, stretched over exactly
// w x h pixels without a quiet zone. Callers leave blank paper around it.
func Code128(value string, w, h int) (*image.Gray, error) {
	bm, err := oned.NewCode128Writer().Encode(value, gozxing.BarcodeFormat_CODE_128, 1, 1,
		map[gozxing.EncodeHintType]any{gozxing.EncodeHintType_MARGIN: 0})
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrEncode, err).WithDetail("value", value)
	}
	modules := bm.GetWidth()
	if w < modules || h < 1 {
		return nil, errorRegistry.NewWithMessage(ErrEncode, "barcode does not fit").
			WithDetail("modules", modules).WithDetail("width", w)
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for x := range w {
		c := color.Gray{Y: 255}
		if bm.Get(x*modules/w, 0) {
			c = color.Gray{Y: 0}
		}
		for y := range h {
			img.SetGray(x, y, c)
		}
	}
	return img, nil
}
