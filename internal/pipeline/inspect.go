package pipeline

import (
	"image"
	"net/http"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/errx"
	"github.com/MeKo-Tech/tally/internal/features"
	"github.com/MeKo-Tech/tally/internal/preprocess"
	"github.com/MeKo-Tech/tally/internal/validator"
	"github.com/MeKo-Tech/tally/internal/vision"
)

var errorRegistry = errx.NewRegistry("PIPELINE")

var (
	ErrDecode           = errorRegistry.Register("DECODE", errx.TypeValidation, http.StatusBadRequest, "Image could not be decoded")
	ErrMalformedMessage = errorRegistry.Register("MALFORMED_MESSAGE", errx.TypeValidation, http.StatusBadRequest, "Malformed stage message")
	ErrEncode           = errorRegistry.Register("ENCODE", errx.TypeInternal, http.StatusInternalServerError, "Failed to encode processed image")
	ErrExtraction       = errorRegistry.Register("EXTRACTION_FAILED", errx.TypeExternal, http.StatusBadGateway, "Extraction failed")
	ErrHandlerPanic     = errorRegistry.Register("HANDLER_PANIC", errx.TypeInternal, http.StatusInternalServerError, "Stage handler panicked")
	ErrUnknownQueue     = errorRegistry.Register("UNKNOWN_QUEUE", errx.TypeValidation, http.StatusBadRequest, "Queue has no stage handler")
)

// Inspection is the outcome of preprocessing and validating one image.
type Inspection struct {
	ImageHash  string
	Original   image.Image
	Processed  *preprocess.Result
	Validation validator.Report
}

// TableBox returns the detected table box, or an empty rectangle.
func (i *Inspection) TableBox() image.Rectangle {
	if i.Validation.Features == nil {
		return image.Rectangle{}
	}
	return i.Validation.Features.TableBox
}

// Inspector runs the stateless front half of the pipeline: decode,
// preprocess and validate. It is safe for concurrent use.
type Inspector struct {
	pre *preprocess.Preprocessor
	val *validator.Validator
}

// NewInspector creates an Inspector.
func NewInspector(pre *preprocess.Preprocessor, val *validator.Validator) *Inspector {
	return &Inspector{pre: pre, val: val}
}

// Inspect decodes data and validates it. Only undecodable input fails.
func (in *Inspector) Inspect(data []byte) (*Inspection, error) {
	if len(data) == 0 {
		return nil, errorRegistry.NewWithMessage(ErrDecode, "empty image")
	}
	img, _, err := vision.Decode(data)
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrDecode, err)
	}
	pre := in.pre.Process(img)
	report := in.val.Validate(features.Input{Binary: pre.Image, Color: img})
	return &Inspection{
		ImageHash:  ballot.HashImage(data),
		Original:   img,
		Processed:  pre,
		Validation: report,
	}, nil
}
