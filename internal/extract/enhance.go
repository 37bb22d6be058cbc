package extract

import (
	"image"
	"math"

	"github.com/MeKo-Tech/tally/internal/vision"
)

// digitMask enhances a paper-polarity crop of handwritten or printed digits
// and returns the ink mask (ink = 255). Two binarizations are merged so thin
// strokes missed by the global threshold survive through the local one.
func (e *Extractor) digitMask(paper *image.Gray) *image.Gray {
	up := vision.Scale(paper, e.cfg.DigitUpscale)
	up = vision.Blur(up, e.cfg.DigitSmoothSigma)
	up = vision.CLAHE(up, e.cfg.DigitCLAHEClip, 8)

	global := vision.OtsuBinarize(up, true)
	local := vision.AdaptiveThreshold(up, e.cfg.DigitBlock, e.cfg.DigitC, vision.AdaptiveGaussian, true)
	mask := vision.Or(global, local)

	mask = vision.Open(mask, vision.Rect(2, 2))
	mask = vision.Dilate(mask, vision.Rect(2, 2))
	return vision.Close(mask, vision.Rect(3, 3))
}

// textImage enhances a paper-polarity crop of printed text and returns it
// dark on light, ready for recognition.
func (e *Extractor) textImage(paper *image.Gray) *image.Gray {
	up := vision.Scale(paper, e.cfg.TextUpscale)
	up = vision.Blur(up, 0.5)
	mask := vision.AdaptiveThreshold(up, e.cfg.TextBlock, e.cfg.TextC, vision.AdaptiveGaussian, true)
	return vision.Invert(mask)
}

// clarity scores a crop by contrast and by how far its mean sits from the
// extremes: 0.4*(1-2|mean-0.5|) + 0.6*min(2*std, 1), clamped to [0, 1].
func clarity(crop *image.Gray) float64 {
	if crop.Bounds().Empty() {
		return 0
	}
	mean, std := vision.Stats(crop)
	c := 0.4*(1-2*math.Abs(mean-0.5)) + 0.6*math.Min(2*std, 1)
	return math.Max(0, math.Min(1, c))
}
